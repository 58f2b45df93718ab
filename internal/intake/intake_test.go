package intake

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"math"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
)

var (
	createdAt = time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC)
	lateClock = rules.FixedClock(createdAt)
)

type fixture struct {
	svc   *Service
	repo  *repository.SQLRepository
	cache *cache.LRUCache
	bus   *bus.ChannelBus
}

func newFixture(t *testing.T, clock rules.Clock, signal float64) *fixture {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "intake.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	cfg := domain.DefaultConfig().Scoring
	engine, err := rules.NewEngine(rules.ReferenceRules(cfg, clock, rules.StaticSignal(signal))...)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	lru := cache.NewLRUCache(100)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	svc, err := New(Config{
		Repository: repo,
		Registry:   rules.NewRegistry(engine),
		Cache:      lru,
		Bus:        eventBus,
		Metrics:    metrics.New(),
		Now:        func() time.Time { return createdAt },
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	return &fixture{svc: svc, repo: repo, cache: lru, bus: eventBus}
}

func request(value string) *domain.TransactionRequest {
	return &domain.TransactionRequest{
		Amount:        amount(value),
		MerchantID:    "merchant-001",
		MerchantName:  "Corner Store",
		CustomerID:    "customer-001",
		CustomerEmail: "buyer@example.com",
	}
}

func TestSubmitScenarios(t *testing.T) {
	quiet := rules.FixedClock(time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC))

	tests := []struct {
		name        string
		amount      string
		clock       rules.Clock
		signal      float64
		wantScore   float64
		wantLevel   domain.RiskLevel
		wantBlocked bool
		wantAlerts  int
	}{
		{"SmallAmount", "5000", quiet, 0.15, 0.15, domain.RiskLow, false, 0},
		{"HighAmountAtThreeAM", "15000", lateClock, 0, 0.5, domain.RiskMedium, false, 2},
		{"CriticalEverything", "60000", lateClock, 0.25, 1.0, domain.RiskCritical, true, 4},
		{"ZeroAmount", "0", quiet, 0, 0, domain.RiskLow, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.clock, tt.signal)

			rec, err := f.svc.Submit(context.Background(), request(tt.amount))
			if err != nil {
				t.Fatalf("Submit failed: %v", err)
			}

			if math.Abs(rec.FraudScore-tt.wantScore) > 1e-9 {
				t.Errorf("expected score %v, got %v", tt.wantScore, rec.FraudScore)
			}
			if rec.RiskLevel != tt.wantLevel {
				t.Errorf("expected %s, got %s", tt.wantLevel, rec.RiskLevel)
			}
			if rec.IsBlocked != tt.wantBlocked {
				t.Errorf("expected blocked=%v, got %v", tt.wantBlocked, rec.IsBlocked)
			}
			if len(rec.Alerts) != tt.wantAlerts {
				t.Fatalf("expected %d alerts, got %d", tt.wantAlerts, len(rec.Alerts))
			}

			stored, err := f.repo.GetTransaction(context.Background(), rec.ID)
			if err != nil {
				t.Fatalf("record was not persisted: %v", err)
			}
			if len(stored.Alerts) != tt.wantAlerts || stored.FraudScore != rec.FraudScore {
				t.Errorf("stored record differs: %+v", stored)
			}
			for i, a := range stored.Alerts {
				if a.TransactionID != rec.ID || a.Status != domain.AlertStatusOpen || a.ID != rec.Alerts[i].ID {
					t.Errorf("alert %d not attributed correctly: %+v", i, a)
				}
			}
		})
	}
}

func TestSubmitValidationStoresNothing(t *testing.T) {
	f := newFixture(t, lateClock, 0)
	ctx := context.Background()

	req := request("100")
	req.CustomerID = ""

	_, err := f.svc.Submit(ctx, req)
	var verr *domain.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}

	stats, _ := f.repo.TransactionStats(ctx, "")
	if stats.Total != 0 {
		t.Errorf("expected nothing stored, got %d", stats.Total)
	}
}

func TestSubmitIdempotency(t *testing.T) {
	f := newFixture(t, lateClock, 0)
	ctx := context.Background()

	req := request("15000")
	req.IdempotencyKey = "order-42"

	first, err := f.svc.Submit(ctx, req)
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	t.Run("CacheHit", func(t *testing.T) {
		again, err := f.svc.Submit(ctx, req)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if again.ID != first.ID {
			t.Errorf("expected replay of %s, got %s", first.ID, again.ID)
		}
	})

	t.Run("RepositoryFallback", func(t *testing.T) {
		f.cache.Close()

		again, err := f.svc.Submit(ctx, req)
		if err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
		if again.ID != first.ID {
			t.Errorf("expected replay of %s, got %s", first.ID, again.ID)
		}
	})

	stats, _ := f.repo.TransactionStats(ctx, "")
	if stats.Total != 1 {
		t.Errorf("expected exactly one stored transaction, got %d", stats.Total)
	}
}

func TestSubmitConcurrentSameKey(t *testing.T) {
	f := newFixture(t, lateClock, 0)
	ctx := context.Background()

	const n = 8
	ids := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := request("20000")
			req.IdempotencyKey = "race-key"
			rec, err := f.svc.Submit(ctx, req)
			if err != nil {
				t.Errorf("Submit failed: %v", err)
				return
			}
			ids[i] = rec.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("expected one winner, got %v", ids)
		}
	}
}

func TestSubmitPublishesEvents(t *testing.T) {
	f := newFixture(t, lateClock, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(3)

	var mu sync.Mutex
	var scored domain.TransactionRecord
	var alerts []domain.Alert

	f.bus.Subscribe(ctx, domain.TopicTransactionScored, func(ctx context.Context, msg *domain.Message) error {
		defer wg.Done()
		mu.Lock()
		defer mu.Unlock()
		return json.Unmarshal(msg.Payload, &scored)
	})
	f.bus.Subscribe(ctx, domain.TopicAlertRaised, func(ctx context.Context, msg *domain.Message) error {
		defer wg.Done()
		var a domain.Alert
		if err := json.Unmarshal(msg.Payload, &a); err != nil {
			return err
		}
		mu.Lock()
		alerts = append(alerts, a)
		mu.Unlock()
		return nil
	})

	rec, err := f.svc.Submit(ctx, request("15000"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for events")
	}

	mu.Lock()
	defer mu.Unlock()
	if scored.ID != rec.ID {
		t.Errorf("expected scored event for %s, got %s", rec.ID, scored.ID)
	}
	if len(alerts) != 2 {
		t.Errorf("expected 2 alert events, got %d", len(alerts))
	}
}

type failingRepo struct {
	domain.Repository
}

func (failingRepo) CreateTransaction(context.Context, *domain.TransactionRecord) error {
	return errors.New("disk full")
}

func TestSubmitPersistenceError(t *testing.T) {
	f := newFixture(t, lateClock, 0)

	svc, err := New(Config{
		Repository: failingRepo{Repository: f.repo},
		Registry:   f.svc.registry,
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}

	_, err = svc.Submit(context.Background(), request("100"))
	var perr *domain.PersistenceError
	if !errors.As(err, &perr) {
		t.Fatalf("expected PersistenceError, got %v", err)
	}
}

func TestListAndStats(t *testing.T) {
	f := newFixture(t, lateClock, 0)
	ctx := context.Background()

	for _, a := range []string{"100", "15000", "60000"} {
		if _, err := f.svc.Submit(ctx, request(a)); err != nil {
			t.Fatalf("Submit failed: %v", err)
		}
	}

	t.Run("Defaults", func(t *testing.T) {
		page, err := f.svc.List(ctx, domain.TransactionFilter{})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if page.Pagination != (domain.Pagination{Page: 1, Limit: 10, Total: 3, Pages: 1}) {
			t.Errorf("unexpected pagination: %+v", page.Pagination)
		}
	})

	t.Run("LimitCapped", func(t *testing.T) {
		page, err := f.svc.List(ctx, domain.TransactionFilter{Page: 1, Limit: 5000})
		if err != nil {
			t.Fatalf("List failed: %v", err)
		}
		if page.Pagination.Limit != MaxLimit {
			t.Errorf("expected limit %d, got %d", MaxLimit, page.Pagination.Limit)
		}
	})

	t.Run("PageCount", func(t *testing.T) {
		page, _ := f.svc.List(ctx, domain.TransactionFilter{Page: 2, Limit: 2})
		if page.Pagination.Pages != 2 || len(page.Transactions) != 1 {
			t.Errorf("unexpected page: %+v, %d items", page.Pagination, len(page.Transactions))
		}
	})

	t.Run("Stats", func(t *testing.T) {
		stats, err := f.svc.Stats(ctx, "")
		if err != nil {
			t.Fatalf("Stats failed: %v", err)
		}
		// 100 -> 0.2 LOW, 15000 -> 0.5 MEDIUM, 60000 -> 0.9 CRITICAL (blocked)
		if stats.Total != 3 || stats.HighRisk != 1 || stats.Blocked != 1 {
			t.Errorf("unexpected stats: %+v", stats)
		}
	})
}

func TestGetAndAlertReview(t *testing.T) {
	f := newFixture(t, lateClock, 0)
	ctx := context.Background()

	rec, err := f.svc.Submit(ctx, request("15000"))
	if err != nil {
		t.Fatalf("Submit failed: %v", err)
	}

	got, err := f.svc.Get(ctx, rec.ID)
	if err != nil || got.ID != rec.ID {
		t.Fatalf("Get failed: %v", err)
	}

	if _, err := f.svc.Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	alertID := rec.Alerts[0].ID
	alert, err := f.svc.UpdateAlertStatus(ctx, alertID, domain.AlertStatusResolved)
	if err != nil {
		t.Fatalf("UpdateAlertStatus failed: %v", err)
	}
	if alert.Status != domain.AlertStatusResolved {
		t.Errorf("expected RESOLVED, got %s", alert.Status)
	}

	got, _ = f.svc.Get(ctx, rec.ID)
	if got.Alerts[0].Status != domain.AlertStatusResolved {
		t.Errorf("cached record still shows %s", got.Alerts[0].Status)
	}

	var verr *domain.ValidationError
	if _, err := f.svc.UpdateAlertStatus(ctx, alertID, "DONE"); !errors.As(err, &verr) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	if _, err := f.svc.UpdateAlertStatus(ctx, "missing", domain.AlertStatusResolved); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestNewRequiresDependencies(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without repository")
	}
}

type failingCache struct {
	*cache.LRUCache
}

func (failingCache) SetTransaction(context.Context, *domain.TransactionRecord, time.Duration) error {
	return errors.New("cache unavailable")
}

func TestCacheWriteFailuresAreLogged(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	f := newFixture(t, lateClock, 0)
	svc, err := New(Config{
		Repository: f.repo,
		Registry:   f.svc.registry,
		Cache:      failingCache{LRUCache: cache.NewLRUCache(10)},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	ctx := context.Background()

	rec, err := svc.Submit(ctx, request("15000"))
	if err != nil {
		t.Fatalf("Submit should not fail on cache errors: %v", err)
	}
	if _, err := svc.Get(ctx, rec.ID); err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if _, err := svc.UpdateAlertStatus(ctx, rec.Alerts[0].ID, domain.AlertStatusInvestigating); err != nil {
		t.Fatalf("UpdateAlertStatus failed: %v", err)
	}

	// Submit, Get and the alert refresh each report the failed write.
	if n := strings.Count(buf.String(), "failed to cache transaction"); n != 3 {
		t.Errorf("expected 3 cache warnings, got %d:\n%s", n, buf.String())
	}
}
