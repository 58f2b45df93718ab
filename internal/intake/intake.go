// Package intake validates, scores, persists and announces submitted transactions.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// Paging limits for List.
const (
	DefaultPage  = 1
	DefaultLimit = 10
	MaxLimit     = 100
)

var tracer = otel.Tracer("kestrel-intake")

// Config wires a Service. Repository and Registry are required; the rest are optional.
type Config struct {
	Repository domain.Repository
	Registry   *rules.Registry
	Cache      domain.Cache
	Bus        domain.EventBus
	Metrics    *metrics.Metrics

	RecordTTL      time.Duration
	IdempotencyTTL time.Duration

	// Now stamps createdAt. Defaults to time.Now.
	Now func() time.Time
}

// Service is the transaction intake service.
type Service struct {
	repo     domain.Repository
	registry *rules.Registry
	cache    domain.Cache
	bus      domain.EventBus
	metrics  *metrics.Metrics

	recordTTL      time.Duration
	idempotencyTTL time.Duration
	now            func() time.Time
}

// New creates an intake service.
func New(cfg Config) (*Service, error) {
	if cfg.Repository == nil {
		return nil, errors.New("intake: repository is required")
	}
	if cfg.Registry == nil || cfg.Registry.Engine() == nil {
		return nil, errors.New("intake: scoring engine is required")
	}
	if cfg.RecordTTL <= 0 {
		cfg.RecordTTL = 10 * time.Minute
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 24 * time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Service{
		repo:           cfg.Repository,
		registry:       cfg.Registry,
		cache:          cfg.Cache,
		bus:            cfg.Bus,
		metrics:        cfg.Metrics,
		recordTTL:      cfg.RecordTTL,
		idempotencyTTL: cfg.IdempotencyTTL,
		now:            cfg.Now,
	}, nil
}

// Submit validates and scores req, then stores the result with its alerts.
//
// A request carrying an idempotency key that was already recorded returns the
// stored record unchanged. Validation failures are *domain.ValidationError;
// storage failures are *domain.PersistenceError.
func (s *Service) Submit(ctx context.Context, req *domain.TransactionRequest) (*domain.TransactionRecord, error) {
	ctx, span := tracer.Start(ctx, "intake.Submit")
	defer span.End()

	tx, err := Validate(req)
	if err != nil {
		s.metrics.ObserveRejected("validation")
		span.SetStatus(codes.Error, "validation failed")
		return nil, err
	}

	key := req.IdempotencyKey
	if key != "" {
		span.SetAttributes(attribute.String("idempotency.key", key))
		if existing := s.lookupIdempotent(ctx, key); existing != nil {
			slog.Info("idempotent replay",
				"transaction_id", existing.ID,
				"idempotency_key", key,
			)
			span.SetAttributes(attribute.Bool("idempotency.replayed", true))
			return existing, nil
		}
	}

	start := time.Now()
	result := s.registry.Evaluate(tx)
	took := time.Since(start)

	rec := s.newRecord(tx, result, key)
	span.SetAttributes(
		attribute.String("transaction.id", rec.ID),
		attribute.Float64("fraud.score", rec.FraudScore),
		attribute.String("fraud.risk_level", string(rec.RiskLevel)),
		attribute.Bool("fraud.blocked", rec.IsBlocked),
	)

	if err := s.repo.CreateTransaction(ctx, rec); err != nil {
		if key != "" && errors.Is(err, domain.ErrDuplicate) {
			// Lost a race with a concurrent submission under the same key.
			existing, getErr := s.repo.GetTransactionByIdempotencyKey(ctx, key)
			if getErr == nil {
				return existing, nil
			}
			err = getErr
		}
		s.metrics.ObserveRejected("persistence")
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		return nil, &domain.PersistenceError{Op: "create transaction", Err: err}
	}

	s.remember(ctx, rec)
	s.announce(ctx, rec)
	s.metrics.ObserveScored(rec, took)

	slog.Info("transaction scored",
		"transaction_id", rec.ID,
		"fraud_score", rec.FraudScore,
		"risk_level", rec.RiskLevel,
		"is_blocked", rec.IsBlocked,
		"alerts", len(rec.Alerts),
		"eval_us", took.Microseconds(),
	)

	return rec, nil
}

func (s *Service) newRecord(tx domain.Transaction, result domain.ScoreResult, key string) *domain.TransactionRecord {
	now := s.now().UTC()
	rec := &domain.TransactionRecord{
		ID:             uuid.New().String(),
		Transaction:    tx,
		FraudScore:     result.Score,
		RiskLevel:      result.RiskLevel,
		IsBlocked:      domain.ShouldBlock(result.Score),
		IdempotencyKey: key,
		CreatedAt:      now,
		Alerts:         make([]domain.Alert, len(result.Alerts)),
	}

	for i, a := range result.Alerts {
		a.ID = uuid.New().String()
		a.TransactionID = rec.ID
		a.Status = domain.AlertStatusOpen
		a.CreatedAt = now
		rec.Alerts[i] = a
	}
	return rec
}

// lookupIdempotent resolves key through the cache, then the repository.
func (s *Service) lookupIdempotent(ctx context.Context, key string) *domain.TransactionRecord {
	if s.cache != nil {
		if id, err := s.cache.GetIdempotent(ctx, key); err == nil && id != "" {
			if rec, err := s.Get(ctx, id); err == nil {
				return rec
			}
		}
	}

	rec, err := s.repo.GetTransactionByIdempotencyKey(ctx, key)
	if err != nil {
		if !errors.Is(err, domain.ErrNotFound) {
			slog.Warn("idempotency lookup failed", "idempotency_key", key, "error", err)
		}
		return nil
	}
	return rec
}

// remember caches the record and its idempotency key. Failures are logged.
func (s *Service) remember(ctx context.Context, rec *domain.TransactionRecord) {
	if s.cache == nil {
		return
	}
	s.cacheRecord(ctx, rec)
	if rec.IdempotencyKey != "" {
		if err := s.cache.SetIdempotent(ctx, rec.IdempotencyKey, rec.ID, s.idempotencyTTL); err != nil {
			slog.Warn("failed to cache idempotency key", "transaction_id", rec.ID, "error", err)
		}
	}
}

func (s *Service) cacheRecord(ctx context.Context, rec *domain.TransactionRecord) {
	if err := s.cache.SetTransaction(ctx, rec, s.recordTTL); err != nil {
		slog.Warn("failed to cache transaction", "transaction_id", rec.ID, "error", err)
	}
}

// announce publishes the scored record and one event per alert. Failures are logged.
func (s *Service) announce(ctx context.Context, rec *domain.TransactionRecord) {
	if s.bus == nil {
		return
	}

	s.publish(ctx, domain.TopicTransactionScored, rec)
	for i := range rec.Alerts {
		s.publish(ctx, domain.TopicAlertRaised, &rec.Alerts[i])
	}
}

func (s *Service) publish(ctx context.Context, topic string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := s.bus.Publish(ctx, topic, payload); err != nil {
		slog.Warn("failed to publish event", "topic", topic, "error", err)
	}
}

// Get returns one transaction with its alerts, reading through the cache.
func (s *Service) Get(ctx context.Context, id string) (*domain.TransactionRecord, error) {
	if s.cache != nil {
		if rec, err := s.cache.GetTransaction(ctx, id); err == nil && rec != nil {
			return rec, nil
		}
	}

	rec, err := s.repo.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		s.cacheRecord(ctx, rec)
	}
	return rec, nil
}

// List returns one page of transactions, newest first.
func (s *Service) List(ctx context.Context, filter domain.TransactionFilter) (*domain.TransactionPage, error) {
	filter = NormalizeFilter(filter)

	records, total, err := s.repo.ListTransactions(ctx, filter)
	if err != nil {
		return nil, err
	}

	return &domain.TransactionPage{
		Transactions: records,
		Pagination: domain.Pagination{
			Page:  filter.Page,
			Limit: filter.Limit,
			Total: total,
			Pages: int(math.Ceil(float64(total) / float64(filter.Limit))),
		},
	}, nil
}

// NormalizeFilter applies the default page and limit and caps the limit.
func NormalizeFilter(filter domain.TransactionFilter) domain.TransactionFilter {
	if filter.Page < 1 {
		filter.Page = DefaultPage
	}
	if filter.Limit < 1 {
		filter.Limit = DefaultLimit
	}
	if filter.Limit > MaxLimit {
		filter.Limit = MaxLimit
	}
	return filter
}

// Stats aggregates stored transactions, optionally restricted to one tier.
func (s *Service) Stats(ctx context.Context, level domain.RiskLevel) (*domain.TransactionStats, error) {
	return s.repo.TransactionStats(ctx, level)
}

// UpdateAlertStatus moves an alert through the review workflow.
func (s *Service) UpdateAlertStatus(ctx context.Context, alertID string, status domain.AlertStatus) (*domain.Alert, error) {
	if !status.Valid() {
		verr := &domain.ValidationError{}
		verr.Add("status", fmt.Sprintf("must be one of %s, %s, %s, %s",
			domain.AlertStatusOpen, domain.AlertStatusInvestigating,
			domain.AlertStatusResolved, domain.AlertStatusFalsePositive))
		return nil, verr
	}

	alert, err := s.repo.UpdateAlertStatus(ctx, alertID, status)
	if err != nil {
		return nil, err
	}

	slog.Info("alert status updated",
		"alert_id", alert.ID,
		"transaction_id", alert.TransactionID,
		"status", alert.Status,
	)

	// Refresh the cached copy so reads see the new status.
	if s.cache != nil {
		if rec, err := s.repo.GetTransaction(ctx, alert.TransactionID); err == nil {
			s.cacheRecord(ctx, rec)
		}
	}
	return alert, nil
}

// Ping checks the repository and, when configured, the cache and bus.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.repo.Ping(ctx); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if s.cache != nil {
		if err := s.cache.Ping(ctx); err != nil {
			return fmt.Errorf("cache: %w", err)
		}
	}
	if s.bus != nil {
		if err := s.bus.Ping(ctx); err != nil {
			return fmt.Errorf("event bus: %w", err)
		}
	}
	return nil
}
