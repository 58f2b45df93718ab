package rules

import (
	"errors"
	"math"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	quietHour = FixedClock(time.Date(2025, 3, 14, 12, 0, 0, 0, time.UTC))
	lateHour  = FixedClock(time.Date(2025, 3, 14, 3, 0, 0, 0, time.UTC))
)

func allRules() domain.ScoringConfig {
	return domain.ScoringConfig{HighAmount: true, CriticalAmount: true, UnusualHour: true, Exploratory: true}
}

func newTestEngine(t *testing.T, clock Clock, signal float64) *Engine {
	t.Helper()
	engine, err := NewEngine(ReferenceRules(allRules(), clock, StaticSignal(signal))...)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	return engine
}

func txWithAmount(amount int64) domain.Transaction {
	return domain.Transaction{
		Amount:     decimal.NewFromInt(amount),
		Currency:   "USD",
		MerchantID: "merchant-001",
		CustomerID: "customer-001",
	}
}

func alertTypes(alerts []domain.Alert) []domain.AlertType {
	out := make([]domain.AlertType, len(alerts))
	for i, a := range alerts {
		out[i] = a.Type
	}
	return out
}

func TestEngineCreation(t *testing.T) {
	engine := newTestEngine(t, quietHour, 0)
	if engine.RulesCount() != 4 {
		t.Errorf("expected 4 rules, got %d", engine.RulesCount())
	}

	ids := []string{}
	for _, d := range engine.Rules() {
		ids = append(ids, d.ID)
	}
	want := []string{RuleHighAmount, RuleCriticalAmount, RuleUnusualHour, RuleExploratory}
	if !reflect.DeepEqual(ids, want) {
		t.Errorf("expected order %v, got %v", want, ids)
	}
}

func TestEngineConfigurationErrors(t *testing.T) {
	tests := []struct {
		name  string
		rules []Rule
	}{
		{"Empty", nil},
		{"NilRule", []Rule{NewHighAmountRule(), nil}},
		{"DuplicateID", []Rule{NewHighAmountRule(), NewHighAmountRule()}},
		{"NegativeDelta", []Rule{stubRule{id: "negative", delta: -0.1}}},
		{"MissingID", []Rule{stubRule{delta: 0.1}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEngine(tt.rules...)
			var cfgErr *domain.ConfigurationError
			if !errors.As(err, &cfgErr) {
				t.Fatalf("expected ConfigurationError, got %v", err)
			}
		})
	}
}

func TestEvaluateScenarios(t *testing.T) {
	tests := []struct {
		name       string
		amount     int64
		clock      Clock
		signal     float64
		wantScore  float64
		wantLevel  domain.RiskLevel
		wantAlerts []domain.AlertType
	}{
		{
			name:      "SmallAmountQuiet",
			amount:    5_000,
			clock:     quietHour,
			signal:    0.15,
			wantScore: 0.15,
			wantLevel: domain.RiskLow,
		},
		{
			name:       "SmallAmountExploratoryAlert",
			amount:     5_000,
			clock:      quietHour,
			signal:     0.25,
			wantScore:  0.25,
			wantLevel:  domain.RiskLow,
			wantAlerts: []domain.AlertType{domain.AlertMLPrediction},
		},
		{
			name:       "HighAmountAtThreeAM",
			amount:     15_000,
			clock:      lateHour,
			signal:     0,
			wantScore:  0.5,
			wantLevel:  domain.RiskMedium,
			wantAlerts: []domain.AlertType{domain.AlertHighAmount, domain.AlertSuspiciousPattern},
		},
		{
			name:      "CriticalAmountEverythingFires",
			amount:    60_000,
			clock:     lateHour,
			signal:    0.25,
			wantScore: 1.0,
			wantLevel: domain.RiskCritical,
			wantAlerts: []domain.AlertType{
				domain.AlertHighAmount,
				domain.AlertHighAmount,
				domain.AlertSuspiciousPattern,
				domain.AlertMLPrediction,
			},
		},
		{
			name:      "ZeroAmountQuiet",
			amount:    0,
			clock:     quietHour,
			signal:    0,
			wantScore: 0,
			wantLevel: domain.RiskLow,
		},
		{
			name:       "ZeroAmountLate",
			amount:     0,
			clock:      lateHour,
			signal:     0.1,
			wantScore:  0.3,
			wantLevel:  domain.RiskLow,
			wantAlerts: []domain.AlertType{domain.AlertSuspiciousPattern},
		},
		{
			name:       "ExactlyTenThousandDoesNotFire",
			amount:     10_000,
			clock:      quietHour,
			wantScore:  0,
			wantLevel:  domain.RiskLow,
			wantAlerts: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			engine := newTestEngine(t, tt.clock, tt.signal)
			result := engine.Evaluate(txWithAmount(tt.amount))

			if math.Abs(result.Score-tt.wantScore) > 1e-9 {
				t.Errorf("expected score %.2f, got %.4f", tt.wantScore, result.Score)
			}
			if result.RiskLevel != tt.wantLevel {
				t.Errorf("expected %s, got %s", tt.wantLevel, result.RiskLevel)
			}
			got := alertTypes(result.Alerts)
			if len(got) != len(tt.wantAlerts) {
				t.Fatalf("expected alerts %v, got %v", tt.wantAlerts, got)
			}
			for i := range got {
				if got[i] != tt.wantAlerts[i] {
					t.Errorf("alert %d: expected %s, got %s", i, tt.wantAlerts[i], got[i])
				}
			}
		})
	}
}

func TestCriticalAmountSeverities(t *testing.T) {
	engine := newTestEngine(t, quietHour, 0)
	result := engine.Evaluate(txWithAmount(60_000))

	if len(result.Alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %d", len(result.Alerts))
	}
	if result.Alerts[0].Severity != domain.SeverityHigh {
		t.Errorf("expected first alert HIGH, got %s", result.Alerts[0].Severity)
	}
	if result.Alerts[1].Severity != domain.SeverityCritical {
		t.Errorf("expected second alert CRITICAL, got %s", result.Alerts[1].Severity)
	}
	if math.Abs(result.Score-0.7) > 1e-9 {
		t.Errorf("expected score 0.7, got %v", result.Score)
	}
	// 0.7 is not strictly above the CRITICAL threshold.
	if result.RiskLevel != domain.RiskHigh {
		t.Errorf("expected HIGH at score 0.7, got %s", result.RiskLevel)
	}
}

func TestEvaluateIsIdempotent(t *testing.T) {
	engine := newTestEngine(t, lateHour, 0.22)
	tx := txWithAmount(42_000)

	first := engine.Evaluate(tx)
	second := engine.Evaluate(tx)

	if !reflect.DeepEqual(first, second) {
		t.Errorf("expected identical results:\n%+v\n%+v", first, second)
	}
}

func TestEvaluateDoesNotMutateTransaction(t *testing.T) {
	engine := newTestEngine(t, lateHour, 0.3)
	tx := txWithAmount(75_000)
	tx.CustomerEmail = "buyer@example.com"
	before := tx

	engine.Evaluate(tx)

	if !reflect.DeepEqual(before, tx) {
		t.Error("transaction was mutated by evaluation")
	}
}

func TestScoreAlwaysBounded(t *testing.T) {
	for _, clock := range []Clock{quietHour, lateHour} {
		for _, signal := range []float64{-5, 0, 0.1, 0.29, 0.3, 7, math.NaN()} {
			engine := newTestEngine(t, clock, signal)
			for _, amount := range []int64{0, 1, 10_001, 50_001, 1_000_000_000} {
				result := engine.Evaluate(txWithAmount(amount))
				if result.Score < 0 || result.Score > 1 {
					t.Fatalf("score %v out of bounds (amount=%d signal=%v)", result.Score, amount, signal)
				}
				if result.RiskLevel != domain.RiskLevelFromScore(result.Score) {
					t.Fatalf("tier %s does not match score %v", result.RiskLevel, result.Score)
				}
			}
		}
	}
}

func TestAlertCountMatchesFiredRules(t *testing.T) {
	engine := newTestEngine(t, lateHour, 0.21)
	result := engine.Evaluate(txWithAmount(20_000))

	// high amount, unusual hour and exploratory hold; critical amount does not.
	if len(result.Alerts) != 3 {
		t.Errorf("expected 3 alerts, got %d: %v", len(result.Alerts), alertTypes(result.Alerts))
	}
}

func TestRulesCanBeToggled(t *testing.T) {
	cfg := allRules()
	cfg.UnusualHour = false
	cfg.Exploratory = false

	engine, err := NewEngine(ReferenceRules(cfg, lateHour, StaticSignal(0.3))...)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	result := engine.Evaluate(txWithAmount(15_000))
	if len(result.Alerts) != 1 || result.Alerts[0].Type != domain.AlertHighAmount {
		t.Errorf("expected only the high amount alert, got %v", alertTypes(result.Alerts))
	}
	if math.Abs(result.Score-0.3) > 1e-9 {
		t.Errorf("expected score 0.3, got %v", result.Score)
	}
}

func TestConcurrentEvaluation(t *testing.T) {
	engine := newTestEngine(t, lateHour, 0.25)
	want := engine.Evaluate(txWithAmount(60_000))

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if got := engine.Evaluate(txWithAmount(60_000)); !reflect.DeepEqual(got, want) {
				t.Errorf("concurrent evaluation diverged: %+v", got)
			}
		}()
	}
	wg.Wait()
}

func TestRegistrySwap(t *testing.T) {
	quiet := newTestEngine(t, quietHour, 0)
	late := newTestEngine(t, lateHour, 0)

	registry := NewRegistry(quiet)
	if got := registry.Evaluate(txWithAmount(100)); got.Score != 0 {
		t.Errorf("expected score 0 from quiet engine, got %v", got.Score)
	}

	if prev := registry.Swap(late); prev != quiet {
		t.Error("expected Swap to return the previous engine")
	}
	if got := registry.Evaluate(txWithAmount(100)); math.Abs(got.Score-0.2) > 1e-9 {
		t.Errorf("expected score 0.2 from late engine, got %v", got.Score)
	}
}

type stubRule struct {
	id    string
	delta float64
}

func (s stubRule) Descriptor() domain.RuleDescriptor {
	return domain.RuleDescriptor{ID: s.id, MaxDelta: s.delta}
}

func (s stubRule) Evaluate(domain.Transaction) Outcome {
	return Outcome{ScoreDelta: s.delta}
}

func TestUnusualHourWindowEdges(t *testing.T) {
	tests := []struct {
		hour, minute int
		fires        bool
	}{
		{1, 59, false},
		{2, 0, true},
		{5, 59, true},
		{6, 0, false},
	}

	for _, tt := range tests {
		at := time.Date(2025, 3, 14, tt.hour, tt.minute, 0, 0, time.UTC)
		t.Run(at.Format("15:04"), func(t *testing.T) {
			out := NewUnusualHourRule(FixedClock(at)).Evaluate(txWithAmount(0))
			if fired := out.Alert != nil; fired != tt.fires {
				t.Errorf("expected fired=%v, got %v", tt.fires, fired)
			}
			if tt.fires && out.ScoreDelta != UnusualHourDelta {
				t.Errorf("expected delta %v, got %v", UnusualHourDelta, out.ScoreDelta)
			}
			if !tt.fires && out.ScoreDelta != 0 {
				t.Errorf("expected no contribution, got %v", out.ScoreDelta)
			}
		})
	}
}

func TestExploratorySignalEdges(t *testing.T) {
	tests := []struct {
		name   string
		signal float64
		delta  float64
		alert  bool
	}{
		{"AtAlertThreshold", 0.2, 0.2, false},
		{"JustAboveThreshold", 0.2001, 0.2001, true},
		{"AtCap", 0.3, MaxExploratoryDelta, true},
		{"AboveCap", 0.35, MaxExploratoryDelta, true},
		{"Negative", -0.1, 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := NewExploratoryRule(StaticSignal(tt.signal)).Evaluate(txWithAmount(0))
			if out.ScoreDelta != tt.delta {
				t.Errorf("expected delta %v, got %v", tt.delta, out.ScoreDelta)
			}
			if (out.Alert != nil) != tt.alert {
				t.Errorf("expected alert=%v, got %v", tt.alert, out.Alert != nil)
			}
		})
	}

	t.Run("EngineAtThreshold", func(t *testing.T) {
		result := newTestEngine(t, quietHour, 0.2).Evaluate(txWithAmount(0))
		if result.Score != 0.2 || result.RiskLevel != domain.RiskLow || len(result.Alerts) != 0 {
			t.Errorf("expected 0.2 LOW with no alerts, got %v %s %v", result.Score, result.RiskLevel, alertTypes(result.Alerts))
		}
	})
}
