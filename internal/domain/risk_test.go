package domain

import (
	"errors"
	"testing"
)

func TestRiskLevelFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  RiskLevel
	}{
		{0, RiskLow},
		{0.2, RiskLow},
		{0.3, RiskLow},
		{0.31, RiskMedium},
		{0.5, RiskMedium},
		{0.51, RiskHigh},
		{0.7, RiskHigh},
		{0.71, RiskCritical},
		{1, RiskCritical},
	}

	for _, tt := range tests {
		if got := RiskLevelFromScore(tt.score); got != tt.want {
			t.Errorf("RiskLevelFromScore(%v) = %s, want %s", tt.score, got, tt.want)
		}
	}
}

func TestRiskLevelMonotonic(t *testing.T) {
	prev := RiskLevelFromScore(0)
	for i := 1; i <= 1000; i++ {
		cur := RiskLevelFromScore(float64(i) / 1000)
		if cur.Rank() < prev.Rank() {
			t.Fatalf("tier dropped from %s to %s at score %v", prev, cur, float64(i)/1000)
		}
		prev = cur
	}
}

func TestShouldBlock(t *testing.T) {
	if ShouldBlock(0.8) {
		t.Error("score 0.8 must not block")
	}
	if !ShouldBlock(0.81) {
		t.Error("score 0.81 must block")
	}
}

func TestParseRiskLevel(t *testing.T) {
	if _, err := ParseRiskLevel("HIGH"); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := ParseRiskLevel("high"); err == nil {
		t.Error("expected error for lower-case tier")
	}
}

func TestValidationError(t *testing.T) {
	verr := &ValidationError{}
	if verr.OrNil() != nil {
		t.Fatal("empty validation error should be nil")
	}

	verr.Add("amount", "must be non-negative")
	err := verr.OrNil()

	var target *ValidationError
	if !errors.As(err, &target) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(target.Fields) != 1 || target.Fields[0].Field != "amount" {
		t.Errorf("unexpected fields: %+v", target.Fields)
	}
}

func TestPersistenceErrorUnwrap(t *testing.T) {
	err := &PersistenceError{Op: "create transaction", Err: ErrDuplicate}
	if !errors.Is(err, ErrDuplicate) {
		t.Error("expected PersistenceError to unwrap to ErrDuplicate")
	}
}

func TestAlertTypeValid(t *testing.T) {
	for _, tt := range []struct {
		tag  AlertType
		want bool
	}{
		{AlertHighAmount, true},
		{"VELOCITY_2", true},
		{"lower", false},
		{"", false},
		{"HAS SPACE", false},
	} {
		if got := tt.tag.Valid(); got != tt.want {
			t.Errorf("AlertType(%q).Valid() = %v, want %v", tt.tag, got, tt.want)
		}
	}
}
