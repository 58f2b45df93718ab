package domain

import "fmt"

// RiskLevel is the discrete tier derived from a fraud score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// riskThresholds is evaluated top-down; the first strictly exceeded bound wins.
var riskThresholds = []struct {
	above float64
	level RiskLevel
}{
	{0.7, RiskCritical},
	{0.5, RiskHigh},
	{0.3, RiskMedium},
}

// RiskLevelFromScore maps a clamped score to its tier.
// Thresholds are strict, so a score of exactly 0.7 is HIGH, not CRITICAL.
func RiskLevelFromScore(score float64) RiskLevel {
	for _, t := range riskThresholds {
		if score > t.above {
			return t.level
		}
	}
	return RiskLow
}

// ParseRiskLevel validates a tier name.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch l := RiskLevel(s); l {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
		return l, nil
	}
	return "", fmt.Errorf("invalid risk level: %q", s)
}

// Rank orders tiers from LOW (0) to CRITICAL (3).
func (l RiskLevel) Rank() int {
	switch l {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	case RiskCritical:
		return 3
	}
	return 0
}

// BlockThreshold is the score above which intake auto-blocks a transaction.
const BlockThreshold = 0.8

// ShouldBlock is the auto-block policy. It lives outside the engine.
func ShouldBlock(score float64) bool {
	return score > BlockThreshold
}

// ScoreResult is the scoring engine's verdict for one transaction.
type ScoreResult struct {
	Score     float64   `json:"score"`
	RiskLevel RiskLevel `json:"riskLevel"`

	// Alerts are in rule evaluation order, one per rule that fired.
	Alerts []Alert `json:"alerts"`
}
