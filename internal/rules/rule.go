// Package rules provides the fraud rule set and the scoring engine that runs it.
package rules

import (
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Rule is a single fraud-signal evaluator.
// Evaluate must be pure: it only observes the transaction and reports.
type Rule interface {
	Descriptor() domain.RuleDescriptor
	Evaluate(tx domain.Transaction) Outcome
}

// Outcome is what one rule contributes to a transaction's score.
type Outcome struct {
	ScoreDelta float64
	Alert      *domain.Alert
}

// SignalProvider supplies the exploratory score contribution for a transaction.
// It stands in for a learned model and must be deterministic for a given input.
type SignalProvider interface {
	Signal(tx domain.Transaction) float64
}

// StaticSignal returns the same value for every transaction.
type StaticSignal float64

// Signal implements SignalProvider.
func (s StaticSignal) Signal(domain.Transaction) float64 {
	return float64(s)
}

// SignalFunc adapts a function to SignalProvider.
type SignalFunc func(tx domain.Transaction) float64

// Signal implements SignalProvider.
func (f SignalFunc) Signal(tx domain.Transaction) float64 {
	return f(tx)
}

// Clock is the time source for time-of-day rules.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in Location (UTC when nil).
type SystemClock struct {
	Location *time.Location
}

// Now implements Clock.
func (c SystemClock) Now() time.Time {
	if c.Location == nil {
		return time.Now().UTC()
	}
	return time.Now().In(c.Location)
}

// FixedClock always returns the same instant.
type FixedClock time.Time

// Now implements Clock.
func (c FixedClock) Now() time.Time {
	return time.Time(c)
}
