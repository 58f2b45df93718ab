package domain

import (
	"regexp"
	"time"
)

// AlertType tags the fraud signal family that raised an alert.
// The set is open: expression rules may introduce new tags.
type AlertType string

// Alert types raised by the reference rule set.
const (
	AlertHighAmount        AlertType = "HIGH_AMOUNT"
	AlertSuspiciousPattern AlertType = "SUSPICIOUS_PATTERN"
	AlertMLPrediction      AlertType = "ML_PREDICTION"
)

var alertTypePattern = regexp.MustCompile(`^[A-Z][A-Z0-9_]{0,63}$`)

// Valid reports whether the tag is an upper-snake identifier.
func (t AlertType) Valid() bool {
	return alertTypePattern.MatchString(string(t))
}

// Severity is the urgency of a single alert.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// AlertStatus is the review disposition of a persisted alert.
type AlertStatus string

const (
	AlertStatusOpen          AlertStatus = "OPEN"
	AlertStatusInvestigating AlertStatus = "INVESTIGATING"
	AlertStatusResolved      AlertStatus = "RESOLVED"
	AlertStatusFalsePositive AlertStatus = "FALSE_POSITIVE"
)

// Valid reports whether s is one of the known statuses.
func (s AlertStatus) Valid() bool {
	switch s {
	case AlertStatusOpen, AlertStatusInvestigating, AlertStatusResolved, AlertStatusFalsePositive:
		return true
	}
	return false
}

// Alert describes one triggered fraud signal.
// ID, TransactionID, Status and CreatedAt are only set once the alert is persisted.
type Alert struct {
	ID            string      `json:"id,omitempty"`
	TransactionID string      `json:"transactionId,omitempty"`
	Type          AlertType   `json:"type"`
	Severity      Severity    `json:"severity"`
	Title         string      `json:"title"`
	Description   string      `json:"description"`
	Status        AlertStatus `json:"status,omitempty"`
	CreatedAt     time.Time   `json:"createdAt,omitzero"`
}
