package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// DefaultCurrency is applied when a request omits the currency.
const DefaultCurrency = "USD"

// Transaction is a validated payment transaction as seen by the scoring engine.
// It is passed by value so rules cannot mutate the caller's copy.
type Transaction struct {
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	MerchantID    string          `json:"merchantId"`
	MerchantName  string          `json:"merchantName,omitempty"`
	CustomerID    string          `json:"customerId"`
	CustomerEmail string          `json:"customerEmail,omitempty"`
	Location      string          `json:"location,omitempty"`
	IPAddress     string          `json:"ipAddress,omitempty"`
	DeviceID      string          `json:"deviceId,omitempty"`
}

// TransactionRecord is a scored transaction as persisted by the intake service.
type TransactionRecord struct {
	ID string `json:"id"`
	Transaction

	FraudScore     float64   `json:"fraudScore"`
	RiskLevel      RiskLevel `json:"riskLevel"`
	IsBlocked      bool      `json:"isBlocked"`
	IdempotencyKey string    `json:"idempotencyKey,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`

	Alerts []Alert `json:"alerts"`
}

// TransactionRequest is the raw, unvalidated submission payload.
// Amount is a pointer so a missing amount can be told apart from zero.
type TransactionRequest struct {
	Amount        *decimal.Decimal `json:"amount"`
	Currency      string           `json:"currency,omitempty"`
	MerchantID    string           `json:"merchantId"`
	MerchantName  string           `json:"merchantName,omitempty"`
	CustomerID    string           `json:"customerId"`
	CustomerEmail string           `json:"customerEmail,omitempty"`
	Location      string           `json:"location,omitempty"`
	IPAddress     string           `json:"ipAddress,omitempty"`
	DeviceID      string           `json:"deviceId,omitempty"`

	// IdempotencyKey is taken from the Idempotency-Key header or the bus message.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`
}

// TransactionFilter selects a page of persisted transactions.
type TransactionFilter struct {
	Page      int
	Limit     int
	RiskLevel RiskLevel // empty means all
}

// Offset returns the number of rows skipped for the filter's page.
func (f TransactionFilter) Offset() int {
	if f.Page < 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// TransactionPage is one page of transactions plus pagination details.
type TransactionPage struct {
	Transactions []*TransactionRecord `json:"transactions"`
	Pagination   Pagination           `json:"pagination"`
}

// Pagination describes the position of a page within the full result set.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
	Pages int `json:"pages"`
}

// TransactionStats summarises persisted transactions for the review dashboard.
type TransactionStats struct {
	Total         int     `json:"total"`
	HighRisk      int     `json:"highRisk"`
	Blocked       int     `json:"blocked"`
	AvgFraudScore float64 `json:"avgFraudScore"`
}
