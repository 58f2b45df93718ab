package intake

import (
	"net/mail"
	"regexp"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var currencyPattern = regexp.MustCompile(`^[A-Z]{3}$`)

// Validate turns a raw request into a scorable transaction.
// All field failures are reported together in one *domain.ValidationError.
func Validate(req *domain.TransactionRequest) (domain.Transaction, error) {
	verr := &domain.ValidationError{}
	if req == nil {
		verr.Add("body", "is required")
		return domain.Transaction{}, verr
	}

	tx := domain.Transaction{
		MerchantID:    strings.TrimSpace(req.MerchantID),
		MerchantName:  strings.TrimSpace(req.MerchantName),
		CustomerID:    strings.TrimSpace(req.CustomerID),
		CustomerEmail: strings.TrimSpace(req.CustomerEmail),
		Location:      strings.TrimSpace(req.Location),
		IPAddress:     strings.TrimSpace(req.IPAddress),
		DeviceID:      strings.TrimSpace(req.DeviceID),
	}

	switch {
	case req.Amount == nil:
		verr.Add("amount", "is required")
	case req.Amount.IsNegative():
		verr.Add("amount", "must not be negative")
	default:
		tx.Amount = *req.Amount
	}

	if tx.MerchantID == "" {
		verr.Add("merchantId", "is required")
	}
	if tx.CustomerID == "" {
		verr.Add("customerId", "is required")
	}

	tx.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if tx.Currency == "" {
		tx.Currency = domain.DefaultCurrency
	}
	if !currencyPattern.MatchString(tx.Currency) {
		verr.Add("currency", "must be a 3-letter ISO 4217 code")
	}

	if tx.CustomerEmail != "" && !validEmail(tx.CustomerEmail) {
		verr.Add("customerEmail", "must be a valid email address")
	}

	if err := verr.OrNil(); err != nil {
		return domain.Transaction{}, err
	}
	return tx, nil
}

// validEmail accepts a bare addr-spec; display names and angle brackets are rejected.
func validEmail(s string) bool {
	addr, err := mail.ParseAddress(s)
	if err != nil {
		return false
	}
	return addr.Name == "" && addr.Address == s
}
