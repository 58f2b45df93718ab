package main

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// row is one replayable transaction. Label is nil when the CSV has no isFraud column.
type row struct {
	Request domain.TransactionRequest
	Label   *bool
}

// readRows parses up to limit rows (0 = all). Rows with an unparseable
// amount are skipped and counted.
func readRows(r io.Reader, limit int) ([]row, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}

	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	if _, ok := col["amount"]; !ok {
		return nil, 0, errors.New("missing amount column")
	}

	var (
		rows    []row
		skipped int
	)
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		field := func(name string) string {
			i, ok := col[strings.ToLower(name)]
			if !ok || i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		amount, err := decimal.NewFromString(field("amount"))
		if err != nil {
			skipped++
			continue
		}

		out := row{
			Request: domain.TransactionRequest{
				Amount:         &amount,
				Currency:       field("currency"),
				MerchantID:     field("merchantId"),
				MerchantName:   field("merchantName"),
				CustomerID:     field("customerId"),
				CustomerEmail:  field("customerEmail"),
				Location:       field("location"),
				IPAddress:      field("ipAddress"),
				DeviceID:       field("deviceId"),
				IdempotencyKey: field("idempotencyKey"),
			},
		}
		if _, ok := col["isfraud"]; ok {
			v := field("isFraud")
			label := v == "1" || strings.EqualFold(v, "true")
			out.Label = &label
		}

		rows = append(rows, out)
		if limit > 0 && len(rows) >= limit {
			break
		}
	}

	return rows, skipped, nil
}
