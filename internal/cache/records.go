package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// kv is the byte-level contract shared by every cache implementation.
type kv interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

func transactionKey(txID string) string { return "tx:" + txID }

func idempotencyKey(key string) string { return "idem:" + key }

func getRecord(ctx context.Context, c kv, txID string) (*domain.TransactionRecord, error) {
	data, err := c.Get(ctx, transactionKey(txID))
	if err != nil || data == nil {
		return nil, err
	}

	var rec domain.TransactionRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("corrupt cached transaction %s: %w", txID, err)
	}
	return &rec, nil
}

func setRecord(ctx context.Context, c kv, rec *domain.TransactionRecord, ttl time.Duration) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.Set(ctx, transactionKey(rec.ID), data, ttl)
}

func getIdempotent(ctx context.Context, c kv, key string) (string, error) {
	data, err := c.Get(ctx, idempotencyKey(key))
	if err != nil {
		return "", err
	}
	return string(data), nil
}
