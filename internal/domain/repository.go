// Package domain defines the core interfaces and types for Kestrel.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
type Repository interface {
	// Transaction operations. CreateTransaction stores the record and its alerts atomically.
	CreateTransaction(ctx context.Context, rec *TransactionRecord) error
	GetTransaction(ctx context.Context, id string) (*TransactionRecord, error)
	GetTransactionByIdempotencyKey(ctx context.Context, key string) (*TransactionRecord, error)
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]*TransactionRecord, int, error)
	TransactionStats(ctx context.Context, level RiskLevel) (*TransactionStats, error)

	// Alert review workflow
	UpdateAlertStatus(ctx context.Context, alertID string, status AlertStatus) (*Alert, error)

	// Expression rule configuration
	SaveRuleConfig(ctx context.Context, rule *RuleConfig) error
	ListRuleConfigs(ctx context.Context) ([]*RuleConfig, error)
	DisableRuleConfig(ctx context.Context, ruleID string) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
