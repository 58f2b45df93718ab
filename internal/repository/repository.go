// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidInput is returned when a call is missing required arguments.
var ErrInvalidInput = errors.New("invalid input")

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (*SQLRepository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	if err := migrate(context.Background(), db, cfg.Driver); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

const transactionColumns = `
	id, amount, currency, merchant_id, merchant_name,
	customer_id, customer_email, location, ip_address, device_id,
	fraud_score, risk_level, is_blocked, idempotency_key, created_at
`

const alertColumns = `
	id, transaction_id, type, severity, title, description, status, created_at
`

// CreateTransaction stores a scored transaction and its alerts in one database transaction.
// Alert IDs, statuses and timestamps must already be assigned.
func (r *SQLRepository) CreateTransaction(ctx context.Context, rec *domain.TransactionRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}

	dbtx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbtx.Rollback()

	var idempotencyKey sql.NullString
	if rec.IdempotencyKey != "" {
		idempotencyKey = sql.NullString{String: rec.IdempotencyKey, Valid: true}
	}

	query := `
		INSERT INTO transactions (` + transactionColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = dbtx.ExecContext(ctx, r.rebind(query),
		rec.ID, rec.Amount, rec.Currency, rec.MerchantID, rec.MerchantName,
		rec.CustomerID, rec.CustomerEmail, rec.Location, rec.IPAddress, rec.DeviceID,
		rec.FraudScore, string(rec.RiskLevel), boolToInt(rec.IsBlocked), idempotencyKey, rec.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %v", domain.ErrDuplicate, err)
		}
		return fmt.Errorf("failed to insert transaction: %w", err)
	}

	alertQuery := r.rebind(`
		INSERT INTO alerts (
			id, transaction_id, position, type, severity, title, description, status, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	for i, a := range rec.Alerts {
		_, err := dbtx.ExecContext(ctx, alertQuery,
			a.ID, rec.ID, i, string(a.Type), string(a.Severity),
			a.Title, a.Description, string(a.Status), a.CreatedAt, a.CreatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert alert %d: %w", i, err)
		}
	}

	if err := dbtx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// GetTransaction retrieves a transaction with its alerts.
func (r *SQLRepository) GetTransaction(ctx context.Context, id string) (*domain.TransactionRecord, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: transaction id is required", ErrInvalidInput)
	}
	return r.getTransaction(ctx, "id", id)
}

// GetTransactionByIdempotencyKey retrieves the transaction created under key.
func (r *SQLRepository) GetTransactionByIdempotencyKey(ctx context.Context, key string) (*domain.TransactionRecord, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: idempotency key is required", ErrInvalidInput)
	}
	return r.getTransaction(ctx, "idempotency_key", key)
}

func (r *SQLRepository) getTransaction(ctx context.Context, column, value string) (*domain.TransactionRecord, error) {
	query := `SELECT ` + transactionColumns + ` FROM transactions WHERE ` + column + ` = ?`

	rec, err := scanTransaction(r.db.QueryRowContext(ctx, r.rebind(query), value))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if err := r.attachAlerts(ctx, []*domain.TransactionRecord{rec}); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListTransactions returns one page of transactions, newest first, and the total match count.
func (r *SQLRepository) ListTransactions(ctx context.Context, filter domain.TransactionFilter) ([]*domain.TransactionRecord, int, error) {
	if filter.Limit <= 0 {
		return nil, 0, fmt.Errorf("%w: limit must be positive", ErrInvalidInput)
	}

	where := ""
	var args []any
	if filter.RiskLevel != "" {
		where = " WHERE risk_level = ?"
		args = append(args, string(filter.RiskLevel))
	}

	var total int
	countQuery := `SELECT COUNT(*) FROM transactions` + where
	if err := r.db.QueryRowContext(ctx, r.rebind(countQuery), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	query := `SELECT ` + transactionColumns + ` FROM transactions` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), append(args, filter.Limit, filter.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	records := []*domain.TransactionRecord{}
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := r.attachAlerts(ctx, records); err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

// TransactionStats aggregates persisted transactions, optionally for one tier.
func (r *SQLRepository) TransactionStats(ctx context.Context, level domain.RiskLevel) (*domain.TransactionStats, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN risk_level IN ('HIGH', 'CRITICAL') THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(is_blocked), 0),
			COALESCE(AVG(fraud_score), 0)
		FROM transactions
	`
	var args []any
	if level != "" {
		query += ` WHERE risk_level = ?`
		args = append(args, string(level))
	}

	var stats domain.TransactionStats
	err := r.db.QueryRowContext(ctx, r.rebind(query), args...).Scan(
		&stats.Total, &stats.HighRisk, &stats.Blocked, &stats.AvgFraudScore,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate transactions: %w", err)
	}
	return &stats, nil
}

// UpdateAlertStatus changes the review disposition of an alert.
func (r *SQLRepository) UpdateAlertStatus(ctx context.Context, alertID string, status domain.AlertStatus) (*domain.Alert, error) {
	if alertID == "" {
		return nil, fmt.Errorf("%w: alert id is required", ErrInvalidInput)
	}

	result, err := r.db.ExecContext(ctx, r.rebind(`
		UPDATE alerts SET status = ?, updated_at = ? WHERE id = ?
	`), string(status), time.Now().UTC(), alertID)
	if err != nil {
		return nil, fmt.Errorf("failed to update alert: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, domain.ErrNotFound
	}

	query := `SELECT ` + alertColumns + ` FROM alerts WHERE id = ?`
	alert, err := scanAlert(r.db.QueryRowContext(ctx, r.rebind(query), alertID))
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// attachAlerts loads alerts for records in one query, preserving evaluation order.
func (r *SQLRepository) attachAlerts(ctx context.Context, records []*domain.TransactionRecord) error {
	if len(records) == 0 {
		return nil
	}

	byID := make(map[string]*domain.TransactionRecord, len(records))
	placeholders := make([]string, len(records))
	args := make([]any, len(records))
	for i, rec := range records {
		rec.Alerts = []domain.Alert{}
		byID[rec.ID] = rec
		placeholders[i] = "?"
		args[i] = rec.ID
	}

	query := `SELECT ` + alertColumns + ` FROM alerts
		WHERE transaction_id IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY transaction_id, position
	`
	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return fmt.Errorf("failed to load alerts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return err
		}
		if rec, ok := byID[alert.TransactionID]; ok {
			rec.Alerts = append(rec.Alerts, *alert)
		}
	}
	return rows.Err()
}

// SaveRuleConfig creates or replaces an expression rule.
func (r *SQLRepository) SaveRuleConfig(ctx context.Context, rule *domain.RuleConfig) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("%w: rule id is required", ErrInvalidInput)
	}

	now := time.Now().UTC()

	query := `
		INSERT INTO rule_configs (
			id, name, description, expression, score_delta, alert_type, severity, enabled, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			description = excluded.description,
			expression = excluded.expression,
			score_delta = excluded.score_delta,
			alert_type = excluded.alert_type,
			severity = excluded.severity,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		rule.ID, rule.Name, rule.Description, rule.Expression, rule.ScoreDelta,
		string(rule.AlertType), string(rule.Severity), boolToInt(rule.Enabled),
		now, now,
	)
	return err
}

// ListRuleConfigs retrieves all enabled expression rules ordered by id.
func (r *SQLRepository) ListRuleConfigs(ctx context.Context) ([]*domain.RuleConfig, error) {
	query := `
		SELECT id, name, description, expression, score_delta, alert_type, severity, enabled, created_at, updated_at
		FROM rule_configs
		WHERE enabled = 1
		ORDER BY id
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []*domain.RuleConfig
	for rows.Next() {
		var cfg domain.RuleConfig
		var alertType, severity string
		var enabled int

		if err := rows.Scan(
			&cfg.ID, &cfg.Name, &cfg.Description, &cfg.Expression, &cfg.ScoreDelta,
			&alertType, &severity, &enabled, &cfg.CreatedAt, &cfg.UpdatedAt,
		); err != nil {
			return nil, err
		}

		cfg.AlertType = domain.AlertType(alertType)
		cfg.Severity = domain.Severity(severity)
		cfg.Enabled = enabled == 1
		configs = append(configs, &cfg)
	}

	return configs, rows.Err()
}

// DisableRuleConfig soft-deletes an expression rule by setting enabled = 0.
func (r *SQLRepository) DisableRuleConfig(ctx context.Context, ruleID string) error {
	query := `
		UPDATE rule_configs
		SET enabled = 0, updated_at = ?
		WHERE id = ? AND enabled = 1
	`

	result, err := r.db.ExecContext(ctx, r.rebind(query), time.Now().UTC(), ruleID)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrNotFound
	}

	return nil
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	var b strings.Builder
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			n++
		} else {
			b.WriteByte(query[i])
		}
	}
	return b.String()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*domain.TransactionRecord, error) {
	var rec domain.TransactionRecord
	var riskLevel string
	var blocked int
	var idempotencyKey sql.NullString

	err := row.Scan(
		&rec.ID, &rec.Amount, &rec.Currency, &rec.MerchantID, &rec.MerchantName,
		&rec.CustomerID, &rec.CustomerEmail, &rec.Location, &rec.IPAddress, &rec.DeviceID,
		&rec.FraudScore, &riskLevel, &blocked, &idempotencyKey, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.RiskLevel = domain.RiskLevel(riskLevel)
	rec.IsBlocked = blocked == 1
	rec.IdempotencyKey = idempotencyKey.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func scanAlert(row rowScanner) (*domain.Alert, error) {
	var a domain.Alert
	var alertType, severity, status string

	err := row.Scan(
		&a.ID, &a.TransactionID, &alertType, &severity,
		&a.Title, &a.Description, &status, &a.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	a.Type = domain.AlertType(alertType)
	a.Severity = domain.Severity(severity)
	a.Status = domain.AlertStatus(status)
	a.CreatedAt = a.CreatedAt.UTC()
	return &a, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation recognises unique constraint failures from both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
