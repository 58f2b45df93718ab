package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// env reads KESTREL_* overrides, collecting parse failures.
type env struct {
	getenv func(string) string
	errs   []error
}

func (e *env) str(key string, dst *string) {
	if v := strings.TrimSpace(e.getenv(key)); v != "" {
		*dst = v
	}
}

func (e *env) int(key string, dst *int) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = n
}

func (e *env) float(key string, dst *float64) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = f
}

func (e *env) bool(key string, dst *bool) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = b
}

func (e *env) duration(key string, dst *time.Duration) {
	v := strings.TrimSpace(e.getenv(key))
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
		return
	}
	*dst = d
}

// loadConfig starts from the tier defaults and applies environment overrides.
func loadConfig(getenv func(string) string) (*domain.Config, error) {
	cfg := domain.DefaultConfig()
	if strings.EqualFold(getenv("KESTREL_TIER"), string(domain.TierPro)) {
		cfg = domain.ProConfig()
	}

	e := &env{getenv: getenv}

	e.str("KESTREL_HOST", &cfg.Server.Host)
	e.int("KESTREL_PORT", &cfg.Server.Port)
	e.float("KESTREL_SUBMIT_RATE", &cfg.Server.SubmitRatePerSec)
	e.int("KESTREL_SUBMIT_BURST", &cfg.Server.SubmitBurst)

	e.bool("KESTREL_RULE_HIGH_AMOUNT", &cfg.Scoring.HighAmount)
	e.bool("KESTREL_RULE_CRITICAL_AMOUNT", &cfg.Scoring.CriticalAmount)
	e.bool("KESTREL_RULE_UNUSUAL_HOUR", &cfg.Scoring.UnusualHour)
	e.bool("KESTREL_RULE_EXPLORATORY", &cfg.Scoring.Exploratory)
	e.float("KESTREL_EXPLORATORY_SIGNAL", &cfg.Scoring.ExploratorySignal)
	e.str("KESTREL_TIMEZONE", &cfg.Scoring.Timezone)

	e.str("KESTREL_DB_DRIVER", &cfg.Repository.Driver)
	e.str("KESTREL_SQLITE_PATH", &cfg.Repository.SQLitePath)
	e.str("KESTREL_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	e.int("KESTREL_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	e.str("KESTREL_POSTGRES_USER", &cfg.Repository.PostgresUser)
	e.str("KESTREL_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	e.str("KESTREL_POSTGRES_DB", &cfg.Repository.PostgresDB)
	e.str("KESTREL_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	e.str("KESTREL_CACHE_TYPE", &cfg.Cache.Type)
	e.int("KESTREL_CACHE_SIZE", &cfg.Cache.LocalMaxSize)
	e.str("KESTREL_REDIS_ADDR", &cfg.Cache.RedisAddr)
	e.str("KESTREL_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	e.int("KESTREL_REDIS_DB", &cfg.Cache.RedisDB)
	e.bool("KESTREL_CACHE_TWO_PHASE", &cfg.Cache.EnableTwoPhase)
	e.duration("KESTREL_RECORD_TTL", &cfg.Cache.RecordTTL)
	e.duration("KESTREL_IDEMPOTENCY_TTL", &cfg.Cache.IdempotencyTTL)

	e.str("KESTREL_BUS_TYPE", &cfg.EventBus.Type)
	e.str("KESTREL_NATS_URL", &cfg.EventBus.NATSUrl)
	e.str("KESTREL_NATS_TOKEN", &cfg.EventBus.NATSToken)
	e.str("KESTREL_NATS_QUEUE_GROUP", &cfg.EventBus.NATSQueueGroup)

	e.bool("KESTREL_ASYNC_WORKER", &cfg.Worker.Enabled)
	e.int("KESTREL_WORKER_CONCURRENCY", &cfg.Worker.Concurrency)

	e.str("KESTREL_LOG_LEVEL", &cfg.Logging.Level)
	e.str("KESTREL_LOG_FORMAT", &cfg.Logging.Format)
	var debug bool
	e.bool("KESTREL_DEBUG", &debug)
	if debug {
		cfg.Logging.Level = "debug"
	}

	if err := errors.Join(e.errs...); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	return cfg, nil
}

func logLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
