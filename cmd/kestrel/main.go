// Kestrel - fraud risk scoring for payment transactions.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/kestrel/internal/api"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/intake"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	// A missing .env file is normal outside development.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Getenv)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	slog.SetDefault(newLogger(os.Stdout, cfg.Logging))

	slog.Info("starting kestrel",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)
	slog.Info("configuration loaded",
		"tier", cfg.Tier,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
		"worker", cfg.Worker.Enabled,
	)

	if err := run(cfg); err != nil {
		slog.Error("kestrel stopped with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(w io.Writer, cfg domain.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: logLevel(cfg.Level)}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func run(cfg *domain.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return fmt.Errorf("failed to initialize repository: %w", err)
	}
	defer repo.Close()
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer cacheImpl.Close()
	slog.Info("cache initialized", "type", cfg.Cache.Type, "two_phase", cfg.Cache.EnableTwoPhase)

	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	m := metrics.New()

	manager, err := newRuleManager(ctx, cfg.Scoring, repo)
	if err != nil {
		return err
	}
	manager.OnReload = func(e *rules.Engine) { m.SetRulesLoaded(e.RulesCount()) }
	m.SetRulesLoaded(manager.Registry().Engine().RulesCount())

	svc, err := intake.New(intake.Config{
		Repository:     repo,
		Registry:       manager.Registry(),
		Cache:          cacheImpl,
		Bus:            busImpl,
		Metrics:        m,
		RecordTTL:      cfg.Cache.RecordTTL,
		IdempotencyTTL: cfg.Cache.IdempotencyTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize intake: %w", err)
	}

	var asyncWorker *worker.Worker
	if cfg.Worker.Enabled {
		asyncWorker = worker.NewWorker(busImpl, svc, worker.Config{Concurrency: cfg.Worker.Concurrency})
		if err := asyncWorker.Start(); err != nil {
			return fmt.Errorf("failed to start async worker: %w", err)
		}
	}

	srv := api.NewServer(cfg.Server, svc, manager, m, Version)

	serveErr := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	slog.Info("kestrel is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
		"rules", manager.Registry().Engine().RulesCount(),
	)

	select {
	case <-ctx.Done():
		slog.Info("shutting down...")
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	}

	// Stop intake from the bus before the HTTP side. In-flight submissions
	// finish; messages still queued on the bus are left unconsumed.
	if asyncWorker != nil {
		if err := asyncWorker.Stop(); err != nil {
			slog.Error("failed to stop async worker", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("kestrel shutdown complete")
	return nil
}

// newRuleManager assembles the reference rules plus stored expression rules.
// A bad rule set is a configuration error and stops startup.
func newRuleManager(ctx context.Context, cfg domain.ScoringConfig, store rules.RuleStore) (*rules.Manager, error) {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, &domain.ConfigurationError{Reason: fmt.Sprintf("unknown timezone %q: %v", cfg.Timezone, err)}
	}

	builder, err := rules.NewBuilder(cfg, rules.SystemClock{Location: loc}, rules.StaticSignal(cfg.ExploratorySignal))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize rule compiler: %w", err)
	}

	manager, err := rules.NewManager(ctx, store, builder)
	if err != nil {
		return nil, fmt.Errorf("failed to assemble scoring engine: %w", err)
	}

	for _, d := range manager.Active() {
		slog.Info("rule loaded", "rule_id", d.ID, "kind", d.Kind, "max_delta", d.MaxDelta)
	}
	return manager, nil
}
