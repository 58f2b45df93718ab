// Package worker scores transactions submitted through the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Submitter is the intake operation the worker drives.
type Submitter interface {
	Submit(ctx context.Context, req *domain.TransactionRequest) (*domain.TransactionRecord, error)
}

// Worker consumes transaction.submitted messages and feeds them to intake.
// Results leave through the events intake publishes.
type Worker struct {
	bus    domain.EventBus
	intake Submitter

	sem chan struct{}
	wg  sync.WaitGroup

	// mu guards subscriptions and stopping. wg.Add only happens under it
	// while stopping is false.
	mu            sync.Mutex
	subscriptions []domain.Subscription
	stopping      bool

	ctx    context.Context
	cancel context.CancelFunc

	processed atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds the number of submissions handled at once.
	Concurrency int
}

// NewWorker creates a new async worker.
func NewWorker(bus domain.EventBus, intake Submitter, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		intake: intake,
		sem:    make(chan struct{}, cfg.Concurrency),
		ctx:    ctx,
		cancel: cancel,
	}
}

// ErrStopped is returned for messages delivered after Stop began.
var ErrStopped = errors.New("worker stopped")

// Start subscribes to the submission topic.
func (w *Worker) Start() error {
	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionSubmitted, w.handleMessage)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("worker started",
		"topic", domain.TopicTransactionSubmitted,
		"concurrency", cap(w.sem),
	)
	return nil
}

// handleMessage waits for a free slot, then processes msg in its own goroutine.
// Submissions already running when the worker stops are allowed to finish;
// messages delivered after that are refused with ErrStopped.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		return ErrStopped
	}
	w.wg.Add(1)
	w.mu.Unlock()

	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		w.wg.Done()
		return w.ctx.Err()
	}

	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()
		w.process(context.WithoutCancel(w.ctx), msg)
	}()
	return nil
}

func (w *Worker) process(ctx context.Context, msg *domain.Message) {
	start := time.Now()

	var req domain.TransactionRequest
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		w.rejected.Add(1)
		slog.Error("failed to parse transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = msg.Metadata["idempotencyKey"]
	}

	rec, err := w.intake.Submit(ctx, &req)
	if err != nil {
		var verr *domain.ValidationError
		if errors.As(err, &verr) {
			w.rejected.Add(1)
			slog.Warn("transaction message rejected",
				"message_id", msg.ID,
				"error", err,
			)
			return
		}
		w.failed.Add(1)
		slog.Error("failed to process transaction message",
			"message_id", msg.ID,
			"error", err,
		)
		return
	}

	w.processed.Add(1)
	slog.Debug("transaction message processed",
		"message_id", msg.ID,
		"transaction_id", rec.ID,
		"risk_level", rec.RiskLevel,
		"duration_ms", time.Since(start).Milliseconds(),
	)
}

// Stop unsubscribes and waits for in-flight submissions to finish.
// Messages still queued on the bus are not consumed.
func (w *Worker) Stop() error {
	w.mu.Lock()
	w.stopping = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.cancel()
	w.wg.Wait()

	slog.Info("worker stopped",
		"processed", w.processed.Load(),
		"rejected", w.rejected.Load(),
		"failed", w.failed.Load(),
	)
	return nil
}

// Stats is a snapshot of worker activity.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Rejected          int64    `json:"rejected"`
	Failed            int64    `json:"failed"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Rejected:          w.rejected.Load(),
		Failed:            w.failed.Load(),
	}
}
