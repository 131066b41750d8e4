package outbox

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"venue_go/internal/domain"
	"venue_go/internal/infra"
)

// Store is the outbox side of the relational store.
type Store interface {
	PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxRecord, error)
	CountPendingOutbox(ctx context.Context) (int64, error)
	MarkPublished(ctx context.Context, ids []uint64, at time.Time) error
	RecordPublishFailure(ctx context.Context, ids []uint64, cause error) error
}

// BatchPublisher delivers a batch to the event bus, all or nothing from the caller's view.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, records []domain.OutboxRecord) error
}

// Publisher moves committed events from the outbox to the bus.
// A row is marked published only after the batch that carried it was acknowledged,
// so delivery is at least once and in commit order.
type Publisher struct {
	store     Store
	bus       BatchPublisher
	metrics   *infra.Metrics
	interval  time.Duration
	batchSize int

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPublisher creates a publisher. metrics may be nil.
func NewPublisher(store Store, bus BatchPublisher, interval time.Duration, batchSize int, metrics *infra.Metrics) *Publisher {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &Publisher{
		store:     store,
		bus:       bus,
		metrics:   metrics,
		interval:  interval,
		batchSize: batchSize,
	}
}

// Start runs the publish loop until Stop or ctx cancellation.
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Outbox publisher panic recovered", slog.Any("panic", r))
			}
		}()

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		slog.Info("Outbox publisher started",
			slog.Duration("interval", p.interval), slog.Int("batch_size", p.batchSize))
		for {
			select {
			case <-ctx.Done():
				slog.Info("Outbox publisher stopped")
				return
			case <-ticker.C:
				if _, err := p.PublishOnce(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("Outbox publish failed", slog.Any("error", err))
				}
			}
		}
	}()
}

// PublishOnce publishes one batch and returns how many rows were marked published.
// Overlapping calls return immediately.
func (p *Publisher) PublishOnce(ctx context.Context) (int, error) {
	if !p.running.CompareAndSwap(false, true) {
		return 0, nil
	}
	defer p.running.Store(false)

	if n, err := p.store.CountPendingOutbox(ctx); err == nil {
		p.metrics.SetOutboxPending(n)
	}

	batch, err := p.store.PendingOutbox(ctx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(batch) == 0 {
		return 0, nil
	}

	ids := make([]uint64, len(batch))
	for i, rec := range batch {
		ids[i] = rec.ID
	}

	start := time.Now()
	sendErr := p.bus.PublishBatch(ctx, batch)
	p.metrics.ObserveOutboxBatch(len(batch), time.Since(start), sendErr)

	if sendErr != nil {
		if err := p.store.RecordPublishFailure(ctx, ids, sendErr); err != nil {
			slog.Error("Failed to record outbox publish failure", slog.Any("error", err))
		}
		return 0, sendErr
	}

	// Events already on the bus are redelivered if this fails; consumers dedupe by eventId.
	if err := p.store.MarkPublished(ctx, ids, time.Now()); err != nil {
		return 0, err
	}

	slog.Debug("Outbox batch published",
		slog.Int("count", len(batch)), slog.Uint64("first_id", ids[0]), slog.Uint64("last_id", ids[len(ids)-1]))
	return len(batch), nil
}

// Stop stops the loop and waits for an in-flight batch.
func (p *Publisher) Stop() {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
}
