package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"venue_go/internal/infra/storage"
)

const (
	minSweepInterval = time.Minute
	firstSweepDelay  = 10 * time.Second
)

// Purger deletes expired rows.
type Purger interface {
	PurgeExpired(ctx context.Context, outboxBefore, keysBefore time.Time) (storage.PurgeStats, error)
}

// Sweeper periodically removes published outbox rows and expired dedupe records.
type Sweeper struct {
	store           Purger
	interval        time.Duration
	outboxRetention time.Duration
	keyRetention    time.Duration
	firstDelay      time.Duration
	now             func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper creates a sweeper. interval is raised to one minute if shorter.
func NewSweeper(store Purger, interval, outboxRetention, keyRetention time.Duration) *Sweeper {
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	return &Sweeper{
		store:           store,
		interval:        interval,
		outboxRetention: outboxRetention,
		keyRetention:    keyRetention,
		firstDelay:      firstSweepDelay,
		now:             time.Now,
	}
}

func (s *Sweeper) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		timer := time.NewTimer(s.firstDelay)
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-timer.C:
				if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
					slog.Warn("Retention sweep failed", slog.Any("error", err))
				}
				timer.Reset(s.interval)
			}
		}
	}()
}

// Sweep runs one retention pass.
func (s *Sweeper) Sweep(ctx context.Context) (storage.PurgeStats, error) {
	start := s.now()
	stats, err := s.store.PurgeExpired(ctx, start.Add(-s.outboxRetention), start.Add(-s.keyRetention))
	if err != nil {
		return stats, err
	}

	slog.Info("Retention sweep completed",
		slog.Int64("outbox_deleted", stats.Outbox),
		slog.Int64("idempotency_deleted", stats.Idempotency),
		slog.Int64("commands_deleted", stats.Commands),
		slog.Duration("duration", time.Since(start)),
	)
	return stats, nil
}

func (s *Sweeper) Stop() {
	if s.cancel != nil {
		s.cancel()
		s.wg.Wait()
	}
}
