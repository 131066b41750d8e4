package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"venue_go/internal/domain"
	"venue_go/internal/engine"
	"venue_go/internal/event"
	"venue_go/internal/infra"
	"venue_go/internal/infra/storage"
	"venue_go/internal/pipeline"
)

// Store is the persistence the matcher needs.
type Store interface {
	IsCommandProcessed(ctx context.Context, commandID string) (bool, error)
	CommitResult(ctx context.Context, commandID string, res *domain.MatchResult, events []event.MarketEvent) error
	LoadRestingOrders(ctx context.Context) ([]domain.Order, error)
	LoadRestingOrdersFor(ctx context.Context, symbol string) ([]domain.Order, error)
	Enqueue(ctx context.Context, events []event.MarketEvent) error
}

// Processor turns bus commands into matched, sequenced and persisted results.
// Commands for one symbol are handled one at a time through the lanes.
type Processor struct {
	engine  *engine.Engine
	store   Store
	cache   domain.SnapshotCache
	lanes   *pipeline.Lanes
	metrics *infra.Metrics
}

// NewProcessor wires a processor. cache and metrics may be nil.
func NewProcessor(eng *engine.Engine, store Store, cache domain.SnapshotCache, lanes *pipeline.Lanes, metrics *infra.Metrics) *Processor {
	return &Processor{
		engine:  eng,
		store:   store,
		cache:   cache,
		lanes:   lanes,
		metrics: metrics,
	}
}

// Process handles one command on its symbol's lane. A nil result with a nil error
// means the command was already processed. An error means nothing was committed
// and the in-memory book was rebuilt from storage.
func (p *Processor) Process(ctx context.Context, cmd *domain.OrderCommand) (*domain.MatchResult, error) {
	cmd.Symbol = domain.NormalizeSymbol(cmd.Symbol)

	var res *domain.MatchResult
	err := p.lanes.Submit(ctx, cmd.Symbol, func(ctx context.Context) error {
		var err error
		res, err = p.handle(ctx, cmd)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (p *Processor) handle(ctx context.Context, cmd *domain.OrderCommand) (*domain.MatchResult, error) {
	start := time.Now()

	done, err := p.store.IsCommandProcessed(ctx, cmd.CommandID)
	if err != nil {
		return nil, fmt.Errorf("check command %s: %w", cmd.CommandID, err)
	}
	if done {
		slog.Info("Skipping duplicate command",
			slog.String("command_id", cmd.CommandID), slog.String("symbol", cmd.Symbol))
		p.metrics.ObserveOrder(cmd.Symbol, "duplicate", time.Since(start))
		return nil, nil
	}

	buf := event.AcquireBuffer()
	defer event.ReleaseBuffer(buf)

	res := p.engine.PlaceCommand(cmd, buf)

	if err := p.store.CommitResult(ctx, cmd.CommandID, res, buf.Events); err != nil {
		if rerr := p.Rebuild(ctx, cmd.Symbol); rerr != nil {
			slog.Error("Failed to rebuild book after commit failure",
				slog.String("symbol", cmd.Symbol), slog.Any("error", rerr))
		}
		if errors.Is(err, storage.ErrCommandProcessed) {
			p.metrics.ObserveOrder(cmd.Symbol, "duplicate", time.Since(start))
			return nil, nil
		}
		p.metrics.ObserveOrder(cmd.Symbol, "error", time.Since(start))
		return nil, fmt.Errorf("commit command %s: %w", cmd.CommandID, err)
	}

	if res.Accepted() {
		p.cacheSnapshot(ctx, res.Snapshot)
		slog.Debug("Order processed",
			slog.String("command_id", cmd.CommandID),
			slog.String("order_id", res.Order.ID),
			slog.String("symbol", cmd.Symbol),
			slog.Int64("sequence", res.Order.Sequence),
			slog.Int("trades", len(res.Trades)),
			slog.String("status", string(res.Order.Status)),
		)
	} else {
		slog.Info("Order rejected",
			slog.String("command_id", cmd.CommandID),
			slog.String("symbol", cmd.Symbol),
			slog.Any("error", res.Err()),
		)
	}

	p.metrics.ObserveOrder(cmd.Symbol, string(res.Status), time.Since(start))
	return res, nil
}

func (p *Processor) cacheSnapshot(ctx context.Context, snap *domain.BookSnapshot) {
	if p.cache == nil || snap == nil {
		return
	}
	if err := p.cache.StoreSnapshot(ctx, snap); err != nil {
		slog.Warn("Failed to cache book snapshot",
			slog.String("symbol", snap.Symbol), slog.Any("error", err))
	}
}

// Rebuild replaces the in-memory book of symbol with the resting orders in storage.
func (p *Processor) Rebuild(ctx context.Context, symbol string) error {
	orders, err := p.store.LoadRestingOrdersFor(ctx, symbol)
	p.engine.ResetSymbol(symbol)
	if err != nil {
		return err
	}
	for _, o := range orders {
		p.engine.Restore(o)
	}
	slog.Warn("Book rebuilt from storage",
		slog.String("symbol", symbol), slog.Int("orders", len(orders)))
	return nil
}

// Recover handles a lane panic on symbol: the engine's books are dumped to dumpDir
// and the symbol's book is rebuilt from storage.
func (p *Processor) Recover(ctx context.Context, symbol, dumpDir string) {
	p.engine.DumpState(filepath.Join(dumpDir, fmt.Sprintf("books_dump_%s_%d.json", symbol, time.Now().Unix())))
	if err := p.Rebuild(ctx, symbol); err != nil {
		slog.Error("Failed to rebuild book after panic", slog.String("symbol", symbol), slog.Any("error", err))
	}
}

// Restore loads every resting order into the engine and announces the restored
// books on the outbox. Call before consuming.
func (p *Processor) Restore(ctx context.Context, symbols []string) error {
	for _, sym := range symbols {
		p.engine.EnsureSymbol(domain.NormalizeSymbol(sym))
	}

	orders, err := p.store.LoadRestingOrders(ctx)
	if err != nil {
		return fmt.Errorf("load resting orders: %w", err)
	}
	for _, o := range orders {
		p.engine.Restore(o)
	}

	now := time.Now()
	var announce []event.MarketEvent
	for _, sym := range p.engine.Symbols() {
		snap := p.engine.Snapshot(sym)
		p.cacheSnapshot(ctx, &snap)
		announce = append(announce, event.New(event.BookSnapshotted{Snapshot: snap}, "", now))
	}
	if err := p.store.Enqueue(ctx, announce); err != nil {
		return fmt.Errorf("announce restored books: %w", err)
	}

	slog.Info("Order books restored",
		slog.Int("orders", len(orders)), slog.Any("symbols", p.engine.Symbols()))
	return nil
}
