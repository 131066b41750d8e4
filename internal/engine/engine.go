package engine

import (
	"encoding/json"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"venue_go/internal/domain"
	"venue_go/internal/event"

	"github.com/google/uuid"
)

// Listener observes every event the engine emits.
// Listeners for different symbols may be called concurrently. A listener may
// read the engine (Snapshot, Symbols) but must not place orders on the same symbol.
type Listener func(ev event.MarketEvent)

type bookSlot struct {
	mu     sync.Mutex
	emitMu sync.Mutex
	book   *OrderBook
}

type subscription struct {
	id int
	fn Listener
}

// Engine owns one OrderBook per symbol and turns order input into events.
// Calls for the same symbol are serialized; different symbols proceed in parallel.
type Engine struct {
	mu    sync.RWMutex
	books map[string]*bookSlot

	subMu     sync.RWMutex
	subs      []subscription
	nextSubID int

	now func() time.Time
}

type Option func(*Engine)

// WithClock overrides the time source used for order and event timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New creates an engine with no books.
func New(opts ...Option) *Engine {
	e := &Engine{
		books: make(map[string]*bookSlot),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// EnsureSymbol creates the book for symbol if it does not exist yet.
func (e *Engine) EnsureSymbol(symbol string) {
	e.slot(symbol)
}

func (e *Engine) slot(symbol string) *bookSlot {
	e.mu.RLock()
	s, ok := e.books[symbol]
	e.mu.RUnlock()
	if ok {
		return s
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if s, ok = e.books[symbol]; ok {
		return s
	}
	s = &bookSlot{book: e.newBook(symbol)}
	e.books[symbol] = s
	return s
}

func (e *Engine) newBook(symbol string) *OrderBook {
	b := NewOrderBook(symbol)
	b.now = e.now
	return b
}

// Symbols returns every symbol with a book, sorted.
func (e *Engine) Symbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, 0, len(e.books))
	for s := range e.books {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Subscribe registers a listener and returns the function that removes it.
// Listeners are notified in subscription order.
func (e *Engine) Subscribe(fn Listener) func() {
	e.subMu.Lock()
	defer e.subMu.Unlock()

	e.nextSubID++
	id := e.nextSubID
	e.subs = append(e.subs, subscription{id: id, fn: fn})

	return func() {
		e.subMu.Lock()
		defer e.subMu.Unlock()
		for i, s := range e.subs {
			if s.id == id {
				e.subs = append(e.subs[:i:i], e.subs[i+1:]...)
				return
			}
		}
	}
}

// PlaceOrder validates, matches and rests an order. Every resulting event is
// delivered to sink (if non-nil) and to all subscribers, in order, before it returns.
func (e *Engine) PlaceOrder(in domain.OrderInput, sink event.Sink) *domain.MatchResult {
	return e.place(in, "", sink)
}

// PlaceCommand is PlaceOrder for a bus command; events carry the command id as correlation id.
func (e *Engine) PlaceCommand(cmd *domain.OrderCommand, sink event.Sink) *domain.MatchResult {
	return e.place(cmd.Input(), cmd.CommandID, sink)
}

func (e *Engine) place(in domain.OrderInput, correlationID string, sink event.Sink) *domain.MatchResult {
	var events []event.MarketEvent
	emit := func(p event.Payload) {
		events = append(events, event.New(p, correlationID, e.now()))
	}

	if reason := validate(in); reason != "" {
		res := reject(in, reason, emit)
		e.deliver(events, sink)
		return res
	}

	s := e.slot(in.Symbol)
	s.mu.Lock()
	res := e.match(s.book, in, emit)

	// Delivery happens outside the book lock so listeners may read the book,
	// while emitMu keeps each symbol's events in placement order.
	s.emitMu.Lock()
	s.mu.Unlock()
	defer s.emitMu.Unlock()

	e.deliver(events, sink)
	return res
}

func validate(in domain.OrderInput) string {
	switch {
	case !in.Side.Valid():
		return domain.ReasonInvalidSide
	case !in.Type.Valid():
		return domain.ReasonInvalidType
	case !in.Quantity.IsPositive():
		return domain.ReasonInvalidQuantity
	case in.Type == domain.OrderTypeLimit && !in.Price.IsPositive():
		return domain.ReasonMissingPrice
	}
	return ""
}

func reject(in domain.OrderInput, reason string, emit func(event.Payload)) *domain.MatchResult {
	emit(event.OrderRejected{Order: in, Reason: reason})
	return &domain.MatchResult{Status: domain.MatchRejected, Input: in, Reason: reason}
}

// match must be called with the book's slot locked.
func (e *Engine) match(book *OrderBook, in domain.OrderInput, emit func(event.Payload)) *domain.MatchResult {
	price := in.Price
	if in.Type == domain.OrderTypeMarket {
		if best, ok := book.BestPrice(in.Side); ok {
			price = best
		} else if last := book.LastTrade(); last != nil {
			price = last.Price
		} else if !price.IsPositive() {
			return reject(in, domain.ReasonNoLiquidity, emit)
		}
	}

	order := &domain.Order{
		ID:               uuid.NewString(),
		UserID:           in.UserID,
		Symbol:           in.Symbol,
		Side:             in.Side,
		Type:             in.Type,
		Price:            price,
		Quantity:         in.Quantity,
		OriginalQuantity: in.Quantity,
		Status:           domain.OrderStatusOpen,
		Timestamp:        e.now().UnixMilli(),
	}
	emit(event.OrderAccepted{Order: *order})

	trades, resting := book.Place(order)
	order.Status = order.SettledStatus()
	if resting != nil {
		resting.Status = order.Status
	}

	for _, t := range trades {
		emit(event.TradeExecuted{Trade: t})
	}

	snap := book.Snapshot()
	emit(event.BookSnapshotted{Snapshot: snap})

	final := *order
	return &domain.MatchResult{
		Status:   domain.MatchAccepted,
		Input:    in,
		Order:    &final,
		Trades:   trades,
		Resting:  resting,
		Snapshot: &snap,
	}
}

// deliver hands events to sink and then to every subscriber, one event at a time.
func (e *Engine) deliver(events []event.MarketEvent, sink event.Sink) {
	e.subMu.RLock()
	subs := e.subs
	e.subMu.RUnlock()

	for _, ev := range events {
		if sink != nil {
			sink.Emit(ev)
		}
		for _, s := range subs {
			s.fn(ev)
		}
	}
}

// Restore puts a persisted resting order back on its book without emitting events.
func (e *Engine) Restore(order domain.Order) {
	s := e.slot(order.Symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	o := order
	s.book.Restore(&o)
}

// ResetSymbol discards the in-memory book for symbol so it can be rebuilt.
func (e *Engine) ResetSymbol(symbol string) {
	s := e.slot(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.book = e.newBook(symbol)
}

// Snapshot returns the current view of a symbol's book; unknown symbols are empty.
func (e *Engine) Snapshot(symbol string) domain.BookSnapshot {
	e.mu.RLock()
	s, ok := e.books[symbol]
	e.mu.RUnlock()
	if !ok {
		return domain.EmptySnapshot(symbol)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.book.Snapshot()
}

// DumpState writes every book snapshot to a file (for post-mortem).
func (e *Engine) DumpState(filename string) {
	slog.Info("Dumping engine state...", slog.String("file", filename))

	books := make(map[string]domain.BookSnapshot)
	for _, sym := range e.Symbols() {
		books[sym] = e.Snapshot(sym)
	}

	b, err := json.MarshalIndent(struct {
		DumpedAt int64                          `json:"dumped_at"`
		Books    map[string]domain.BookSnapshot `json:"books"`
	}{
		DumpedAt: e.now().UnixMilli(),
		Books:    books,
	}, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
