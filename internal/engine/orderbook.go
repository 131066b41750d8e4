package engine

import (
	"slices"
	"sort"
	"time"

	"venue_go/internal/domain"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// priceLevel holds resting orders at one price in arrival order.
type priceLevel struct {
	price  decimal.Decimal
	orders []*domain.Order
}

func (l *priceLevel) total() decimal.Decimal {
	sum := decimal.Zero
	for _, o := range l.orders {
		sum = sum.Add(o.Quantity)
	}
	return sum
}

// OrderBook is the in-memory book of one symbol.
// Bids are kept highest price first, asks lowest price first; a level exists
// only while it has at least one resting order.
// OrderBook is not safe for concurrent use; the Engine serializes access per symbol.
type OrderBook struct {
	symbol    string
	bids      []*priceLevel
	asks      []*priceLevel
	lastTrade *domain.Trade

	now   func() time.Time
	newID func() string
}

// NewOrderBook creates an empty book.
func NewOrderBook(symbol string) *OrderBook {
	return &OrderBook{
		symbol: symbol,
		now:    time.Now,
		newID:  uuid.NewString,
	}
}

func (b *OrderBook) Symbol() string { return b.symbol }

// LastTrade returns the most recent trade, or nil.
func (b *OrderBook) LastTrade() *domain.Trade {
	if b.lastTrade == nil {
		return nil
	}
	t := *b.lastTrade
	return &t
}

// Place matches an incoming order against the opposite side and rests any
// limit remainder. order.Quantity is reduced by every fill. The returned
// resting order is a copy of what was added to the book, nil if nothing rested.
func (b *OrderBook) Place(order *domain.Order) ([]domain.Trade, *domain.Order) {
	var trades []domain.Trade
	levels := b.levels(order.Side.Opposite())

	for order.Quantity.IsPositive() && len(*levels) > 0 {
		best := (*levels)[0]
		if !crosses(order, best.price) {
			break
		}

		for order.Quantity.IsPositive() && len(best.orders) > 0 {
			maker := best.orders[0]
			qty := decimal.Min(order.Quantity, maker.Quantity)

			trade := domain.Trade{
				ID:           b.newID(),
				TakerOrderID: order.ID,
				MakerOrderID: maker.ID,
				Symbol:       b.symbol,
				Price:        best.price,
				Quantity:     qty,
				Timestamp:    b.now().UnixMilli(),
			}
			trades = append(trades, trade)
			b.lastTrade = &trade

			order.Quantity = order.Quantity.Sub(qty)
			maker.Quantity = maker.Quantity.Sub(qty)
			if !maker.Quantity.IsPositive() {
				best.orders[0] = nil
				best.orders = best.orders[1:]
			}
		}

		if len(best.orders) == 0 {
			*levels = slices.Delete(*levels, 0, 1)
		}
	}

	if order.Type != domain.OrderTypeLimit || !order.Quantity.IsPositive() {
		return trades, nil
	}

	b.insert(order)
	resting := *order
	return trades, &resting
}

// Restore appends a previously persisted resting order without matching.
// Orders must be restored in their original sequence to keep time priority.
func (b *OrderBook) Restore(order *domain.Order) {
	if order.Type != domain.OrderTypeLimit || !order.Quantity.IsPositive() {
		return
	}
	b.insert(order)
}

// BestPrice returns the best price an incoming order of the given side could trade at.
func (b *OrderBook) BestPrice(incoming domain.Side) (decimal.Decimal, bool) {
	levels := *b.levels(incoming.Opposite())
	if len(levels) == 0 {
		return decimal.Zero, false
	}
	return levels[0].price, true
}

// Snapshot aggregates every level into a read-only view.
func (b *OrderBook) Snapshot() domain.BookSnapshot {
	snap := domain.BookSnapshot{
		Symbol:    b.symbol,
		Bids:      aggregate(b.bids),
		Asks:      aggregate(b.asks),
		LastTrade: b.LastTrade(),
	}
	return snap
}

func (b *OrderBook) levels(side domain.Side) *[]*priceLevel {
	if side == domain.SideBuy {
		return &b.bids
	}
	return &b.asks
}

func (b *OrderBook) insert(order *domain.Order) {
	levels := b.levels(order.Side)
	desc := order.Side == domain.SideBuy

	idx := sort.Search(len(*levels), func(i int) bool {
		if desc {
			return (*levels)[i].price.LessThanOrEqual(order.Price)
		}
		return (*levels)[i].price.GreaterThanOrEqual(order.Price)
	})

	if idx < len(*levels) && (*levels)[idx].price.Equal(order.Price) {
		(*levels)[idx].orders = append((*levels)[idx].orders, order)
		return
	}

	level := &priceLevel{price: order.Price, orders: []*domain.Order{order}}
	*levels = slices.Insert(*levels, idx, level)
}

func crosses(order *domain.Order, levelPrice decimal.Decimal) bool {
	if order.Type == domain.OrderTypeMarket {
		return true
	}
	if order.Side == domain.SideBuy {
		return order.Price.GreaterThanOrEqual(levelPrice)
	}
	return order.Price.LessThanOrEqual(levelPrice)
}

func aggregate(levels []*priceLevel) []domain.LevelView {
	out := make([]domain.LevelView, 0, len(levels))
	for _, l := range levels {
		out = append(out, domain.LevelView{Price: l.price, Quantity: l.total()})
	}
	return out
}
