package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// Side is the direction of an order.
type Side string

// OrderType distinguishes price-limited orders from orders that take whatever liquidity exists.
type OrderType string

// OrderStatus is the lifecycle state recorded for a persisted order.
type OrderStatus string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"

	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"

	OrderStatusOpen      OrderStatus = "open"
	OrderStatusPartial   OrderStatus = "partial"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

// Opposite returns the side an order of this side trades against.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

func (t OrderType) Valid() bool {
	return t == OrderTypeLimit || t == OrderTypeMarket
}

// NormalizeSymbol trims and uppercases a symbol ("btc-usd" -> "BTC-USD").
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// Order represents a trading order.
// Quantity is the remaining quantity and is reduced in place by matching.
// Sequence is zero until the order has been durably persisted.
type Order struct {
	ID               string          `json:"id"`
	UserID           string          `json:"userId"`
	Symbol           string          `json:"symbol"`
	Side             Side            `json:"side"`
	Type             OrderType       `json:"type"`
	Price            decimal.Decimal `json:"price"`
	Quantity         decimal.Decimal `json:"quantity"`
	OriginalQuantity decimal.Decimal `json:"originalQuantity"`
	Status           OrderStatus     `json:"status,omitempty"`
	Timestamp        int64           `json:"timestamp"`
	Sequence         int64           `json:"sequence,omitempty"`
}

// Filled returns the quantity executed so far.
func (o *Order) Filled() decimal.Decimal {
	return o.OriginalQuantity.Sub(o.Quantity)
}

// Remaining returns the quantity left on the book once matching finished.
// Market orders never rest, so whatever they could not fill is gone.
func (o *Order) Remaining() decimal.Decimal {
	if o.Type == OrderTypeMarket {
		return decimal.Zero
	}
	return o.Quantity
}

// SettledStatus returns the status recorded for the order after matching.
// It follows the remaining quantity, so a market order always settles as filled.
func (o *Order) SettledStatus() OrderStatus {
	return DeriveStatus(o.Remaining(), o.OriginalQuantity)
}

// DeriveStatus maps remaining vs original quantity onto a status.
func DeriveStatus(remaining, original decimal.Decimal) OrderStatus {
	switch {
	case !remaining.IsPositive():
		return OrderStatusFilled
	case remaining.LessThan(original):
		return OrderStatusPartial
	default:
		return OrderStatusOpen
	}
}

// OrderInput is the caller-supplied part of an order before the engine assigns identity.
// A zero Price means no price was given.
type OrderInput struct {
	UserID   string          `json:"userId"`
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Type     OrderType       `json:"type"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price"`
}
