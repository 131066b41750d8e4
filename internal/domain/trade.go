package domain

import "github.com/shopspring/decimal"

// Trade is one execution between an incoming (taker) order and a resting (maker) order.
// Price is always the maker's price.
type Trade struct {
	ID           string          `json:"id"`
	TakerOrderID string          `json:"takerOrderId"`
	MakerOrderID string          `json:"makerOrderId"`
	Symbol       string          `json:"symbol"`
	Price        decimal.Decimal `json:"price"`
	Quantity     decimal.Decimal `json:"quantity"`
	Timestamp    int64           `json:"timestamp"`
}

// LevelView is the aggregated quantity resting at one price.
type LevelView struct {
	Price    decimal.Decimal `json:"price"`
	Quantity decimal.Decimal `json:"quantity"`
}

// BookSnapshot is a read-only view of a book.
// Bids are best (highest) first, asks are best (lowest) first.
type BookSnapshot struct {
	Symbol    string      `json:"symbol"`
	Bids      []LevelView `json:"bids"`
	Asks      []LevelView `json:"asks"`
	LastTrade *Trade      `json:"lastTrade,omitempty"`
}

// EmptySnapshot returns the snapshot of a book with no liquidity.
func EmptySnapshot(symbol string) BookSnapshot {
	return BookSnapshot{Symbol: symbol, Bids: []LevelView{}, Asks: []LevelView{}}
}
