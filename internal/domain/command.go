package domain

import "github.com/shopspring/decimal"

// OrderCommand is the message carried on the command bus from intake to the matcher.
type OrderCommand struct {
	CommandID string           `json:"commandId"`
	UserID    string           `json:"userId"`
	Symbol    string           `json:"symbol"`
	Side      Side             `json:"side"`
	Type      OrderType        `json:"type"`
	Quantity  decimal.Decimal  `json:"quantity"`
	Price     *decimal.Decimal `json:"price,omitempty"`
	Timestamp int64            `json:"timestamp"`
	Source    string           `json:"source,omitempty"`
}

// Input converts the command into engine input.
func (c *OrderCommand) Input() OrderInput {
	in := OrderInput{
		UserID:   c.UserID,
		Symbol:   c.Symbol,
		Side:     c.Side,
		Type:     c.Type,
		Quantity: c.Quantity,
	}
	if c.Price != nil {
		in.Price = *c.Price
	}
	return in
}

type MatchStatus string

const (
	MatchAccepted MatchStatus = "accepted"
	MatchRejected MatchStatus = "rejected"
)

// Reasons reported on rejected orders.
const (
	ReasonInvalidSide     = "Side must be buy or sell."
	ReasonInvalidType     = "Type must be limit or market."
	ReasonInvalidQuantity = "Quantity must be greater than zero."
	ReasonMissingPrice    = "Limit orders require a positive price."
	ReasonNoLiquidity     = "No liquidity available to price market order."
)

// MatchResult is the outcome of placing one order.
type MatchResult struct {
	Status MatchStatus
	Input  OrderInput
	Reason string

	// Set when accepted. Order holds the post-match state.
	Order    *Order
	Trades   []Trade
	Resting  *Order
	Snapshot *BookSnapshot
}

func (r *MatchResult) Accepted() bool {
	return r.Status == MatchAccepted
}

// Err returns a *RejectionError for rejected results, nil otherwise.
func (r *MatchResult) Err() error {
	if r.Status != MatchRejected {
		return nil
	}
	return &RejectionError{Reason: r.Reason}
}
