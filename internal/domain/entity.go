package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderRecord is the persisted form of an accepted order.
type OrderRecord struct {
	ID                string          `gorm:"primaryKey;size:64" json:"id"`
	UserID            string          `gorm:"size:64;index" json:"user_id"`
	Symbol            string          `gorm:"size:32;uniqueIndex:idx_orders_symbol_sequence,priority:1" json:"symbol"`
	Sequence          int64           `gorm:"uniqueIndex:idx_orders_symbol_sequence,priority:2" json:"sequence"`
	Side              Side            `gorm:"size:8" json:"side"`
	Type              OrderType       `gorm:"size:8" json:"type"`
	Price             decimal.Decimal `gorm:"type:decimal(36,18)" json:"price"`
	Quantity          decimal.Decimal `gorm:"type:decimal(36,18)" json:"quantity"`
	FilledQuantity    decimal.Decimal `gorm:"type:decimal(36,18)" json:"filled_quantity"`
	RemainingQuantity decimal.Decimal `gorm:"type:decimal(36,18)" json:"remaining_quantity"`
	Status            OrderStatus     `gorm:"size:16;index" json:"status"`
	PlacedAt          int64           `json:"placed_at"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (OrderRecord) TableName() string { return "orders" }

// ToOrder converts a stored row back into a live order carrying its remaining quantity.
func (r *OrderRecord) ToOrder() Order {
	return Order{
		ID:               r.ID,
		UserID:           r.UserID,
		Symbol:           r.Symbol,
		Side:             r.Side,
		Type:             r.Type,
		Price:            r.Price,
		Quantity:         r.RemainingQuantity,
		OriginalQuantity: r.Quantity,
		Status:           r.Status,
		Timestamp:        r.PlacedAt,
		Sequence:         r.Sequence,
	}
}

// TradeRecord is the persisted form of a trade.
type TradeRecord struct {
	ID           string          `gorm:"primaryKey;size:64" json:"id"`
	Symbol       string          `gorm:"size:32;index" json:"symbol"`
	TakerOrderID string          `gorm:"size:64;index" json:"taker_order_id"`
	MakerOrderID string          `gorm:"size:64;index" json:"maker_order_id"`
	Price        decimal.Decimal `gorm:"type:decimal(36,18)" json:"price"`
	Quantity     decimal.Decimal `gorm:"type:decimal(36,18)" json:"quantity"`
	ExecutedAt   int64           `json:"executed_at"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (TradeRecord) TableName() string { return "trades" }

// SymbolSequence holds the last sequence number handed out for a symbol.
type SymbolSequence struct {
	Symbol       string `gorm:"primaryKey;size:32"`
	LastSequence int64  `gorm:"not null;default:0"`
}

func (SymbolSequence) TableName() string { return "symbol_sequences" }

// OutboxRecord is a market event waiting to be (or already) published.
// ID grows with insertion, so ordering by it yields commit order.
type OutboxRecord struct {
	ID            uint64     `gorm:"primaryKey;autoIncrement" json:"id"`
	EventID       string     `gorm:"size:64;uniqueIndex" json:"event_id"`
	EventType     string     `gorm:"size:32" json:"event_type"`
	Payload       []byte     `json:"payload"`
	OrderSymbol   string     `gorm:"size:32" json:"order_symbol"`
	OrderSequence int64      `json:"order_sequence"`
	ProducedAt    time.Time  `json:"produced_at"`
	PublishedAt   *time.Time `gorm:"index" json:"published_at"`
	Attempts      int        `gorm:"not null;default:0" json:"attempts"`
	LastError     string     `json:"last_error"`
}

func (OutboxRecord) TableName() string { return "event_outbox" }

// IdempotencyRecord remembers which command a client idempotency key produced.
type IdempotencyRecord struct {
	Key        string     `gorm:"primaryKey;column:idempotency_key;size:128" json:"key"`
	UserID     string     `gorm:"size:64" json:"user_id"`
	BodyHash   string     `gorm:"size:64" json:"body_hash"`
	CommandID  string     `gorm:"size:64" json:"command_id"`
	EnqueuedAt *time.Time `json:"enqueued_at"`
	CreatedAt  time.Time  `gorm:"index" json:"created_at"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_keys" }

// ProcessedCommand marks a bus command as applied so redeliveries are skipped.
type ProcessedCommand struct {
	CommandID   string      `gorm:"primaryKey;size:64"`
	Symbol      string      `gorm:"size:32"`
	OrderID     string      `gorm:"size:64"`
	Status      MatchStatus `gorm:"size:16"`
	ProcessedAt time.Time   `gorm:"index"`
}

func (ProcessedCommand) TableName() string { return "processed_commands" }
