package event

import (
	"encoding/json"
	"fmt"
	"time"

	"venue_go/internal/domain"

	"github.com/google/uuid"
)

// Type names a market event on the wire.
type Type string

const (
	TypeOrderAccepted Type = "order:accepted"
	TypeOrderRejected Type = "order:rejected"
	TypeTradeExecuted Type = "trade:executed"
	TypeBookSnapshot  Type = "book:snapshot"
)

// SchemaVersion is stamped on every event envelope.
const SchemaVersion = 1

// Payload is the type-specific body of a MarketEvent.
// The concrete type always agrees with MarketEvent.Type.
type Payload interface {
	EventType() Type
}

type OrderAccepted struct {
	Order domain.Order `json:"order"`
}

type OrderRejected struct {
	Order  domain.OrderInput `json:"order"`
	Reason string            `json:"reason"`
}

type TradeExecuted struct {
	Trade domain.Trade `json:"trade"`
}

type BookSnapshotted struct {
	Snapshot domain.BookSnapshot `json:"snapshot"`
}

func (OrderAccepted) EventType() Type   { return TypeOrderAccepted }
func (OrderRejected) EventType() Type   { return TypeOrderRejected }
func (TradeExecuted) EventType() Type   { return TypeTradeExecuted }
func (BookSnapshotted) EventType() Type { return TypeBookSnapshot }

// MarketEvent is the envelope shared by every event the engine produces.
// OrderSequence is set on order:accepted and trade:executed once the taker is persisted.
type MarketEvent struct {
	EventID       string  `json:"eventId"`
	Version       int     `json:"version"`
	Type          Type    `json:"type"`
	ProducedAt    int64   `json:"producedAt"`
	Timestamp     int64   `json:"timestamp"`
	CorrelationID string  `json:"correlationId,omitempty"`
	OrderSequence int64   `json:"orderSequence,omitempty"`
	Payload       Payload `json:"payload"`
}

// New wraps a payload in a fresh envelope.
func New(p Payload, correlationID string, now time.Time) MarketEvent {
	ms := now.UnixMilli()
	return MarketEvent{
		EventID:       uuid.NewString(),
		Version:       SchemaVersion,
		Type:          p.EventType(),
		ProducedAt:    ms,
		Timestamp:     ms,
		CorrelationID: correlationID,
		Payload:       p,
	}
}

// Symbol returns the symbol the event belongs to.
func (e *MarketEvent) Symbol() string {
	switch p := e.Payload.(type) {
	case OrderAccepted:
		return p.Order.Symbol
	case OrderRejected:
		return p.Order.Symbol
	case TradeExecuted:
		return p.Trade.Symbol
	case BookSnapshotted:
		return p.Snapshot.Symbol
	default:
		return ""
	}
}

// Encode serializes an event for the outbox and the bus.
func Encode(ev MarketEvent) ([]byte, error) {
	if ev.Payload == nil {
		return nil, fmt.Errorf("event %s has no payload", ev.EventID)
	}
	return json.Marshal(ev)
}

// Decode parses an encoded event, dispatching the payload on the type tag.
func Decode(data []byte) (MarketEvent, error) {
	var ev MarketEvent
	err := json.Unmarshal(data, &ev)
	return ev, err
}

func (e *MarketEvent) UnmarshalJSON(data []byte) error {
	var env struct {
		EventID       string          `json:"eventId"`
		Version       int             `json:"version"`
		Type          Type            `json:"type"`
		ProducedAt    int64           `json:"producedAt"`
		Timestamp     int64           `json:"timestamp"`
		CorrelationID string          `json:"correlationId"`
		OrderSequence int64           `json:"orderSequence"`
		Payload       json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}

	var (
		payload Payload
		err     error
	)
	switch env.Type {
	case TypeOrderAccepted:
		var p OrderAccepted
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case TypeOrderRejected:
		var p OrderRejected
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case TypeTradeExecuted:
		var p TradeExecuted
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	case TypeBookSnapshot:
		var p BookSnapshotted
		err = json.Unmarshal(env.Payload, &p)
		payload = p
	default:
		return fmt.Errorf("unknown event type %q", env.Type)
	}
	if err != nil {
		return fmt.Errorf("decode %s payload: %w", env.Type, err)
	}

	*e = MarketEvent{
		EventID:       env.EventID,
		Version:       env.Version,
		Type:          env.Type,
		ProducedAt:    env.ProducedAt,
		Timestamp:     env.Timestamp,
		CorrelationID: env.CorrelationID,
		OrderSequence: env.OrderSequence,
		Payload:       payload,
	}
	return nil
}
