package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"venue_go/internal/event"

	"github.com/segmentio/kafka-go"
)

// EventReader follows the market topic as part of a consumer group.
type EventReader struct {
	reader *kafka.Reader
}

func NewEventReader(brokers []string, topic, groupID string) *EventReader {
	return &EventReader{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers:        brokers,
			Topic:          topic,
			GroupID:        groupID,
			MinBytes:       1,
			MaxBytes:       10e6,
			MaxWait:        250 * time.Millisecond,
			CommitInterval: time.Second,
			StartOffset:    kafka.LastOffset,
		}),
	}
}

// Run decodes each message and hands it to handle until ctx is cancelled.
// Undecodable messages are logged and skipped.
func (r *EventReader) Run(ctx context.Context, handle func(event.MarketEvent)) error {
	for {
		msg, err := r.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return fmt.Errorf("read market event: %w", err)
		}

		ev, err := event.Decode(msg.Value)
		if err != nil {
			slog.Warn("Skipping malformed market event",
				slog.Int("partition", msg.Partition), slog.Int64("offset", msg.Offset), slog.Any("error", err))
			continue
		}
		handle(ev)
	}
}

func (r *EventReader) Close() error {
	return r.reader.Close()
}

// BrokerCheck dials the first reachable broker.
type BrokerCheck struct {
	brokers []string
}

func NewBrokerCheck(brokers []string) *BrokerCheck {
	return &BrokerCheck{brokers: brokers}
}

func (c *BrokerCheck) Name() string { return "bus" }

func (c *BrokerCheck) Check(ctx context.Context) error {
	var lastErr error
	for _, addr := range c.brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no brokers configured")
	}
	return lastErr
}
