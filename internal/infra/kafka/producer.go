package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"venue_go/internal/domain"

	"github.com/IBM/sarama"
)

// CommandProducer puts order commands on the command topic keyed by symbol.
type CommandProducer struct {
	producer sarama.SyncProducer
	topic    string
}

func NewCommandProducer(producer sarama.SyncProducer, topic string) *CommandProducer {
	return &CommandProducer{producer: producer, topic: topic}
}

// PublishCommand blocks until the brokers acknowledge the command.
// Any send failure is reported as domain.ErrBusUnavailable.
func (p *CommandProducer) PublishCommand(ctx context.Context, cmd *domain.OrderCommand) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	value, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode command %s: %w", cmd.CommandID, err)
	}

	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(cmd.Symbol),
		Value: sarama.ByteEncoder(value),
		Headers: []sarama.RecordHeader{
			{Key: []byte("commandId"), Value: []byte(cmd.CommandID)},
		},
	}

	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("produce command %s to %s: %v: %w", cmd.CommandID, p.topic, err, domain.ErrBusUnavailable)
	}
	return nil
}

func (p *CommandProducer) Close() error {
	return p.producer.Close()
}

// EventProducer publishes outbox rows to the market topic.
type EventProducer struct {
	producer sarama.SyncProducer
	topic    string
}

func NewEventProducer(producer sarama.SyncProducer, topic string) *EventProducer {
	return &EventProducer{producer: producer, topic: topic}
}

// PublishBatch sends all records in one request, keyed by event type, in slice order.
// It fails if any message in the batch fails.
func (p *EventProducer) PublishBatch(ctx context.Context, records []domain.OutboxRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	msgs := make([]*sarama.ProducerMessage, len(records))
	for i, rec := range records {
		msgs[i] = &sarama.ProducerMessage{
			Topic: p.topic,
			Key:   sarama.StringEncoder(rec.EventType),
			Value: sarama.ByteEncoder(rec.Payload),
			Headers: []sarama.RecordHeader{
				{Key: []byte("eventId"), Value: []byte(rec.EventID)},
				{Key: []byte("symbol"), Value: []byte(rec.OrderSymbol)},
				{Key: []byte("outboxId"), Value: []byte(strconv.FormatUint(rec.ID, 10))},
			},
		}
	}

	if err := p.producer.SendMessages(msgs); err != nil {
		var perrs sarama.ProducerErrors
		if errors.As(err, &perrs) && len(perrs) > 0 {
			return fmt.Errorf("publish %d/%d events failed: %w", len(perrs), len(msgs), perrs[0].Err)
		}
		return fmt.Errorf("publish batch: %w", err)
	}
	return nil
}

func (p *EventProducer) Close() error {
	return p.producer.Close()
}
