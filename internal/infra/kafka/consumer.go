package kafka

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
)

// RunConsumerGroup consumes topics with handler until ctx is cancelled.
// Consume returns on every rebalance or handler error, so the loop rejoins the group;
// uncommitted messages are then redelivered.
func RunConsumerGroup(ctx context.Context, group sarama.ConsumerGroup, topics []string, handler sarama.ConsumerGroupHandler) error {
	// Errors must be drained when Consumer.Return.Errors is set.
	go func() {
		for err := range group.Errors() {
			slog.Error("Consumer group error", slog.Any("error", err))
		}
	}()

	slog.Info("Consumer group running", slog.Any("topics", topics))
	for {
		if err := group.Consume(ctx, topics, handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			slog.Error("Consumer session ended", slog.Any("error", err))

			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
		}

		if ctx.Err() != nil {
			slog.Info("Consumer group stopped")
			return nil
		}
	}
}
