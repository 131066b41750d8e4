package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"venue_go/internal/domain"
	"venue_go/internal/infra"

	"github.com/IBM/sarama"
)

const (
	connectAttempts = 10
	connectBackoff  = 2 * time.Second
)

// UseLogger routes sarama's internal logging through slog.
func UseLogger(logger *slog.Logger) {
	sarama.Logger = infra.StdLogger(logger, "sarama")
}

// NewSaramaConfig returns the shared client config: producers wait for all in-sync replicas,
// consumers start from the oldest offset and report errors on the Errors channel.
func NewSaramaConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	if clientID != "" {
		config.ClientID = clientID
	}

	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Retry.Max = 5
	// Same key, same partition: one symbol's commands stay ordered.
	config.Producer.Partitioner = sarama.NewHashPartitioner

	config.Consumer.Return.Errors = true
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Offsets.AutoCommit.Enable = true
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategySticky()}
	return config
}

// NewSyncProducer connects a producer, retrying while the brokers come up.
func NewSyncProducer(ctx context.Context, brokers []string, config *sarama.Config) (sarama.SyncProducer, error) {
	var lastErr error
	for i := 0; i < connectAttempts; i++ {
		prod, err := sarama.NewSyncProducer(brokers, config)
		if err == nil {
			return prod, nil
		}
		nerr := connectError("start producer", err)
		if !domain.IsRetriable(nerr) {
			return nil, nerr
		}
		lastErr = err
		slog.Warn("Kafka producer not ready, retrying",
			slog.Int("attempt", i+1), slog.Any("error", err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	return nil, domain.NewNetworkError("start producer", fmt.Errorf("after %d attempts: %w", connectAttempts, lastErr))
}

// NewConsumerGroup joins groupID, retrying while the brokers come up.
func NewConsumerGroup(ctx context.Context, brokers []string, groupID string, config *sarama.Config) (sarama.ConsumerGroup, error) {
	var lastErr error
	for i := 0; i < connectAttempts; i++ {
		cg, err := sarama.NewConsumerGroup(brokers, groupID, config)
		if err == nil {
			return cg, nil
		}
		nerr := connectError("join group "+groupID, err)
		if !domain.IsRetriable(nerr) {
			return nil, nerr
		}
		lastErr = err
		slog.Warn("Kafka consumer group not ready, retrying",
			slog.String("group", groupID), slog.Int("attempt", i+1), slog.Any("error", err))

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(connectBackoff):
		}
	}
	return nil, domain.NewNetworkError("join group "+groupID, fmt.Errorf("after %d attempts: %w", connectAttempts, lastErr))
}

// connectError classifies a connect failure. An invalid sarama config is fatal;
// anything else may clear up once the brokers are reachable.
func connectError(op string, err error) *domain.NetworkError {
	var cfgErr sarama.ConfigurationError
	if errors.As(err, &cfgErr) {
		return domain.NewFatalNetworkError(op, err)
	}
	return domain.NewNetworkError(op, err)
}
