package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"venue_go/internal/app"
	"venue_go/internal/engine"
	"venue_go/internal/event"
	"venue_go/internal/infra/kafka"
	"venue_go/internal/matcher"
	"venue_go/internal/outbox"
	"venue_go/internal/pipeline"

	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Matcher failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("Shutting down gracefully")
}

func run(ctx context.Context) error {
	// 1. System Bootstrapping
	boot := app.NewBootstrap("matcher")
	if err := boot.Initialize(ctx); err != nil {
		return err
	}
	defer boot.Close()
	cfg := boot.Config

	store, err := boot.OpenStorage()
	if err != nil {
		return err
	}

	// 2. Engine and lanes; books are rebuilt from storage before the first command
	event.Warmup()
	if cfg.Matcher.DumpDir != "" {
		if err := os.MkdirAll(cfg.Matcher.DumpDir, 0755); err != nil {
			return err
		}
	}
	eng := engine.New()
	lanes := pipeline.NewLanes(cfg.Matcher.LaneInbox, cfg.Matcher.DumpDir)
	defer lanes.Close()

	proc := matcher.NewProcessor(eng, store, boot.SnapshotCache(), lanes, boot.Metrics)
	lanes.OnPanic = func(symbol string) {
		proc.Recover(context.Background(), symbol, cfg.Matcher.DumpDir)
	}
	if err := proc.Restore(ctx, cfg.Book.Symbols); err != nil {
		return err
	}

	// 3. Bus
	saramaCfg := kafka.NewSaramaConfig(cfg.Kafka.ClientID + "-matcher")
	producer, err := kafka.NewSyncProducer(ctx, cfg.Kafka.Brokers, saramaCfg)
	if err != nil {
		return err
	}
	events := kafka.NewEventProducer(producer, cfg.Kafka.MarketTopic)
	defer events.Close()

	group, err := kafka.NewConsumerGroup(ctx, cfg.Kafka.Brokers, cfg.Kafka.MatcherGroup, saramaCfg)
	if err != nil {
		return err
	}
	defer group.Close()

	// 4. Outbox relay and retention
	publisher := outbox.NewPublisher(store, events, cfg.OutboxInterval(), cfg.Outbox.BatchSize, boot.Metrics)
	publisher.Start(ctx)
	defer publisher.Stop()

	sweeper := outbox.NewSweeper(store, cfg.CleanupInterval(), cfg.OutboxRetention(), cfg.IdempotencyRetention())
	sweeper.Start(ctx)
	defer sweeper.Stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return kafka.RunConsumerGroup(gctx, group, []string{cfg.Kafka.OrderTopic}, matcher.NewHandler(proc))
	})
	g.Go(func() error {
		return boot.ServeOps(gctx, cfg.Matcher.OpsAddr)
	})

	slog.Info("Matcher fully operational", slog.Any("symbols", eng.Symbols()))
	return g.Wait()
}
