package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"venue_go/internal/app"
	"venue_go/internal/gateway"
	"venue_go/internal/infra/kafka"

	"golang.org/x/sync/errgroup"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("Gateway failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("Shutting down gracefully")
}

func run(ctx context.Context) error {
	boot := app.NewBootstrap("gateway")
	if err := boot.Initialize(ctx); err != nil {
		return err
	}
	defer boot.Close()
	cfg := boot.Config

	reader := kafka.NewEventReader(cfg.Kafka.Brokers, cfg.Kafka.MarketTopic, cfg.Kafka.GatewayGroup)
	defer reader.Close()

	gw := gateway.New(
		cfg.Book.Symbols,
		boot.SnapshotCache(),
		boot.Metrics,
		boot.Checks(kafka.NewBrokerCheck(cfg.Kafka.Brokers)),
		cfg.HTTP.AllowedOrigins,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return gw.Consume(gctx, reader)
	})
	g.Go(func() error {
		return gw.Serve(gctx, cfg.HTTP.GatewayAddr)
	})
	return g.Wait()
}
