package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"venue_go/internal/api"
	"venue_go/internal/app"
	"venue_go/internal/auth"
	"venue_go/internal/idempotency"
	"venue_go/internal/infra/kafka"
	"venue_go/internal/ratelimit"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		slog.Error("API server failed", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("Shutting down gracefully")
}

func run(ctx context.Context) error {
	// 1. System Bootstrapping
	boot := app.NewBootstrap("api")
	if err := boot.Initialize(ctx); err != nil {
		return err
	}
	defer boot.Close()
	cfg := boot.Config

	store, err := boot.OpenStorage()
	if err != nil {
		return err
	}

	// 2. Command bus
	producer, err := kafka.NewSyncProducer(ctx, cfg.Kafka.Brokers, kafka.NewSaramaConfig(cfg.Kafka.ClientID+"-api"))
	if err != nil {
		return err
	}
	commands := kafka.NewCommandProducer(producer, cfg.Kafka.OrderTopic)
	defer commands.Close()

	// 3. Rate limiter: shared buckets in redis, process-local otherwise
	var buckets ratelimit.Store = ratelimit.NewLocalStore(10000)
	if boot.Redis != nil {
		buckets = ratelimit.NewRedisStore(boot.Redis)
	}

	gate := idempotency.NewGate(store, cfg.IdempotencyTimeout())
	defer gate.Wait()

	if cfg.Auth.JWTSecret == "" {
		slog.Warn("JWT secret not configured, every order submission will be rejected")
	}

	srv := api.NewServer(api.Deps{
		Publisher:      commands,
		Gate:           gate,
		Cache:          boot.SnapshotCache(),
		Verifier:       auth.NewJWTVerifier(cfg.Auth.JWTSecret),
		Limiter:        ratelimit.NewLimiter(buckets, cfg, boot.Metrics),
		Metrics:        boot.Metrics,
		Checks:         boot.Checks(kafka.NewBrokerCheck(cfg.Kafka.Brokers)),
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})
	return srv.Run(ctx, cfg.HTTP.Addr)
}
