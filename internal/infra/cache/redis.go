package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"venue_go/internal/domain"

	"github.com/redis/go-redis/v9"
)

// NewClient connects to the redis URL (redis:// or rediss://) and pings it once.
func NewClient(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, &domain.ConfigError{Field: "redis.url", Err: err}
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, domain.NewNetworkError("redis ping", err)
	}
	return client, nil
}

// BookCache keeps the latest snapshot of each book under book:<symbol>.
type BookCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewBookCache(client *redis.Client, ttl time.Duration) *BookCache {
	if ttl <= 0 {
		ttl = 5 * time.Second
	}
	return &BookCache{client: client, ttl: ttl}
}

func bookKey(symbol string) string {
	return "book:" + domain.NormalizeSymbol(symbol)
}

// StoreSnapshot overwrites the symbol's snapshot; it expires after the TTL.
func (c *BookCache) StoreSnapshot(ctx context.Context, snap *domain.BookSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", snap.Symbol, err)
	}
	return c.client.Set(ctx, bookKey(snap.Symbol), data, c.ttl).Err()
}

// LoadSnapshot returns the cached snapshot or (nil, nil) when absent or expired.
func (c *BookCache) LoadSnapshot(ctx context.Context, symbol string) (*domain.BookSnapshot, error) {
	data, err := c.client.Get(ctx, bookKey(symbol)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var snap domain.BookSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", symbol, err)
	}
	return &snap, nil
}

func (c *BookCache) Name() string { return "cache" }

func (c *BookCache) Check(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
