package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"venue_go/internal/domain"

	"github.com/google/uuid"
)

// Store persists idempotency claims.
type Store interface {
	ClaimIdempotencyKey(ctx context.Context, rec *domain.IdempotencyRecord) (bool, error)
	GetIdempotencyKey(ctx context.Context, key string) (*domain.IdempotencyRecord, error)
	MarkIdempotencyEnqueued(ctx context.Context, key string, at time.Time) error
	ReleaseIdempotencyKey(ctx context.Context, key, commandID string) error
}

// Decision is the outcome of Begin.
type Decision struct {
	Key       string
	CommandID string

	// Duplicate means an earlier request with the same key and body produced CommandID;
	// nothing must be enqueued.
	Duplicate bool

	// Claimed means this request owns the key and must call Complete or Abort.
	Claimed bool
}

// Gate deduplicates command submissions by client-supplied key.
// Store failures never block a request: the gate then lets it through unguarded.
type Gate struct {
	store   Store
	timeout time.Duration
	newID   func() string
	now     func() time.Time
	wg      sync.WaitGroup
}

// NewGate creates a gate over store. timeout bounds every store call; a claim or
// lookup that exceeds it is treated like a store failure.
func NewGate(store Store, timeout time.Duration) *Gate {
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	return &Gate{
		store:   store,
		timeout: timeout,
		newID:   uuid.NewString,
		now:     time.Now,
	}
}

// Begin claims key for userID and bodyHash with a freshly generated command id.
// It returns domain.ErrIdempotencyConflict when the key belongs to another user or body.
func (g *Gate) Begin(ctx context.Context, key, userID, bodyHash string) (Decision, error) {
	dec := Decision{Key: key, CommandID: g.newID()}
	if key == "" {
		return dec, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	claimed, err := g.store.ClaimIdempotencyKey(ctx, &domain.IdempotencyRecord{
		Key:       key,
		UserID:    userID,
		BodyHash:  bodyHash,
		CommandID: dec.CommandID,
		CreatedAt: g.now(),
	})
	if err != nil {
		slog.Warn("Idempotency claim failed, continuing without dedupe",
			slog.String("key", key), slog.Any("error", err))
		return Decision{CommandID: dec.CommandID}, nil
	}
	if claimed {
		dec.Claimed = true
		return dec, nil
	}

	existing, err := g.store.GetIdempotencyKey(ctx, key)
	if err != nil || existing == nil {
		slog.Warn("Idempotency lookup failed, continuing without dedupe",
			slog.String("key", key), slog.Any("error", err))
		return Decision{CommandID: dec.CommandID}, nil
	}

	if existing.UserID != userID || existing.BodyHash != bodyHash {
		return Decision{}, fmt.Errorf("key %q: %w", key, domain.ErrIdempotencyConflict)
	}

	return Decision{Key: key, CommandID: existing.CommandID, Duplicate: true}, nil
}

// Complete records in the background that the claimed command reached the bus.
func (g *Gate) Complete(dec Decision) {
	if !dec.Claimed {
		return
	}

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), g.timeout)
		defer cancel()

		if err := g.store.MarkIdempotencyEnqueued(ctx, dec.Key, g.now()); err != nil {
			slog.Warn("Failed to backfill idempotency record",
				slog.String("key", dec.Key), slog.String("command_id", dec.CommandID), slog.Any("error", err))
		}
	}()
}

// Abort drops a claim whose command never reached the bus, so a client retry starts fresh.
func (g *Gate) Abort(ctx context.Context, dec Decision) {
	if !dec.Claimed {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.store.ReleaseIdempotencyKey(ctx, dec.Key, dec.CommandID); err != nil {
		slog.Warn("Failed to release idempotency key",
			slog.String("key", dec.Key), slog.Any("error", err))
	}
}

// Wait blocks until pending backfills finish.
func (g *Gate) Wait() {
	g.wg.Wait()
}

// Fingerprint hashes a normalized request body (SHA-256, hex).
// v must marshal deterministically (structs, not maps).
func Fingerprint(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
