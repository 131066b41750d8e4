package ratelimit

import (
	"context"
	"log/slog"
	"time"

	"venue_go/internal/infra"
)

const (
	ScopeIP   = "ip"
	ScopeUser = "user"
)

// Result is the combined decision over the IP and user buckets.
type Result struct {
	Allowed    bool
	Scope      string // bucket that denied the request
	RetryAfter time.Duration
}

// Limiter enforces a per-IP bucket and, for authenticated requests, a per-user bucket.
// Store errors and timeouts let the request through.
type Limiter struct {
	store      Store
	ipPerMin   int
	userPerMin int
	timeout    time.Duration
	metrics    *infra.Metrics
	now        func() time.Time
}

// NewLimiter builds a limiter from the rate_limit config section. metrics may be nil.
func NewLimiter(store Store, cfg *infra.Config, metrics *infra.Metrics) *Limiter {
	return &Limiter{
		store:      store,
		ipPerMin:   cfg.RateLimit.IPPerMin,
		userPerMin: cfg.RateLimit.UserPerMin,
		timeout:    cfg.RateLimitTimeout(),
		metrics:    metrics,
		now:        time.Now,
	}
}

// Allow checks the IP bucket first, then the user bucket when userID is set.
func (l *Limiter) Allow(ctx context.Context, ip, userID string) Result {
	if res := l.take(ctx, ScopeIP, "rl:ip:"+ip, l.ipPerMin); !res.Allowed {
		return res
	}
	if userID != "" {
		if res := l.take(ctx, ScopeUser, "rl:user:"+userID, l.userPerMin); !res.Allowed {
			return res
		}
	}
	return Result{Allowed: true}
}

func (l *Limiter) take(ctx context.Context, scope, key string, perMin int) Result {
	if perMin <= 0 {
		return Result{Allowed: true}
	}

	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	dec, err := l.store.Take(ctx, key, perMin, float64(perMin)/60, l.now())
	if err != nil {
		slog.Warn("Rate limiter degraded, allowing request",
			slog.String("scope", scope), slog.Any("error", err))
		l.metrics.RecordRateLimit(scope, "error")
		return Result{Allowed: true}
	}

	if !dec.Allowed {
		l.metrics.RecordRateLimit(scope, "denied")
		return Result{Scope: scope, RetryAfter: dec.RetryAfter}
	}
	l.metrics.RecordRateLimit(scope, "allowed")
	return Result{Allowed: true}
}
