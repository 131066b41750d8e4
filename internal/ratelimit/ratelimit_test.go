package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"venue_go/internal/auth"
	"venue_go/internal/infra"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisStore(client)
}

func TestStores_CapacityThenDenied(t *testing.T) {
	stores := map[string]Store{
		"local": NewLocalStore(16),
		"redis": newRedisStore(t),
	}

	for name, store := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.UnixMilli(1_700_000_000_000)
			const capacity = 5
			rate := float64(capacity) / 60

			for i := 0; i < capacity; i++ {
				dec, err := store.Take(ctx, "rl:ip:1.2.3.4", capacity, rate, now)
				if err != nil {
					t.Fatalf("Take %d failed: %v", i, err)
				}
				if !dec.Allowed {
					t.Fatalf("request %d should be allowed", i)
				}
			}

			dec, err := store.Take(ctx, "rl:ip:1.2.3.4", capacity, rate, now)
			if err != nil {
				t.Fatalf("Take failed: %v", err)
			}
			if dec.Allowed {
				t.Fatal("request over capacity should be denied")
			}
			// 1 token at 5/60 per second takes 12s.
			if dec.RetryAfter != 12*time.Second {
				t.Errorf("RetryAfter = %v, want 12s", dec.RetryAfter)
			}

			// Other keys have their own bucket.
			other, _ := store.Take(ctx, "rl:ip:5.6.7.8", capacity, rate, now)
			if !other.Allowed {
				t.Error("separate key should be allowed")
			}

			// Refilled after enough time.
			later, _ := store.Take(ctx, "rl:ip:1.2.3.4", capacity, rate, now.Add(12*time.Second))
			if !later.Allowed {
				t.Error("bucket should have refilled one token")
			}
		})
	}
}

func TestBucket_NeverExceedsCapacity(t *testing.T) {
	b := &bucket{tokens: 3, last: time.Unix(0, 0)}
	dec := b.take(3, 1, time.Unix(3600, 0))
	if !dec.Allowed || dec.Remaining != 2 {
		t.Errorf("expected refill capped at capacity, got %+v", dec)
	}
}

type failingStore struct{}

func (failingStore) Take(context.Context, string, int, float64, time.Time) (Decision, error) {
	return Decision{}, errors.New("redis down")
}

func testConfig(ipPerMin, userPerMin int) *infra.Config {
	cfg := &infra.Config{}
	cfg.RateLimit.IPPerMin = ipPerMin
	cfg.RateLimit.UserPerMin = userPerMin
	cfg.RateLimit.TimeoutMS = 50
	return cfg
}

func TestLimiter_FailsOpen(t *testing.T) {
	m := infra.NewMetrics()
	l := NewLimiter(failingStore{}, testConfig(1, 1), m)

	for i := 0; i < 3; i++ {
		if res := l.Allow(context.Background(), "1.2.3.4", "user-1"); !res.Allowed {
			t.Fatal("store errors must not deny requests")
		}
	}
	if got := decisionCount(t, m, ScopeIP, "error"); got != 3 {
		t.Errorf("ip error decisions = %v, want 3", got)
	}
}

func decisionCount(t *testing.T, m *infra.Metrics, scope, decision string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() != "rate_limit_decisions_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["scope"] == scope && labels["decision"] == decision {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestLimiter_UserBucket(t *testing.T) {
	store := NewLocalStore(16)
	l := NewLimiter(store, testConfig(100, 2), nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if res := l.Allow(ctx, "1.2.3.4", "user-1"); !res.Allowed {
			t.Fatalf("request %d should be allowed", i)
		}
	}

	res := l.Allow(ctx, "1.2.3.4", "user-1")
	if res.Allowed || res.Scope != ScopeUser {
		t.Errorf("expected user denial, got %+v", res)
	}

	// Anonymous requests from the same IP only hit the IP bucket.
	if res := l.Allow(ctx, "1.2.3.4", ""); !res.Allowed {
		t.Error("anonymous request should pass the IP bucket")
	}
	if store.Len() != 2 {
		t.Errorf("buckets = %d, want one IP and one user bucket", store.Len())
	}
}

func TestMiddleware(t *testing.T) {
	l := NewLimiter(NewLocalStore(16), testConfig(1, 10), nil)
	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	do := func(path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	if rec := do("/orders"); rec.Code != http.StatusOK {
		t.Fatalf("first request: status %d", rec.Code)
	}

	rec := do("/orders")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: status %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Errorf("Retry-After = %q, want 60", rec.Header().Get("Retry-After"))
	}

	var body limitResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "error" || body.Message != "Rate limit exceeded (ip)" || body.Reset != 60 {
		t.Errorf("unexpected body: %+v", body)
	}

	t.Run("health bypasses limiter", func(t *testing.T) {
		for _, p := range []string{"/health", "/healthz", "/readyz", "/metrics"} {
			if rec := do(p); rec.Code != http.StatusOK {
				t.Errorf("%s: status %d", p, rec.Code)
			}
		}
	})
}

func TestMiddleware_UserScope(t *testing.T) {
	l := NewLimiter(NewLocalStore(16), testConfig(100, 1), nil)
	h := Middleware(l)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/orders", nil)
		req = req.WithContext(auth.WithUser(req.Context(), "user-1"))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec
	}

	do()
	rec := do()
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status %d, want 429", rec.Code)
	}
	if !json.Valid(rec.Body.Bytes()) {
		t.Fatal("body is not JSON")
	}
	var body limitResponse
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Message != "Rate limit exceeded (user)" {
		t.Errorf("message = %q", body.Message)
	}
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		fwd    string
		want   string
	}{
		{"remote addr", "192.168.1.5:4000", "", "192.168.1.5"},
		{"forwarded", "10.0.0.1:1", "203.0.113.9, 10.0.0.1", "203.0.113.9"},
		{"no port", "192.168.1.5", "", "192.168.1.5"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			if tt.fwd != "" {
				req.Header.Set("X-Forwarded-For", tt.fwd)
			}
			if got := ClientIP(req); got != tt.want {
				t.Errorf("ClientIP = %q, want %q", got, tt.want)
			}
		})
	}
}
