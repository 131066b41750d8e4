package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"venue_go/internal/domain"
	"venue_go/internal/idempotency"
	"venue_go/internal/infra"
	"venue_go/internal/infra/storage"
	"venue_go/internal/ratelimit"

	"github.com/shopspring/decimal"
)

type fakePublisher struct {
	mu   sync.Mutex
	fail bool
	cmds []domain.OrderCommand
}

func (p *fakePublisher) PublishCommand(_ context.Context, cmd *domain.OrderCommand) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail {
		return domain.ErrBusUnavailable
	}
	p.cmds = append(p.cmds, *cmd)
	return nil
}

func (p *fakePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.cmds)
}

type tokenVerifier map[string]string

func (v tokenVerifier) Verify(token string) (string, error) {
	if id, ok := v[token]; ok {
		return id, nil
	}
	return "", domain.ErrUnauthorized
}

type staticCache struct {
	snap *domain.BookSnapshot
}

func (c *staticCache) StoreSnapshot(context.Context, *domain.BookSnapshot) error { return nil }
func (c *staticCache) LoadSnapshot(_ context.Context, symbol string) (*domain.BookSnapshot, error) {
	if c.snap != nil && c.snap.Symbol == symbol {
		return c.snap, nil
	}
	return nil, nil
}

type namedCheck struct {
	name string
	err  error
}

func (c namedCheck) Name() string                { return c.name }
func (c namedCheck) Check(context.Context) error { return c.err }

type testServer struct {
	srv   *Server
	pub   *fakePublisher
	gate  *idempotency.Gate
	store *storage.Storage
}

func newTestServer(t *testing.T, deps Deps) *testServer {
	t.Helper()
	s, err := storage.NewStorage("sqlite", filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	pub := &fakePublisher{}
	gate := idempotency.NewGate(s, time.Second)
	t.Cleanup(gate.Wait)
	deps.Publisher = pub
	deps.Gate = gate
	if deps.Verifier == nil {
		deps.Verifier = tokenVerifier{"token-1": "user-1", "token-2": "user-2"}
	}
	return &testServer{srv: NewServer(deps), pub: pub, gate: gate, store: s}
}

func (ts *testServer) post(t *testing.T, token, key, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeQueued(t *testing.T, rec *httptest.ResponseRecorder) queuedResponse {
	t.Helper()
	var resp queuedResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

const limitBuy = `{"symbol":"btc-usd","side":"buy","type":"limit","quantity":1,"price":100}`

func TestSubmitOrder_Queued(t *testing.T) {
	ts := newTestServer(t, Deps{})

	rec := ts.post(t, "token-1", "", limitBuy)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body)
	}
	resp := decodeQueued(t, rec)
	if resp.Status != "queued" || resp.CommandID == "" || resp.IdempotencyKey != nil || resp.ReceivedAt == 0 {
		t.Errorf("unexpected response: %+v", resp)
	}

	if ts.pub.count() != 1 {
		t.Fatalf("published %d commands, want 1", ts.pub.count())
	}
	cmd := ts.pub.cmds[0]
	if cmd.CommandID != resp.CommandID || cmd.UserID != "user-1" || cmd.Symbol != "BTC-USD" || cmd.Source != "api" {
		t.Errorf("unexpected command: %+v", cmd)
	}
	if cmd.Price == nil || !cmd.Price.Equal(decimal.NewFromInt(100)) {
		t.Errorf("price = %v, want 100", cmd.Price)
	}
}

func TestSubmitOrder_Idempotency(t *testing.T) {
	ts := newTestServer(t, Deps{})

	first := ts.post(t, "token-1", "key-1", limitBuy)
	if first.Code != http.StatusAccepted {
		t.Fatalf("first: status %d", first.Code)
	}
	firstResp := decodeQueued(t, first)
	ts.gate.Wait()

	t.Run("same key same body", func(t *testing.T) {
		rec := ts.post(t, "token-1", "key-1", limitBuy)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status %d", rec.Code)
		}
		resp := decodeQueued(t, rec)
		if resp.CommandID != firstResp.CommandID {
			t.Errorf("commandId = %s, want %s", resp.CommandID, firstResp.CommandID)
		}
		if resp.IdempotencyKey == nil || *resp.IdempotencyKey != "key-1" {
			t.Errorf("idempotencyKey = %v", resp.IdempotencyKey)
		}
		if ts.pub.count() != 1 {
			t.Errorf("enqueued %d commands, want 1", ts.pub.count())
		}
	})

	t.Run("same key other body", func(t *testing.T) {
		rec := ts.post(t, "token-1", "key-1", `{"symbol":"BTC-USD","side":"buy","type":"limit","quantity":2,"price":100}`)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status %d, want 409", rec.Code)
		}
		if ts.pub.count() != 1 {
			t.Errorf("conflict must not enqueue, got %d", ts.pub.count())
		}
	})

	t.Run("same key other user", func(t *testing.T) {
		rec := ts.post(t, "token-2", "key-1", limitBuy)
		if rec.Code != http.StatusConflict {
			t.Fatalf("status %d, want 409", rec.Code)
		}
	})

	t.Run("normalized bodies hash equally", func(t *testing.T) {
		rec := ts.post(t, "token-1", "key-1", `{"symbol":" BTC-USD ","side":"buy","type":"limit","quantity":"1.0","price":"100.00"}`)
		if rec.Code != http.StatusAccepted {
			t.Fatalf("status %d, want 202", rec.Code)
		}
	})
}

func TestSubmitOrder_Errors(t *testing.T) {
	ts := newTestServer(t, Deps{})

	tests := []struct {
		name   string
		token  string
		body   string
		status int
	}{
		{"no token", "", limitBuy, http.StatusUnauthorized},
		{"bad token", "nope", limitBuy, http.StatusUnauthorized},
		{"bad json", "token-1", `{`, http.StatusBadRequest},
		{"bad side", "token-1", `{"symbol":"BTC-USD","side":"hold","type":"limit","quantity":1,"price":1}`, http.StatusBadRequest},
		{"zero quantity", "token-1", `{"symbol":"BTC-USD","side":"buy","type":"limit","quantity":0,"price":1}`, http.StatusBadRequest},
		{"limit without price", "token-1", `{"symbol":"BTC-USD","side":"buy","type":"limit","quantity":1}`, http.StatusBadRequest},
		{"negative price", "token-1", `{"symbol":"BTC-USD","side":"sell","type":"market","quantity":1,"price":-5}`, http.StatusBadRequest},
		{"no symbol", "token-1", `{"side":"buy","type":"market","quantity":1}`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := ts.post(t, tt.token, "", tt.body)
			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d (body %s)", rec.Code, tt.status, rec.Body)
			}
		})
	}

	if ts.pub.count() != 0 {
		t.Errorf("invalid requests must not be enqueued, got %d", ts.pub.count())
	}

	t.Run("market without price is valid", func(t *testing.T) {
		rec := ts.post(t, "token-1", "", `{"symbol":"BTC-USD","side":"buy","type":"market","quantity":0.5}`)
		if rec.Code != http.StatusAccepted {
			t.Errorf("status = %d, want 202", rec.Code)
		}
	})
}

func TestSubmitOrder_BusUnavailable(t *testing.T) {
	ts := newTestServer(t, Deps{})
	ts.pub.fail = true

	rec := ts.post(t, "token-1", "key-9", limitBuy)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}

	// The claim was released, so a retry after recovery is a fresh submission.
	rec2, _ := ts.store.GetIdempotencyKey(context.Background(), "key-9")
	if rec2 != nil {
		t.Errorf("claim should be released: %+v", rec2)
	}

	ts.pub.fail = false
	if rec := ts.post(t, "token-1", "key-9", limitBuy); rec.Code != http.StatusAccepted {
		t.Errorf("retry status = %d, want 202", rec.Code)
	}
	if ts.pub.count() != 1 {
		t.Errorf("enqueued %d, want 1", ts.pub.count())
	}
}

func TestSubmitOrder_RateLimited(t *testing.T) {
	cfg := &infra.Config{}
	cfg.RateLimit.IPPerMin = 100
	cfg.RateLimit.UserPerMin = 1
	ts := newTestServer(t, Deps{Limiter: ratelimit.NewLimiter(ratelimit.NewLocalStore(16), cfg, nil)})

	if rec := ts.post(t, "token-1", "", limitBuy); rec.Code != http.StatusAccepted {
		t.Fatalf("first: status %d", rec.Code)
	}
	rec := ts.post(t, "token-1", "", limitBuy)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second: status %d, want 429", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "Rate limit exceeded (user)") {
		t.Errorf("body = %s", rec.Body)
	}
}

func TestGetBook(t *testing.T) {
	snap := &domain.BookSnapshot{
		Symbol: "BTC-USD",
		Bids:   []domain.LevelView{{Price: decimal.NewFromInt(100), Quantity: decimal.NewFromInt(2)}},
		Asks:   []domain.LevelView{},
	}
	ts := newTestServer(t, Deps{Cache: &staticCache{snap: snap}})

	get := func(path string) domain.BookSnapshot {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status %d", path, rec.Code)
		}
		var got domain.BookSnapshot
		if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return got
	}

	got := get("/book/btc-usd")
	if len(got.Bids) != 1 || !got.Bids[0].Quantity.Equal(decimal.NewFromInt(2)) {
		t.Errorf("cached book = %+v", got)
	}

	empty := get("/book/ETH-USD")
	if empty.Symbol != "ETH-USD" || empty.Bids == nil || len(empty.Bids) != 0 || len(empty.Asks) != 0 {
		t.Errorf("uncached book should be empty, got %+v", empty)
	}
}

func TestHealthAndReadiness(t *testing.T) {
	ts := newTestServer(t, Deps{
		Metrics: infra.NewMetrics(),
		Checks:  []domain.HealthChecker{namedCheck{name: "database"}, namedCheck{name: "bus"}},
	})

	serve := func(path string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		return rec
	}

	if rec := serve("/health"); rec.Code != http.StatusOK {
		t.Errorf("/health status %d", rec.Code)
	}

	rec := serve("/readyz")
	if rec.Code != http.StatusOK {
		t.Errorf("/readyz status %d, body %s", rec.Code, rec.Body)
	}

	serve("/book/BTC-USD")
	metrics := serve("/metrics")
	if !bytes.Contains(metrics.Body.Bytes(), []byte(`route="/book/{symbol}"`)) {
		t.Error("metrics should label requests by route template")
	}

	t.Run("degraded", func(t *testing.T) {
		ts := newTestServer(t, Deps{
			Checks: []domain.HealthChecker{namedCheck{name: "database"}, namedCheck{name: "bus", err: errors.New("dial tcp: refused")}},
		})
		rec := httptest.NewRecorder()
		ts.srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("status %d, want 503", rec.Code)
		}
		var body struct {
			Status string            `json:"status"`
			Checks map[string]string `json:"checks"`
		}
		json.NewDecoder(rec.Body).Decode(&body)
		if body.Status != "degraded" || body.Checks["database"] != "ok" || body.Checks["bus"] == "ok" {
			t.Errorf("unexpected readiness body: %+v", body)
		}
	})
}
