package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"venue_go/internal/domain"
	"venue_go/internal/event"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
)

type countingCache struct {
	mu    sync.Mutex
	snaps map[string]*domain.BookSnapshot
	loads int
}

func (c *countingCache) StoreSnapshot(context.Context, *domain.BookSnapshot) error { return nil }

func (c *countingCache) LoadSnapshot(_ context.Context, symbol string) (*domain.BookSnapshot, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loads++
	return c.snaps[symbol], nil
}

func bookAt(symbol string, bid int64) domain.BookSnapshot {
	snap := domain.EmptySnapshot(symbol)
	snap.Bids = []domain.LevelView{{Price: decimal.NewFromInt(bid), Quantity: decimal.NewFromInt(1)}}
	return snap
}

func TestSnapshotService_Apply(t *testing.T) {
	svc := NewSnapshotService([]string{"eth-usd", "btc-usd"}, nil)
	now := time.Now()

	svc.Apply(event.New(event.BookSnapshotted{Snapshot: bookAt("ETH-USD", 3000)}, "", now))
	svc.Apply(event.New(event.BookSnapshotted{Snapshot: bookAt("BTC-USD", 50000)}, "", now))
	svc.Apply(event.New(event.TradeExecuted{Trade: domain.Trade{Symbol: "BTC-USD"}}, "", now))

	btc, ok := svc.Get("btc-usd")
	if !ok {
		t.Fatal("BTC-USD snapshot should exist")
	}
	if !btc.Bids[0].Price.Equal(decimal.NewFromInt(50000)) {
		t.Errorf("Expected 50000, got %v", btc.Bids[0].Price)
	}

	all := svc.All()
	if len(all) != 2 || all[0].Symbol != "BTC-USD" || all[1].Symbol != "ETH-USD" {
		t.Errorf("All() should be sorted by symbol, got %+v", all)
	}

	if got := svc.Symbols(); len(got) != 2 || got[0] != "ETH-USD" || got[1] != "BTC-USD" {
		t.Errorf("Symbols() = %v", got)
	}

	svc.Apply(event.New(event.BookSnapshotted{Snapshot: bookAt("SOL-USD", 20)}, "", now))
	svc.Apply(event.New(event.BookSnapshotted{Snapshot: bookAt("ADA-USD", 1)}, "", now))
	got := svc.Symbols()
	want := []string{"ETH-USD", "BTC-USD", "ADA-USD", "SOL-USD"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("Symbols() = %v, want %v", got, want)
	}
}

func TestSnapshotService_Seed(t *testing.T) {
	cached := bookAt("BTC-USD", 100)
	cache := &countingCache{snaps: map[string]*domain.BookSnapshot{"BTC-USD": &cached}}
	svc := NewSnapshotService([]string{"BTC-USD", "ETH-USD"}, cache)

	svc.Seed(context.Background())
	svc.Seed(context.Background())

	if cache.loads != 2 {
		t.Errorf("cache loads = %d, want one round of 2", cache.loads)
	}
	if _, ok := svc.Get("BTC-USD"); !ok {
		t.Error("BTC-USD should be seeded from the cache")
	}
	if _, ok := svc.Get("ETH-USD"); ok {
		t.Error("ETH-USD is not cached and should stay unknown")
	}

	// topic snapshots win over the cache
	svc.Put(bookAt("BTC-USD", 105))
	svc.Seed(context.Background())
	if snap, _ := svc.Get("BTC-USD"); !snap.Bids[0].Price.Equal(decimal.NewFromInt(105)) {
		t.Errorf("seed must not overwrite a live snapshot: %v", snap.Bids[0].Price)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]json.RawMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]json.RawMessage
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("frame is not JSON: %v", err)
	}
	return frame
}

func frameType(frame map[string]json.RawMessage) string {
	var typ string
	json.Unmarshal(frame["type"], &typ)
	return typ
}

func TestGateway_GreetingAndBroadcast(t *testing.T) {
	g := New([]string{"BTC-USD", "ETH-USD"}, nil, nil, nil, nil)
	g.Snapshots().Put(bookAt("BTC-USD", 100))
	g.Snapshots().Put(bookAt("SOL-USD", 20))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go g.Hub().Run(ctx)

	srv := httptest.NewServer(g.Handler())
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := readFrame(t, conn)
	if frameType(hello) != "engine:hello" {
		t.Fatalf("first frame = %s, want engine:hello", frameType(hello))
	}
	var payload helloPayload
	json.Unmarshal(hello["payload"], &payload)
	if strings.Join(payload.Symbols, ",") != "BTC-USD,ETH-USD,SOL-USD" {
		t.Errorf("hello symbols = %v, want configured plus seen", payload.Symbols)
	}

	for i := 0; i < 2; i++ {
		snap := readFrame(t, conn)
		if frameType(snap) != string(event.TypeBookSnapshot) {
			t.Fatalf("frame %d = %s, want book:snapshot", i+2, frameType(snap))
		}
	}

	waitFor(t, func() bool { return g.Hub().Count() == 1 })

	trade := event.New(event.TradeExecuted{Trade: domain.Trade{ID: "t1", Symbol: "BTC-USD"}}, "c1", time.Now())
	g.HandleEvent(trade)

	live := readFrame(t, conn)
	if frameType(live) != string(event.TypeTradeExecuted) {
		t.Fatalf("live frame = %s, want trade:executed", frameType(live))
	}
	var id string
	json.Unmarshal(live["eventId"], &id)
	if id != trade.EventID {
		t.Errorf("eventId = %s, want %s", id, trade.EventID)
	}

	conn.Close()
	waitFor(t, func() bool { return g.Hub().Count() == 0 })
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := NewHub(NewSnapshotService(nil, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	slow := &Client{hub: h, send: make(chan []byte), id: "slow"}
	h.register <- slow
	waitFor(t, func() bool { return h.Count() == 1 })

	h.Broadcast(event.New(event.BookSnapshotted{Snapshot: bookAt("BTC-USD", 1)}, "", time.Now()))
	waitFor(t, func() bool { return h.Count() == 0 })

	if _, ok := <-slow.send; ok {
		t.Error("slow client's send channel should be closed")
	}
}

func TestHub_BroadcastAfterStop(t *testing.T) {
	h := NewHub(NewSnapshotService(nil, nil), nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	// fill the buffer so the next send can only complete via done
	for i := 0; i < sendBuffer; i++ {
		h.broadcast <- nil
	}
	if h.Broadcast(event.New(event.BookSnapshotted{Snapshot: bookAt("BTC-USD", 1)}, "", time.Now())) {
		t.Error("Broadcast should report a stopped hub")
	}
}

type sliceSource []event.MarketEvent

func (s sliceSource) Run(_ context.Context, handle func(event.MarketEvent)) error {
	for _, ev := range s {
		handle(ev)
	}
	return nil
}

func TestGateway_Consume(t *testing.T) {
	g := New([]string{"BTC-USD"}, nil, nil, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	src := sliceSource{
		event.New(event.BookSnapshotted{Snapshot: bookAt("BTC-USD", 100)}, "", time.Now()),
		event.New(event.BookSnapshotted{Snapshot: bookAt("BTC-USD", 101)}, "", time.Now()),
	}
	if err := g.Consume(ctx, src); err != nil {
		t.Fatalf("Consume: %v", err)
	}

	snap, ok := g.Snapshots().Get("BTC-USD")
	if !ok || !snap.Bids[0].Price.Equal(decimal.NewFromInt(101)) {
		t.Errorf("latest snapshot should win, got %+v", snap)
	}
}
