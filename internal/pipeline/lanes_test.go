package pipeline

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

func TestLanes_PreservesOrderPerSymbol(t *testing.T) {
	lanes := NewLanes(16, t.TempDir())
	defer lanes.Close()

	var mu sync.Mutex
	seen := make(map[string][]int)

	var wg sync.WaitGroup
	for _, sym := range []string{"BTC-USD", "ETH-USD"} {
		wg.Add(1)
		go func(sym string) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				i := i
				err := lanes.Submit(context.Background(), sym, func(ctx context.Context) error {
					mu.Lock()
					seen[sym] = append(seen[sym], i)
					mu.Unlock()
					return nil
				})
				if err != nil {
					t.Errorf("Submit failed: %v", err)
				}
			}
		}(sym)
	}
	wg.Wait()

	for sym, got := range seen {
		if len(got) != 100 {
			t.Fatalf("%s: expected 100 jobs, got %d", sym, len(got))
		}
		for i, v := range got {
			if v != i {
				t.Fatalf("%s: job %d ran at position %d", sym, v, i)
			}
		}
	}

	if syms := lanes.Symbols(); len(syms) != 2 || syms[0] != "BTC-USD" {
		t.Errorf("Symbols() = %v", syms)
	}
}

func TestLanes_SymbolsRunInParallel(t *testing.T) {
	lanes := NewLanes(1, t.TempDir())
	defer lanes.Close()

	release := make(chan struct{})
	started := make(chan struct{})

	go lanes.Submit(context.Background(), "BTC-USD", func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	<-started

	done := make(chan error, 1)
	go func() {
		done <- lanes.Submit(context.Background(), "ETH-USD", func(ctx context.Context) error { return nil })
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("a blocked symbol must not stall another symbol")
	}
	close(release)
}

func TestLanes_ReturnsJobError(t *testing.T) {
	lanes := NewLanes(4, t.TempDir())
	defer lanes.Close()

	boom := errors.New("persist failed")
	err := lanes.Submit(context.Background(), "BTC-USD", func(ctx context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Errorf("expected job error, got %v", err)
	}
}

func TestLanes_RecoversPanicAndDumps(t *testing.T) {
	dir := t.TempDir()
	lanes := NewLanes(4, dir)
	defer lanes.Close()

	var panicked string
	lanes.OnPanic = func(symbol string) { panicked = symbol }

	err := lanes.Submit(context.Background(), "SOL-USD", func(ctx context.Context) error {
		panic("corrupt book")
	})
	if err == nil {
		t.Fatal("panic must surface as an error")
	}
	if panicked != "SOL-USD" {
		t.Errorf("OnPanic symbol = %q", panicked)
	}

	dumps, _ := filepath.Glob(filepath.Join(dir, "panic_dump_SOL-USD_*.json"))
	if len(dumps) != 1 {
		t.Fatalf("expected one dump file, got %v", dumps)
	}
	if info, err := os.Stat(dumps[0]); err != nil || info.Size() == 0 {
		t.Errorf("dump file empty or unreadable: %v", err)
	}

	// The lane keeps serving after a panic.
	if err := lanes.Submit(context.Background(), "SOL-USD", func(ctx context.Context) error { return nil }); err != nil {
		t.Errorf("lane should survive panic, got %v", err)
	}
}

func TestLanes_SubmitAfterClose(t *testing.T) {
	lanes := NewLanes(4, t.TempDir())
	lanes.Submit(context.Background(), "BTC-USD", func(ctx context.Context) error { return nil })
	lanes.Close()

	err := lanes.Submit(context.Background(), "BTC-USD", func(ctx context.Context) error { return nil })
	if !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}
