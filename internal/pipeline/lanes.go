package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("lanes closed")

// Job is a unit of work bound to one symbol.
type Job func(ctx context.Context) error

type request struct {
	ctx  context.Context
	job  Job
	done chan error
}

// lane is the single goroutine that owns one symbol.
type lane struct {
	symbol    string
	inbox     chan request
	processed atomic.Uint64
	failed    atomic.Uint64
	lastError atomic.Pointer[string]
}

func (ln *lane) fail(err error) {
	ln.failed.Add(1)
	msg := err.Error()
	ln.lastError.Store(&msg)
}

// Lanes runs jobs one at a time per symbol, in submission order.
// Different symbols run in parallel on their own goroutines.
type Lanes struct {
	sendMu  sync.RWMutex // held for reading while enqueueing, for writing while closing
	mu      sync.Mutex
	lanes   map[string]*lane
	closed  bool
	wg      sync.WaitGroup
	inbox   int
	dumpDir string

	// OnPanic is called with the symbol after a job panicked and the state was dumped.
	OnPanic func(symbol string)
}

// NewLanes creates lanes whose inboxes buffer up to inboxSize jobs.
// Panic dumps are written to dumpDir ("" means the working directory).
func NewLanes(inboxSize int, dumpDir string) *Lanes {
	if inboxSize <= 0 {
		inboxSize = 1
	}
	return &Lanes{
		lanes:   make(map[string]*lane),
		inbox:   inboxSize,
		dumpDir: dumpDir,
	}
}

// Submit enqueues job on symbol's lane and blocks until it has run.
func (l *Lanes) Submit(ctx context.Context, symbol string, job Job) error {
	req := request{ctx: ctx, job: job, done: make(chan error, 1)}

	l.sendMu.RLock()
	ln, err := l.lane(symbol)
	if err != nil {
		l.sendMu.RUnlock()
		return err
	}
	select {
	case ln.inbox <- req:
		l.sendMu.RUnlock()
	case <-ctx.Done():
		l.sendMu.RUnlock()
		return ctx.Err()
	}

	select {
	case err := <-req.done:
		return err
	case <-ctx.Done():
		// The job may still run; its result is dropped.
		return ctx.Err()
	}
}

func (l *Lanes) lane(symbol string) (*lane, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}
	if ln, ok := l.lanes[symbol]; ok {
		return ln, nil
	}

	ln := &lane{symbol: symbol, inbox: make(chan request, l.inbox)}
	l.lanes[symbol] = ln
	l.wg.Add(1)
	go l.run(ln)
	slog.Debug("Lane started", slog.String("symbol", symbol))
	return ln, nil
}

// run is the lane loop. It MUST be the only goroutine touching ln.
func (l *Lanes) run(ln *lane) {
	defer l.wg.Done()
	for req := range ln.inbox {
		req.done <- l.execute(ln, req)
	}
}

func (l *Lanes) execute(ln *lane, req request) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("CRITICAL_PANIC_DETECTED", slog.String("symbol", ln.symbol), slog.Any("panic", r))
			err = fmt.Errorf("lane %s panicked: %v", ln.symbol, r)
			ln.fail(err)
			l.DumpState(filepath.Join(l.dumpDir, fmt.Sprintf("panic_dump_%s_%d.json", ln.symbol, time.Now().Unix())))
			if l.OnPanic != nil {
				l.OnPanic(ln.symbol)
			}
		}
	}()

	if err := req.ctx.Err(); err != nil {
		return err
	}

	err = req.job(req.ctx)
	ln.processed.Add(1)
	if err != nil {
		ln.fail(err)
	}
	return err
}

// Close stops accepting jobs and waits for every lane to drain.
func (l *Lanes) Close() {
	l.sendMu.Lock()
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		l.sendMu.Unlock()
		return
	}
	l.closed = true
	for _, ln := range l.lanes {
		close(ln.inbox)
	}
	l.mu.Unlock()
	l.sendMu.Unlock()

	l.wg.Wait()
}

// Symbols returns the symbols that currently have a lane, sorted.
func (l *Lanes) Symbols() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]string, 0, len(l.lanes))
	for s := range l.lanes {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// DumpState writes lane counters to a file (for post-mortem).
func (l *Lanes) DumpState(filename string) {
	slog.Info("Dumping lane state...", slog.String("file", filename))

	type laneState struct {
		Pending   int    `json:"pending"`
		Processed uint64 `json:"processed"`
		Failed    uint64 `json:"failed"`
		LastError string `json:"last_error,omitempty"`
	}

	l.mu.Lock()
	state := make(map[string]laneState, len(l.lanes))
	for sym, ln := range l.lanes {
		st := laneState{
			Pending:   len(ln.inbox),
			Processed: ln.processed.Load(),
			Failed:    ln.failed.Load(),
		}
		if msg := ln.lastError.Load(); msg != nil {
			st.LastError = *msg
		}
		state[sym] = st
	}
	l.mu.Unlock()

	b, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		slog.Error("Failed to marshal state", slog.Any("error", err))
		return
	}

	if err := os.WriteFile(filename, b, 0644); err != nil {
		slog.Error("Failed to write state dump", slog.Any("error", err))
	}
}
