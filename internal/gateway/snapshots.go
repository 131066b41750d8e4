package gateway

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"venue_go/internal/domain"
	"venue_go/internal/event"

	"golang.org/x/sync/singleflight"
)

// SnapshotService keeps the latest book snapshot per symbol as seen on the market topic.
type SnapshotService struct {
	mu        sync.RWMutex
	snapshots map[string]domain.BookSnapshot
	symbols   []string

	cache domain.SnapshotCache
	seed  singleflight.Group
}

// NewSnapshotService creates a service for the given symbols. cache may be nil.
func NewSnapshotService(symbols []string, cache domain.SnapshotCache) *SnapshotService {
	normalized := make([]string, 0, len(symbols))
	for _, s := range symbols {
		normalized = append(normalized, domain.NormalizeSymbol(s))
	}
	return &SnapshotService{
		snapshots: make(map[string]domain.BookSnapshot),
		symbols:   normalized,
		cache:     cache,
	}
}

// Symbols returns the known symbols: the configured ones in order, then any
// other symbol a snapshot was seen for, sorted.
func (s *SnapshotService) Symbols() []string {
	out := make([]string, len(s.symbols), len(s.symbols)+1)
	copy(out, s.symbols)

	configured := make(map[string]struct{}, len(s.symbols))
	for _, sym := range s.symbols {
		configured[sym] = struct{}{}
	}

	s.mu.RLock()
	var extra []string
	for sym := range s.snapshots {
		if _, ok := configured[sym]; !ok {
			extra = append(extra, sym)
		}
	}
	s.mu.RUnlock()

	sort.Strings(extra)
	return append(out, extra...)
}

// Apply records the snapshot carried by a book:snapshot event. Other events are ignored.
func (s *SnapshotService) Apply(ev event.MarketEvent) {
	p, ok := ev.Payload.(event.BookSnapshotted)
	if !ok {
		return
	}
	s.Put(p.Snapshot)
}

func (s *SnapshotService) Put(snap domain.BookSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[snap.Symbol] = snap
}

// Get returns the latest snapshot for symbol.
func (s *SnapshotService) Get(symbol string) (domain.BookSnapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[domain.NormalizeSymbol(symbol)]
	return snap, ok
}

// All returns every known snapshot sorted by symbol.
func (s *SnapshotService) All() []domain.BookSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]domain.BookSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		result = append(result, snap)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].Symbol < result[j].Symbol
	})
	return result
}

func (s *SnapshotService) empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots) == 0
}

// Seed fills the service from the shared cache while it holds no snapshots.
// Concurrent callers share one round of cache reads.
func (s *SnapshotService) Seed(ctx context.Context) {
	if s.cache == nil || !s.empty() {
		return
	}

	s.seed.Do("seed", func() (interface{}, error) {
		for _, symbol := range s.symbols {
			snap, err := s.cache.LoadSnapshot(ctx, symbol)
			if err != nil {
				slog.Warn("Failed to seed snapshot from cache",
					slog.String("symbol", symbol), slog.Any("error", err))
				continue
			}
			if snap == nil {
				continue
			}

			s.mu.Lock()
			// a snapshot from the topic is always newer than the cached one
			if _, ok := s.snapshots[symbol]; !ok {
				s.snapshots[symbol] = *snap
			}
			s.mu.Unlock()
		}
		return nil, nil
	})
}
