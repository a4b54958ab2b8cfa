package nonce

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/types"
)

type entry struct {
	claimedAt time.Time
	usedBy    string
}

// MemoryStore is the default in-process nonce store. A background sweep
// removes expired entries on a fixed interval so memory stays bounded
// regardless of read traffic; lookups additionally evict lazily.
type MemoryStore struct {
	entries map[string]entry
	mu      sync.Mutex
	window  time.Duration
	clock   types.Clock
	logger  *zap.Logger
	stopCh  chan struct{}
	closed  bool
}

// MemoryStoreConfig configures a MemoryStore.
type MemoryStoreConfig struct {
	// FreshnessWindow is how long a claim stays live (default 5m).
	FreshnessWindow time.Duration
	// SweepInterval is the background expiry cadence (default 60s).
	// Zero disables the sweep; lookups still evict lazily.
	SweepInterval time.Duration
	// Clock is the time source (default system clock).
	Clock types.Clock
}

// NewMemoryStore creates and starts an in-memory nonce store.
func NewMemoryStore(cfg MemoryStoreConfig, logger *zap.Logger) *MemoryStore {
	if cfg.FreshnessWindow <= 0 {
		cfg.FreshnessWindow = DefaultFreshnessWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = types.SystemClock()
	}
	s := &MemoryStore{
		entries: make(map[string]entry),
		window:  cfg.FreshnessWindow,
		clock:   cfg.Clock,
		logger:  logger.With(zap.String("component", "nonce")),
		stopCh:  make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		go s.sweepLoop(cfg.SweepInterval)
	}
	return s
}

// IsUsed reports whether a live entry exists for nonce, lazily evicting
// an expired one.
func (s *MemoryStore) IsUsed(_ context.Context, nonce string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	e, ok := s.entries[nonce]
	if !ok {
		return false, nil
	}
	if s.expired(e) {
		delete(s.entries, nonce)
		return false, nil
	}
	return true, nil
}

// Use atomically claims nonce for agentID. The check and the set happen
// under one lock so concurrent callers presenting the same nonce admit
// exactly one winner.
func (s *MemoryStore) Use(_ context.Context, nonce, agentID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	if e, ok := s.entries[nonce]; ok && !s.expired(e) {
		return false, nil
	}
	s.entries[nonce] = entry{claimedAt: s.clock.Now(), usedBy: agentID}
	return true, nil
}

// Stats returns the entry count and the oldest/newest claim timestamps.
func (s *MemoryStore) Stats(_ context.Context) (*Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	stats := &Stats{Size: len(s.entries)}
	for _, e := range s.entries {
		if stats.Oldest.IsZero() || e.claimedAt.Before(stats.Oldest) {
			stats.Oldest = e.claimedAt
		}
		if e.claimedAt.After(stats.Newest) {
			stats.Newest = e.claimedAt
		}
	}
	return stats, nil
}

// Ping always succeeds for the in-memory store unless closed.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close stops the sweep loop and releases the entry table.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.stopCh)
	s.entries = nil
	return nil
}

// Sweep removes all expired entries and returns how many were evicted.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	removed := 0
	for nonce, e := range s.entries {
		if s.expired(e) {
			delete(s.entries, nonce)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) expired(e entry) bool {
	return s.clock.Now().Sub(e.claimedAt) > s.window
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				s.logger.Debug("nonce sweep completed", zap.Int("removed", removed))
			}
		}
	}
}

var _ Store = (*MemoryStore)(nil)
