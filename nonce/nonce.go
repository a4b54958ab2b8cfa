// Package nonce tracks single-use claims for replay defense. A nonce is
// consumable exactly once within the freshness window; once an entry
// expires it may be reused as if fresh, since the originating message
// would itself fail the freshness check by then.
package nonce

import (
	"context"
	"errors"
	"time"
)

// Store errors.
var (
	// ErrStoreClosed indicates the store has been closed.
	ErrStoreClosed = errors.New("nonce: store is closed")
)

const (
	// DefaultFreshnessWindow is how long a claimed nonce stays live.
	DefaultFreshnessWindow = 5 * time.Minute

	// DefaultSweepInterval is how often expired entries are removed
	// independently of the lookup path.
	DefaultSweepInterval = 60 * time.Second
)

// Stats describes the current state of a nonce store.
type Stats struct {
	Size   int       `json:"size"`
	Oldest time.Time `json:"oldest,omitempty"`
	Newest time.Time `json:"newest,omitempty"`
}

// Store is the replay-defense contract. Use must be an atomic
// check-and-set: when the same nonce is presented by concurrent callers,
// exactly one receives true.
type Store interface {
	// IsUsed reports whether a live (non-expired) entry exists for nonce.
	IsUsed(ctx context.Context, nonce string) (bool, error)

	// Use atomically claims nonce for agentID. Returns false if the
	// nonce is already claimed and not yet expired.
	Use(ctx context.Context, nonce, agentID string) (bool, error)

	// Stats returns size and age bounds for observability.
	Stats(ctx context.Context) (*Stats, error)

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources and stops background maintenance.
	Close() error
}
