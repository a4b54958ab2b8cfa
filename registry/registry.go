package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/crypto"
	"github.com/BaSui01/agentmesh/types"
)

// DefaultCacheTTL bounds how stale a cached key lookup may be. A revoke
// or rotate may take up to this long to become visible to readers that
// hit the cache; this is an accepted, documented trade-off.
const DefaultCacheTTL = 5 * time.Second

type cachedLookup struct {
	entry     *Entry // nil is a cached negative result
	fetchedAt time.Time
}

// Registry is the authoritative agentId → public-key mapping. All writes
// go through the backing store synchronously and update the read cache
// in the same critical section, so a reader never sees a cache entry
// older than the last local write.
type Registry struct {
	store    Store
	cacheTTL time.Duration
	clock    types.Clock
	logger   *zap.Logger

	cache   map[string]cachedLookup
	cacheMu sync.RWMutex
	writeMu sync.Mutex
}

// Options configures a Registry.
type Options struct {
	// CacheTTL bounds lookup staleness (default 5s). Negative disables
	// caching entirely.
	CacheTTL time.Duration
	// Clock is the time source (default system clock).
	Clock types.Clock
	// Logger is required.
	Logger *zap.Logger
}

// New creates a Registry over the given store.
func New(store Store, opts Options) *Registry {
	if opts.CacheTTL == 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.Clock == nil {
		opts.Clock = types.SystemClock()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Registry{
		store:    store,
		cacheTTL: opts.CacheTTL,
		clock:    opts.Clock,
		logger:   opts.Logger.With(zap.String("component", "registry")),
		cache:    make(map[string]cachedLookup),
	}
}

// RegisterAgentKey creates or overwrites the live entry for agentId,
// persists it and updates the cache synchronously. The previous current
// entry, if any, is retained in history.
func (r *Registry) RegisterAgentKey(ctx context.Context, agentID, publicKey string, metadata map[string]string) (*Entry, error) {
	if agentID == "" {
		return nil, fmt.Errorf("registry: empty agent id")
	}
	if _, err := crypto.DecodePublicKey(publicKey); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	entry := &Entry{
		AgentID:     agentID,
		PublicKey:   publicKey,
		Fingerprint: crypto.Fingerprint(publicKey),
		CreatedAt:   r.clock.Now(),
		Metadata:    metadata,
	}

	err := r.mutate(ctx, func(snap *Snapshot) error {
		if prev, ok := snap.Agents[agentID]; ok {
			snap.History[agentID] = append(snap.History[agentID], prev)
		}
		snap.Agents[agentID] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("agent key registered",
		zap.String("agent_id", agentID),
		zap.String("fingerprint", entry.Fingerprint),
	)
	return entry.Clone(), nil
}

// GetAgentKeyEntry returns the full live entry for agentId, or nil when
// the agent is absent, revoked or expired. Lookups are served from the
// read cache within its TTL.
func (r *Registry) GetAgentKeyEntry(ctx context.Context, agentID string) (*Entry, error) {
	now := r.clock.Now()

	if r.cacheTTL > 0 {
		r.cacheMu.RLock()
		cached, ok := r.cache[agentID]
		r.cacheMu.RUnlock()
		if ok && now.Sub(cached.fetchedAt) <= r.cacheTTL {
			if !cached.entry.Live(now) {
				return nil, nil
			}
			return cached.entry.Clone(), nil
		}
	}

	snap, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry lookup failed: %w", err)
	}
	entry := snap.Agents[agentID]
	r.cacheSet(agentID, entry, now)

	if !entry.Live(now) {
		return nil, nil
	}
	return entry.Clone(), nil
}

// GetAgentPublicKey returns the live public key for agentId, or the
// empty string when no live key exists.
func (r *Registry) GetAgentPublicKey(ctx context.Context, agentID string) (string, error) {
	entry, err := r.GetAgentKeyEntry(ctx, agentID)
	if err != nil {
		return "", err
	}
	if entry == nil {
		return "", nil
	}
	return entry.PublicKey, nil
}

// RevokeAgentKey marks the agent's current entry revoked. Revoking an
// already-revoked key is a no-op returning success.
func (r *Registry) RevokeAgentKey(ctx context.Context, agentID string) error {
	err := r.mutate(ctx, func(snap *Snapshot) error {
		entry, ok := snap.Agents[agentID]
		if !ok {
			return ErrNotFound
		}
		if entry.RevokedAt != nil {
			return nil
		}
		now := r.clock.Now()
		entry.RevokedAt = &now
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("agent key revoked", zap.String("agent_id", agentID))
	return nil
}

// RotateAgentKey expires the current live entry and installs newPublicKey
// as the live one. Readers never see two simultaneously live entries for
// the same agent: the old entry's expiry and the new entry's insertion
// land in one persisted snapshot.
func (r *Registry) RotateAgentKey(ctx context.Context, agentID, newPublicKey string, metadata map[string]string) (*Entry, error) {
	if _, err := crypto.DecodePublicKey(newPublicKey); err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	now := r.clock.Now()
	entry := &Entry{
		AgentID:     agentID,
		PublicKey:   newPublicKey,
		Fingerprint: crypto.Fingerprint(newPublicKey),
		CreatedAt:   now,
		Metadata:    metadata,
	}

	err := r.mutate(ctx, func(snap *Snapshot) error {
		prev, ok := snap.Agents[agentID]
		if !ok {
			return ErrNotFound
		}
		if prev.ExpiresAt == nil || prev.ExpiresAt.After(now) {
			expiry := now
			prev.ExpiresAt = &expiry
		}
		snap.History[agentID] = append(snap.History[agentID], prev)
		snap.Agents[agentID] = entry
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.logger.Info("agent key rotated",
		zap.String("agent_id", agentID),
		zap.String("fingerprint", entry.Fingerprint),
	)
	return entry.Clone(), nil
}

// ListRegisteredAgents returns the live entries.
func (r *Registry) ListRegisteredAgents(ctx context.Context) ([]*Entry, error) {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry list failed: %w", err)
	}
	now := r.clock.Now()
	var out []*Entry
	for _, entry := range snap.Agents {
		if entry.Live(now) {
			out = append(out, entry.Clone())
		}
	}
	return out, nil
}

// ListRevokedAgents returns the current entries that have been revoked.
func (r *Registry) ListRevokedAgents(ctx context.Context) ([]*Entry, error) {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("registry list failed: %w", err)
	}
	var out []*Entry
	for _, entry := range snap.Agents {
		if entry.RevokedAt != nil {
			out = append(out, entry.Clone())
		}
	}
	return out, nil
}

// Version returns the snapshot version and last update time.
func (r *Registry) Version(ctx context.Context) (int64, time.Time, error) {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return 0, time.Time{}, err
	}
	return snap.Version, snap.LastUpdated, nil
}

// InvalidateCache drops the cached lookup for agentId, forcing the next
// read through to the store.
func (r *Registry) InvalidateCache(agentID string) {
	r.cacheMu.Lock()
	delete(r.cache, agentID)
	r.cacheMu.Unlock()
}

// InvalidateAll drops every cached lookup. Used when the backing store
// is known to have changed out of band.
func (r *Registry) InvalidateAll() {
	r.cacheMu.Lock()
	r.cache = make(map[string]cachedLookup)
	r.cacheMu.Unlock()
}

// mutate runs a load-modify-save cycle under the write lock and keeps
// the read cache in sync with what was persisted.
func (r *Registry) mutate(ctx context.Context, fn func(*Snapshot) error) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	snap, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("registry load failed: %w", err)
	}
	if err := fn(snap); err != nil {
		return err
	}
	snap.Version++
	snap.LastUpdated = r.clock.Now()

	if err := r.store.Save(ctx, snap); err != nil {
		return fmt.Errorf("registry save failed: %w", err)
	}

	now := r.clock.Now()
	r.cacheMu.Lock()
	for id, entry := range snap.Agents {
		r.cache[id] = cachedLookup{entry: entry.Clone(), fetchedAt: now}
	}
	r.cacheMu.Unlock()
	return nil
}

func (r *Registry) cacheSet(agentID string, entry *Entry, at time.Time) {
	if r.cacheTTL <= 0 {
		return
	}
	r.cacheMu.Lock()
	r.cache[agentID] = cachedLookup{entry: entry.Clone(), fetchedAt: at}
	r.cacheMu.Unlock()
}
