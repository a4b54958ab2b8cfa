package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/agentmesh/crypto"
)

type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newTestRegistry(t *testing.T) (*Registry, Store, *manualClock) {
	t.Helper()
	clock := &manualClock{t: time.UnixMilli(1700000000000)}
	store := NewMemoryStore()
	reg := New(store, Options{Clock: clock, Logger: zap.NewNop()})
	return reg, store, clock
}

func newKey(t *testing.T) string {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	return kp.PublicKey
}

func TestRegisterAndLookup(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()
	pub := newKey(t)

	entry, err := reg.RegisterAgentKey(ctx, "agent-1", pub, map[string]string{"team": "core"})
	require.NoError(t, err)
	assert.Equal(t, pub, entry.PublicKey)
	assert.Equal(t, crypto.Fingerprint(pub), entry.Fingerprint)

	got, err := reg.GetAgentPublicKey(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	full, err := reg.GetAgentKeyEntry(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, full)
	assert.Equal(t, "core", full.Metadata["team"])
}

func TestRegister_InvalidKeyRejected(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	_, err := reg.RegisterAgentKey(context.Background(), "agent-1", "not-a-key", nil)
	assert.Error(t, err)
	_, err = reg.RegisterAgentKey(context.Background(), "", newKey(t), nil)
	assert.Error(t, err)
}

func TestLookup_UnknownAgent(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	pub, err := reg.GetAgentPublicKey(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Empty(t, pub)

	entry, err := reg.GetAgentKeyEntry(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestRevoke(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterAgentKey(ctx, "agent-1", newKey(t), nil)
	require.NoError(t, err)

	require.NoError(t, reg.RevokeAgentKey(ctx, "agent-1"))

	pub, err := reg.GetAgentPublicKey(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, pub)

	// Idempotent: repeated revokes succeed.
	require.NoError(t, reg.RevokeAgentKey(ctx, "agent-1"))

	// Revoking an unknown agent is an error, not a silent no-op.
	assert.ErrorIs(t, reg.RevokeAgentKey(ctx, "ghost"), ErrNotFound)
}

func TestRotate(t *testing.T) {
	reg, store, clock := newTestRegistry(t)
	ctx := context.Background()

	oldPub := newKey(t)
	newPub := newKey(t)

	_, err := reg.RegisterAgentKey(ctx, "agent-1", oldPub, nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	entry, err := reg.RotateAgentKey(ctx, "agent-1", newPub, nil)
	require.NoError(t, err)
	assert.Equal(t, newPub, entry.PublicKey)

	got, err := reg.GetAgentPublicKey(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, newPub, got)

	// The superseded entry is retained in history, expired, never live.
	snap, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, snap.History["agent-1"], 1)
	old := snap.History["agent-1"][0]
	assert.Equal(t, oldPub, old.PublicKey)
	require.NotNil(t, old.ExpiresAt)
	assert.False(t, old.Live(clock.Now()))

	_, err = reg.RotateAgentKey(ctx, "ghost", newKey(t), nil)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestList(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.RegisterAgentKey(ctx, "agent-1", newKey(t), nil)
	require.NoError(t, err)
	_, err = reg.RegisterAgentKey(ctx, "agent-2", newKey(t), nil)
	require.NoError(t, err)
	require.NoError(t, reg.RevokeAgentKey(ctx, "agent-2"))

	live, err := reg.ListRegisteredAgents(ctx)
	require.NoError(t, err)
	require.Len(t, live, 1)
	assert.Equal(t, "agent-1", live[0].AgentID)

	revoked, err := reg.ListRevokedAgents(ctx)
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	assert.Equal(t, "agent-2", revoked[0].AgentID)
}

func TestCache_BoundedStaleness(t *testing.T) {
	// Two registries sharing one store model two nodes: a revoke on one
	// node is invisible to the other only until its cache TTL elapses.
	clock := &manualClock{t: time.UnixMilli(1700000000000)}
	store := NewMemoryStore()
	nodeA := New(store, Options{Clock: clock, Logger: zap.NewNop()})
	nodeB := New(store, Options{Clock: clock, Logger: zap.NewNop()})
	ctx := context.Background()

	pub := newKey(t)
	_, err := nodeA.RegisterAgentKey(ctx, "agent-1", pub, nil)
	require.NoError(t, err)

	// Prime node B's cache.
	got, err := nodeB.GetAgentPublicKey(ctx, "agent-1")
	require.NoError(t, err)
	require.Equal(t, pub, got)

	require.NoError(t, nodeA.RevokeAgentKey(ctx, "agent-1"))

	// Within the TTL node B may still serve the stale key.
	got, err = nodeB.GetAgentPublicKey(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	// Past the TTL the revocation must be visible.
	clock.Advance(DefaultCacheTTL + time.Millisecond)
	got, err = nodeB.GetAgentPublicKey(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestCache_WritesUpdateSynchronously(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	pub := newKey(t)
	_, err := reg.RegisterAgentKey(ctx, "agent-1", pub, nil)
	require.NoError(t, err)

	// A local revoke is visible immediately, TTL notwithstanding.
	require.NoError(t, reg.RevokeAgentKey(ctx, "agent-1"))
	got, err := reg.GetAgentPublicKey(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestInvalidateCache(t *testing.T) {
	clock := &manualClock{t: time.UnixMilli(1700000000000)}
	store := NewMemoryStore()
	nodeA := New(store, Options{Clock: clock, Logger: zap.NewNop()})
	nodeB := New(store, Options{Clock: clock, Logger: zap.NewNop()})
	ctx := context.Background()

	pub := newKey(t)
	_, err := nodeA.RegisterAgentKey(ctx, "agent-1", pub, nil)
	require.NoError(t, err)
	_, err = nodeB.GetAgentPublicKey(ctx, "agent-1")
	require.NoError(t, err)

	require.NoError(t, nodeA.RevokeAgentKey(ctx, "agent-1"))

	// Explicit invalidation forces the next read through to the store.
	nodeB.InvalidateCache("agent-1")
	got, err := nodeB.GetAgentPublicKey(ctx, "agent-1")
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestVersionIncrements(t *testing.T) {
	reg, _, _ := newTestRegistry(t)
	ctx := context.Background()

	v0, _, err := reg.Version(ctx)
	require.NoError(t, err)

	_, err = reg.RegisterAgentKey(ctx, "agent-1", newKey(t), nil)
	require.NoError(t, err)
	v1, updated, err := reg.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, v0+1, v1)
	assert.False(t, updated.IsZero())

	require.NoError(t, reg.RevokeAgentKey(ctx, "agent-1"))
	v2, _, err := reg.Version(ctx)
	require.NoError(t, err)
	assert.Equal(t, v1+1, v2)
}
