// Package registry maintains the authoritative agentId → public-key
// mapping with revocation and rotation, backed by pluggable persistent
// storage and fronted by a short-TTL read cache that bounds lookup
// staleness without hitting the backing store on every call.
//
// Supported backends:
// - Memory: for development and testing (default)
// - File: for single-node production deployments
// - SQLite: durable single-node deployments via gorm
// - Redis: for distributed deployments
package registry

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound    = errors.New("registry: agent not found")
	ErrStoreClosed = errors.New("registry: store is closed")
)

// StoreType selects a storage backend.
type StoreType string

const (
	StoreTypeMemory StoreType = "memory"
	StoreTypeFile   StoreType = "file"
	StoreTypeSQLite StoreType = "sqlite"
	StoreTypeRedis  StoreType = "redis"
)

// Entry is one agent key record. Entries are never physically deleted:
// revocation and expiry are mutations, preserving audit continuity.
type Entry struct {
	AgentID     string            `json:"agentId"`
	PublicKey   string            `json:"publicKey"`
	Fingerprint string            `json:"keyFingerprint"`
	CreatedAt   time.Time         `json:"createdAt"`
	ExpiresAt   *time.Time        `json:"expiresAt,omitempty"`
	RevokedAt   *time.Time        `json:"revokedAt,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Live reports whether the entry is usable at the given instant:
// not revoked and not expired.
func (e *Entry) Live(now time.Time) bool {
	if e == nil || e.RevokedAt != nil {
		return false
	}
	if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
		return false
	}
	return true
}

// Clone returns a deep copy of the entry.
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	out := *e
	if e.ExpiresAt != nil {
		t := *e.ExpiresAt
		out.ExpiresAt = &t
	}
	if e.RevokedAt != nil {
		t := *e.RevokedAt
		out.RevokedAt = &t
	}
	if e.Metadata != nil {
		out.Metadata = make(map[string]string, len(e.Metadata))
		for k, v := range e.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

// Snapshot is the versioned persisted shape of the registry. Agents maps
// each agentId to its current entry; History retains superseded entries
// so rotations leave a full trail. At most one live entry per agent is
// ever observable through lookups.
type Snapshot struct {
	Version     int64               `json:"version"`
	LastUpdated time.Time           `json:"lastUpdated"`
	Agents      map[string]*Entry   `json:"agents"`
	History     map[string][]*Entry `json:"history,omitempty"`
}

// NewSnapshot returns an empty snapshot.
func NewSnapshot() *Snapshot {
	return &Snapshot{
		Agents:  make(map[string]*Entry),
		History: make(map[string][]*Entry),
	}
}

// Clone returns a deep copy of the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	out := &Snapshot{
		Version:     s.Version,
		LastUpdated: s.LastUpdated,
		Agents:      make(map[string]*Entry, len(s.Agents)),
		History:     make(map[string][]*Entry, len(s.History)),
	}
	for id, e := range s.Agents {
		out.Agents[id] = e.Clone()
	}
	for id, entries := range s.History {
		copied := make([]*Entry, len(entries))
		for i, e := range entries {
			copied[i] = e.Clone()
		}
		out.History[id] = copied
	}
	return out
}

// Store persists registry snapshots.
type Store interface {
	// Load returns the persisted snapshot, or an empty one when nothing
	// has been stored yet.
	Load(ctx context.Context) (*Snapshot, error)

	// Save persists the snapshot atomically.
	Save(ctx context.Context, snap *Snapshot) error

	// Ping checks that the backing store is reachable.
	Ping(ctx context.Context) error

	// Close releases resources held by the store.
	Close() error
}
