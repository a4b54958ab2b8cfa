package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// keyEntryRow is the gorm model for one key entry. Current marks the
// row that Snapshot.Agents points at; the rest are history.
type keyEntryRow struct {
	ID          uint   `gorm:"primaryKey"`
	AgentID     string `gorm:"index;not null"`
	PublicKey   string `gorm:"not null"`
	Fingerprint string `gorm:"not null"`
	CreatedAt   time.Time
	ExpiresAt   *time.Time
	RevokedAt   *time.Time
	Metadata    string
	Current     bool `gorm:"index"`
}

func (keyEntryRow) TableName() string { return "agent_key_entries" }

// registryMetaRow carries the snapshot version.
type registryMetaRow struct {
	ID          uint `gorm:"primaryKey"`
	Version     int64
	LastUpdated time.Time
}

func (registryMetaRow) TableName() string { return "registry_meta" }

// SQLiteStore persists registry snapshots in a SQLite database via gorm.
// Durable single-node alternative to FileStore.
type SQLiteStore struct {
	db     *gorm.DB
	mu     sync.Mutex
	closed bool
}

// NewSQLiteStore opens (creating if needed) the database at path and
// runs migrations.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open registry database: %w", err)
	}
	if err := db.AutoMigrate(&keyEntryRow{}, &registryMetaRow{}); err != nil {
		return nil, fmt.Errorf("failed to migrate registry schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Load reconstructs the snapshot from rows.
func (s *SQLiteStore) Load(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	snap := NewSnapshot()

	var meta registryMetaRow
	if err := s.db.WithContext(ctx).First(&meta).Error; err == nil {
		snap.Version = meta.Version
		snap.LastUpdated = meta.LastUpdated
	} else if err != gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("failed to load registry meta: %w", err)
	}

	var rows []keyEntryRow
	if err := s.db.WithContext(ctx).Order("id asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("failed to load registry entries: %w", err)
	}

	for _, row := range rows {
		entry, err := rowToEntry(row)
		if err != nil {
			return nil, err
		}
		if row.Current {
			snap.Agents[row.AgentID] = entry
		} else {
			snap.History[row.AgentID] = append(snap.History[row.AgentID], entry)
		}
	}
	return snap, nil
}

// Save replaces all rows with the snapshot's contents in one transaction.
func (s *SQLiteStore) Save(ctx context.Context, snap *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&keyEntryRow{}).Error; err != nil {
			return fmt.Errorf("failed to clear registry entries: %w", err)
		}
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&registryMetaRow{}).Error; err != nil {
			return fmt.Errorf("failed to clear registry meta: %w", err)
		}

		for id, entries := range snap.History {
			for _, e := range entries {
				row, err := entryToRow(id, e, false)
				if err != nil {
					return err
				}
				if err := tx.Create(&row).Error; err != nil {
					return fmt.Errorf("failed to save history entry: %w", err)
				}
			}
		}
		for id, e := range snap.Agents {
			row, err := entryToRow(id, e, true)
			if err != nil {
				return err
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to save entry: %w", err)
			}
		}

		meta := registryMetaRow{Version: snap.Version, LastUpdated: snap.LastUpdated}
		if err := tx.Create(&meta).Error; err != nil {
			return fmt.Errorf("failed to save registry meta: %w", err)
		}
		return nil
	})
}

// Ping checks the underlying connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func rowToEntry(row keyEntryRow) (*Entry, error) {
	entry := &Entry{
		AgentID:     row.AgentID,
		PublicKey:   row.PublicKey,
		Fingerprint: row.Fingerprint,
		CreatedAt:   row.CreatedAt,
		ExpiresAt:   row.ExpiresAt,
		RevokedAt:   row.RevokedAt,
	}
	if row.Metadata != "" {
		if err := json.Unmarshal([]byte(row.Metadata), &entry.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse entry metadata: %w", err)
		}
	}
	return entry, nil
}

func entryToRow(agentID string, e *Entry, current bool) (keyEntryRow, error) {
	row := keyEntryRow{
		AgentID:     agentID,
		PublicKey:   e.PublicKey,
		Fingerprint: e.Fingerprint,
		CreatedAt:   e.CreatedAt,
		ExpiresAt:   e.ExpiresAt,
		RevokedAt:   e.RevokedAt,
		Current:     current,
	}
	if len(e.Metadata) > 0 {
		data, err := json.Marshal(e.Metadata)
		if err != nil {
			return row, fmt.Errorf("failed to serialize entry metadata: %w", err)
		}
		row.Metadata = string(data)
	}
	return row, nil
}

var _ Store = (*SQLiteStore)(nil)
