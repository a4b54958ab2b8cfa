package registry

import (
	"fmt"

	"go.uber.org/zap"
)

// StoreConfig selects and configures a registry storage backend.
type StoreConfig struct {
	// Type is the backend: memory, file, sqlite or redis.
	Type StoreType `yaml:"type" json:"type"`

	// BaseDir is the directory for the file backend.
	BaseDir string `yaml:"base_dir" json:"base_dir"`

	// SQLitePath is the database file for the sqlite backend.
	SQLitePath string `yaml:"sqlite_path" json:"sqlite_path"`

	// Redis configures the redis backend.
	Redis RedisStoreConfig `yaml:"redis" json:"redis"`
}

// DefaultStoreConfig returns the default store configuration.
func DefaultStoreConfig() StoreConfig {
	return StoreConfig{
		Type:       StoreTypeMemory,
		BaseDir:    "./data/registry",
		SQLitePath: "./data/registry.db",
	}
}

// NewStore creates a Store based on the configuration.
func NewStore(cfg StoreConfig, logger *zap.Logger) (Store, error) {
	switch cfg.Type {
	case StoreTypeMemory:
		return NewMemoryStore(), nil
	case StoreTypeFile:
		return NewFileStore(cfg.BaseDir)
	case StoreTypeSQLite:
		return NewSQLiteStore(cfg.SQLitePath)
	case StoreTypeRedis:
		return NewRedisStore(cfg.Redis, logger)
	default:
		return nil, fmt.Errorf("unsupported registry store type: %s", cfg.Type)
	}
}
