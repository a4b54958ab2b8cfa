package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisSnapshotKey = "agentmesh:registry"

// RedisStore persists the registry snapshot as a single JSON value in
// Redis, for deployments where multiple nodes share one authoritative
// registry. The per-node read cache in Registry bounds how often this
// store is hit.
type RedisStore struct {
	client *redis.Client
	logger *zap.Logger
}

// RedisStoreConfig configures a RedisStore.
type RedisStoreConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

// NewRedisStore creates a Redis-backed snapshot store and verifies the
// connection.
func NewRedisStore(cfg RedisStoreConfig, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisStore{
		client: client,
		logger: logger.With(zap.String("component", "registry"), zap.String("backend", "redis")),
	}, nil
}

// Load fetches the snapshot, returning an empty one when the key is absent.
func (s *RedisStore) Load(ctx context.Context) (*Snapshot, error) {
	data, err := s.client.Get(ctx, redisSnapshotKey).Result()
	if err == redis.Nil {
		return NewSnapshot(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load registry snapshot: %w", err)
	}

	snap := NewSnapshot()
	if err := json.Unmarshal([]byte(data), snap); err != nil {
		return nil, fmt.Errorf("failed to parse registry snapshot: %w", err)
	}
	if snap.Agents == nil {
		snap.Agents = make(map[string]*Entry)
	}
	if snap.History == nil {
		snap.History = make(map[string][]*Entry)
	}
	return snap, nil
}

// Save stores the snapshot without expiry; the registry is authoritative
// data, not a cache.
func (s *RedisStore) Save(ctx context.Context, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to serialize registry snapshot: %w", err)
	}
	if err := s.client.Set(ctx, redisSnapshotKey, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save registry snapshot: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (s *RedisStore) Close() error {
	s.logger.Info("closing registry store")
	return s.client.Close()
}

var _ Store = (*RedisStore)(nil)
