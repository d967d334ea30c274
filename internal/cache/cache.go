// Package cache provides a Redis-backed cache for hot execution status
// reads, fronting the execution store. The cache is optional and
// nil-safe; a manager created without a reachable Redis degrades to
// pass-through.
// This package is internal and should not be imported by external projects.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/flowmesh/flowmesh/types"
)

// Config holds cache settings.
type Config struct {
	Addr       string        `yaml:"addr"`
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	PoolSize   int           `yaml:"pool_size"`
}

// DefaultConfig returns sensible defaults for a local Redis.
func DefaultConfig() Config {
	return Config{
		Addr:       "localhost:6379",
		DefaultTTL: 30 * time.Second,
		PoolSize:   10,
	}
}

// Manager caches execution contexts keyed by execution id. Terminal
// contexts are cached with a longer TTL since they no longer change.
type Manager struct {
	client *redis.Client
	config Config
	logger *zap.Logger
}

// NewManager connects to Redis and verifies the connection.
func NewManager(ctx context.Context, config Config, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultTTL <= 0 {
		config.DefaultTTL = 30 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
		PoolSize: config.PoolSize,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}

	return &Manager{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "cache")),
	}, nil
}

func key(id uuid.UUID) string {
	return "flowmesh:execution:" + id.String()
}

// GetExecution returns a cached context, or nil on miss. Errors degrade
// to a miss; the store remains the source of truth.
func (m *Manager) GetExecution(ctx context.Context, id uuid.UUID) *types.ExecutionContext {
	if m == nil {
		return nil
	}
	data, err := m.client.Get(ctx, key(id)).Bytes()
	if err != nil {
		if err != redis.Nil {
			m.logger.Debug("cache read failed", zap.Error(err))
		}
		return nil
	}
	var ec types.ExecutionContext
	if err := json.Unmarshal(data, &ec); err != nil {
		m.logger.Warn("cache entry undecodable, dropping", zap.String("key", key(id)))
		m.client.Del(ctx, key(id))
		return nil
	}
	return &ec
}

// PutExecution caches a context. Terminal statuses get ten times the
// default TTL because they are immutable.
func (m *Manager) PutExecution(ctx context.Context, ec *types.ExecutionContext) {
	if m == nil || ec == nil {
		return
	}
	data, err := json.Marshal(ec)
	if err != nil {
		return
	}
	ttl := m.config.DefaultTTL
	if ec.Status.Terminal() {
		ttl = 10 * m.config.DefaultTTL
	}
	if err := m.client.Set(ctx, key(ec.ExecutionID), data, ttl).Err(); err != nil {
		m.logger.Debug("cache write failed", zap.Error(err))
	}
}

// Invalidate drops a cached context after a status transition.
func (m *Manager) Invalidate(ctx context.Context, id uuid.UUID) {
	if m == nil {
		return
	}
	m.client.Del(ctx, key(id))
}

// Close releases the Redis client.
func (m *Manager) Close() error {
	if m == nil {
		return nil
	}
	return m.client.Close()
}
