package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (Community) + Redis (Pro).
// All methods require tenantID for strict multi-tenancy isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetRiskConfig retrieves the tenant's cached calibration.
	// Returns nil, nil if not cached.
	GetRiskConfig(ctx context.Context, tenantID string) (*Calibration, error)

	// SetRiskConfig caches the tenant's latest calibration.
	SetRiskConfig(ctx context.Context, tenantID string, cal *Calibration, ttl time.Duration) error

	// GetScoredRecord retrieves a cached scored record.
	// Returns nil, nil if not cached.
	GetScoredRecord(ctx context.Context, tenantID string, txID TxID) (*ScoredRecord, error)

	// SetScoredRecord caches one scored record.
	SetScoredRecord(ctx context.Context, tenantID string, rec *ScoredRecord, ttl time.Duration) error

	// DeleteScoredRecord drops a cached scored record.
	DeleteScoredRecord(ctx context.Context, tenantID string, txID TxID) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string `yaml:"type"`

	// Local LRU cache settings (Community tier)
	LocalMaxSize int           `yaml:"localMaxSize"`
	LocalTTL     time.Duration `yaml:"localTtl"`

	// Redis settings (Pro tier)
	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"-"`
	RedisDB       int    `yaml:"redisDb"`

	// Two-phase settings
	EnableTwoPhase bool `yaml:"enableTwoPhase"` // If true, check local first, then Redis
}
