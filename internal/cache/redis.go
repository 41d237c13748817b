package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/metrics"
	"github.com/redis/go-redis/v9"
)

// RedisCache implements Cache using Redis.
// Used as the Pro tier cache and as L2 in two-phase caching.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new Redis cache.
func NewRedisCache(addr, password string, db int) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	// Verify connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisCache{client: client}, nil
}

// Get retrieves a value from Redis.
func (c *RedisCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	val, err := c.client.Get(ctx, fullKey).Bytes()
	if errors.Is(err, redis.Nil) {
		metrics.CacheLookups.WithLabelValues("redis", "miss").Inc()
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.CacheLookups.WithLabelValues("redis", "hit").Inc()
	return val, nil
}

// Set stores a value in Redis with TTL.
func (c *RedisCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	return c.client.Set(ctx, fullKey, value, ttl).Err()
}

// Delete removes a value from Redis.
func (c *RedisCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}

	fullKey := c.makeKey(tenantID, key)
	return c.client.Del(ctx, fullKey).Err()
}

// GetRiskConfig retrieves the cached calibration.
func (c *RedisCache) GetRiskConfig(ctx context.Context, tenantID string) (*domain.Calibration, error) {
	return getJSON[domain.Calibration](ctx, c, tenantID, riskConfigKey)
}

// SetRiskConfig caches the calibration.
func (c *RedisCache) SetRiskConfig(ctx context.Context, tenantID string, cal *domain.Calibration, ttl time.Duration) error {
	return setJSON(ctx, c, tenantID, riskConfigKey, cal, ttl)
}

// GetScoredRecord retrieves a cached scored record.
func (c *RedisCache) GetScoredRecord(ctx context.Context, tenantID string, txID domain.TxID) (*domain.ScoredRecord, error) {
	return getJSON[domain.ScoredRecord](ctx, c, tenantID, scoredKey(txID))
}

// SetScoredRecord caches a scored record.
func (c *RedisCache) SetScoredRecord(ctx context.Context, tenantID string, rec *domain.ScoredRecord, ttl time.Duration) error {
	return setJSON(ctx, c, tenantID, scoredKey(rec.ID), rec, ttl)
}

// DeleteScoredRecord removes a cached scored record.
func (c *RedisCache) DeleteScoredRecord(ctx context.Context, tenantID string, txID domain.TxID) error {
	return c.Delete(ctx, tenantID, scoredKey(txID))
}

// Ping checks Redis connectivity.
func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) makeKey(tenantID, key string) string {
	return "osprey-graph:" + tenantID + ":" + key
}
