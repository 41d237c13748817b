// Package cache provides the calibration and scored-record caches: an
// in-process LRU, Redis, and a two-phase combination of both.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/opensource-finance/osprey-graph/internal/domain"
	"github.com/opensource-finance/osprey-graph/internal/metrics"
)

// Key prefixes shared by all cache implementations.
const (
	riskConfigKey   = "riskcfg"
	scoredKeyPrefix = "scored:"
)

func scoredKey(txID domain.TxID) string {
	return scoredKeyPrefix + strconv.FormatInt(int64(txID), 10)
}

// LRUCache is a thread-safe LRU cache with TTL support.
// Used as the Community tier cache and as L1 in two-phase caching.
type LRUCache struct {
	items   *expirable.LRU[string, cacheEntry]
	maxSize int
	maxTTL  time.Duration
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates an LRU cache. maxTTL caps every entry; Set may ask
// for a shorter TTL.
func NewLRUCache(maxSize int, maxTTL time.Duration) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	if maxTTL <= 0 {
		maxTTL = 5 * time.Minute
	}
	return &LRUCache{
		items:   expirable.NewLRU[string, cacheEntry](maxSize, nil, maxTTL),
		maxSize: maxSize,
		maxTTL:  maxTTL,
	}
}

// Get retrieves a value from cache.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	fullKey := makeKey(tenantID, key)
	entry, ok := c.items.Get(fullKey)
	if !ok {
		metrics.CacheLookups.WithLabelValues("local", "miss").Inc()
		return nil, nil
	}
	if time.Now().After(entry.expiresAt) {
		c.items.Remove(fullKey)
		metrics.CacheLookups.WithLabelValues("local", "miss").Inc()
		return nil, nil
	}

	metrics.CacheLookups.WithLabelValues("local", "hit").Inc()
	return entry.value, nil
}

// Set stores a value in cache with TTL.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if ttl <= 0 || ttl > c.maxTTL {
		ttl = c.maxTTL
	}

	c.items.Add(makeKey(tenantID, key), cacheEntry{
		value:     value,
		expiresAt: time.Now().Add(ttl),
	})
	return nil
}

// Delete removes a value from cache.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	c.items.Remove(makeKey(tenantID, key))
	return nil
}

// GetRiskConfig retrieves the cached calibration.
func (c *LRUCache) GetRiskConfig(ctx context.Context, tenantID string) (*domain.Calibration, error) {
	return getJSON[domain.Calibration](ctx, c, tenantID, riskConfigKey)
}

// SetRiskConfig caches the calibration.
func (c *LRUCache) SetRiskConfig(ctx context.Context, tenantID string, cal *domain.Calibration, ttl time.Duration) error {
	return setJSON(ctx, c, tenantID, riskConfigKey, cal, ttl)
}

// GetScoredRecord retrieves a cached scored record.
func (c *LRUCache) GetScoredRecord(ctx context.Context, tenantID string, txID domain.TxID) (*domain.ScoredRecord, error) {
	return getJSON[domain.ScoredRecord](ctx, c, tenantID, scoredKey(txID))
}

// SetScoredRecord caches a scored record.
func (c *LRUCache) SetScoredRecord(ctx context.Context, tenantID string, rec *domain.ScoredRecord, ttl time.Duration) error {
	return setJSON(ctx, c, tenantID, scoredKey(rec.ID), rec, ttl)
}

// DeleteScoredRecord removes a cached scored record.
func (c *LRUCache) DeleteScoredRecord(ctx context.Context, tenantID string, txID domain.TxID) error {
	return c.Delete(ctx, tenantID, scoredKey(txID))
}

// Ping checks cache health.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close drops every entry.
func (c *LRUCache) Close() error {
	c.items.Purge()
	return nil
}

// Stats returns cache statistics.
func (c *LRUCache) Stats() (size int, capacity int) {
	return c.items.Len(), c.maxSize
}

func makeKey(tenantID, key string) string {
	return tenantID + ":" + key
}

type byteStore interface {
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error
}

func getJSON[T any](ctx context.Context, s byteStore, tenantID, key string) (*T, error) {
	data, err := s.Get(ctx, tenantID, key)
	if err != nil || data == nil {
		return nil, err
	}

	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("decode cached %s: %w", key, err)
	}
	return &v, nil
}

func setJSON(ctx context.Context, s byteStore, tenantID, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ctx, tenantID, key, data, ttl)
}
