package fhir

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/precise-hbr-cdss/internal/config"
	"github.com/precise-hbr-cdss/internal/domain"
)

// CacheClient wraps Redis with caching for FHIR search responses. Entries
// carry their own expiry so a Redis instance with persistence enabled never
// serves stale clinical data past the configured TTL.
type CacheClient struct {
	redis      *redis.Client
	defaultTTL time.Duration
}

// NewCacheClient creates a cache client and verifies connectivity.
func NewCacheClient(cfg config.CacheConfig) (*CacheClient, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	opts.PoolSize = cfg.PoolSize
	opts.PoolTimeout = cfg.PoolTimeout

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &CacheClient{
		redis:      client,
		defaultTTL: cfg.DefaultTTL,
	}, nil
}

type cachedObservations struct {
	Records   []domain.ObservationRecord `json:"records"`
	CachedAt  time.Time                  `json:"cached_at"`
	ExpiresAt time.Time                  `json:"expires_at"`
}

type cachedConditions struct {
	Records   []domain.ConditionRecord `json:"records"`
	CachedAt  time.Time                `json:"cached_at"`
	ExpiresAt time.Time                `json:"expires_at"`
}

type cachedMedications struct {
	Records   []domain.MedicationRecord `json:"records"`
	CachedAt  time.Time                 `json:"cached_at"`
	ExpiresAt time.Time                 `json:"expires_at"`
}

type cachedProcedures struct {
	Records   []domain.ProcedureRecord `json:"records"`
	CachedAt  time.Time                `json:"cached_at"`
	ExpiresAt time.Time                `json:"expires_at"`
}

// GetObservations retrieves a cached observation search result.
func (c *CacheClient) GetObservations(ctx context.Context, key string) ([]domain.ObservationRecord, bool, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get observation cache: %w", err)
	}

	var cached cachedObservations
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	return cached.Records, true, nil
}

// SetObservations caches an observation search result.
func (c *CacheClient) SetObservations(ctx context.Context, key string, records []domain.ObservationRecord, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	cached := cachedObservations{
		Records:   records,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal observation cache data: %w", err)
	}
	return c.redis.Set(ctx, key, data, ttl).Err()
}

// GetConditions retrieves a cached condition search result.
func (c *CacheClient) GetConditions(ctx context.Context, key string) ([]domain.ConditionRecord, bool, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get condition cache: %w", err)
	}

	var cached cachedConditions
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	return cached.Records, true, nil
}

// SetConditions caches a condition search result.
func (c *CacheClient) SetConditions(ctx context.Context, key string, records []domain.ConditionRecord, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	cached := cachedConditions{
		Records:   records,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal condition cache data: %w", err)
	}
	return c.redis.Set(ctx, key, data, ttl).Err()
}

// GetMedications retrieves a cached medication search result.
func (c *CacheClient) GetMedications(ctx context.Context, key string) ([]domain.MedicationRecord, bool, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get medication cache: %w", err)
	}

	var cached cachedMedications
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	return cached.Records, true, nil
}

// SetMedications caches a medication search result.
func (c *CacheClient) SetMedications(ctx context.Context, key string, records []domain.MedicationRecord, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	cached := cachedMedications{
		Records:   records,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal medication cache data: %w", err)
	}
	return c.redis.Set(ctx, key, data, ttl).Err()
}

// GetProcedures retrieves a cached procedure search result.
func (c *CacheClient) GetProcedures(ctx context.Context, key string) ([]domain.ProcedureRecord, bool, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get procedure cache: %w", err)
	}

	var cached cachedProcedures
	if err := json.Unmarshal([]byte(val), &cached); err != nil {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	if time.Now().After(cached.ExpiresAt) {
		c.redis.Del(ctx, key)
		return nil, false, nil
	}
	return cached.Records, true, nil
}

// SetProcedures caches a procedure search result.
func (c *CacheClient) SetProcedures(ctx context.Context, key string, records []domain.ProcedureRecord, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.defaultTTL
	}
	cached := cachedProcedures{
		Records:   records,
		CachedAt:  time.Now(),
		ExpiresAt: time.Now().Add(ttl),
	}
	data, err := json.Marshal(cached)
	if err != nil {
		return fmt.Errorf("failed to marshal procedure cache data: %w", err)
	}
	return c.redis.Set(ctx, key, data, ttl).Err()
}

// Ping checks if the Redis connection is alive.
func (c *CacheClient) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *CacheClient) Close() error {
	return c.redis.Close()
}

// searchKey builds a cache key for one search against one patient on one
// server. The query discriminator keeps coded and text searches apart.
func searchKey(resource string, target Target, patientID, query string) string {
	queryHash := sha256.Sum256([]byte(query))
	return fmt.Sprintf("fhir:%s:%x:%x", resource, patientKeyHash(target, patientID), queryHash[:8])
}

func patientKeyHash(target Target, patientID string) []byte {
	hash := sha256.Sum256([]byte(target.BaseURL + ":" + patientID))
	return hash[:8]
}
