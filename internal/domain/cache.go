package domain

import (
	"context"
	"time"
)

// Cache defines the interface for caching operations.
// Supports two-phase caching: local LRU (single node) + Redis (cluster).
// All methods require tenantID for strict tenant isolation.
type Cache interface {
	// Get retrieves a value from cache.
	// Returns nil, nil if key not found.
	Get(ctx context.Context, tenantID string, key string) ([]byte, error)

	// Set stores a value in cache with expiration.
	Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error

	// Delete removes a value from cache.
	Delete(ctx context.Context, tenantID string, key string) error

	// GetEntitlement retrieves a cached entitlement by its key.
	GetEntitlement(ctx context.Context, tenantID string, key string) (*EntitlementRecord, error)

	// SetEntitlement caches an entitlement for triangulation lookups.
	SetEntitlement(ctx context.Context, tenantID string, key string, rec *EntitlementRecord, ttl time.Duration) error

	// IncrementCounter atomically increments a counter and returns the new
	// value. Used for per-dealer transaction counting within a window.
	IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis
}
