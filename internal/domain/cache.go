package domain

import (
	"context"
	"fmt"
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

	// GetCandidates retrieves a cached ranked candidate list.
	// Returns nil, nil on a miss.
	GetCandidates(ctx context.Context, tenantID string, key CandidateKey) (*CandidateList, error)

	// SetCandidates caches a ranked candidate list.
	SetCandidates(ctx context.Context, tenantID string, key CandidateKey, list *CandidateList, ttl time.Duration) error

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// CandidateKey identifies a candidate list. The snapshot version and the
// calendar day are part of the key, so any data change or day rollover
// produces a different key instead of a stale hit.
type CandidateKey struct {
	WatchModelID   string
	ShowAllClients bool
	Version        uint64
	Day            time.Time
}

// String renders the key for storage.
func (k CandidateKey) String() string {
	return fmt.Sprintf("candidates:%s:%t:v%d:%s", k.WatchModelID, k.ShowAllClients, k.Version, k.Day.UTC().Format("2006-01-02"))
}

// CacheConfig holds configuration for cache initialization.
type CacheConfig struct {
	// Type is the cache type: "memory" or "redis"
	Type string

	// Local LRU cache settings (Community tier)
	LocalMaxSize int
	LocalTTL     time.Duration

	// Redis settings (Pro tier)
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Two-phase settings
	EnableTwoPhase bool // If true, check local first, then Redis

	// CandidateTTL bounds how long a ranked list is kept
	CandidateTTL time.Duration
}
