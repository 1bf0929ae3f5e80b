// Package domain defines the core interfaces and types for Atelier.
package domain

import (
	"context"
	"time"
)

// Repository defines the interface for data persistence.
// All methods require tenantID (the boutique) for strict isolation.
type Repository interface {
	// Client operations
	SaveClient(ctx context.Context, tenantID string, client *Client) error
	GetClient(ctx context.Context, tenantID string, clientID string) (*Client, error)
	ListClients(ctx context.Context, tenantID string) ([]*Client, error)

	// Purchase operations
	SavePurchase(ctx context.Context, tenantID string, purchase *Purchase) error
	ListPurchasesSince(ctx context.Context, tenantID string, clientID string, since time.Time) ([]*Purchase, error)

	// Catalog operations
	SaveWatch(ctx context.Context, tenantID string, watch *WatchModel) error
	GetWatch(ctx context.Context, tenantID string, watchID string) (*WatchModel, error)
	ListWatches(ctx context.Context, tenantID string) ([]*WatchModel, error)

	// Waitlist operations
	SaveWaitlistEntry(ctx context.Context, tenantID string, entry *WaitlistEntry) error
	DeleteWaitlistEntry(ctx context.Context, tenantID string, entryID string) error
	DeleteWaitlistFor(ctx context.Context, tenantID string, clientID string, watchID string) (int64, error)
	ListWaitlist(ctx context.Context, tenantID string) ([]*WaitlistEntry, error)

	// Scoring adjustment rules
	SaveRuleConfig(ctx context.Context, tenantID string, rule *RuleConfig) error
	ListRuleConfigs(ctx context.Context, tenantID string) ([]*RuleConfig, error)

	// Allocation history
	SaveAllocation(ctx context.Context, tenantID string, allocation *Allocation) error
	ListAllocations(ctx context.Context, tenantID string) ([]*Allocation, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
