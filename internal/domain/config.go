package domain

import "time"

// Config holds the complete Atelier configuration.
type Config struct {
	// Server settings
	Server ServerConfig `json:"server"`

	// Edition selects the default backing services
	Edition Edition `json:"edition"`

	// Component configurations
	Repository RepositoryConfig `json:"repository"`
	Cache      CacheConfig      `json:"cache"`
	EventBus   EventBusConfig   `json:"eventBus"`
	Allocation AllocationConfig `json:"allocation"`

	// Observability
	Logging LoggingConfig `json:"logging"`
	Tracing TracingConfig `json:"tracing"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	ReadTimeout  int    `json:"readTimeout"`  // seconds
	WriteTimeout int    `json:"writeTimeout"` // seconds
}

// AllocationConfig controls the recommendation engine and its worker.
type AllocationConfig struct {
	// PolicyPath points at a YAML policy file; empty uses built-in defaults
	PolicyPath string `json:"policyPath"`

	// RecommendTopN caps candidates published when a watch becomes available
	RecommendTopN int `json:"recommendTopN"`

	// WorkerEnabled starts the availability worker
	WorkerEnabled bool `json:"workerEnabled"`

	// Tenants the worker subscribes for
	Tenants []string `json:"tenants"`

	// ActivityWindowDays is the lookback for recent_purchase_count
	ActivityWindowDays int `json:"activityWindowDays"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Format string `json:"format"` // json, text
}

// TracingConfig holds OpenTelemetry settings.
type TracingConfig struct {
	Enabled      bool   `json:"enabled"`
	ServiceName  string `json:"serviceName"`
	ExporterType string `json:"exporterType"` // stdout, otlp, jaeger
	Endpoint     string `json:"endpoint"`
}

// Edition represents the product edition.
type Edition string

const (
	// EditionCommunity runs on SQLite + LRU + channels
	EditionCommunity Edition = "community"

	// EditionPro runs on PostgreSQL + Redis + NATS
	EditionPro Edition = "pro"
)

// DefaultConfig returns a default configuration for the Community edition.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Edition: EditionCommunity,
		Repository: RepositoryConfig{
			Driver:     "sqlite",
			SQLitePath: "./atelier.db",
		},
		Cache: CacheConfig{
			Type:         "memory",
			LocalMaxSize: 10000,
			LocalTTL:     5 * time.Minute,
			CandidateTTL: time.Hour,
		},
		EventBus: EventBusConfig{
			Type:              "channel",
			ChannelBufferSize: 1000,
		},
		Allocation: AllocationConfig{
			RecommendTopN:      5,
			WorkerEnabled:      true,
			ActivityWindowDays: 365,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			ServiceName: "atelier",
		},
	}
}

// ProConfig returns a configuration for the Pro edition.
func ProConfig() *Config {
	cfg := DefaultConfig()
	cfg.Edition = EditionPro
	cfg.Repository = RepositoryConfig{
		Driver:       "postgres",
		PostgresHost: "localhost",
		PostgresPort: 5432,
		PostgresDB:   "atelier",
	}
	cfg.Cache = CacheConfig{
		Type:           "redis",
		RedisAddr:      "localhost:6379",
		EnableTwoPhase: true,
		LocalMaxSize:   1000,
		LocalTTL:       time.Minute,
		CandidateTTL:   time.Hour,
	}
	cfg.EventBus = EventBusConfig{
		Type:              "nats",
		NATSUrl:           "nats://localhost:4222",
		NATSMaxReconnects: 10,
		NATSReconnectWait: 5,
	}
	cfg.Tracing.Enabled = true
	return cfg
}
