package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/rules"
)

// loadConfig reads an optional .env file, picks the edition defaults and
// applies ATELIER_* overrides.
func loadConfig() (*domain.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := domain.DefaultConfig()
	if os.Getenv("ATELIER_EDITION") == string(domain.EditionPro) {
		cfg = domain.ProConfig()
	}

	var err error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			n, perr := strconv.Atoi(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = n
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			b, perr := strconv.ParseBool(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = b
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && err == nil {
			d, perr := time.ParseDuration(v)
			if perr != nil {
				err = fmt.Errorf("%s: %w", key, perr)
				return
			}
			*dst = d
		}
	}

	// Server
	str("ATELIER_HOST", &cfg.Server.Host)
	num("ATELIER_PORT", &cfg.Server.Port)

	// Repository
	str("ATELIER_DB_DRIVER", &cfg.Repository.Driver)
	str("ATELIER_SQLITE_PATH", &cfg.Repository.SQLitePath)
	str("ATELIER_POSTGRES_HOST", &cfg.Repository.PostgresHost)
	num("ATELIER_POSTGRES_PORT", &cfg.Repository.PostgresPort)
	str("ATELIER_POSTGRES_USER", &cfg.Repository.PostgresUser)
	str("ATELIER_POSTGRES_PASSWORD", &cfg.Repository.PostgresPassword)
	str("ATELIER_POSTGRES_DB", &cfg.Repository.PostgresDB)
	str("ATELIER_POSTGRES_SSLMODE", &cfg.Repository.PostgresSSLMode)

	// Cache
	str("ATELIER_CACHE", &cfg.Cache.Type)
	str("ATELIER_REDIS_ADDR", &cfg.Cache.RedisAddr)
	str("ATELIER_REDIS_PASSWORD", &cfg.Cache.RedisPassword)
	dur("ATELIER_CANDIDATE_TTL", &cfg.Cache.CandidateTTL)

	// Event bus
	str("ATELIER_BUS", &cfg.EventBus.Type)
	str("ATELIER_NATS_URL", &cfg.EventBus.NATSUrl)
	str("ATELIER_NATS_TOKEN", &cfg.EventBus.NATSToken)

	// Allocation
	str("ATELIER_POLICY", &cfg.Allocation.PolicyPath)
	num("ATELIER_RECOMMEND_TOP_N", &cfg.Allocation.RecommendTopN)
	num("ATELIER_ACTIVITY_WINDOW_DAYS", &cfg.Allocation.ActivityWindowDays)
	flag("ATELIER_WORKER", &cfg.Allocation.WorkerEnabled)
	if v := os.Getenv("ATELIER_TENANTS"); v != "" {
		cfg.Allocation.Tenants = splitList(v)
	}

	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	return cfg, nil
}

// loadPolicy returns the built-in policy unless a YAML file is configured.
func loadPolicy(cfg *domain.Config) (*rules.Policy, error) {
	if cfg.Allocation.PolicyPath == "" {
		return rules.DefaultPolicy(), nil
	}
	p, err := rules.LoadPolicy(cfg.Allocation.PolicyPath)
	if err != nil {
		return nil, err
	}
	slog.Info("allocation policy loaded", "path", cfg.Allocation.PolicyPath)
	return p, nil
}

func setupLogger() {
	logLevel := slog.LevelInfo
	if os.Getenv("ATELIER_DEBUG") == "true" {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
