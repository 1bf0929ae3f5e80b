// Atelier - Allocation engine for luxury watch boutiques.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/opensource-finance/atelier/internal/activity"
	"github.com/opensource-finance/atelier/internal/allocation"
	"github.com/opensource-finance/atelier/internal/api"
	"github.com/opensource-finance/atelier/internal/bus"
	"github.com/opensource-finance/atelier/internal/cache"
	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/repository"
	"github.com/opensource-finance/atelier/internal/rules"
	"github.com/opensource-finance/atelier/internal/snapshot"
	"github.com/opensource-finance/atelier/internal/worker"
)

// Version information (set via ldflags)
var (
	Version   = "dev"
	Commit    = "none"
	BuildDate = "unknown"
)

func main() {
	setupLogger()

	rootCmd := &cobra.Command{
		Use:           "atelier",
		Short:         "Atelier - watch allocation engine",
		Long:          `Ranks boutique clients for scarce watch models and serves the allocation API.`,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, BuildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(createServeCmd())
	rootCmd.AddCommand(createCandidatesCmd())
	rootCmd.AddCommand(createRecalculateCmd())
	rootCmd.AddCommand(createPolicyCmd())
	rootCmd.AddCommand(createImportCmd())

	if err := rootCmd.Execute(); err != nil {
		slog.Error("command failed", "error", err)
		os.Exit(1)
	}
}

// stack holds the components shared by every subcommand.
type stack struct {
	cfg       *domain.Config
	repo      domain.Repository
	cache     domain.Cache
	engine    *rules.Engine
	activity  *activity.Service
	registry  *snapshot.Registry
	generator *allocation.Generator
}

// openStack wires the repository, cache, rule engine and snapshot registry.
func openStack(ctx context.Context) (*stack, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	policy, err := loadPolicy(cfg)
	if err != nil {
		return nil, err
	}

	repo, err := repository.New(cfg.Repository)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize repository: %w", err)
	}
	slog.Info("repository initialized", "driver", cfg.Repository.Driver)

	cacheImpl, err := cache.New(cfg.Cache)
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("failed to initialize cache: %w", err)
	}
	slog.Info("cache initialized", "type", cfg.Cache.Type)

	activitySvc := activity.NewService(repo, cacheImpl)

	engine, err := rules.NewEngine(activitySvc.PurchaseCount, 100)
	if err != nil {
		cacheImpl.Close()
		repo.Close()
		return nil, fmt.Errorf("failed to initialize rule engine: %w", err)
	}
	if err := loadRulesFromDatabase(ctx, repo, engine); err != nil {
		cacheImpl.Close()
		repo.Close()
		return nil, fmt.Errorf("failed to load rules: %w", err)
	}
	slog.Info("rule engine initialized", "rules_count", engine.RulesCount())

	return &stack{
		cfg:      cfg,
		repo:     repo,
		cache:    cacheImpl,
		engine:   engine,
		activity: activitySvc,
		registry: snapshot.NewRegistry(repo, policy),
		generator: allocation.NewGenerator(
			allocation.WithEngine(engine),
			allocation.WithActivityWindow(cfg.Allocation.ActivityWindowDays),
		),
	}, nil
}

func (s *stack) Close() {
	s.engine.Close()
	s.cache.Close()
	s.repo.Close()
}

func createServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the allocation API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve()
		},
	}
}

func serve() error {
	slog.Info("starting atelier",
		"version", Version,
		"commit", Commit,
		"build_date", BuildDate,
	)

	// Create context with cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	st, err := openStack(ctx)
	if err != nil {
		return err
	}
	defer st.Close()
	cfg := st.cfg

	slog.Info("configuration loaded",
		"edition", cfg.Edition,
		"repository", cfg.Repository.Driver,
		"cache", cfg.Cache.Type,
		"eventbus", cfg.EventBus.Type,
	)

	// Initialize EventBus
	busImpl, err := bus.New(cfg.EventBus)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	defer busImpl.Close()
	slog.Info("event bus initialized", "type", cfg.EventBus.Type)

	// Recommendation worker
	var recWorker *worker.Worker
	if cfg.Allocation.WorkerEnabled {
		recWorker = worker.NewWorker(busImpl, st.registry, st.generator)
		workerCfg := worker.Config{
			TenantIDs: cfg.Allocation.Tenants,
			TopN:      cfg.Allocation.RecommendTopN,
		}
		if err := recWorker.Start(workerCfg); err != nil {
			slog.Error("failed to start recommendation worker", "error", err)
			recWorker = nil
		}
	}

	srv := api.NewServer(cfg.Server, api.Deps{
		Repo:               st.repo,
		Cache:              st.cache,
		Bus:                busImpl,
		Engine:             st.engine,
		Registry:           st.registry,
		Generator:          st.generator,
		Activity:           st.activity,
		CandidateTTL:       cfg.Cache.CandidateTTL,
		ActivityWindowDays: cfg.Allocation.ActivityWindowDays,
	}, Version)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	slog.Info("atelier is ready",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)
	printBanner(cfg, Version)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	}
	slog.Info("shutting down...")

	// Stop the worker first so no recommendation is published mid-shutdown
	if recWorker != nil {
		if err := recWorker.Stop(); err != nil {
			slog.Error("failed to stop recommendation worker", "error", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("server forced to shutdown", "error", err)
	}

	slog.Info("atelier shutdown complete")
	return nil
}

func createCandidatesCmd() *cobra.Command {
	var (
		tenantID string
		watchID  string
		showAll  bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "candidates",
		Short: "Print the ranked allocation candidates for a watch",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStack(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			snap, err := st.registry.Snapshot(ctx, tenantID)
			if err != nil {
				return err
			}
			list, err := st.generator.List(ctx, snap, watchID, showAll, time.Now())
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(list)
			}
			return printCandidates(cmd, list)
		},
	}

	cmd.Flags().StringVar(&tenantID, "tenant", "", "boutique (tenant) id")
	cmd.Flags().StringVar(&watchID, "watch", "", "watch model id")
	cmd.Flags().BoolVar(&showAll, "all", false, "include clients not on the waitlist when the watch is available")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.MarkFlagRequired("tenant")
	cmd.MarkFlagRequired("watch")
	return cmd
}

func printCandidates(cmd *cobra.Command, list *domain.CandidateList) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s (%s), %d candidates\n\n", list.WatchModelID, list.Availability, len(list.Candidates))

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tCLIENT\tCATEGORY\tSTATUS\tSCORE\tWAITING\tURGENCY\tACTION")
	for _, c := range list.Candidates {
		waiting := "-"
		if c.IsOnWaitlist {
			waiting = fmt.Sprintf("%dd", c.DaysWaiting)
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%.0f\t%s\t%s\t%s\n",
			c.Rank, c.ClientName, c.Category, c.Status, c.Score, waiting, c.Urgency, c.CallToAction)
	}
	return tw.Flush()
}

func createRecalculateCmd() *cobra.Command {
	var tenantIDs []string

	cmd := &cobra.Command{
		Use:   "recalculate",
		Short: "Recompute client tiers and persist the changes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st, err := openStack(ctx)
			if err != nil {
				return err
			}
			defer st.Close()

			for _, tenantID := range tenantIDs {
				updated, snap, err := st.registry.Recalculate(ctx, tenantID)
				if err != nil {
					return fmt.Errorf("recalculate %s: %w", tenantID, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d of %d clients updated\n", tenantID, len(updated), len(snap.Clients()))
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&tenantIDs, "tenant", nil, "boutique (tenant) ids, comma separated")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

func createPolicyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "policy",
		Short: "Print the effective allocation policy as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			p, err := loadPolicy(cfg)
			if err != nil {
				return err
			}
			out, err := p.YAML()
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
}

// loadRulesFromDatabase loads scoring rules into the engine. Rules are
// configured via POST /rules; there are no built-in defaults.
func loadRulesFromDatabase(ctx context.Context, repo domain.Repository, engine *rules.Engine) error {
	dbRules, err := repo.ListRuleConfigs(ctx, api.GlobalTenantID)
	if err != nil {
		slog.Warn("failed to list rules from database", "error", err)
		return nil
	}

	if len(dbRules) > 0 {
		slog.Info("loading rules from database", "count", len(dbRules))
		return engine.LoadRules(dbRules)
	}

	slog.Info("no rules in database - configure via POST /rules API")
	return nil
}

func printBanner(cfg *domain.Config, version string) {
	fmt.Println()
	fmt.Println("  ATELIER")
	fmt.Println("  Watch allocation engine")
	fmt.Println()
	fmt.Printf("  Version:  %s\n", version)
	fmt.Printf("  Edition:  %s\n", cfg.Edition)
	fmt.Printf("  Server:   http://%s:%d\n", cfg.Server.Host, cfg.Server.Port)
	fmt.Println()
	fmt.Println("  Endpoints:")
	fmt.Println("    GET  /watches/{id}/candidates  - Ranked allocation candidates")
	fmt.Println("    GET  /clients/{id}/matches     - Watches suited to a client")
	fmt.Println("    GET  /greenbox                 - Waitlist match overview")
	fmt.Println("    POST /allocations              - Allocate a watch")
	fmt.Println("    POST /waitlist                 - Add a waitlist entry")
	fmt.Println("    POST /tiers/recalculate        - Recompute client tiers")
	fmt.Println("    POST /rules/reload             - Hot-reload scoring rules")
	fmt.Println("    GET  /health                   - Health check")
	fmt.Println()
}
