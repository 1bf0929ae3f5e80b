// Package worker turns watch availability events into allocation
// recommendations.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/atelier/internal/allocation"
	"github.com/opensource-finance/atelier/internal/bus"
	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/snapshot"
)

// DefaultTopN is how many candidates a recommendation carries.
const DefaultTopN = 5

// Worker listens for watches becoming Available and publishes the best
// PERFECT_MATCH and STRETCH_PURCHASE candidates for them.
type Worker struct {
	bus       domain.EventBus
	registry  *snapshot.Registry
	generator *allocation.Generator
	topN      int
	now       func() time.Time

	mu            sync.Mutex
	subscriptions []domain.Subscription
	processed     atomic.Int64
	published     atomic.Int64
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// TenantIDs is the list of boutiques to serve. Empty subscribes to a
	// single global tenant, which is only useful in development.
	TenantIDs []string

	// TopN caps the candidates per recommendation.
	TopN int
}

// NewWorker creates a new recommendation worker.
func NewWorker(eventBus domain.EventBus, registry *snapshot.Registry, generator *allocation.Generator) *Worker {
	ctx, cancel := context.WithCancel(context.Background())
	if generator == nil {
		generator = allocation.NewGenerator()
	}
	return &Worker{
		bus:       eventBus,
		registry:  registry,
		generator: generator,
		topN:      DefaultTopN,
		now:       time.Now,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to availability changes for the given tenants.
func (w *Worker) Start(cfg Config) error {
	if cfg.TopN > 0 {
		w.topN = cfg.TopN
	}

	if len(cfg.TenantIDs) == 0 {
		return w.startTenantWorker("_global")
	}

	for _, tenantID := range cfg.TenantIDs {
		if err := w.startTenantWorker(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			continue
		}
	}

	slog.Info("workers started",
		"tenant_count", len(cfg.TenantIDs),
		"top_n", w.topN,
	)

	return nil
}

func (w *Worker) startTenantWorker(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicWatchAvailability, w.handleAvailability)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("tenant worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicWatchAvailability,
	)
	return nil
}

// handleAvailability recommends candidates when a watch becomes Available.
func (w *Worker) handleAvailability(ctx context.Context, msg *domain.Message) error {
	start := time.Now()
	w.processed.Add(1)

	event, err := bus.Decode[domain.AvailabilityEvent](msg)
	if err != nil {
		slog.Error("failed to parse availability event",
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}

	if event.Current != domain.AvailabilityAvailable {
		return nil
	}

	tenantID := msg.TenantID
	snap, err := w.registry.Snapshot(ctx, tenantID)
	if err != nil {
		return err
	}

	now := w.now()
	cands, err := w.generator.Generate(ctx, snap, event.WatchModelID, true, now)
	if err != nil {
		slog.Error("candidate generation failed",
			"tenant_id", tenantID,
			"watch_id", event.WatchModelID,
			"error", err,
		)
		return err
	}

	top := Recommend(cands, w.topN)
	if len(top) == 0 {
		slog.Info("no allocation candidates",
			"tenant_id", tenantID,
			"watch_id", event.WatchModelID,
		)
		return nil
	}

	rec := domain.RecommendationEvent{
		WatchModelID: event.WatchModelID,
		Candidates:   top,
		At:           now,
	}
	if err := bus.PublishJSON(ctx, w.bus, tenantID, domain.TopicAllocationRecommended, rec); err != nil {
		slog.Error("failed to publish recommendation",
			"tenant_id", tenantID,
			"watch_id", event.WatchModelID,
			"error", err,
		)
		return err
	}
	w.published.Add(1)

	slog.Info("allocation recommended",
		"tenant_id", tenantID,
		"watch_id", event.WatchModelID,
		"candidates", len(top),
		"top_client_id", top[0].ClientID,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Recommend keeps the first n PERFECT_MATCH or STRETCH_PURCHASE candidates
// of an already ranked list.
func Recommend(cands []domain.Candidate, n int) []domain.Candidate {
	var out []domain.Candidate
	for _, c := range cands {
		if len(out) == n {
			break
		}
		if c.Category == domain.CategoryPerfectMatch || c.Category == domain.CategoryStretchPurchase {
			out = append(out, c)
		}
	}
	return out
}

// Stop gracefully stops all workers.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	defer w.mu.Unlock()

	for _, sub := range w.subscriptions {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}
	w.subscriptions = nil

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	Processed         int64    `json:"processed"`
	Published         int64    `json:"published"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		Processed:         w.processed.Load(),
		Published:         w.published.Load(),
	}
}
