package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/opensource-finance/atelier/internal/activity"
	"github.com/opensource-finance/atelier/internal/allocation"
	"github.com/opensource-finance/atelier/internal/bus"
	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/rules"
	"github.com/opensource-finance/atelier/internal/snapshot"
)

// GlobalTenantID is used for rules that apply to all boutiques.
const GlobalTenantID = "*"

// Deps are the collaborators a Handler needs. Repo, Cache, Bus and
// Activity may be nil; the service then runs purely in memory.
type Deps struct {
	Repo      domain.Repository
	Cache     domain.Cache
	Bus       domain.EventBus
	Engine    *rules.Engine
	Registry  *snapshot.Registry
	Generator *allocation.Generator
	Activity  *activity.Service

	// CandidateTTL bounds cached candidate lists. Zero disables caching.
	CandidateTTL time.Duration

	// ActivityWindowDays is invalidated in the activity cache after a purchase.
	ActivityWindowDays int
}

// Handler holds dependencies for API handlers.
type Handler struct {
	repo         domain.Repository
	cache        domain.Cache
	bus          domain.EventBus
	engine       *rules.Engine
	registry     *snapshot.Registry
	generator    *allocation.Generator
	activity     *activity.Service
	candidateTTL time.Duration
	activityDays int
	version      string
	now          func() time.Time
}

// NewHandler creates a new API handler.
func NewHandler(deps Deps, version string) *Handler {
	if deps.Registry == nil {
		deps.Registry = snapshot.NewRegistry(deps.Repo, nil)
	}
	if deps.Generator == nil {
		deps.Generator = allocation.NewGenerator(allocation.WithEngine(deps.Engine))
	}
	if deps.ActivityWindowDays == 0 {
		deps.ActivityWindowDays = allocation.DefaultActivityWindowDays
	}
	return &Handler{
		repo:         deps.Repo,
		cache:        deps.Cache,
		bus:          deps.Bus,
		engine:       deps.Engine,
		registry:     deps.Registry,
		generator:    deps.Generator,
		activity:     deps.Activity,
		candidateTTL: deps.CandidateTTL,
		activityDays: deps.ActivityWindowDays,
		version:      version,
		now:          time.Now,
	}
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	if h.bus != nil {
		if err := h.bus.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetPolicy returns the effective allocation policy as YAML.
func (h *Handler) GetPolicy(w http.ResponseWriter, r *http.Request) {
	out, err := h.registry.Policy().YAML()
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// ListRules returns all loaded rules from the engine.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	loadedRules := h.engine.GetLoadedRules()

	writeJSON(w, http.StatusOK, map[string]any{
		"rules": loadedRules,
		"count": len(loadedRules),
	})
}

// GetRule retrieves a rule by ID from the loaded engine rules.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	ruleID := chi.URLParam(r, "id")

	for _, rule := range h.engine.GetLoadedRules() {
		if rule.ID == ruleID {
			writeJSON(w, http.StatusOK, rule)
			return
		}
	}

	writeJSON(w, http.StatusNotFound, map[string]string{
		"error": "rule not found",
	})
}

// CreateRuleRequest is the request body for creating a scoring rule.
type CreateRuleRequest struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description,omitempty"`
	Expression  string  `json:"expression"`
	Weight      float64 `json:"weight"`
	Reason      string  `json:"reason"`
	Enabled     bool    `json:"enabled"`
}

// CreateRule validates a scoring rule and saves it for every boutique.
// It takes effect after POST /rules/reload.
func (h *Handler) CreateRule(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CreateRuleRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	if req.ID == "" || req.Name == "" || req.Expression == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "id, name, and expression are required",
		})
		return
	}

	ruleConfig := &domain.RuleConfig{
		ID:          req.ID,
		TenantID:    GlobalTenantID,
		Name:        req.Name,
		Description: req.Description,
		Version:     "1.0.0",
		Expression:  req.Expression,
		Weight:      req.Weight,
		Reason:      req.Reason,
		Enabled:     req.Enabled,
	}

	if err := h.engine.ValidateRule(ruleConfig); err != nil {
		writeError(w, r, err)
		return
	}

	if h.repo != nil {
		if err := h.repo.SaveRuleConfig(ctx, GlobalTenantID, ruleConfig); err != nil {
			slog.Error("failed to save rule config", "id", ruleConfig.ID, "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{
				"error": "failed to save rule",
			})
			return
		}
	}

	slog.Info("rule created", "id", ruleConfig.ID, "name", ruleConfig.Name)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    ruleConfig,
		"message": "Rule created. Call POST /rules/reload to apply changes.",
	})
}

// ReloadRules reloads all rules from the database into the engine.
// Cached candidate lists scored under the old rules are retired.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	dbRules, err := h.repo.ListRuleConfigs(ctx, GlobalTenantID)
	if err != nil {
		slog.Error("failed to list rules from database", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to load rules from database",
		})
		return
	}

	if err := h.engine.ReloadRules(dbRules); err != nil {
		slog.Error("failed to reload rules into engine", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "failed to reload rules: " + err.Error(),
		})
		return
	}
	h.registry.Invalidate()

	slog.Info("rules reloaded from database", "count", len(dbRules))
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(dbRules),
	})
}

// apply runs a snapshot command for the request's tenant.
func (h *Handler) apply(ctx context.Context, cmd func(*snapshot.Snapshot) (*snapshot.Snapshot, error)) (prev, next *snapshot.Snapshot, err error) {
	st, err := h.registry.Store(ctx, GetTenantID(ctx))
	if err != nil {
		return nil, nil, err
	}
	return st.Apply(cmd)
}

// snapshot returns the request tenant's current snapshot.
func (h *Handler) snapshot(ctx context.Context) (*snapshot.Snapshot, error) {
	return h.registry.Snapshot(ctx, GetTenantID(ctx))
}

// persist writes a command's effects. On failure the tenant is reloaded
// from the repository so memory does not drift from storage.
func (h *Handler) persist(ctx context.Context, prev, next *snapshot.Snapshot, write func(domain.Repository) error) error {
	if h.repo == nil {
		return nil
	}
	tenantID := GetTenantID(ctx)

	err := write(h.repo)
	if err == nil {
		for _, c := range next.ClientsChangedSince(prev) {
			if err = h.repo.SaveClient(ctx, tenantID, c); err != nil {
				break
			}
		}
	}
	if err == nil {
		return nil
	}

	slog.Error("failed to persist change, reloading tenant",
		"tenant_id", tenantID,
		"error", err,
	)
	if _, rerr := h.registry.Reload(ctx, tenantID); rerr != nil {
		slog.Error("tenant reload failed", "tenant_id", tenantID, "error", rerr)
	}
	return fmt.Errorf("persist: %w", err)
}

// publish emits an event; failures are logged and never fail the request.
func (h *Handler) publish(ctx context.Context, topic string, event any) {
	if h.bus == nil {
		return
	}
	tenantID := GetTenantID(ctx)
	if err := bus.PublishJSON(ctx, h.bus, tenantID, topic, event); err != nil {
		slog.Error("failed to publish event",
			"tenant_id", tenantID,
			"topic", topic,
			"error", err,
		)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return false
	}
	return true
}

// writeError maps domain errors onto HTTP status codes.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	default:
		slog.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"tenant_id", GetTenantID(r.Context()),
			"request_id", GetRequestID(r.Context()),
			"trace_id", GetTraceID(r.Context()),
			"error", err,
		)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
