package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/snapshot"
)

// WatchRequest is the request body for adding a catalog entry.
type WatchRequest struct {
	ID           string              `json:"id,omitempty"`
	Brand        string              `json:"brand"`
	Model        string              `json:"model"`
	Collection   string              `json:"collection,omitempty"`
	Reference    string              `json:"reference,omitempty"`
	Price        float64             `json:"price"`
	WatchTier    domain.Tier         `json:"watchTier"`
	Availability domain.Availability `json:"availability,omitempty"`
}

// ListWatches returns the catalog.
func (h *Handler) ListWatches(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	watches := snap.Watches()
	if avail := r.URL.Query().Get("availability"); avail != "" {
		filtered := watches[:0]
		for _, wm := range watches {
			if string(wm.Availability) == avail {
				filtered = append(filtered, wm)
			}
		}
		watches = filtered
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"watches": watches,
		"count":   len(watches),
	})
}

// GetWatch returns one catalog entry.
func (h *Handler) GetWatch(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	wm, ok := snap.Watch(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "watch not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, wm)
}

// CreateWatch adds a catalog entry. Availability defaults to Available.
func (h *Handler) CreateWatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req WatchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Brand == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "brand is required",
		})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Availability == "" {
		req.Availability = domain.AvailabilityAvailable
	}

	now := h.now().UTC()
	watch := &domain.WatchModel{
		ID:           req.ID,
		TenantID:     GetTenantID(ctx),
		Brand:        req.Brand,
		Model:        req.Model,
		Collection:   req.Collection,
		Reference:    req.Reference,
		Price:        req.Price,
		WatchTier:    req.WatchTier,
		Availability: req.Availability,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	prev, next, err := h.apply(ctx, func(s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
		if _, exists := s.Watch(watch.ID); exists {
			return nil, fmt.Errorf("%w: watch %s already exists", domain.ErrInvalidInput, watch.ID)
		}
		return s.WithWatch(watch)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	tenantID := GetTenantID(ctx)
	err = h.persist(ctx, prev, next, func(repo domain.Repository) error {
		return repo.SaveWatch(ctx, tenantID, watch)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	saved, _ := next.Watch(watch.ID)
	writeJSON(w, http.StatusCreated, saved)
}

// AvailabilityRequest is the request body for a stock change.
type AvailabilityRequest struct {
	Availability domain.Availability `json:"availability"`
}

// SetAvailability moves a watch to a new stock state and announces the
// change. The worker reacts to watches becoming Available.
func (h *Handler) SetAvailability(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	watchID := chi.URLParam(r, "id")

	var req AvailabilityRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	prev, next, err := h.apply(ctx, func(s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
		return s.WithAvailability(watchID, req.Availability)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	before, _ := prev.Watch(watchID)
	after, _ := next.Watch(watchID)
	updated := *after
	updated.UpdatedAt = h.now().UTC()

	tenantID := GetTenantID(ctx)
	err = h.persist(ctx, prev, next, func(repo domain.Repository) error {
		return repo.SaveWatch(ctx, tenantID, &updated)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if before.Availability != after.Availability {
		h.publish(ctx, domain.TopicWatchAvailability, domain.AvailabilityEvent{
			WatchModelID: watchID,
			Previous:     before.Availability,
			Current:      after.Availability,
			At:           updated.UpdatedAt,
		})
		slog.Info("watch availability changed",
			"tenant_id", tenantID,
			"watch_id", watchID,
			"from", before.Availability,
			"to", after.Availability,
		)
	}

	writeJSON(w, http.StatusOK, after)
}

// GetCandidates returns the ranked allocation candidates for a watch.
// Lists are cached per snapshot version and calendar day.
func (h *Handler) GetCandidates(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	watchID := chi.URLParam(r, "id")

	showAll := false
	if v := r.URL.Query().Get("showAll"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "showAll must be a boolean",
			})
			return
		}
		showAll = parsed
	}

	snap, err := h.snapshot(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	now := h.now()
	tenantID := GetTenantID(ctx)
	key := domain.CandidateKey{
		WatchModelID:   watchID,
		ShowAllClients: showAll,
		Version:        snap.Version(),
		Day:            now.UTC().Truncate(24 * time.Hour),
	}

	if h.cache != nil && h.candidateTTL > 0 {
		cached, err := h.cache.GetCandidates(ctx, tenantID, key)
		if err != nil {
			slog.Warn("candidate cache read failed", "tenant_id", tenantID, "key", key.String(), "error", err)
		}
		if cached != nil {
			w.Header().Set("X-Cache", "HIT")
			writeJSON(w, http.StatusOK, cached)
			return
		}
	}

	list, err := h.generator.List(ctx, snap, watchID, showAll, now)
	if err != nil {
		writeError(w, r, err)
		return
	}

	if h.cache != nil && h.candidateTTL > 0 {
		if err := h.cache.SetCandidates(ctx, tenantID, key, list, h.candidateTTL); err != nil {
			slog.Warn("candidate cache write failed", "tenant_id", tenantID, "key", key.String(), "error", err)
		}
		w.Header().Set("X-Cache", "MISS")
	}
	writeJSON(w, http.StatusOK, list)
}
