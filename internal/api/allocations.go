package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/snapshot"
)

// AllocationRequest is the request body for completing a sale.
// A zero price uses the catalog price.
type AllocationRequest struct {
	ClientID     string    `json:"clientId"`
	WatchModelID string    `json:"watchModelId"`
	Price        float64   `json:"price,omitempty"`
	Date         time.Time `json:"date,omitempty"`
}

// AllocationResponse is returned after a sale.
type AllocationResponse struct {
	Allocation     domain.Allocation  `json:"allocation"`
	Client         *domain.Client     `json:"client"`
	Watch          *domain.WatchModel `json:"watch"`
	RemovedEntries []string           `json:"removedEntries"`
}

// CreateAllocation sells a watch to a client. The sale is recorded as a
// purchase, the client's waitlist entries for the watch are removed and
// the watch is marked Sold Out.
func (h *Handler) CreateAllocation(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req AllocationRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ClientID == "" || req.WatchModelID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "clientId and watchModelId are required",
		})
		return
	}

	now := h.now()
	if req.Date.IsZero() {
		req.Date = now.UTC()
	}

	var result *snapshot.AllocationResult
	prev, next, err := h.apply(ctx, func(s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
		// Classify before the sale so the record shows why the client was chosen.
		cand, err := h.generator.Pair(ctx, s, req.ClientID, req.WatchModelID, now)
		if err != nil {
			return nil, err
		}
		next, res, err := s.WithAllocation(domain.Allocation{
			TenantID:     GetTenantID(ctx),
			ClientID:     req.ClientID,
			WatchModelID: req.WatchModelID,
			Price:        req.Price,
			Date:         req.Date,
			Category:     cand.Category,
			Score:        cand.Score,
			DaysWaiting:  cand.DaysWaiting,
		})
		if err != nil {
			return nil, err
		}
		result = res
		return next, nil
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	before, _ := prev.Watch(req.WatchModelID)

	tenantID := GetTenantID(ctx)
	err = h.persist(ctx, prev, next, func(repo domain.Repository) error {
		if err := repo.SaveAllocation(ctx, tenantID, &result.Allocation); err != nil {
			return err
		}
		if err := repo.SavePurchase(ctx, tenantID, &result.Purchase); err != nil {
			return err
		}
		if err := repo.SaveWatch(ctx, tenantID, result.Watch); err != nil {
			return err
		}
		_, err := repo.DeleteWaitlistFor(ctx, tenantID, req.ClientID, req.WatchModelID)
		return err
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	if h.activity != nil {
		h.activity.Invalidate(ctx, tenantID, req.ClientID, h.activityDays)
	}
	h.publish(ctx, domain.TopicAllocationCompleted, result.Allocation)
	h.publish(ctx, domain.TopicWatchAvailability, domain.AvailabilityEvent{
		WatchModelID: req.WatchModelID,
		Previous:     before.Availability,
		Current:      result.Watch.Availability,
		At:           result.Allocation.Date,
	})

	slog.Info("watch allocated",
		"tenant_id", tenantID,
		"client_id", req.ClientID,
		"watch_id", req.WatchModelID,
		"category", result.Allocation.Category.String(),
		"price", result.Allocation.Price,
	)

	removed := result.RemovedEntries
	if removed == nil {
		removed = []string{}
	}
	client, _ := next.Client(req.ClientID)
	writeJSON(w, http.StatusCreated, AllocationResponse{
		Allocation:     result.Allocation,
		Client:         client,
		Watch:          result.Watch,
		RemovedEntries: removed,
	})
}

// ListAllocations returns completed sales, newest first.
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if h.repo == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "repository not available",
		})
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "limit must be a positive integer",
			})
			return
		}
		limit = n
	}

	allocations, err := h.repo.ListAllocations(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if allocations == nil {
		allocations = []*domain.Allocation{}
	}
	if len(allocations) > limit {
		allocations = allocations[:limit]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"allocations": allocations,
		"count":       len(allocations),
	})
}

// GreenBox lists every waitlisted (client, watch) pair with its match
// status. ?status=GREEN,YELLOW filters by status.
func (h *Handler) GreenBox(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var statuses []domain.MatchStatus
	if v := r.URL.Query().Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			s, err := domain.ParseMatchStatus(strings.TrimSpace(part))
			if err != nil {
				writeError(w, r, err)
				return
			}
			statuses = append(statuses, s)
		}
	}

	snap, err := h.snapshot(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	cands, err := h.generator.GreenBox(ctx, snap, h.now(), statuses...)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if cands == nil {
		cands = []domain.Candidate{}
	}

	counts := map[domain.MatchStatus]int{}
	for _, c := range cands {
		counts[c.Status]++
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"candidates": cands,
		"count":      len(cands),
		"summary":    counts,
	})
}
