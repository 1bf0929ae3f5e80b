package api

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/snapshot"
)

// ClientRequest is the request body for creating or updating a client.
// Derived fields are never accepted from callers.
type ClientRequest struct {
	ID              string   `json:"id,omitempty"`
	Name            string   `json:"name"`
	Email           string   `json:"email,omitempty"`
	Phone           string   `json:"phone,omitempty"`
	LifetimeSpend   float64  `json:"lifetimeSpend"`
	PreferredBrands []string `json:"preferredBrands,omitempty"`
	Notes           string   `json:"notes,omitempty"`
}

// ListClients returns every client, best client tier first.
func (h *Handler) ListClients(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	clients := snap.Clients()
	sort.SliceStable(clients, func(i, j int) bool {
		if clients[i].ClientTier != clients[j].ClientTier {
			return clients[i].ClientTier < clients[j].ClientTier
		}
		return clients[i].LifetimeSpend > clients[j].LifetimeSpend
	})

	writeJSON(w, http.StatusOK, map[string]any{
		"clients": clients,
		"count":   len(clients),
		"version": snap.Version(),
	})
}

// GetClient returns one client with derived tiers and purchases.
func (h *Handler) GetClient(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	c, ok := snap.Client(chi.URLParam(r, "id"))
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "client not found",
		})
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CreateClient adds a client. Every client's tier and percentile are
// recomputed.
func (h *Handler) CreateClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req ClientRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "name is required",
		})
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	now := h.now().UTC()
	client := &domain.Client{
		ID:              req.ID,
		TenantID:        GetTenantID(ctx),
		Name:            req.Name,
		Email:           req.Email,
		Phone:           req.Phone,
		LifetimeSpend:   req.LifetimeSpend,
		PreferredBrands: req.PreferredBrands,
		Notes:           req.Notes,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	prev, next, err := h.apply(ctx, func(s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
		if _, exists := s.Client(client.ID); exists {
			return nil, fmt.Errorf("%w: client %s already exists", domain.ErrInvalidInput, client.ID)
		}
		return s.WithClient(client)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.persist(ctx, prev, next, noWrite); err != nil {
		writeError(w, r, err)
		return
	}

	saved, _ := next.Client(client.ID)
	writeJSON(w, http.StatusCreated, saved)
}

// UpdateClient replaces a client's profile. Lifetime spend and purchase
// history are kept; they change only through purchases and allocations.
func (h *Handler) UpdateClient(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	var req ClientRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	prev, next, err := h.apply(ctx, func(s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
		existing, ok := s.Client(id)
		if !ok {
			return nil, fmt.Errorf("%w: client %s", domain.ErrNotFound, id)
		}
		updated := *existing
		if req.Name != "" {
			updated.Name = req.Name
		}
		updated.Email = req.Email
		updated.Phone = req.Phone
		updated.PreferredBrands = req.PreferredBrands
		updated.Notes = req.Notes
		updated.UpdatedAt = h.now().UTC()
		return s.WithClient(&updated)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.persist(ctx, prev, next, noWrite); err != nil {
		writeError(w, r, err)
		return
	}

	saved, _ := next.Client(id)
	writeJSON(w, http.StatusOK, saved)
}

// PurchaseRequest is the request body for recording a sale.
type PurchaseRequest struct {
	Brand      string    `json:"brand"`
	WatchModel string    `json:"watchModel"`
	Price      float64   `json:"price"`
	Date       time.Time `json:"date"`
}

// RecordPurchase adds a purchase to a client's history and raises their
// lifetime spend.
func (h *Handler) RecordPurchase(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	clientID := chi.URLParam(r, "id")

	var req PurchaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Date.IsZero() {
		req.Date = h.now().UTC()
	}

	purchase := domain.Purchase{
		ID:         uuid.New().String(),
		ClientID:   clientID,
		Brand:      req.Brand,
		WatchModel: req.WatchModel,
		Price:      req.Price,
		Date:       req.Date,
	}

	prev, next, err := h.apply(ctx, func(s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
		return s.WithPurchase(clientID, purchase)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	tenantID := GetTenantID(ctx)
	err = h.persist(ctx, prev, next, func(repo domain.Repository) error {
		return repo.SavePurchase(ctx, tenantID, &purchase)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	if h.activity != nil {
		h.activity.Invalidate(ctx, tenantID, clientID, h.activityDays)
	}
	h.publish(ctx, domain.TopicPurchaseRecorded, purchase)

	client, _ := next.Client(clientID)
	writeJSON(w, http.StatusCreated, map[string]any{
		"purchase": purchase,
		"client":   client,
	})
}

// ClientMatches classifies every catalog watch for one client.
func (h *Handler) ClientMatches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	snap, err := h.snapshot(ctx)
	if err != nil {
		writeError(w, r, err)
		return
	}

	matches, err := h.generator.ClientMatches(ctx, snap, chi.URLParam(r, "id"), h.now())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if matches == nil {
		matches = []domain.Candidate{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"clientId": chi.URLParam(r, "id"),
		"matches":  matches,
		"count":    len(matches),
	})
}

// RecalculateTiers recomputes derived client fields for the tenant from
// storage and rewrites the rows that were stale.
func (h *Handler) RecalculateTiers(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	updated, snap, err := h.registry.Recalculate(ctx, GetTenantID(ctx))
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"updated": len(updated),
		"clients": len(snap.Clients()),
		"version": snap.Version(),
	})
}

func noWrite(domain.Repository) error { return nil }
