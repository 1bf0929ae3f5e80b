package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/snapshot"
)

// WaitlistRequest is the request body for adding a waitlist entry.
type WaitlistRequest struct {
	ClientID     string    `json:"clientId"`
	WatchModelID string    `json:"watchModelId"`
	DateAdded    time.Time `json:"dateAdded,omitempty"`
	Notes        string    `json:"notes,omitempty"`
	Priority     string    `json:"priority,omitempty"`
}

// ListWaitlist returns waitlist entries, optionally for one watch.
func (h *Handler) ListWaitlist(w http.ResponseWriter, r *http.Request) {
	snap, err := h.snapshot(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	var entries []*domain.WaitlistEntry
	if watchID := r.URL.Query().Get("watchId"); watchID != "" {
		entries = snap.WaitlistFor(watchID)
	} else {
		entries = snap.Waitlist()
	}
	if entries == nil {
		entries = []*domain.WaitlistEntry{}
	}

	now := h.now()
	type entryView struct {
		*domain.WaitlistEntry
		DaysWaiting int `json:"daysWaiting"`
	}
	views := make([]entryView, len(entries))
	for i, e := range entries {
		views[i] = entryView{WaitlistEntry: e, DaysWaiting: e.DaysWaiting(now)}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entries": views,
		"count":   len(views),
	})
}

// AddToWaitlist records a client's request for a watch.
func (h *Handler) AddToWaitlist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req WaitlistRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ClientID) == "" || strings.TrimSpace(req.WatchModelID) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "clientId and watchModelId are required",
		})
		return
	}
	if req.DateAdded.IsZero() {
		req.DateAdded = h.now().UTC()
	}

	entry := &domain.WaitlistEntry{
		ID:           uuid.New().String(),
		TenantID:     GetTenantID(ctx),
		ClientID:     req.ClientID,
		WatchModelID: req.WatchModelID,
		DateAdded:    req.DateAdded,
		Notes:        req.Notes,
		Priority:     req.Priority,
	}

	prev, next, err := h.apply(ctx, func(s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
		return s.WithWaitlistEntry(entry)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	tenantID := GetTenantID(ctx)
	err = h.persist(ctx, prev, next, func(repo domain.Repository) error {
		return repo.SaveWaitlistEntry(ctx, tenantID, entry)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.publish(ctx, domain.TopicWaitlistAdded, domain.WaitlistEvent{
		EntryID:      entry.ID,
		ClientID:     entry.ClientID,
		WatchModelID: entry.WatchModelID,
		At:           entry.DateAdded,
	})
	writeJSON(w, http.StatusCreated, entry)
}

// RemoveFromWaitlist deletes one waitlist entry.
func (h *Handler) RemoveFromWaitlist(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	prev, next, err := h.apply(ctx, func(s *snapshot.Snapshot) (*snapshot.Snapshot, error) {
		return s.WithoutWaitlistEntry(id)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	removed, _ := prev.WaitlistEntry(id)

	tenantID := GetTenantID(ctx)
	err = h.persist(ctx, prev, next, func(repo domain.Repository) error {
		return repo.DeleteWaitlistEntry(ctx, tenantID, id)
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	h.publish(ctx, domain.TopicWaitlistRemoved, domain.WaitlistEvent{
		EntryID:      id,
		ClientID:     removed.ClientID,
		WatchModelID: removed.WatchModelID,
		At:           h.now().UTC(),
	})
	w.WriteHeader(http.StatusNoContent)
}
