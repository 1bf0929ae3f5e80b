package domain

import (
	"fmt"
	"time"
)

// Availability is the stock state of a watch model.
type Availability string

const (
	AvailabilityAvailable Availability = "Available"
	AvailabilityWaitlist  Availability = "Waitlist"
	AvailabilityIncoming  Availability = "Incoming"
	AvailabilitySoldOut   Availability = "Sold Out"
)

// Valid reports whether a is a known availability.
func (a Availability) Valid() bool {
	switch a {
	case AvailabilityAvailable, AvailabilityWaitlist, AvailabilityIncoming, AvailabilitySoldOut:
		return true
	}
	return false
}

// WatchModel is a catalog entry. WatchTier is an editorial rarity ranking
// and is not derived from price.
type WatchModel struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenantId,omitempty"`
	Brand        string       `json:"brand"`
	Model        string       `json:"model"`
	Collection   string       `json:"collection,omitempty"`
	Reference    string       `json:"reference,omitempty"`
	Price        float64      `json:"price"`
	WatchTier    Tier         `json:"watchTier"`
	Availability Availability `json:"availability"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// DisplayName is "Brand Model".
func (w *WatchModel) DisplayName() string {
	if w.Model == "" {
		return w.Brand
	}
	return w.Brand + " " + w.Model
}

// Validate rejects catalog entries the rules engine cannot score.
func (w *WatchModel) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("%w: watch id is required", ErrInvalidInput)
	}
	if err := ValidateMoney("watch price", w.Price, false); err != nil {
		return fmt.Errorf("watch %s: %w", w.ID, err)
	}
	if !w.WatchTier.Valid() {
		return fmt.Errorf("%w: watch %s: tier %d out of range", ErrInvalidInput, w.ID, w.WatchTier)
	}
	if !w.Availability.Valid() {
		return fmt.Errorf("%w: watch %s: unknown availability %q", ErrInvalidInput, w.ID, w.Availability)
	}
	return nil
}

// WaitlistEntry is a standing request by a client for a watch model.
// Priority is informational only and never used for ranking.
type WaitlistEntry struct {
	ID           string    `json:"id"`
	TenantID     string    `json:"tenantId,omitempty"`
	ClientID     string    `json:"clientId"`
	WatchModelID string    `json:"watchModelId"`
	DateAdded    time.Time `json:"dateAdded"`
	Notes        string    `json:"notes,omitempty"`
	Priority     string    `json:"priority,omitempty"`
}

// DaysWaiting returns UTC calendar days since the entry was added, never
// negative.
func (e *WaitlistEntry) DaysWaiting(now time.Time) int {
	if e.DateAdded.IsZero() {
		return 0
	}
	return max(DaysBetween(e.DateAdded, now), 0)
}

// DaysBetween counts UTC midnights crossed from from to to. The count
// changes only at the day boundary that candidate cache keys use.
func DaysBetween(from, to time.Time) int {
	const day = 24 * time.Hour
	return int(to.UTC().Truncate(day).Sub(from.UTC().Truncate(day)) / day)
}

// Allocation records a completed sale of a watch to a client.
type Allocation struct {
	ID           string        `json:"id"`
	TenantID     string        `json:"tenantId,omitempty"`
	ClientID     string        `json:"clientId"`
	WatchModelID string        `json:"watchModelId"`
	Price        float64       `json:"price"`
	Date         time.Time     `json:"date"`
	Category     MatchCategory `json:"category"`
	Score        float64       `json:"score"`
	DaysWaiting  int           `json:"daysWaiting"`
}
