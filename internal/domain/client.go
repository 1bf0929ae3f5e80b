package domain

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// Tier is a 1..5 ranking shared by clients and watches.
// For clients 1 is the highest spend capacity; for watches 1 is the rarest.
type Tier int

// Tier bounds.
const (
	TierTop    Tier = 1
	TierBottom Tier = 5
)

// Valid reports whether t is within 1..5.
func (t Tier) Valid() bool {
	return t >= TierTop && t <= TierBottom
}

// VIPTier is the loyalty label derived from lifetime spend.
type VIPTier string

const (
	VIPBronze   VIPTier = "Bronze"
	VIPSilver   VIPTier = "Silver"
	VIPGold     VIPTier = "Gold"
	VIPPlatinum VIPTier = "Platinum"
)

// IsHigh reports whether the VIP tier earns wait-time reconsideration.
func (v VIPTier) IsHigh() bool {
	return v == VIPPlatinum || v == VIPGold
}

// Client is a boutique client and their commercial profile.
type Client struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId,omitempty"`
	Name     string `json:"name"`
	Email    string `json:"email,omitempty"`
	Phone    string `json:"phone,omitempty"`

	// Derived fields, recomputed for every client whenever any lifetime spend changes.
	LifetimeSpend   float64 `json:"lifetimeSpend"`
	ClientTier      Tier    `json:"clientTier"`
	SpendPercentile float64 `json:"spendPercentile"`
	VIPTier         VIPTier `json:"vipTier"`

	PreferredBrands []string   `json:"preferredBrands,omitempty"`
	Purchases       []Purchase `json:"purchases,omitempty"`
	Notes           string     `json:"notes,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Purchase is one historical sale, owned by its client.
type Purchase struct {
	ID         string    `json:"id"`
	ClientID   string    `json:"clientId"`
	Brand      string    `json:"brand"`
	WatchModel string    `json:"watchModel"`
	Price      float64   `json:"price"`
	Date       time.Time `json:"date"`
}

// PrefersBrand reports whether brand is one of the client's preferred brands.
func (c *Client) PrefersBrand(brand string) bool {
	for _, b := range c.PreferredBrands {
		if strings.EqualFold(strings.TrimSpace(b), strings.TrimSpace(brand)) {
			return true
		}
	}
	return false
}

// AveragePurchase returns the mean purchase price and false when the client
// has no purchase history.
func (c *Client) AveragePurchase() (float64, bool) {
	if len(c.Purchases) == 0 {
		return 0, false
	}
	var total float64
	for _, p := range c.Purchases {
		total += p.Price
	}
	return total / float64(len(c.Purchases)), true
}

// LastPurchaseDate returns the most recent purchase date.
func (c *Client) LastPurchaseDate() (time.Time, bool) {
	var last time.Time
	for _, p := range c.Purchases {
		if p.Date.After(last) {
			last = p.Date
		}
	}
	return last, !last.IsZero()
}

// Validate rejects records the rules engine cannot score.
func (c *Client) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: client id is required", ErrInvalidInput)
	}
	if err := ValidateMoney("lifetimeSpend", c.LifetimeSpend, true); err != nil {
		return fmt.Errorf("client %s: %w", c.ID, err)
	}
	for i := range c.Purchases {
		if err := c.Purchases[i].Validate(); err != nil {
			return fmt.Errorf("client %s: %w", c.ID, err)
		}
	}
	return nil
}

// Validate rejects non-positive or non-finite prices.
func (p *Purchase) Validate() error {
	if err := ValidateMoney("purchase price", p.Price, false); err != nil {
		return err
	}
	if p.Brand == "" {
		return fmt.Errorf("%w: purchase brand is required", ErrInvalidInput)
	}
	return nil
}

// ValidateMoney rejects NaN, infinities and negative amounts. Zero is
// accepted only when allowZero is set.
func ValidateMoney(field string, v float64, allowZero bool) error {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return fmt.Errorf("%w: %s must be finite", ErrInvalidInput, field)
	}
	if v < 0 || (!allowZero && v == 0) {
		return fmt.Errorf("%w: %s must be positive", ErrInvalidInput, field)
	}
	return nil
}
