package rules

import (
	"bytes"
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/opensource-finance/atelier/internal/domain"
)

// Policy is the single constants table behind tier classification,
// affordability, scoring and the wait-time override.
type Policy struct {
	// NoHistoryDivisor estimates average order value for clients without
	// purchases as lifetimeSpend / NoHistoryDivisor.
	NoHistoryDivisor float64 `yaml:"no_history_divisor"`

	// ClientTiers is evaluated top-down; the first row whose two minimums
	// both hold wins. Clients matching no row fall to tier 5.
	ClientTiers []TierThreshold `yaml:"client_tiers"`

	Bands    []Band         `yaml:"bands"`
	VIP      VIPThresholds  `yaml:"vip"`
	Weights  ScoreWeights   `yaml:"score"`
	Override OverrideRules  `yaml:"override"`
	Urgency  UrgencyWindows `yaml:"urgency"`
}

// TierThreshold is one row of the client tier table.
type TierThreshold struct {
	Tier             domain.Tier `yaml:"tier"`
	MinLifetimeSpend float64     `yaml:"min_lifetime_spend"`
	MinAverageOrder  float64     `yaml:"min_average_order"`
}

// Range is an inclusive price range.
type Range struct {
	Min float64 `yaml:"min"`
	Max float64 `yaml:"max"`
}

// Contains reports whether v lies in [Min, Max].
func (r Range) Contains(v float64) bool {
	return v >= r.Min && v <= r.Max
}

// Band holds the price bands for one client tier.
type Band struct {
	Tier        domain.Tier `yaml:"tier"`
	Comfortable Range       `yaml:"comfortable"`
	Stretch     Range       `yaml:"stretch"`
	HardMax     float64     `yaml:"hard_max"`
}

// VIPThresholds are minimum lifetime spends per VIP tier.
type VIPThresholds struct {
	Platinum float64 `yaml:"platinum"`
	Gold     float64 `yaml:"gold"`
	Silver   float64 `yaml:"silver"`
}

// ScoreWeights are the points awarded by the priority scorer.
type ScoreWeights struct {
	Comfortable float64 `yaml:"comfortable"`
	Stretch     float64 `yaml:"stretch"`
	Overpriced  float64 `yaml:"overpriced"`

	TierEqual    float64 `yaml:"tier_equal"`
	TierAbove    float64 `yaml:"tier_above"`
	TierBelow    float64 `yaml:"tier_below"`
	TierMismatch float64 `yaml:"tier_mismatch"`

	HistoryAlignedMin float64 `yaml:"history_aligned_min"`
	HistoryAlignedMax float64 `yaml:"history_aligned_max"`
	HistoryAligned    float64 `yaml:"history_aligned"`
	HistoryBelow      float64 `yaml:"history_below"`
	HistoryAbove      float64 `yaml:"history_above"`

	WaitMax         float64 `yaml:"wait_max"`
	WaitHorizonDays int     `yaml:"wait_horizon_days"`

	PreferredBrand float64 `yaml:"preferred_brand"`

	RecentPurchase     float64 `yaml:"recent_purchase"`
	RecentPurchaseDays int     `yaml:"recent_purchase_days"`
	LapsedPurchase     float64 `yaml:"lapsed_purchase"`
	LapsedPurchaseDays int     `yaml:"lapsed_purchase_days"`
}

// OverrideRules are the wait-time override thresholds in days.
type OverrideRules struct {
	PerfectMatchDays int `yaml:"perfect_match_days"`
	StretchDays      int `yaml:"stretch_days"`
}

// UrgencyWindows decide how quickly staff should reach a candidate.
type UrgencyWindows struct {
	CriticalDays int `yaml:"critical_days"`
	HighDays     int `yaml:"high_days"`
}

// DefaultPolicy returns the built-in allocation policy.
func DefaultPolicy() *Policy {
	return &Policy{
		NoHistoryDivisor: 1,
		ClientTiers: []TierThreshold{
			{Tier: 1, MinLifetimeSpend: 250000, MinAverageOrder: 50000},
			{Tier: 2, MinLifetimeSpend: 100000, MinAverageOrder: 25000},
			{Tier: 3, MinLifetimeSpend: 50000, MinAverageOrder: 15000},
			{Tier: 4, MinLifetimeSpend: 20000, MinAverageOrder: 8000},
		},
		Bands: []Band{
			{Tier: 1, Comfortable: Range{25000, 75000}, Stretch: Range{75000, 150000}, HardMax: 300000},
			{Tier: 2, Comfortable: Range{15000, 35000}, Stretch: Range{35000, 60000}, HardMax: 100000},
			{Tier: 3, Comfortable: Range{8000, 18000}, Stretch: Range{18000, 30000}, HardMax: 45000},
			{Tier: 4, Comfortable: Range{4000, 10000}, Stretch: Range{10000, 15000}, HardMax: 20000},
			{Tier: 5, Comfortable: Range{1000, 5000}, Stretch: Range{5000, 8000}, HardMax: 12000},
		},
		VIP: VIPThresholds{
			Platinum: 250000,
			Gold:     100000,
			Silver:   50000,
		},
		Weights: ScoreWeights{
			Comfortable: 40,
			Stretch:     20,
			Overpriced:  -30,

			TierEqual:    30,
			TierAbove:    20,
			TierBelow:    10,
			TierMismatch: -20,

			HistoryAlignedMin: 0.5,
			HistoryAlignedMax: 1.5,
			HistoryAligned:    20,
			HistoryBelow:      10,
			HistoryAbove:      -10,

			WaitMax:         10,
			WaitHorizonDays: 365,

			PreferredBrand: 10,

			RecentPurchase:     10,
			RecentPurchaseDays: 90,
			LapsedPurchase:     5,
			LapsedPurchaseDays: 180,
		},
		Override: OverrideRules{
			PerfectMatchDays: 540,
			StretchDays:      180,
		},
		Urgency: UrgencyWindows{
			CriticalDays: 365,
			HighDays:     180,
		},
	}
}

// LoadPolicy reads a YAML policy file. Fields absent from the file keep
// their default values.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes a YAML policy over the defaults and validates it.
func ParsePolicy(data []byte) (*Policy, error) {
	p := DefaultPolicy()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil {
		return nil, fmt.Errorf("%w: parse policy: %v", domain.ErrInvalidInput, err)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// YAML renders the policy as a YAML document.
func (p *Policy) YAML() ([]byte, error) {
	return yaml.Marshal(p)
}

// Validate checks that the table is complete and internally consistent.
func (p *Policy) Validate() error {
	if !finitePositive(p.NoHistoryDivisor) {
		return invalidf("no_history_divisor must be positive")
	}

	prev := TierThreshold{Tier: 0, MinLifetimeSpend: math.Inf(1), MinAverageOrder: math.Inf(1)}
	for _, row := range p.ClientTiers {
		if row.Tier <= prev.Tier || row.Tier >= domain.TierBottom {
			return invalidf("client_tiers must list tiers 1..4 in ascending order")
		}
		if row.MinLifetimeSpend < 0 || row.MinAverageOrder < 0 {
			return invalidf("client tier %d: minimums must not be negative", row.Tier)
		}
		// Lower tier numbers must demand at least as much spend.
		if row.MinLifetimeSpend > prev.MinLifetimeSpend || row.MinAverageOrder > prev.MinAverageOrder {
			return invalidf("client tier %d: thresholds must not exceed tier %d", row.Tier, prev.Tier)
		}
		prev = row
	}

	seen := make(map[domain.Tier]bool, len(p.Bands))
	for _, b := range p.Bands {
		if !b.Tier.Valid() {
			return invalidf("band tier %d out of range", b.Tier)
		}
		if seen[b.Tier] {
			return invalidf("band tier %d listed twice", b.Tier)
		}
		seen[b.Tier] = true
		if b.Comfortable.Min > b.Comfortable.Max || b.Stretch.Min > b.Stretch.Max {
			return invalidf("band tier %d: range min exceeds max", b.Tier)
		}
		if !finitePositive(b.HardMax) {
			return invalidf("band tier %d: hard_max must be positive", b.Tier)
		}
	}
	for t := domain.TierTop; t <= domain.TierBottom; t++ {
		if !seen[t] {
			return invalidf("band for tier %d is missing", t)
		}
	}

	if !(p.VIP.Platinum >= p.VIP.Gold && p.VIP.Gold >= p.VIP.Silver && p.VIP.Silver >= 0) {
		return invalidf("vip thresholds must descend platinum >= gold >= silver >= 0")
	}

	s := p.Weights
	if s.HistoryAlignedMin > s.HistoryAlignedMax {
		return invalidf("history_aligned_min exceeds history_aligned_max")
	}
	if s.WaitHorizonDays <= 0 {
		return invalidf("wait_horizon_days must be positive")
	}
	if s.RecentPurchaseDays > s.LapsedPurchaseDays {
		return invalidf("recent_purchase_days exceeds lapsed_purchase_days")
	}

	if p.Override.StretchDays <= 0 || p.Override.PerfectMatchDays < p.Override.StretchDays {
		return invalidf("override days must satisfy 0 < stretch_days <= perfect_match_days")
	}
	if p.Urgency.HighDays <= 0 || p.Urgency.CriticalDays < p.Urgency.HighDays {
		return invalidf("urgency days must satisfy 0 < high_days <= critical_days")
	}
	return nil
}

// Band returns the price bands for a client tier. Out-of-range tiers are
// clamped to 1..5.
func (p *Policy) Band(tier domain.Tier) Band {
	tier = clampTier(tier)
	for _, b := range p.Bands {
		if b.Tier == tier {
			return b
		}
	}
	return Band{Tier: tier}
}

func clampTier(t domain.Tier) domain.Tier {
	if t < domain.TierTop {
		return domain.TierTop
	}
	if t > domain.TierBottom {
		return domain.TierBottom
	}
	return t
}

func finitePositive(v float64) bool {
	return v > 0 && !math.IsInf(v, 0) && !math.IsNaN(v)
}

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: policy: %s", domain.ErrInvalidInput, fmt.Sprintf(format, args...))
}
