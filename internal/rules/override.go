package rules

import (
	"fmt"

	"github.com/opensource-finance/atelier/internal/domain"
)

// Override is the result of the wait-time override.
type Override struct {
	Category   domain.MatchCategory `json:"category"`
	Confidence domain.Confidence    `json:"confidence"`
	Reasoning  string               `json:"reasoning,omitempty"`
	Applied    bool                 `json:"applied"`
}

// ApplyOverride applies the wait-time override with the default policy.
func ApplyOverride(base domain.MatchCategory, daysWaiting int, vip domain.VIPTier) Override {
	return defaultPolicy.ApplyOverride(base, daysWaiting, vip)
}

// ApplyOverride reconsiders a base category for long waits and high VIP
// tiers. The first applicable rule wins and a category only ever moves
// toward PERFECT_MATCH.
func (p *Policy) ApplyOverride(base domain.MatchCategory, daysWaiting int, vip domain.VIPTier) Override {
	r := p.Override

	switch {
	case daysWaiting >= r.PerfectMatchDays && base.Valid() && base != domain.CategoryPerfectMatch:
		return Override{
			Category:   domain.CategoryPerfectMatch,
			Confidence: domain.ConfidenceHigh,
			Reasoning:  fmt.Sprintf("Waiting 18+ months (%d days): loyalty outweighs the price and tier fit", daysWaiting),
			Applied:    true,
		}

	case daysWaiting >= r.StretchDays &&
		(base == domain.CategoryNotSuitable || base == domain.CategoryUpgradeOpportunity):
		return Override{
			Category:   domain.CategoryStretchPurchase,
			Confidence: domain.ConfidenceMedium,
			Reasoning:  waitReasoning(daysWaiting),
			Applied:    true,
		}

	case daysWaiting > 0 && vip.IsHigh() && base == domain.CategoryNotSuitable:
		return Override{
			Category:   domain.CategoryStretchPurchase,
			Confidence: domain.ConfidenceMedium,
			Reasoning:  fmt.Sprintf("%s client on the waitlist for %d days: worth a conversation despite the fit", vip, daysWaiting),
			Applied:    true,
		}
	}

	return Override{Category: base, Confidence: BaseConfidence(base)}
}

// BaseConfidence is the confidence of a category no override touched.
func BaseConfidence(c domain.MatchCategory) domain.Confidence {
	switch c {
	case domain.CategoryPerfectMatch:
		return domain.ConfidenceHigh
	case domain.CategoryStretchPurchase, domain.CategoryUpgradeOpportunity:
		return domain.ConfidenceMedium
	default:
		return domain.ConfidenceLow
	}
}

func waitReasoning(daysWaiting int) string {
	months := daysWaiting / 30
	switch {
	case months >= 12:
		return fmt.Sprintf("Waiting over a year (%d months): offer as a stretch purchase", months)
	case months >= 9:
		return fmt.Sprintf("Waiting %d months, close to a year: strong case for a stretch offer", months)
	default:
		return fmt.Sprintf("Waiting %d months: reconsider as a stretch purchase", months)
	}
}

// UrgencyFor tells staff how quickly to contact a candidate.
func (p *Policy) UrgencyFor(c domain.MatchCategory, daysWaiting int) domain.Urgency {
	switch {
	case c == domain.CategoryPerfectMatch && daysWaiting >= p.Urgency.CriticalDays:
		return domain.UrgencyCritical
	case c == domain.CategoryPerfectMatch || daysWaiting >= p.Urgency.HighDays:
		return domain.UrgencyHigh
	case c == domain.CategoryStretchPurchase || c == domain.CategoryUpgradeOpportunity:
		return domain.UrgencyMedium
	default:
		return domain.UrgencyLow
	}
}
