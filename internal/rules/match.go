package rules

import "github.com/opensource-finance/atelier/internal/domain"

// ResolveCategory classifies a (client, watch) pair with the default policy.
func ResolveCategory(clientTier, watchTier domain.Tier, watchPrice float64) domain.MatchCategory {
	return defaultPolicy.ResolveCategory(clientTier, watchTier, watchPrice)
}

// ResolveStatus is ResolveCategory in the GREEN/YELLOW/RED vocabulary.
func ResolveStatus(clientTier, watchTier domain.Tier, watchPrice float64) domain.MatchStatus {
	return defaultPolicy.ResolveStatus(clientTier, watchTier, watchPrice)
}

// ResolveCategory applies, in order:
//
//  1. price above the tier's hard maximum: NOT_SUITABLE
//  2. client tier at or above the watch tier, comfortable: PERFECT_MATCH
//  3. client tier at or above the watch tier, stretch: STRETCH_PURCHASE
//  4. client tier below the watch tier, comfortable: UPGRADE_OPPORTUNITY
//  5. otherwise NOT_SUITABLE
//
// A lower tier number ranks higher for both clients and watches.
func (p *Policy) ResolveCategory(clientTier, watchTier domain.Tier, watchPrice float64) domain.MatchCategory {
	if !p.IsAffordable(clientTier, watchPrice) {
		return domain.CategoryNotSuitable
	}

	aff := p.Classify(clientTier, watchPrice)
	qualifies := clientTier <= watchTier

	switch {
	case qualifies && aff == domain.AffordabilityComfortable:
		return domain.CategoryPerfectMatch
	case qualifies && aff == domain.AffordabilityStretch:
		return domain.CategoryStretchPurchase
	case !qualifies && aff == domain.AffordabilityComfortable:
		return domain.CategoryUpgradeOpportunity
	default:
		return domain.CategoryNotSuitable
	}
}

// ResolveStatus maps ResolveCategory onto traffic lights.
func (p *Policy) ResolveStatus(clientTier, watchTier domain.Tier, watchPrice float64) domain.MatchStatus {
	return p.ResolveCategory(clientTier, watchTier, watchPrice).Status()
}
