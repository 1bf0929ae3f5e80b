package rules

import "github.com/opensource-finance/atelier/internal/domain"

// Classify grades a watch price against the client tier's bands with the
// default policy.
func Classify(clientTier domain.Tier, watchPrice float64) domain.Affordability {
	return defaultPolicy.Classify(clientTier, watchPrice)
}

// IsAffordable reports whether price is within the tier's hard maximum
// with the default policy.
func IsAffordable(clientTier domain.Tier, watchPrice float64) bool {
	return defaultPolicy.IsAffordable(clientTier, watchPrice)
}

// Classify checks the comfortable band, then the stretch band. Anything
// outside both, including prices below the comfortable floor, is
// OVERPRICED.
func (p *Policy) Classify(clientTier domain.Tier, watchPrice float64) domain.Affordability {
	b := p.Band(clientTier)
	switch {
	case b.Comfortable.Contains(watchPrice):
		return domain.AffordabilityComfortable
	case b.Stretch.Contains(watchPrice):
		return domain.AffordabilityStretch
	default:
		return domain.AffordabilityOverpriced
	}
}

// IsAffordable is independent of Classify: an OVERPRICED price can still
// be within the hard maximum.
func (p *Policy) IsAffordable(clientTier domain.Tier, watchPrice float64) bool {
	return watchPrice <= p.Band(clientTier).HardMax
}
