package rules

import (
	"sort"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/atelier/internal/domain"
)

// defaultPolicy backs the package-level helpers.
var defaultPolicy = DefaultPolicy()

// ClassifyClientTier classifies a client with the default policy.
func ClassifyClientTier(lifetimeSpend float64, purchases []domain.Purchase) domain.Tier {
	return defaultPolicy.ClassifyClientTier(lifetimeSpend, purchases)
}

// VIPTierFor returns the VIP tier for a lifetime spend with the default policy.
func VIPTierFor(lifetimeSpend float64) domain.VIPTier {
	return defaultPolicy.VIPTierFor(lifetimeSpend)
}

// AverageOrderValue is the mean purchase price, or lifetimeSpend divided
// by NoHistoryDivisor when there is no purchase history.
func (p *Policy) AverageOrderValue(lifetimeSpend float64, purchases []domain.Purchase) float64 {
	if len(purchases) == 0 {
		return lifetimeSpend / p.NoHistoryDivisor
	}
	var total float64
	for _, pu := range purchases {
		total += pu.Price
	}
	return total / float64(len(purchases))
}

// ClassifyClientTier maps lifetime spend and average order value onto a
// 1..5 client tier. Inputs must already be validated as finite and
// non-negative.
func (p *Policy) ClassifyClientTier(lifetimeSpend float64, purchases []domain.Purchase) domain.Tier {
	avg := p.AverageOrderValue(lifetimeSpend, purchases)
	for _, row := range p.ClientTiers {
		if lifetimeSpend >= row.MinLifetimeSpend && avg >= row.MinAverageOrder {
			return row.Tier
		}
	}
	return domain.TierBottom
}

// VIPTierFor returns the loyalty tier earned by a lifetime spend.
func (p *Policy) VIPTierFor(lifetimeSpend float64) domain.VIPTier {
	switch {
	case lifetimeSpend >= p.VIP.Platinum:
		return domain.VIPPlatinum
	case lifetimeSpend >= p.VIP.Gold:
		return domain.VIPGold
	case lifetimeSpend >= p.VIP.Silver:
		return domain.VIPSilver
	default:
		return domain.VIPBronze
	}
}

// SpendPercentiles ranks each spend against the others: the result is the
// share of other clients with a strictly lower spend, 0..100, rounded to
// two decimals. A single client sits at 100.
func SpendPercentiles(spends []float64) []float64 {
	out := make([]float64, len(spends))
	n := len(spends)
	if n == 0 {
		return out
	}
	if n == 1 {
		out[0] = 100
		return out
	}

	sorted := append([]float64(nil), spends...)
	sort.Float64s(sorted)

	for i, s := range spends {
		below := sort.SearchFloat64s(sorted, s)
		pct := decimal.NewFromInt(int64(below)).
			Mul(decimal.NewFromInt(100)).
			Div(decimal.NewFromInt(int64(n - 1))).
			Round(2)
		out[i] = pct.InexactFloat64()
	}
	return out
}
