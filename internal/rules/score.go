package rules

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/atelier/internal/domain"
)

// Breakdown lists the components of a priority score.
type Breakdown struct {
	Affordability float64 `json:"affordability"`
	TierAlignment float64 `json:"tierAlignment"`
	History       float64 `json:"history"`
	Wait          float64 `json:"wait"`
	Brand         float64 `json:"brand"`
	Recency       float64 `json:"recency"`
}

// Total sums the components plus extra points, floors the result at zero
// and rounds half away from zero to two decimals.
func (b Breakdown) Total(extra float64) float64 {
	sum := decimal.Zero
	for _, v := range []float64{b.Affordability, b.TierAlignment, b.History, b.Wait, b.Brand, b.Recency, extra} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		sum = sum.Add(decimal.NewFromFloat(v))
	}
	if sum.IsNegative() {
		return 0
	}
	return sum.Round(2).InexactFloat64()
}

// Score computes a priority score with the default policy.
func Score(c *domain.Client, w *domain.WatchModel, daysWaiting int, now time.Time) float64 {
	return defaultPolicy.Score(c, w, daysWaiting, now)
}

// Score ranks candidates within a category. It never decides the category.
func (p *Policy) Score(c *domain.Client, w *domain.WatchModel, daysWaiting int, now time.Time) float64 {
	return p.ScoreBreakdown(c, w, daysWaiting, now).Total(0)
}

// ClientTier returns the client's recorded tier, classifying from spend
// when the record carries none.
func (p *Policy) ClientTier(c *domain.Client) domain.Tier {
	if c.ClientTier.Valid() {
		return c.ClientTier
	}
	return p.ClassifyClientTier(c.LifetimeSpend, c.Purchases)
}

// ScoreBreakdown returns the individual score components.
func (p *Policy) ScoreBreakdown(c *domain.Client, w *domain.WatchModel, daysWaiting int, now time.Time) Breakdown {
	s := p.Weights
	ct := p.ClientTier(c)
	wt := w.WatchTier
	var b Breakdown

	switch p.Classify(ct, w.Price) {
	case domain.AffordabilityComfortable:
		b.Affordability = s.Comfortable
	case domain.AffordabilityStretch:
		b.Affordability = s.Stretch
	default:
		b.Affordability = s.Overpriced
	}

	affordable := p.IsAffordable(ct, w.Price)
	switch {
	case ct == wt && affordable:
		b.TierAlignment = s.TierEqual
	case ct < wt && affordable:
		b.TierAlignment = s.TierAbove
	case ct > wt:
		b.TierAlignment = s.TierBelow
	default:
		b.TierAlignment = s.TierMismatch
	}

	if avg, ok := c.AveragePurchase(); ok && avg > 0 {
		ratio := w.Price / avg
		switch {
		case ratio >= s.HistoryAlignedMin && ratio <= s.HistoryAlignedMax:
			b.History = s.HistoryAligned
		case ratio < s.HistoryAlignedMin:
			b.History = s.HistoryBelow
		default:
			b.History = s.HistoryAbove
		}
	}

	if daysWaiting > 0 {
		b.Wait = math.Min(float64(daysWaiting)/float64(s.WaitHorizonDays), 1) * s.WaitMax
	}

	if c.PrefersBrand(w.Brand) {
		b.Brand = s.PreferredBrand
	}

	if last, ok := c.LastPurchaseDate(); ok {
		age := domain.DaysBetween(last, now)
		switch {
		case age < s.RecentPurchaseDays:
			b.Recency = s.RecentPurchase
		case age < s.LapsedPurchaseDays:
			b.Recency = s.LapsedPurchase
		}
	}

	return b
}
