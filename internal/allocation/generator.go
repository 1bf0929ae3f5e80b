// Package allocation ranks clients for a watch and watches for a client.
// Every view is recomputed from a snapshot and the current time; nothing
// it produces is stored.
package allocation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/rules"
	"github.com/opensource-finance/atelier/internal/snapshot"
)

// DefaultActivityWindowDays is the lookback behind recent_purchase_count.
const DefaultActivityWindowDays = 365

// Generator produces ranked candidate lists.
type Generator struct {
	engine             *rules.Engine
	activityWindowDays int
}

// Option configures a Generator.
type Option func(*Generator)

// WithEngine attaches CEL scoring adjustments.
func WithEngine(e *rules.Engine) Option {
	return func(g *Generator) { g.engine = e }
}

// WithActivityWindow sets the purchase-activity lookback in days.
func WithActivityWindow(days int) Option {
	return func(g *Generator) { g.activityWindowDays = days }
}

// NewGenerator creates a generator. Without an engine scores are exactly
// the policy's priority score.
func NewGenerator(opts ...Option) *Generator {
	g := &Generator{activityWindowDays: DefaultActivityWindowDays}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// waitInfo is the earliest waitlist entry of one client for one watch.
type waitInfo struct {
	entry *domain.WaitlistEntry
	days  int
}

// Generate ranks candidates for a watch.
//
// A watch that is not Available only ever considers its waitlist, whatever
// showAllClients says. An Available watch with showAllClients also
// considers every other client, keeping them only when they classify as
// PERFECT_MATCH or STRETCH_PURCHASE before any override.
func (g *Generator) Generate(ctx context.Context, snap *snapshot.Snapshot, watchID string, showAllClients bool, now time.Time) ([]domain.Candidate, error) {
	w, ok := snap.Watch(watchID)
	if !ok {
		return nil, fmt.Errorf("%w: watch %s", domain.ErrNotFound, watchID)
	}
	if err := w.Validate(); err != nil {
		return nil, err
	}

	waiting := earliestEntries(snap, snap.WaitlistFor(watchID), now)
	available := w.Availability == domain.AvailabilityAvailable

	var candidates []domain.Candidate
	seen := make(map[string]bool)

	// Waitlisted clients are always kept, even when not suitable.
	for _, e := range snap.WaitlistFor(watchID) {
		wi, ok := waiting[e.ClientID]
		if !ok || seen[e.ClientID] {
			continue
		}
		seen[e.ClientID] = true
		c, _ := snap.Client(e.ClientID)
		cand, err := g.candidate(ctx, snap, c, w, &wi, now)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, cand)
	}

	if available && showAllClients {
		for _, c := range snap.Clients() {
			if seen[c.ID] {
				continue
			}
			cand, err := g.candidate(ctx, snap, c, w, nil, now)
			if err != nil {
				return nil, err
			}
			if cand.BaseCategory != domain.CategoryPerfectMatch && cand.BaseCategory != domain.CategoryStretchPurchase {
				continue
			}
			candidates = append(candidates, cand)
		}
	}

	sortCandidates(candidates, available)
	return candidates, nil
}

// List wraps Generate in the response envelope.
func (g *Generator) List(ctx context.Context, snap *snapshot.Snapshot, watchID string, showAllClients bool, now time.Time) (*domain.CandidateList, error) {
	cands, err := g.Generate(ctx, snap, watchID, showAllClients, now)
	if err != nil {
		return nil, err
	}
	w, _ := snap.Watch(watchID)
	if cands == nil {
		cands = []domain.Candidate{}
	}
	return &domain.CandidateList{
		WatchModelID:   watchID,
		Availability:   w.Availability,
		ShowAllClients: showAllClients,
		Version:        snap.Version(),
		Candidates:     cands,
	}, nil
}

// ClientMatches classifies every catalog watch for one client, best first.
func (g *Generator) ClientMatches(ctx context.Context, snap *snapshot.Snapshot, clientID string, now time.Time) ([]domain.Candidate, error) {
	c, ok := snap.Client(clientID)
	if !ok {
		return nil, fmt.Errorf("%w: client %s", domain.ErrNotFound, clientID)
	}

	var out []domain.Candidate
	for _, w := range snap.Watches() {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		var wi *waitInfo
		if info, ok := earliestEntries(snap, snap.WaitlistFor(w.ID), now)[clientID]; ok {
			wi = &info
		}
		cand, err := g.candidate(ctx, snap, c, w, wi, now)
		if err != nil {
			return nil, err
		}
		out = append(out, cand)
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Category != b.Category {
			return a.Category.BetterThan(b.Category)
		}
		return a.Score > b.Score
	})
	rank(out)
	return out, nil
}

// Pair classifies a single client for a single watch, unranked.
func (g *Generator) Pair(ctx context.Context, snap *snapshot.Snapshot, clientID, watchID string, now time.Time) (domain.Candidate, error) {
	c, ok := snap.Client(clientID)
	if !ok {
		return domain.Candidate{}, fmt.Errorf("%w: client %s", domain.ErrNotFound, clientID)
	}
	w, ok := snap.Watch(watchID)
	if !ok {
		return domain.Candidate{}, fmt.Errorf("%w: watch %s", domain.ErrNotFound, watchID)
	}
	if err := w.Validate(); err != nil {
		return domain.Candidate{}, err
	}

	var wi *waitInfo
	if info, ok := earliestEntries(snap, snap.WaitlistFor(watchID), now)[clientID]; ok {
		wi = &info
	}
	return g.candidate(ctx, snap, c, w, wi, now)
}

// GreenBox classifies every resolvable waitlist entry, optionally filtered
// by status, ordered by status, then days waiting, then score.
func (g *Generator) GreenBox(ctx context.Context, snap *snapshot.Snapshot, now time.Time, statuses ...domain.MatchStatus) ([]domain.Candidate, error) {
	want := make(map[domain.MatchStatus]bool, len(statuses))
	for _, s := range statuses {
		want[s] = true
	}

	type pair struct{ client, watch string }
	seen := make(map[pair]bool)
	var out []domain.Candidate

	for _, e := range snap.Waitlist() {
		p := pair{e.ClientID, e.WatchModelID}
		if seen[p] {
			continue
		}
		c, okC := snap.Client(e.ClientID)
		w, okW := snap.Watch(e.WatchModelID)
		if !okC || !okW {
			continue
		}
		seen[p] = true

		info := earliestEntries(snap, snap.WaitlistFor(w.ID), now)[c.ID]
		cand, err := g.candidate(ctx, snap, c, w, &info, now)
		if err != nil {
			return nil, err
		}
		if len(want) > 0 && !want[cand.Status] {
			continue
		}
		out = append(out, cand)
	}

	order := map[domain.MatchStatus]int{domain.StatusGreen: 0, domain.StatusYellow: 1, domain.StatusRed: 2}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Status != b.Status {
			return order[a.Status] < order[b.Status]
		}
		if a.DaysWaiting != b.DaysWaiting {
			return a.DaysWaiting > b.DaysWaiting
		}
		return a.Score > b.Score
	})
	rank(out)
	return out, nil
}

// earliestEntries maps client id to that client's earliest entry among
// entries, dropping entries whose client is unknown.
func earliestEntries(snap *snapshot.Snapshot, entries []*domain.WaitlistEntry, now time.Time) map[string]waitInfo {
	out := make(map[string]waitInfo)
	for _, e := range entries {
		if _, ok := snap.Client(e.ClientID); !ok {
			continue
		}
		days := e.DaysWaiting(now)
		if cur, ok := out[e.ClientID]; !ok || days > cur.days {
			out[e.ClientID] = waitInfo{entry: e, days: days}
		}
	}
	return out
}

func (g *Generator) candidate(ctx context.Context, snap *snapshot.Snapshot, c *domain.Client, w *domain.WatchModel, wi *waitInfo, now time.Time) (domain.Candidate, error) {
	if err := c.Validate(); err != nil {
		return domain.Candidate{}, err
	}

	p := snap.Policy()
	ct := p.ClientTier(c)
	vip := c.VIPTier
	if vip == "" {
		vip = p.VIPTierFor(c.LifetimeSpend)
	}

	days := 0
	if wi != nil {
		days = wi.days
	}

	aff := p.Classify(ct, w.Price)
	base := p.ResolveCategory(ct, w.WatchTier, w.Price)
	ov := p.ApplyOverride(base, days, vip)

	var adjustments []domain.RuleAdjustment
	if g.engine != nil {
		adjustments = g.engine.Evaluate(ctx, &rules.Input{
			TenantID:           c.TenantID,
			ClientID:           c.ID,
			ClientTier:         ct,
			WatchTier:          w.WatchTier,
			LifetimeSpend:      c.LifetimeSpend,
			WatchPrice:         w.Price,
			DaysWaiting:        days,
			Brand:              w.Brand,
			PreferredBrands:    c.PreferredBrands,
			VIPTier:            vip,
			OnWaitlist:         wi != nil,
			Category:           ov.Category,
			ActivityWindowDays: g.activityWindowDays,
		})
	}

	score := p.ScoreBreakdown(c, w, days, now).Total(rules.Sum(adjustments))
	urgency := p.UrgencyFor(ov.Category, days)

	cand := domain.Candidate{
		ClientID:          c.ID,
		ClientName:        c.Name,
		WatchModelID:      w.ID,
		WatchName:         w.DisplayName(),
		Category:          ov.Category,
		Status:            ov.Category.Status(),
		Confidence:        ov.Confidence,
		Affordability:     aff,
		ClientTier:        ct,
		WatchTier:         w.WatchTier,
		VIPTier:           vip,
		Score:             score,
		DaysWaiting:       days,
		IsOnWaitlist:      wi != nil,
		Urgency:           urgency,
		CallToAction:      callToAction(ov.Category, urgency),
		BaseCategory:      base,
		Overridden:        ov.Applied,
		OverrideReasoning: ov.Reasoning,
		Adjustments:       adjustments,
	}
	if wi != nil {
		cand.WaitlistEntryID = wi.entry.ID
	}
	cand.Reasons = reasons(c, w, ct, aff, cand)
	return cand, nil
}

func reasons(c *domain.Client, w *domain.WatchModel, ct domain.Tier, aff domain.Affordability, cand domain.Candidate) []string {
	out := []string{
		fmt.Sprintf("Tier %d client, %s, lifetime spend $%s", ct, cand.VIPTier, money(c.LifetimeSpend)),
	}

	if cand.IsOnWaitlist {
		out = append(out, fmt.Sprintf("On waitlist for %d days", cand.DaysWaiting))
	} else {
		out = append(out, "Not on the waitlist")
	}

	if c.PrefersBrand(w.Brand) {
		out = append(out, "Prefers "+w.Brand)
	}

	switch {
	case ct == w.WatchTier:
		out = append(out, "Client tier matches watch tier")
	case ct < w.WatchTier:
		out = append(out, "Client tier exceeds watch tier")
	default:
		out = append(out, fmt.Sprintf("Client tier %d below watch tier %d", ct, w.WatchTier))
	}

	out = append(out, fmt.Sprintf("Price $%s is %s for tier %d", money(w.Price), strings.ToLower(string(aff)), ct))

	if cand.Overridden {
		out = append(out, cand.OverrideReasoning)
	}
	for _, a := range cand.Adjustments {
		if a.Error == "" && a.Reason != "" {
			out = append(out, a.Reason)
		}
	}
	return out
}

func callToAction(c domain.MatchCategory, u domain.Urgency) string {
	action := c.Display().Action
	if when := u.Display().Action; when != "" && u != domain.UrgencyLow {
		return action + ". " + when
	}
	return action
}

// sortCandidates orders by: waitlisted first when the watch is not
// available, category, waitlisted first, days waiting descending, then
// score descending. Ranks are assigned 1..N.
func sortCandidates(cands []domain.Candidate, available bool) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if !available && a.IsOnWaitlist != b.IsOnWaitlist {
			return a.IsOnWaitlist
		}
		if a.Category != b.Category {
			return a.Category.BetterThan(b.Category)
		}
		if a.IsOnWaitlist != b.IsOnWaitlist {
			return a.IsOnWaitlist
		}
		if a.DaysWaiting != b.DaysWaiting {
			return a.DaysWaiting > b.DaysWaiting
		}
		return a.Score > b.Score
	})
	rank(cands)
}

func rank(cands []domain.Candidate) {
	for i := range cands {
		cands[i].Rank = i + 1
	}
}

// money formats whole dollars with thousands separators.
func money(v float64) string {
	s := fmt.Sprintf("%.0f", v)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "-" + b.String()
	}
	return b.String()
}
