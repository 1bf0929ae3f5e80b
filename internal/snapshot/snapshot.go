// Package snapshot holds immutable views of a boutique's clients, catalog
// and waitlist. Commands never modify a snapshot; they return a new one.
package snapshot

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/rules"
)

// versions is process-wide and seeded from the clock so a reloaded
// snapshot never reuses a version seen by a shared cache.
var versions atomic.Uint64

func init() {
	versions.Store(uint64(time.Now().UnixNano()))
}

func nextVersion() uint64 {
	return versions.Add(1)
}

// Snapshot is a consistent, read-only view of one tenant's data.
// Records returned by its accessors are shared and must not be modified.
type Snapshot struct {
	version uint64
	policy  *rules.Policy

	clients   []*domain.Client
	clientIdx map[string]int

	watches  []*domain.WatchModel
	watchIdx map[string]int

	waitlist []*domain.WaitlistEntry
}

// New builds a snapshot from loaded records and runs a global tier
// recalculation. Waitlist entries may reference unknown clients or
// watches; readers skip them.
func New(policy *rules.Policy, clients []*domain.Client, watches []*domain.WatchModel, waitlist []*domain.WaitlistEntry) (*Snapshot, error) {
	if policy == nil {
		policy = rules.DefaultPolicy()
	}
	s := &Snapshot{policy: policy}
	s.reindex()

	// Later records with a repeated id replace earlier ones.
	for _, c := range clients {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if i, ok := s.clientIdx[c.ID]; ok {
			s.clients[i] = cloneClient(c)
			continue
		}
		s.clientIdx[c.ID] = len(s.clients)
		s.clients = append(s.clients, cloneClient(c))
	}
	for _, w := range watches {
		if err := w.Validate(); err != nil {
			return nil, err
		}
		cp := *w
		if i, ok := s.watchIdx[w.ID]; ok {
			s.watches[i] = &cp
			continue
		}
		s.watchIdx[w.ID] = len(s.watches)
		s.watches = append(s.watches, &cp)
	}
	for _, e := range waitlist {
		cp := *e
		s.waitlist = append(s.waitlist, &cp)
	}

	return s.recalculate(), nil
}

// Empty returns a snapshot with no data.
func Empty(policy *rules.Policy) *Snapshot {
	s, _ := New(policy, nil, nil, nil)
	return s
}

// Version identifies this snapshot. Every command yields a new version.
func (s *Snapshot) Version() uint64 { return s.version }

// Policy is the allocation policy the snapshot was calculated with.
func (s *Snapshot) Policy() *rules.Policy { return s.policy }

// Clients returns all clients in insertion order.
func (s *Snapshot) Clients() []*domain.Client {
	return append([]*domain.Client(nil), s.clients...)
}

// Client looks up a client by id.
func (s *Snapshot) Client(id string) (*domain.Client, bool) {
	i, ok := s.clientIdx[id]
	if !ok {
		return nil, false
	}
	return s.clients[i], true
}

// Watches returns the catalog in insertion order.
func (s *Snapshot) Watches() []*domain.WatchModel {
	return append([]*domain.WatchModel(nil), s.watches...)
}

// Watch looks up a watch model by id.
func (s *Snapshot) Watch(id string) (*domain.WatchModel, bool) {
	i, ok := s.watchIdx[id]
	if !ok {
		return nil, false
	}
	return s.watches[i], true
}

// Waitlist returns every waitlist entry, including dangling ones.
func (s *Snapshot) Waitlist() []*domain.WaitlistEntry {
	return append([]*domain.WaitlistEntry(nil), s.waitlist...)
}

// WaitlistFor returns the entries for one watch model.
func (s *Snapshot) WaitlistFor(watchID string) []*domain.WaitlistEntry {
	var out []*domain.WaitlistEntry
	for _, e := range s.waitlist {
		if e.WatchModelID == watchID {
			out = append(out, e)
		}
	}
	return out
}

// WaitlistEntry looks up an entry by id.
func (s *Snapshot) WaitlistEntry(id string) (*domain.WaitlistEntry, bool) {
	for _, e := range s.waitlist {
		if e.ID == id {
			return e, true
		}
	}
	return nil, false
}

// WithClient adds or replaces a client. Derived fields are recomputed for
// every client.
func (s *Snapshot) WithClient(c *domain.Client) (*Snapshot, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	next := s.clone()
	cp := cloneClient(c)
	if i, ok := next.clientIdx[c.ID]; ok {
		next.clients[i] = cp
	} else {
		next.clientIdx[c.ID] = len(next.clients)
		next.clients = append(next.clients, cp)
	}
	return next.recalculate(), nil
}

// WithPurchase records a sale against a client and raises their lifetime
// spend by its price.
func (s *Snapshot) WithPurchase(clientID string, p domain.Purchase) (*Snapshot, error) {
	i, ok := s.clientIdx[clientID]
	if !ok {
		return nil, fmt.Errorf("%w: client %s", domain.ErrNotFound, clientID)
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	p.ClientID = clientID
	if err := p.Validate(); err != nil {
		return nil, err
	}

	next := s.clone()
	c := cloneClient(next.clients[i])
	c.Purchases = append(c.Purchases, p)
	c.LifetimeSpend += p.Price
	if !p.Date.IsZero() && p.Date.After(c.UpdatedAt) {
		c.UpdatedAt = p.Date
	}
	next.clients[i] = c
	return next.recalculate(), nil
}

// WithWatch adds or replaces a catalog entry.
func (s *Snapshot) WithWatch(w *domain.WatchModel) (*Snapshot, error) {
	if err := w.Validate(); err != nil {
		return nil, err
	}
	next := s.clone()
	cp := *w
	if i, ok := next.watchIdx[w.ID]; ok {
		next.watches[i] = &cp
	} else {
		next.watchIdx[w.ID] = len(next.watches)
		next.watches = append(next.watches, &cp)
	}
	return next.bump(), nil
}

// WithAvailability moves a watch to a new availability state.
func (s *Snapshot) WithAvailability(watchID string, a domain.Availability) (*Snapshot, error) {
	i, ok := s.watchIdx[watchID]
	if !ok {
		return nil, fmt.Errorf("%w: watch %s", domain.ErrNotFound, watchID)
	}
	if !a.Valid() {
		return nil, fmt.Errorf("%w: unknown availability %q", domain.ErrInvalidInput, a)
	}
	next := s.clone()
	cp := *next.watches[i]
	cp.Availability = a
	next.watches[i] = &cp
	return next.bump(), nil
}

// WithWaitlistEntry adds a waitlist entry. Duplicate (client, watch) pairs
// are kept; readers use the earliest.
func (s *Snapshot) WithWaitlistEntry(e *domain.WaitlistEntry) (*Snapshot, error) {
	if e.ClientID == "" || e.WatchModelID == "" {
		return nil, fmt.Errorf("%w: waitlist entry needs a client and a watch", domain.ErrInvalidInput)
	}
	if _, ok := s.clientIdx[e.ClientID]; !ok {
		return nil, fmt.Errorf("%w: client %s", domain.ErrNotFound, e.ClientID)
	}
	if _, ok := s.watchIdx[e.WatchModelID]; !ok {
		return nil, fmt.Errorf("%w: watch %s", domain.ErrNotFound, e.WatchModelID)
	}
	cp := *e
	if cp.ID == "" {
		cp.ID = uuid.New().String()
	}
	if _, dup := s.WaitlistEntry(cp.ID); dup {
		return nil, fmt.Errorf("%w: waitlist entry %s already exists", domain.ErrInvalidInput, cp.ID)
	}

	next := s.clone()
	next.waitlist = append(next.waitlist, &cp)
	return next.bump(), nil
}

// WithoutWaitlistEntry removes one entry by id.
func (s *Snapshot) WithoutWaitlistEntry(id string) (*Snapshot, error) {
	next := s.clone()
	kept := next.waitlist[:0]
	found := false
	for _, e := range next.waitlist {
		if e.ID == id {
			found = true
			continue
		}
		kept = append(kept, e)
	}
	if !found {
		return nil, fmt.Errorf("%w: waitlist entry %s", domain.ErrNotFound, id)
	}
	next.waitlist = kept
	return next.bump(), nil
}

// WithoutWaitlistFor removes every entry for a (client, watch) pair and
// reports how many were removed.
func (s *Snapshot) WithoutWaitlistFor(clientID, watchID string) (*Snapshot, []string) {
	next := s.clone()
	kept := next.waitlist[:0]
	var removed []string
	for _, e := range next.waitlist {
		if e.ClientID == clientID && e.WatchModelID == watchID {
			removed = append(removed, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	next.waitlist = kept
	return next.bump(), removed
}

// AllocationResult lists what an allocation changed.
type AllocationResult struct {
	Allocation     domain.Allocation
	Purchase       domain.Purchase
	Watch          *domain.WatchModel
	RemovedEntries []string
}

// WithAllocation completes a sale: the price is recorded as a purchase,
// every waitlist entry for the pair is removed and the watch is marked
// Sold Out. A zero price defaults to the catalog price.
func (s *Snapshot) WithAllocation(a domain.Allocation) (*Snapshot, *AllocationResult, error) {
	w, ok := s.Watch(a.WatchModelID)
	if !ok {
		return nil, nil, fmt.Errorf("%w: watch %s", domain.ErrNotFound, a.WatchModelID)
	}
	if _, ok := s.Client(a.ClientID); !ok {
		return nil, nil, fmt.Errorf("%w: client %s", domain.ErrNotFound, a.ClientID)
	}
	if w.Availability == domain.AvailabilitySoldOut {
		return nil, nil, fmt.Errorf("%w: watch %s is sold out", domain.ErrInvalidInput, w.ID)
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.Price == 0 {
		a.Price = w.Price
	}
	if a.Date.IsZero() {
		a.Date = time.Now().UTC()
	}

	purchase := domain.Purchase{
		ID:         a.ID,
		ClientID:   a.ClientID,
		Brand:      w.Brand,
		WatchModel: w.Model,
		Price:      a.Price,
		Date:       a.Date,
	}

	next, err := s.WithPurchase(a.ClientID, purchase)
	if err != nil {
		return nil, nil, err
	}
	next, removed := next.WithoutWaitlistFor(a.ClientID, a.WatchModelID)
	next, err = next.WithAvailability(a.WatchModelID, domain.AvailabilitySoldOut)
	if err != nil {
		return nil, nil, err
	}

	sold, _ := next.Watch(a.WatchModelID)
	return next, &AllocationResult{
		Allocation:     a,
		Purchase:       purchase,
		Watch:          sold,
		RemovedEntries: removed,
	}, nil
}

// Recalculated recomputes client tier, VIP tier and spend percentile for
// every client.
func (s *Snapshot) Recalculated() *Snapshot {
	return s.clone().recalculate()
}

// WithPolicy recalculates every client under a different policy.
func (s *Snapshot) WithPolicy(p *rules.Policy) *Snapshot {
	next := s.clone()
	next.policy = p
	return next.recalculate()
}

// ClientsChangedSince returns clients whose record differs from old.
// Unchanged records share identity across snapshots.
func (s *Snapshot) ClientsChangedSince(old *Snapshot) []*domain.Client {
	var out []*domain.Client
	for _, c := range s.clients {
		prev, ok := old.Client(c.ID)
		if !ok || prev != c {
			out = append(out, c)
		}
	}
	return out
}

// DriftedFrom returns clients whose tier, VIP tier or spend percentile
// differs from the stored rows the snapshot was built from.
func (s *Snapshot) DriftedFrom(stored []*domain.Client) []*domain.Client {
	var out []*domain.Client
	seen := make(map[string]bool, len(stored))
	for i := len(stored) - 1; i >= 0; i-- {
		row := stored[i]
		if seen[row.ID] {
			continue
		}
		seen[row.ID] = true
		c, ok := s.Client(row.ID)
		if !ok {
			continue
		}
		if c.ClientTier != row.ClientTier || c.VIPTier != row.VIPTier || c.SpendPercentile != row.SpendPercentile {
			out = append(out, c)
		}
	}
	return out
}

// recalculate must only be called on a fresh clone.
func (s *Snapshot) recalculate() *Snapshot {
	spends := make([]float64, len(s.clients))
	for i, c := range s.clients {
		spends[i] = c.LifetimeSpend
	}
	pct := rules.SpendPercentiles(spends)

	for i, c := range s.clients {
		tier := s.policy.ClassifyClientTier(c.LifetimeSpend, c.Purchases)
		vip := s.policy.VIPTierFor(c.LifetimeSpend)
		if c.ClientTier == tier && c.VIPTier == vip && c.SpendPercentile == pct[i] {
			continue
		}
		cp := cloneClient(c)
		cp.ClientTier = tier
		cp.VIPTier = vip
		cp.SpendPercentile = pct[i]
		s.clients[i] = cp
	}
	return s.bump()
}

func (s *Snapshot) bump() *Snapshot {
	s.version = nextVersion()
	return s
}

// clone copies the slices and indexes; records stay shared.
func (s *Snapshot) clone() *Snapshot {
	next := &Snapshot{
		version:  s.version,
		policy:   s.policy,
		clients:  append([]*domain.Client(nil), s.clients...),
		watches:  append([]*domain.WatchModel(nil), s.watches...),
		waitlist: append([]*domain.WaitlistEntry(nil), s.waitlist...),
	}
	next.reindex()
	return next
}

func (s *Snapshot) reindex() {
	s.clientIdx = make(map[string]int, len(s.clients))
	for i, c := range s.clients {
		s.clientIdx[c.ID] = i
	}
	s.watchIdx = make(map[string]int, len(s.watches))
	for i, w := range s.watches {
		s.watchIdx[w.ID] = i
	}
}

func cloneClient(c *domain.Client) *domain.Client {
	cp := *c
	cp.PreferredBrands = append([]string(nil), c.PreferredBrands...)
	cp.Purchases = append([]domain.Purchase(nil), c.Purchases...)
	return &cp
}
