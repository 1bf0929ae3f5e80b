package snapshot

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/rules"
)

// Store holds the current snapshot for one tenant. Writers replace the
// snapshot wholesale; the last write wins.
type Store struct {
	mu   sync.RWMutex
	snap *Snapshot
}

// NewStore wraps an initial snapshot.
func NewStore(s *Snapshot) *Store {
	return &Store{snap: s}
}

// Current returns the latest snapshot. It is safe to keep using after
// later writes.
func (s *Store) Current() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap
}

// Apply runs a command against the current snapshot and installs the
// result. Commands are serialised so none is lost.
func (s *Store) Apply(cmd func(*Snapshot) (*Snapshot, error)) (prev, next *Snapshot, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev = s.snap
	next, err = cmd(prev)
	if err != nil {
		return prev, nil, err
	}
	s.snap = next
	return prev, next, nil
}

// Replace installs a snapshot unconditionally.
func (s *Store) Replace(next *Snapshot) {
	s.mu.Lock()
	s.snap = next
	s.mu.Unlock()
}

// Registry lazily loads one Store per tenant from the repository.
type Registry struct {
	mu     sync.Mutex
	repo   domain.Repository
	policy *rules.Policy
	stores map[string]*Store
}

// NewRegistry creates a registry backed by repo.
func NewRegistry(repo domain.Repository, policy *rules.Policy) *Registry {
	if policy == nil {
		policy = rules.DefaultPolicy()
	}
	return &Registry{
		repo:   repo,
		policy: policy,
		stores: make(map[string]*Store),
	}
}

// Policy returns the policy new snapshots are built with.
func (r *Registry) Policy() *rules.Policy {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.policy
}

// Store returns the tenant's store, loading it on first use.
func (r *Registry) Store(ctx context.Context, tenantID string) (*Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.stores[tenantID]; ok {
		return st, nil
	}

	snap, _, err := r.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	st := NewStore(snap)
	r.stores[tenantID] = st
	return st, nil
}

// Snapshot is a shortcut for Store(ctx, tenantID).Current().
func (r *Registry) Snapshot(ctx context.Context, tenantID string) (*Snapshot, error) {
	st, err := r.Store(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	return st.Current(), nil
}

// Reload discards the tenant's in-memory state and loads it again.
func (r *Registry) Reload(ctx context.Context, tenantID string) (*Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap, _, err := r.load(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	r.install(tenantID, snap)
	return snap, nil
}

// Recalculate reloads the tenant so every client's derived fields are
// recomputed under the registry's policy. It returns the clients whose
// stored rows were rewritten.
func (r *Registry) Recalculate(ctx context.Context, tenantID string) ([]*domain.Client, *Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.repo == nil {
		st, ok := r.stores[tenantID]
		if !ok {
			st = NewStore(Empty(r.policy))
			r.stores[tenantID] = st
		}
		prev, next, _ := st.Apply(func(s *Snapshot) (*Snapshot, error) {
			return s.Recalculated(), nil
		})
		return next.ClientsChangedSince(prev), next, nil
	}

	snap, rewritten, err := r.load(ctx, tenantID)
	if err != nil {
		return nil, nil, err
	}
	r.install(tenantID, snap)
	return rewritten, snap, nil
}

func (r *Registry) install(tenantID string, snap *Snapshot) {
	if st, ok := r.stores[tenantID]; ok {
		st.Replace(snap)
	} else {
		r.stores[tenantID] = NewStore(snap)
	}
}

// load builds the tenant's snapshot from the repository. Stored clients
// whose derived fields no longer match the policy are written back and
// returned.
func (r *Registry) load(ctx context.Context, tenantID string) (*Snapshot, []*domain.Client, error) {
	if r.repo == nil {
		return Empty(r.policy), nil, nil
	}

	clients, err := r.repo.ListClients(ctx, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("load clients: %w", err)
	}
	watches, err := r.repo.ListWatches(ctx, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("load watches: %w", err)
	}
	waitlist, err := r.repo.ListWaitlist(ctx, tenantID)
	if err != nil {
		return nil, nil, fmt.Errorf("load waitlist: %w", err)
	}

	snap, err := New(r.policy, clients, watches, waitlist)
	if err != nil {
		return nil, nil, fmt.Errorf("build snapshot: %w", err)
	}

	drifted := snap.DriftedFrom(clients)
	for _, c := range drifted {
		if err := r.repo.SaveClient(ctx, tenantID, c); err != nil {
			return nil, nil, fmt.Errorf("save recalculated client %s: %w", c.ID, err)
		}
	}

	slog.Info("tenant snapshot loaded",
		"tenant_id", tenantID,
		"clients", len(clients),
		"watches", len(watches),
		"waitlist", len(waitlist),
		"recalculated", len(drifted),
		"version", snap.Version(),
	)
	return snap, drifted, nil
}

// Invalidate gives every loaded tenant a new snapshot version without
// changing its data, so views cached against older versions are skipped.
func (r *Registry) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, st := range r.stores {
		st.Apply(func(s *Snapshot) (*Snapshot, error) {
			return s.clone().bump(), nil
		})
	}
}

// Tenants lists the tenants loaded so far.
func (r *Registry) Tenants() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.stores))
	for id := range r.stores {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
