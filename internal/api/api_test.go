package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/opensource-finance/atelier/internal/allocation"
	"github.com/opensource-finance/atelier/internal/bus"
	"github.com/opensource-finance/atelier/internal/cache"
	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/repository"
	"github.com/opensource-finance/atelier/internal/rules"
	"github.com/opensource-finance/atelier/internal/snapshot"
)

const testTenant = "boutique-geneva"

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	server *Server
	repo   domain.Repository
	bus    *bus.ChannelBus
}

// newTestEnv creates a server backed by a temporary SQLite database, an
// in-memory cache and a channel bus.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "atelier-api-*.db")
	if err != nil {
		t.Fatalf("failed to create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{Driver: "sqlite", SQLitePath: tmpPath})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	c, err := cache.New(domain.CacheConfig{Type: "memory", LocalMaxSize: 100})
	if err != nil {
		t.Fatalf("failed to create cache: %v", err)
	}
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	engine, err := rules.NewEngine(nil, 2)
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	server := NewServer(cfg, Deps{
		Repo:         repo,
		Cache:        c,
		Bus:          eventBus,
		Engine:       engine,
		Registry:     snapshot.NewRegistry(repo, nil),
		Generator:    allocation.NewGenerator(allocation.WithEngine(engine)),
		CandidateTTL: time.Hour,
	}, "test-v1")
	server.Handler().now = func() time.Time { return testNow }

	return &testEnv{server: server, repo: repo, bus: eventBus}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return e.doTenant(t, testTenant, method, path, body)
}

func (e *testEnv) doTenant(t *testing.T, tenantID, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(TenantIDHeader, tenantID)
	}

	rr := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rr, req)
	return rr
}

func decode[T any](t *testing.T, rr *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rr.Body.Bytes(), &v); err != nil {
		t.Fatalf("failed to parse response %q: %v", rr.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rr *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rr.Code != want {
		t.Fatalf("expected status %d, got %d: %s", want, rr.Code, rr.Body.String())
	}
}

// seed loads five clients, the Nautilus on waitlist and three entries.
func (e *testEnv) seed(t *testing.T) map[string]string {
	t.Helper()

	clients := []ClientRequest{
		{ID: "c-top", Name: "Amelia Hart", LifetimeSpend: 487500, PreferredBrands: []string{"Patek Philippe"}},
		{ID: "c-mid", Name: "Bruno Keller", LifetimeSpend: 180000},
		{ID: "c-two", Name: "Chen Wei", LifetimeSpend: 120000},
		{ID: "c-low", Name: "Dana Ortiz", LifetimeSpend: 11236},
		{ID: "c-old", Name: "Elias Brandt", LifetimeSpend: 11000},
	}
	for _, c := range clients {
		expectStatus(t, e.do(t, http.MethodPost, "/clients", c), http.StatusCreated)
	}

	expectStatus(t, e.do(t, http.MethodPost, "/watches", WatchRequest{
		ID: "w-naut", Brand: "Patek Philippe", Model: "Nautilus", Price: 35000, WatchTier: 1,
		Availability: domain.AvailabilityWaitlist,
	}), http.StatusCreated)

	entries := map[string]string{}
	for client, days := range map[string]int{"c-low": 10, "c-old": 600, "c-mid": 200} {
		rr := e.do(t, http.MethodPost, "/waitlist", WaitlistRequest{
			ClientID:     client,
			WatchModelID: "w-naut",
			DateAdded:    testNow.AddDate(0, 0, -days),
		})
		expectStatus(t, rr, http.StatusCreated)
		entries[client] = decode[domain.WaitlistEntry](t, rr).ID
	}
	return entries
}

func candidateIDs(cands []domain.Candidate) []string {
	out := make([]string, len(cands))
	for i, c := range cands {
		out[i] = c.ClientID
	}
	return out
}

func TestClientEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	t.Run("List", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/clients", nil)
		expectStatus(t, rr, http.StatusOK)

		resp := decode[struct {
			Clients []domain.Client `json:"clients"`
			Count   int             `json:"count"`
		}](t, rr)
		if resp.Count != 5 {
			t.Fatalf("expected 5 clients, got %d", resp.Count)
		}
		if resp.Clients[0].ID != "c-top" || resp.Clients[0].ClientTier != domain.TierTop {
			t.Errorf("expected c-top first with tier 1, got %s tier %d", resp.Clients[0].ID, resp.Clients[0].ClientTier)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/clients/c-top", nil)
		expectStatus(t, rr, http.StatusOK)

		c := decode[domain.Client](t, rr)
		if c.VIPTier != domain.VIPPlatinum {
			t.Errorf("expected Platinum, got %s", c.VIPTier)
		}
		if c.SpendPercentile != 100 {
			t.Errorf("expected percentile 100, got %v", c.SpendPercentile)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		expectStatus(t, env.do(t, http.MethodGet, "/clients/nobody", nil), http.StatusNotFound)
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/clients", ClientRequest{ID: "c-top", Name: "Again"})
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("CreateValidation", func(t *testing.T) {
		expectStatus(t, env.do(t, http.MethodPost, "/clients", ClientRequest{Name: " "}), http.StatusBadRequest)
		expectStatus(t, env.do(t, http.MethodPost, "/clients", ClientRequest{Name: "Neg", LifetimeSpend: -1}), http.StatusBadRequest)
		expectStatus(t, env.do(t, http.MethodPost, "/clients", "not-json"), http.StatusBadRequest)
	})

	t.Run("UpdateKeepsSpend", func(t *testing.T) {
		rr := env.do(t, http.MethodPut, "/clients/c-two", ClientRequest{
			Name:            "Chen Wei",
			Email:           "chen@example.com",
			LifetimeSpend:   1,
			PreferredBrands: []string{"Rolex"},
		})
		expectStatus(t, rr, http.StatusOK)

		c := decode[domain.Client](t, rr)
		if c.LifetimeSpend != 120000 {
			t.Errorf("expected spend to stay 120000, got %v", c.LifetimeSpend)
		}
		if c.Email != "chen@example.com" || !slices.Equal(c.PreferredBrands, []string{"Rolex"}) {
			t.Errorf("profile not updated: %+v", c)
		}

		expectStatus(t, env.do(t, http.MethodPut, "/clients/nobody", ClientRequest{Name: "x"}), http.StatusNotFound)
	})

	t.Run("RecordPurchase", func(t *testing.T) {
		got := make(chan *domain.Purchase, 1)
		env.bus.Subscribe(context.Background(), testTenant, domain.TopicPurchaseRecorded, func(ctx context.Context, msg *domain.Message) error {
			p, err := bus.Decode[domain.Purchase](msg)
			if err != nil {
				return err
			}
			got <- p
			return nil
		})

		rr := env.do(t, http.MethodPost, "/clients/c-low/purchases", PurchaseRequest{
			Brand: "Rolex", WatchModel: "Datejust", Price: 8764, Date: testNow.AddDate(0, -1, 0),
		})
		expectStatus(t, rr, http.StatusCreated)

		resp := decode[struct {
			Client domain.Client `json:"client"`
		}](t, rr)
		if resp.Client.LifetimeSpend != 20000 || len(resp.Client.Purchases) != 1 {
			t.Errorf("expected spend 20000 with one purchase, got %v/%d", resp.Client.LifetimeSpend, len(resp.Client.Purchases))
		}

		select {
		case p := <-got:
			if p.ClientID != "c-low" || p.Price != 8764 {
				t.Errorf("unexpected purchase event %+v", p)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for purchase event")
		}

		expectStatus(t, env.do(t, http.MethodPost, "/clients/c-low/purchases", PurchaseRequest{Brand: "Rolex", Price: 0}), http.StatusBadRequest)
		expectStatus(t, env.do(t, http.MethodPost, "/clients/nobody/purchases", PurchaseRequest{Brand: "Rolex", Price: 10}), http.StatusNotFound)
	})

	t.Run("Matches", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/clients/c-top/matches", nil)
		expectStatus(t, rr, http.StatusOK)

		resp := decode[struct {
			Matches []domain.Candidate `json:"matches"`
		}](t, rr)
		if len(resp.Matches) != 1 || resp.Matches[0].Category != domain.CategoryPerfectMatch {
			t.Errorf("expected one PERFECT_MATCH, got %+v", resp.Matches)
		}
	})

	t.Run("PersistedAcrossReload", func(t *testing.T) {
		snap, err := snapshot.NewRegistry(env.repo, nil).Snapshot(context.Background(), testTenant)
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		c, ok := snap.Client("c-low")
		if !ok || c.LifetimeSpend != 20000 || len(c.Purchases) != 1 {
			t.Errorf("expected persisted purchase for c-low, got %+v", c)
		}
		if c2, _ := snap.Client("c-two"); c2.Email != "chen@example.com" {
			t.Errorf("expected persisted profile update, got %+v", c2)
		}
	})
}

func TestWatchEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	t.Run("CreateDefaultsAvailable", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/watches", WatchRequest{
			ID: "w-sub", Brand: "Rolex", Model: "Submariner", Price: 10000, WatchTier: 4,
		})
		expectStatus(t, rr, http.StatusCreated)
		if w := decode[domain.WatchModel](t, rr); w.Availability != domain.AvailabilityAvailable {
			t.Errorf("expected Available, got %s", w.Availability)
		}
	})

	t.Run("CreateValidation", func(t *testing.T) {
		expectStatus(t, env.do(t, http.MethodPost, "/watches", WatchRequest{Brand: "Rolex", Price: 100, WatchTier: 6}), http.StatusBadRequest)
		expectStatus(t, env.do(t, http.MethodPost, "/watches", WatchRequest{Brand: "Rolex", Price: 0, WatchTier: 2}), http.StatusBadRequest)
		expectStatus(t, env.do(t, http.MethodPost, "/watches", WatchRequest{Model: "NoBrand", Price: 10, WatchTier: 2}), http.StatusBadRequest)
	})

	t.Run("ListFilter", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/watches?availability=Waitlist", nil)
		expectStatus(t, rr, http.StatusOK)
		if resp := decode[map[string]any](t, rr); resp["count"] != float64(1) {
			t.Errorf("expected one waitlisted watch, got %v", resp["count"])
		}
	})

	t.Run("WaitlistOnlyCandidates", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/watches/w-naut/candidates?showAll=true", nil)
		expectStatus(t, rr, http.StatusOK)
		if rr.Header().Get("X-Cache") != "MISS" {
			t.Errorf("expected cache miss, got %q", rr.Header().Get("X-Cache"))
		}

		list := decode[domain.CandidateList](t, rr)
		if got := candidateIDs(list.Candidates); !slices.Equal(got, []string{"c-old", "c-mid", "c-low"}) {
			t.Errorf("expected waitlist only [c-old c-mid c-low], got %v", got)
		}

		rr = env.do(t, http.MethodGet, "/watches/w-naut/candidates?showAll=true", nil)
		if rr.Header().Get("X-Cache") != "HIT" {
			t.Errorf("expected cache hit, got %q", rr.Header().Get("X-Cache"))
		}
	})

	t.Run("AvailabilityChange", func(t *testing.T) {
		got := make(chan *domain.AvailabilityEvent, 1)
		env.bus.Subscribe(context.Background(), testTenant, domain.TopicWatchAvailability, func(ctx context.Context, msg *domain.Message) error {
			ev, err := bus.Decode[domain.AvailabilityEvent](msg)
			if err != nil {
				return err
			}
			got <- ev
			return nil
		})

		rr := env.do(t, http.MethodPut, "/watches/w-naut/availability", AvailabilityRequest{Availability: domain.AvailabilityAvailable})
		expectStatus(t, rr, http.StatusOK)

		select {
		case ev := <-got:
			if ev.Previous != domain.AvailabilityWaitlist || ev.Current != domain.AvailabilityAvailable {
				t.Errorf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for availability event")
		}

		expectStatus(t, env.do(t, http.MethodPut, "/watches/w-naut/availability", AvailabilityRequest{Availability: "Lost"}), http.StatusBadRequest)
		expectStatus(t, env.do(t, http.MethodPut, "/watches/nope/availability", AvailabilityRequest{Availability: domain.AvailabilitySoldOut}), http.StatusNotFound)
	})

	t.Run("ShowAllAfterChange", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/watches/w-naut/candidates?showAll=true", nil)
		expectStatus(t, rr, http.StatusOK)
		if rr.Header().Get("X-Cache") != "MISS" {
			t.Errorf("expected a new version to miss the cache, got %q", rr.Header().Get("X-Cache"))
		}

		list := decode[domain.CandidateList](t, rr)
		if got := candidateIDs(list.Candidates); !slices.Equal(got, []string{"c-old", "c-top", "c-mid", "c-low"}) {
			t.Errorf("expected [c-old c-top c-mid c-low], got %v", got)
		}
		if list.Candidates[0].Rank != 1 {
			t.Errorf("expected ranks from 1, got %d", list.Candidates[0].Rank)
		}
	})

	t.Run("CandidateErrors", func(t *testing.T) {
		expectStatus(t, env.do(t, http.MethodGet, "/watches/w-naut/candidates?showAll=maybe", nil), http.StatusBadRequest)
		expectStatus(t, env.do(t, http.MethodGet, "/watches/nope/candidates", nil), http.StatusNotFound)
		expectStatus(t, env.do(t, http.MethodGet, "/watches/nope", nil), http.StatusNotFound)
	})
}

func TestWaitlistEndpoints(t *testing.T) {
	env := newTestEnv(t)
	entries := env.seed(t)

	t.Run("ListForWatch", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/waitlist?watchId=w-naut", nil)
		expectStatus(t, rr, http.StatusOK)

		resp := decode[struct {
			Entries []struct {
				ClientID    string `json:"clientId"`
				DaysWaiting int    `json:"daysWaiting"`
			} `json:"entries"`
			Count int `json:"count"`
		}](t, rr)
		if resp.Count != 3 {
			t.Fatalf("expected 3 entries, got %d", resp.Count)
		}
		for _, e := range resp.Entries {
			if e.ClientID == "c-old" && e.DaysWaiting != 600 {
				t.Errorf("expected 600 days for c-old, got %d", e.DaysWaiting)
			}
		}
	})

	t.Run("AddValidation", func(t *testing.T) {
		expectStatus(t, env.do(t, http.MethodPost, "/waitlist", WaitlistRequest{ClientID: "c-top"}), http.StatusBadRequest)
		expectStatus(t, env.do(t, http.MethodPost, "/waitlist", WaitlistRequest{ClientID: "nobody", WatchModelID: "w-naut"}), http.StatusNotFound)
		expectStatus(t, env.do(t, http.MethodPost, "/waitlist", WaitlistRequest{ClientID: "c-top", WatchModelID: "nope"}), http.StatusNotFound)
	})

	t.Run("Remove", func(t *testing.T) {
		got := make(chan *domain.WaitlistEvent, 1)
		env.bus.Subscribe(context.Background(), testTenant, domain.TopicWaitlistRemoved, func(ctx context.Context, msg *domain.Message) error {
			ev, err := bus.Decode[domain.WaitlistEvent](msg)
			if err != nil {
				return err
			}
			got <- ev
			return nil
		})

		expectStatus(t, env.do(t, http.MethodDelete, "/waitlist/"+entries["c-low"], nil), http.StatusNoContent)
		expectStatus(t, env.do(t, http.MethodDelete, "/waitlist/"+entries["c-low"], nil), http.StatusNotFound)

		select {
		case ev := <-got:
			if ev.ClientID != "c-low" || ev.EntryID != entries["c-low"] {
				t.Errorf("unexpected event %+v", ev)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for waitlist event")
		}

		stored, err := env.repo.ListWaitlist(context.Background(), testTenant)
		if err != nil {
			t.Fatalf("list waitlist: %v", err)
		}
		if len(stored) != 2 {
			t.Errorf("expected 2 stored entries, got %d", len(stored))
		}
	})
}

func TestAllocationFlow(t *testing.T) {
	env := newTestEnv(t)
	entries := env.seed(t)

	completed := make(chan *domain.Allocation, 1)
	env.bus.Subscribe(context.Background(), testTenant, domain.TopicAllocationCompleted, func(ctx context.Context, msg *domain.Message) error {
		a, err := bus.Decode[domain.Allocation](msg)
		if err != nil {
			return err
		}
		completed <- a
		return nil
	})

	t.Run("GreenBox", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/greenbox", nil)
		expectStatus(t, rr, http.StatusOK)

		resp := decode[struct {
			Candidates []domain.Candidate          `json:"candidates"`
			Summary    map[domain.MatchStatus]int `json:"summary"`
		}](t, rr)
		if got := candidateIDs(resp.Candidates); !slices.Equal(got, []string{"c-old", "c-mid", "c-low"}) {
			t.Errorf("expected [c-old c-mid c-low], got %v", got)
		}
		if resp.Summary[domain.StatusGreen] != 1 || resp.Summary[domain.StatusRed] != 1 {
			t.Errorf("unexpected summary %v", resp.Summary)
		}

		rr = env.do(t, http.MethodGet, "/greenbox?status=green,yellow", nil)
		expectStatus(t, rr, http.StatusOK)
		if resp := decode[map[string]any](t, rr); resp["count"] != float64(2) {
			t.Errorf("expected 2 green or yellow, got %v", resp["count"])
		}

		expectStatus(t, env.do(t, http.MethodGet, "/greenbox?status=BLUE", nil), http.StatusBadRequest)
	})

	t.Run("Allocate", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/allocations", AllocationRequest{ClientID: "c-old", WatchModelID: "w-naut"})
		expectStatus(t, rr, http.StatusCreated)

		resp := decode[AllocationResponse](t, rr)
		if resp.Allocation.Price != 35000 {
			t.Errorf("expected catalog price 35000, got %v", resp.Allocation.Price)
		}
		if resp.Allocation.Category != domain.CategoryPerfectMatch || resp.Allocation.DaysWaiting != 600 {
			t.Errorf("expected PERFECT_MATCH after 600 days, got %s/%d", resp.Allocation.Category, resp.Allocation.DaysWaiting)
		}
		if resp.Watch.Availability != domain.AvailabilitySoldOut {
			t.Errorf("expected Sold Out, got %s", resp.Watch.Availability)
		}
		if resp.Client.LifetimeSpend != 46000 {
			t.Errorf("expected spend 46000, got %v", resp.Client.LifetimeSpend)
		}
		if !slices.Equal(resp.RemovedEntries, []string{entries["c-old"]}) {
			t.Errorf("expected c-old's entry removed, got %v", resp.RemovedEntries)
		}

		select {
		case a := <-completed:
			if a.ClientID != "c-old" || a.WatchModelID != "w-naut" {
				t.Errorf("unexpected allocation event %+v", a)
			}
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for allocation event")
		}
	})

	t.Run("SoldOutRejected", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/allocations", AllocationRequest{ClientID: "c-top", WatchModelID: "w-naut"})
		expectStatus(t, rr, http.StatusBadRequest)
		expectStatus(t, env.do(t, http.MethodPost, "/allocations", AllocationRequest{ClientID: "c-top"}), http.StatusBadRequest)
	})

	t.Run("History", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/allocations", nil)
		expectStatus(t, rr, http.StatusOK)

		resp := decode[struct {
			Allocations []domain.Allocation `json:"allocations"`
		}](t, rr)
		if len(resp.Allocations) != 1 || resp.Allocations[0].Category != domain.CategoryPerfectMatch {
			t.Errorf("expected one PERFECT_MATCH allocation, got %+v", resp.Allocations)
		}

		expectStatus(t, env.do(t, http.MethodGet, "/allocations?limit=0", nil), http.StatusBadRequest)
	})

	t.Run("Persisted", func(t *testing.T) {
		snap, err := snapshot.NewRegistry(env.repo, nil).Snapshot(context.Background(), testTenant)
		if err != nil {
			t.Fatalf("reload failed: %v", err)
		}
		if w, _ := snap.Watch("w-naut"); w.Availability != domain.AvailabilitySoldOut {
			t.Errorf("expected stored Sold Out, got %s", w.Availability)
		}
		if c, _ := snap.Client("c-old"); c.LifetimeSpend != 46000 || len(c.Purchases) != 1 {
			t.Errorf("expected stored purchase for c-old, got %+v", c)
		}
		if len(snap.WaitlistFor("w-naut")) != 2 {
			t.Errorf("expected 2 stored entries for w-naut, got %d", len(snap.WaitlistFor("w-naut")))
		}
	})
}

func TestRecalculateTiers(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	rr := env.do(t, http.MethodPost, "/tiers/recalculate", nil)
	expectStatus(t, rr, http.StatusOK)
	if resp := decode[map[string]any](t, rr); resp["updated"] != float64(0) || resp["clients"] != float64(5) {
		t.Errorf("expected no changes across 5 clients, got %v", resp)
	}

	t.Run("RewritesStaleRows", func(t *testing.T) {
		ctx := context.Background()
		stored, err := env.repo.GetClient(ctx, testTenant, "c-top")
		if err != nil {
			t.Fatalf("GetClient failed: %v", err)
		}
		stored.ClientTier, stored.VIPTier, stored.SpendPercentile = domain.TierBottom, domain.VIPBronze, 0
		if err := env.repo.SaveClient(ctx, testTenant, stored); err != nil {
			t.Fatalf("SaveClient failed: %v", err)
		}

		rr := env.do(t, http.MethodPost, "/tiers/recalculate", nil)
		expectStatus(t, rr, http.StatusOK)
		if resp := decode[map[string]any](t, rr); resp["updated"] != float64(1) {
			t.Errorf("expected one rewritten client, got %v", resp)
		}

		fixed, err := env.repo.GetClient(ctx, testTenant, "c-top")
		if err != nil {
			t.Fatalf("GetClient failed: %v", err)
		}
		if fixed.ClientTier != domain.TierTop || fixed.VIPTier != domain.VIPPlatinum || fixed.SpendPercentile != 100 {
			t.Errorf("stored row still stale: %+v", fixed)
		}
	})
}

func TestRulesEndpoints(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	t.Run("CreateInvalid", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", CreateRuleRequest{ID: "bad", Name: "Bad", Expression: "client_tier +"})
		expectStatus(t, rr, http.StatusBadRequest)

		rr = env.do(t, http.MethodPost, "/rules", CreateRuleRequest{ID: "x"})
		expectStatus(t, rr, http.StatusBadRequest)
	})

	t.Run("CreateAndReload", func(t *testing.T) {
		rr := env.do(t, http.MethodPost, "/rules", CreateRuleRequest{
			ID:         "preferred-brand",
			Name:       "Preferred brand bonus",
			Expression: "brand in preferred_brands ? 10.0 : 0.0",
			Weight:     1,
			Reason:     "Prefers this brand",
			Enabled:    true,
		})
		expectStatus(t, rr, http.StatusCreated)

		rr = env.do(t, http.MethodGet, "/rules", nil)
		if resp := decode[map[string]any](t, rr); resp["count"] != float64(0) {
			t.Errorf("expected rule to wait for reload, got %v", resp["count"])
		}

		before, _ := env.server.Handler().registry.Snapshot(context.Background(), testTenant)
		expectStatus(t, env.do(t, http.MethodPost, "/rules/reload", nil), http.StatusOK)
		after, _ := env.server.Handler().registry.Snapshot(context.Background(), testTenant)
		if after.Version() == before.Version() {
			t.Error("expected reload to retire cached candidate lists")
		}

		expectStatus(t, env.do(t, http.MethodGet, "/rules/preferred-brand", nil), http.StatusOK)
		expectStatus(t, env.do(t, http.MethodGet, "/rules/nope", nil), http.StatusNotFound)

		rr = env.do(t, http.MethodGet, "/clients/c-top/matches", nil)
		resp := decode[struct {
			Matches []domain.Candidate `json:"matches"`
		}](t, rr)
		if len(resp.Matches) != 1 || len(resp.Matches[0].Adjustments) != 1 {
			t.Errorf("expected the brand rule to adjust c-top, got %+v", resp.Matches)
		}
	})
}

func TestTenantIsolation(t *testing.T) {
	env := newTestEnv(t)
	env.seed(t)

	rr := env.doTenant(t, "boutique-zurich", http.MethodGet, "/clients/c-top", nil)
	expectStatus(t, rr, http.StatusNotFound)

	rr = env.doTenant(t, "", http.MethodGet, "/clients", nil)
	expectStatus(t, rr, http.StatusBadRequest)
}

func TestPolicyEndpoint(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodGet, "/policy", nil)
	rr := httptest.NewRecorder()
	env.server.Router().ServeHTTP(rr, req)

	expectStatus(t, rr, http.StatusOK)
	if !strings.Contains(rr.Header().Get("Content-Type"), "yaml") {
		t.Errorf("expected YAML content type, got %q", rr.Header().Get("Content-Type"))
	}
	if _, err := rules.ParsePolicy(rr.Body.Bytes()); err != nil {
		t.Errorf("policy did not round-trip: %v", err)
	}
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t)

	t.Run("HealthCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)

		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}

		var resp map[string]string
		json.Unmarshal(rr.Body.Bytes(), &resp)

		if resp["status"] != "healthy" {
			t.Errorf("expected status 'healthy', got '%s'", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version 'test-v1', got '%s'", resp["version"])
		}
	})

	t.Run("ReadyCheck", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/ready", nil)

		rr := httptest.NewRecorder()
		env.server.Router().ServeHTTP(rr, req)

		if rr.Code != http.StatusOK {
			t.Errorf("expected status 200, got %d", rr.Code)
		}
	})

	t.Run("ResponseHeaders", func(t *testing.T) {
		rr := env.do(t, http.MethodGet, "/clients", nil)

		if rr.Header().Get("X-Request-ID") == "" {
			t.Error("expected X-Request-ID header in response")
		}
		if rr.Header().Get("X-Trace-ID") == "" {
			t.Error("expected X-Trace-ID header in response")
		}
		if rr.Header().Get("Content-Type") != "application/json" {
			t.Error("expected Content-Type: application/json")
		}
	})
}

func TestMiddleware(t *testing.T) {
	t.Run("TenantMiddlewareExtractsID", func(t *testing.T) {
		var capturedTenantID string

		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedTenantID = GetTenantID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-Tenant-ID", "  boutique-paris ")

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedTenantID != "boutique-paris" {
			t.Errorf("expected tenant ID 'boutique-paris', got '%s'", capturedTenantID)
		}
	})

	t.Run("TracingMiddlewareSetsRequestID", func(t *testing.T) {
		var capturedRequestID string

		handler := TracingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			capturedRequestID = GetRequestID(r.Context())
			w.WriteHeader(http.StatusOK)
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set(RequestIDHeader, "req-42")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if capturedRequestID != "req-42" {
			t.Errorf("expected request ID 'req-42', got %q", capturedRequestID)
		}
		if rr.Header().Get("X-Request-ID") != "req-42" {
			t.Error("expected X-Request-ID response header")
		}
	})

	t.Run("RecoverMiddlewareHandlesPanic", func(t *testing.T) {
		handler := RecoverMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			panic("test panic")
		}))

		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rr := httptest.NewRecorder()

		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusInternalServerError {
			t.Errorf("expected status 500, got %d", rr.Code)
		}
	})

	t.Run("CORSPreflight", func(t *testing.T) {
		handler := CORSMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("preflight should not reach the handler")
		}))

		req := httptest.NewRequest(http.MethodOptions, "/clients", nil)
		req.Header.Set("Origin", "https://crm.example.com")
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rr.Code)
		}
		if rr.Header().Get("Access-Control-Allow-Origin") != "https://crm.example.com" {
			t.Errorf("unexpected origin %q", rr.Header().Get("Access-Control-Allow-Origin"))
		}
	})

	t.Run("TenantMiddlewareRejectsSubjectCharacters", func(t *testing.T) {
		handler := TenantMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Errorf("tenant %q should have been rejected", GetTenantID(r.Context()))
		}))

		for _, tenantID := range []string{"boutique.geneva", "boutique geneva", "*", ">", strings.Repeat("b", 65)} {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set(TenantIDHeader, tenantID)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)
			if rr.Code != http.StatusBadRequest {
				t.Errorf("%q: expected 400, got %d", tenantID, rr.Code)
			}
		}
	})

	t.Run("LoggingRecordsStatus", func(t *testing.T) {
		var seen *statusWriter
		handler := TracingMiddleware(LoggingMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			seen, _ = w.(*statusWriter)
			w.WriteHeader(http.StatusTeapot)
			w.Write([]byte("short and stout"))
		})))

		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

		if seen == nil || seen.status != http.StatusTeapot || seen.written != 15 {
			t.Errorf("expected one shared writer recording 418 and 15 bytes, got %+v", seen)
		}
	})
}
