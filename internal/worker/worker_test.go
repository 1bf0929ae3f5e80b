package worker

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/opensource-finance/atelier/internal/allocation"
	"github.com/opensource-finance/atelier/internal/bus"
	"github.com/opensource-finance/atelier/internal/domain"
	"github.com/opensource-finance/atelier/internal/snapshot"
)

var now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

const tenantID = "boutique-geneva"

func seedRegistry(t *testing.T) *snapshot.Registry {
	t.Helper()

	clients := []*domain.Client{
		{ID: "c-top", Name: "Amelia Hart", LifetimeSpend: 487500, PreferredBrands: []string{"Patek Philippe"}},
		{ID: "c-mid", Name: "Bruno Keller", LifetimeSpend: 180000},
		{ID: "c-two", Name: "Chen Wei", LifetimeSpend: 120000},
		{ID: "c-low", Name: "Dana Ortiz", LifetimeSpend: 11236},
		{ID: "c-old", Name: "Elias Brandt", LifetimeSpend: 11000},
	}
	watches := []*domain.WatchModel{
		{ID: "w-naut", Brand: "Patek Philippe", Model: "Nautilus", Price: 35000, WatchTier: 1, Availability: domain.AvailabilityAvailable},
	}
	waitlist := []*domain.WaitlistEntry{
		{ID: "e-low", ClientID: "c-low", WatchModelID: "w-naut", DateAdded: now.AddDate(0, 0, -10)},
		{ID: "e-old", ClientID: "c-old", WatchModelID: "w-naut", DateAdded: now.AddDate(0, 0, -600)},
		{ID: "e-mid", ClientID: "c-mid", WatchModelID: "w-naut", DateAdded: now.AddDate(0, 0, -200)},
	}

	snap, err := snapshot.New(nil, clients, watches, waitlist)
	if err != nil {
		t.Fatalf("failed to build snapshot: %v", err)
	}

	reg := snapshot.NewRegistry(nil, nil)
	st, err := reg.Store(context.Background(), tenantID)
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	st.Replace(snap)
	return reg
}

func TestWorker(t *testing.T) {
	eventBus := bus.NewChannelBus(100)
	defer eventBus.Close()

	w := NewWorker(eventBus, seedRegistry(t), allocation.NewGenerator())
	w.now = func() time.Time { return now }

	ctx := context.Background()
	recommendations := make(chan *domain.RecommendationEvent, 4)
	_, err := eventBus.Subscribe(ctx, tenantID, domain.TopicAllocationRecommended, func(ctx context.Context, msg *domain.Message) error {
		rec, err := bus.Decode[domain.RecommendationEvent](msg)
		if err != nil {
			return err
		}
		recommendations <- rec
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe failed: %v", err)
	}

	t.Run("StartAndStats", func(t *testing.T) {
		if err := w.Start(Config{TenantIDs: []string{tenantID}, TopN: 2}); err != nil {
			t.Fatalf("Start failed: %v", err)
		}

		stats := w.GetStats()
		if stats.SubscriptionCount != 1 {
			t.Errorf("expected 1 subscription, got %d", stats.SubscriptionCount)
		}
		if len(stats.Topics) != 1 || stats.Topics[0] != domain.TopicWatchAvailability {
			t.Errorf("unexpected topics %v", stats.Topics)
		}
	})

	t.Run("RecommendsOnAvailable", func(t *testing.T) {
		event := domain.AvailabilityEvent{
			WatchModelID: "w-naut",
			Previous:     domain.AvailabilityWaitlist,
			Current:      domain.AvailabilityAvailable,
			At:           now,
		}
		if err := bus.PublishJSON(ctx, eventBus, tenantID, domain.TopicWatchAvailability, event); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		select {
		case rec := <-recommendations:
			if rec.WatchModelID != "w-naut" {
				t.Errorf("expected w-naut, got %s", rec.WatchModelID)
			}
			got := make([]string, len(rec.Candidates))
			for i, c := range rec.Candidates {
				got[i] = c.ClientID
			}
			if !slices.Equal(got, []string{"c-old", "c-top"}) {
				t.Errorf("expected top two [c-old c-top], got %v", got)
			}
			if !rec.At.Equal(now) {
				t.Errorf("expected timestamp %v, got %v", now, rec.At)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for recommendation")
		}
	})

	t.Run("IgnoresOtherStates", func(t *testing.T) {
		event := domain.AvailabilityEvent{
			WatchModelID: "w-naut",
			Previous:     domain.AvailabilityAvailable,
			Current:      domain.AvailabilitySoldOut,
			At:           now,
		}
		_ = bus.PublishJSON(ctx, eventBus, tenantID, domain.TopicWatchAvailability, event)

		select {
		case rec := <-recommendations:
			t.Errorf("unexpected recommendation %+v", rec)
		case <-time.After(100 * time.Millisecond):
		}
	})

	t.Run("UnknownWatch", func(t *testing.T) {
		event := domain.AvailabilityEvent{WatchModelID: "w-missing", Current: domain.AvailabilityAvailable}
		_ = bus.PublishJSON(ctx, eventBus, tenantID, domain.TopicWatchAvailability, event)

		select {
		case rec := <-recommendations:
			t.Errorf("unexpected recommendation %+v", rec)
		case <-time.After(100 * time.Millisecond):
		}

		stats := w.GetStats()
		if stats.Processed != 3 || stats.Published != 1 {
			t.Errorf("expected 3 processed and 1 published, got %d/%d", stats.Processed, stats.Published)
		}
	})

	t.Run("Stop", func(t *testing.T) {
		if err := w.Stop(); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		if w.GetStats().SubscriptionCount != 0 {
			t.Error("expected no subscriptions after stop")
		}
	})
}

func TestRecommend(t *testing.T) {
	cands := []domain.Candidate{
		{ClientID: "a", Category: domain.CategoryPerfectMatch},
		{ClientID: "b", Category: domain.CategoryUpgradeOpportunity},
		{ClientID: "c", Category: domain.CategoryStretchPurchase},
		{ClientID: "d", Category: domain.CategoryNotSuitable},
		{ClientID: "e", Category: domain.CategoryPerfectMatch},
	}

	tests := []struct {
		n    int
		want []string
	}{
		{1, []string{"a"}},
		{2, []string{"a", "c"}},
		{10, []string{"a", "c", "e"}},
	}
	for _, tt := range tests {
		got := Recommend(cands, tt.n)
		ids := make([]string, len(got))
		for i, c := range got {
			ids[i] = c.ClientID
		}
		if !slices.Equal(ids, tt.want) {
			t.Errorf("n=%d: expected %v, got %v", tt.n, tt.want, ids)
		}
	}

	if got := Recommend(nil, 5); len(got) != 0 {
		t.Errorf("expected no recommendations, got %v", got)
	}
}
