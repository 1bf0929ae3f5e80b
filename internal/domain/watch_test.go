package domain

import (
	"testing"
	"time"
)

func TestDaysWaiting(t *testing.T) {
	added := time.Date(2024, 12, 3, 23, 0, 0, 0, time.UTC)
	e := &WaitlistEntry{DateAdded: added}

	tests := []struct {
		name string
		now  time.Time
		want int
	}{
		{"same day", time.Date(2024, 12, 3, 23, 59, 0, 0, time.UTC), 0},
		{"just past midnight", time.Date(2024, 12, 4, 0, 30, 0, 0, time.UTC), 1},
		{"late the next day", time.Date(2024, 12, 4, 22, 59, 0, 0, time.UTC), 1},
		{"180 days at day start", time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), 180},
		{"180 days at day end", time.Date(2025, 6, 1, 23, 59, 59, 0, time.UTC), 180},
		{"before added", time.Date(2024, 12, 1, 12, 0, 0, 0, time.UTC), 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := e.DaysWaiting(tt.now); got != tt.want {
				t.Errorf("DaysWaiting() = %d, want %d", got, tt.want)
			}
		})
	}

	t.Run("zero date", func(t *testing.T) {
		if got := (&WaitlistEntry{}).DaysWaiting(added); got != 0 {
			t.Errorf("expected 0, got %d", got)
		}
	})
}

func TestDaysBetweenUsesUTCDates(t *testing.T) {
	zurich := time.FixedZone("CET", 3600)
	// 00:30 in Zurich is still the previous day in UTC.
	from := time.Date(2025, 1, 2, 0, 30, 0, 0, zurich)
	to := time.Date(2025, 1, 2, 0, 10, 0, 0, time.UTC)
	if got := DaysBetween(from, to); got != 1 {
		t.Errorf("expected 1 UTC day, got %d", got)
	}

	// The count is constant for the whole UTC day of to, matching the
	// candidate cache key.
	for h := 0; h < 24; h++ {
		now := time.Date(2025, 3, 10, h, 0, 0, 0, time.UTC)
		if got := DaysBetween(from, now); got != 68 {
			t.Fatalf("hour %d: expected 68, got %d", h, got)
		}
	}
}
