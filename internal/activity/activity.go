// Package activity counts recent client purchases for scoring rules.
package activity

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/opensource-finance/atelier/internal/domain"
)

// DefaultTTL bounds how long a cached count is reused.
const DefaultTTL = time.Minute

// Service counts purchases within a trailing window of days.
type Service struct {
	repo  domain.Repository
	cache domain.Cache
	ttl   time.Duration
	now   func() time.Time
}

// NewService creates a new activity service. cache may be nil.
func NewService(repo domain.Repository, cache domain.Cache) *Service {
	return &Service{
		repo:  repo,
		cache: cache,
		ttl:   DefaultTTL,
		now:   time.Now,
	}
}

// PurchaseCount returns how many purchases a client made in the last
// windowDays. It matches rules.ActivityGetter.
func (s *Service) PurchaseCount(ctx context.Context, tenantID, clientID string, windowDays int) (int64, error) {
	if tenantID == "" || clientID == "" {
		return 0, fmt.Errorf("%w: tenantID and clientID are required", domain.ErrInvalidInput)
	}
	if windowDays <= 0 {
		return 0, fmt.Errorf("%w: window must be positive, got %d", domain.ErrInvalidInput, windowDays)
	}
	if s.repo == nil {
		return 0, fmt.Errorf("no data source available")
	}

	key := cacheKey(clientID, windowDays)
	if s.cache != nil {
		if data, err := s.cache.Get(ctx, tenantID, key); err == nil && data != nil {
			if n, err := strconv.ParseInt(string(data), 10, 64); err == nil {
				return n, nil
			}
		}
	}

	since := s.now().AddDate(0, 0, -windowDays)
	purchases, err := s.repo.ListPurchasesSince(ctx, tenantID, clientID, since)
	if err != nil {
		return 0, fmt.Errorf("failed to list purchases: %w", err)
	}
	count := int64(len(purchases))

	if s.cache != nil {
		_ = s.cache.Set(ctx, tenantID, key, []byte(strconv.FormatInt(count, 10)), s.ttl)
	}
	return count, nil
}

// Invalidate drops cached counts for a client after a new purchase.
func (s *Service) Invalidate(ctx context.Context, tenantID, clientID string, windowDays ...int) {
	if s.cache == nil {
		return
	}
	for _, w := range windowDays {
		_ = s.cache.Delete(ctx, tenantID, cacheKey(clientID, w))
	}
}

func cacheKey(clientID string, windowDays int) string {
	return "activity:" + clientID + ":" + strconv.Itoa(windowDays)
}
