// Package cache provides caching implementations for Atelier.
package cache

import (
	"container/list"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/opensource-finance/atelier/internal/domain"
)

// LRUCache is an in-process cache with per-entry expiry. It is the
// Community edition cache and the L1 of the two-phase cache.
type LRUCache struct {
	mu      sync.Mutex
	maxSize int
	items   map[lruKey]*list.Element
	order   *list.List // front is most recently used
}

// lruKey scopes keys to a boutique without string concatenation, so
// ("a:b", "c") and ("a", "b:c") never collide.
type lruKey struct {
	tenantID string
	key      string
}

type lruEntry struct {
	key       lruKey
	value     []byte
	expiresAt time.Time
}

// NewLRUCache creates a cache holding at most maxSize entries.
func NewLRUCache(maxSize int) *LRUCache {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &LRUCache{
		maxSize: maxSize,
		items:   make(map[lruKey]*list.Element),
		order:   list.New(),
	}
}

// Get returns nil, nil on a miss or an expired entry.
func (c *LRUCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.items[lruKey{tenantID, key}]
	if !ok {
		return nil, nil
	}
	entry := elem.Value.(*lruEntry)
	if time.Now().After(entry.expiresAt) {
		c.remove(elem)
		return nil, nil
	}
	c.order.MoveToFront(elem)
	return entry.value, nil
}

// Set stores value until ttl elapses, evicting the least recently used
// entries beyond capacity.
func (c *LRUCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	k := lruKey{tenantID, key}
	expiresAt := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[k]; ok {
		entry := elem.Value.(*lruEntry)
		entry.value, entry.expiresAt = value, expiresAt
		c.order.MoveToFront(elem)
		return nil
	}

	c.items[k] = c.order.PushFront(&lruEntry{key: k, value: value, expiresAt: expiresAt})
	for c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
	}
	return nil
}

// Delete removes one entry.
func (c *LRUCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.items[lruKey{tenantID, key}]; ok {
		c.remove(elem)
	}
	return nil
}

// GetCandidates retrieves a cached candidate list.
func (c *LRUCache) GetCandidates(ctx context.Context, tenantID string, key domain.CandidateKey) (*domain.CandidateList, error) {
	data, err := c.Get(ctx, tenantID, key.String())
	if err != nil || data == nil {
		return nil, err
	}
	return decodeCandidates(data)
}

// SetCandidates caches a candidate list.
func (c *LRUCache) SetCandidates(ctx context.Context, tenantID string, key domain.CandidateKey, list *domain.CandidateList, ttl time.Duration) error {
	data, err := encodeCandidates(list)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, key.String(), data, ttl)
}

// Ping always succeeds.
func (c *LRUCache) Ping(ctx context.Context) error {
	return nil
}

// Close empties the cache.
func (c *LRUCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.items)
	c.order.Init()
	return nil
}

func (c *LRUCache) remove(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.items, elem.Value.(*lruEntry).key)
}
