package cache

import (
	"context"
	"sync"
	"time"

	"github.com/smartdevs17/sage-points-indexer/internal/models"
)

type memoryEntry struct {
	positions []*models.Position
	expiresAt time.Time
}

// MemoryCache is an in-process PositionCache with a fixed TTL.
// Expired entries are swept at most once per TTL, on Set.
type MemoryCache struct {
	mu        sync.RWMutex
	entries   map[string]memoryEntry
	gens      map[string]uint64
	ttl       time.Duration
	nextSweep time.Time
	now       func() time.Time
}

// NewMemoryCache creates a cache; ttl <= 0 keeps entries until invalidated
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		gens:    make(map[string]uint64),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, user string) ([]*models.Position, bool, error) {
	c.mu.RLock()
	entry, ok := c.entries[user]
	c.mu.RUnlock()

	if !ok {
		return nil, false, nil
	}
	if c.expired(entry, c.now()) {
		c.mu.Lock()
		delete(c.entries, user)
		c.mu.Unlock()
		return nil, false, nil
	}
	return clonePositions(entry.positions), true, nil
}

func (c *MemoryCache) Generation(_ context.Context, user string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gens[user], nil
}

func (c *MemoryCache) Set(_ context.Context, user string, gen uint64, positions []*models.Position) error {
	now := c.now()
	entry := memoryEntry{positions: clonePositions(positions)}
	if c.ttl > 0 {
		entry.expiresAt = now.Add(c.ttl)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gens[user] != gen {
		return nil
	}
	c.sweepLocked(now)
	c.entries[user] = entry
	return nil
}

func (c *MemoryCache) Invalidate(_ context.Context, users ...string) error {
	c.mu.Lock()
	for _, user := range users {
		delete(c.entries, user)
		c.gens[user]++
	}
	c.mu.Unlock()
	return nil
}

func (c *MemoryCache) Close() error {
	c.mu.Lock()
	c.entries = make(map[string]memoryEntry)
	c.mu.Unlock()
	return nil
}

// Len returns the number of stored entries, expired ones included
func (c *MemoryCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *MemoryCache) expired(entry memoryEntry, now time.Time) bool {
	return !entry.expiresAt.IsZero() && now.After(entry.expiresAt)
}

func (c *MemoryCache) sweepLocked(now time.Time) {
	if c.ttl <= 0 || now.Before(c.nextSweep) {
		return
	}
	for user, entry := range c.entries {
		if c.expired(entry, now) {
			delete(c.entries, user)
		}
	}
	c.nextSweep = now.Add(c.ttl)
}
