package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepInterval bounds how often expired entries are dropped.
const sweepInterval = time.Minute

type entry struct {
	count   int64
	resetAt time.Time
}

// MemoryCounter keeps windows in a mutex-guarded map. Entries whose window has
// ended are pruned lazily so the map does not grow with every IP ever seen.
type MemoryCounter struct {
	now func() time.Time

	mu        sync.Mutex
	entries   map[string]*entry
	nextSweep time.Time
}

// NewMemoryCounter creates an empty MemoryCounter. A nil clock means time.Now.
func NewMemoryCounter(now func() time.Time) *MemoryCounter {
	if now == nil {
		now = time.Now
	}
	return &MemoryCounter{now: now, entries: make(map[string]*entry)}
}

func (c *MemoryCounter) Increment(_ context.Context, key string, window time.Duration) (int64, error) {
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.sweep(now)

	e, ok := c.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &entry{resetAt: now.Add(window)}
		c.entries[key] = e
	}
	e.count++
	return e.count, nil
}

// Len returns the number of tracked keys, expired or not.
func (c *MemoryCounter) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// sweep must be called with mu held.
func (c *MemoryCounter) sweep(now time.Time) {
	if now.Before(c.nextSweep) {
		return
	}
	for k, e := range c.entries {
		if !now.Before(e.resetAt) {
			delete(c.entries, k)
		}
	}
	c.nextSweep = now.Add(sweepInterval)
}
