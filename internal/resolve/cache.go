package resolve

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Cache is the in-memory resolution cache.
//
// Successful results are kept for the life of the process in a sync.Map so the
// hot path is lock-free. Failed results are kept in an expirable LRU so an
// address that failed during a transient outage is retried after the cooldown.
type Cache struct {
	resolved sync.Map // map[string]Result
	failed   *expirable.LRU[string, Result]
}

// NewCache creates a cache that retains failures for failureTTL, holding at
// most failureCapacity of them (0 = unbounded).
func NewCache(failureTTL time.Duration, failureCapacity int) *Cache {
	return &Cache{
		failed: expirable.NewLRU[string, Result](failureCapacity, nil, failureTTL),
	}
}

// Get looks up address. An expired failure is reported as a miss.
func (c *Cache) Get(address string) (Result, bool) {
	if v, ok := c.resolved.Load(address); ok {
		return v.(Result), true
	}
	if r, ok := c.failed.Get(address); ok {
		return r, true
	}
	return Result{}, false
}

// Put stores a result. A successful result already in the cache is never
// replaced; a success clears any cached failure for the address.
func (c *Cache) Put(address string, r Result) {
	if r.OK {
		c.resolved.LoadOrStore(address, r)
		c.failed.Remove(address)
		return
	}
	if _, ok := c.resolved.Load(address); ok {
		return
	}
	c.failed.Add(address, r)
}

// Stats returns the number of cached successes and live failures.
func (c *Cache) Stats() (resolved, failed int) {
	c.resolved.Range(func(_, _ any) bool {
		resolved++
		return true
	})
	return resolved, c.failed.Len()
}
