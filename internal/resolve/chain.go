package resolve

import (
	"context"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Chain is the tiered resolver. It consults the cache, then walks its tiers
// in priority order and stops at the first positive match.
//
// A tier error (timeout, bad status, malformed response) is logged and the
// walk falls through to the next tier. Errors never reach the caller: an
// address no tier can resolve yields an UNRESOLVED result, which is cached
// for the failure cooldown.
type Chain struct {
	tiers  []Tier
	stats  []tierCounters
	cache  *Cache
	logger *zap.Logger
	now    func() time.Time
}

type tierCounters struct {
	hits   atomic.Int64
	misses atomic.Int64
	errors atomic.Int64
}

// TierStat is a snapshot of one tier's outcomes.
type TierStat struct {
	Name   string `json:"name"`
	Source string `json:"source"`
	Hits   int64  `json:"hits"`
	Misses int64  `json:"misses"`
	Errors int64  `json:"errors"`
}

// NewChain creates a resolver over tiers, tried in the given order.
func NewChain(tiers []Tier, cache *Cache, logger *zap.Logger) *Chain {
	return &Chain{
		tiers:  tiers,
		stats:  make([]tierCounters, len(tiers)),
		cache:  cache,
		logger: logger,
		now:    time.Now,
	}
}

// Resolve implements Resolver.
func (c *Chain) Resolve(ctx context.Context, address string) Result {
	if address == "" {
		return c.unresolved(address)
	}
	addr, err := netip.ParseAddr(address)
	if err != nil {
		c.logger.Debug("unparseable address", zap.String("address", address), zap.Error(err))
		return c.unresolved(address)
	}
	key := addr.String()

	if r, ok := c.cache.Get(key); ok {
		CacheHitCounterTotal.Inc()
		return r
	}
	CacheMissCounterTotal.Inc()

	result := c.walk(ctx, key, addr)
	c.cache.Put(key, result)
	return result
}

func (c *Chain) walk(ctx context.Context, key string, addr netip.Addr) Result {
	for i, tier := range c.tiers {
		if ctx.Err() != nil {
			break
		}

		start := time.Now()
		m, err := tier.Lookup(ctx, addr)
		TierDurationHistogram.WithLabelValues(tier.Name()).Observe(time.Since(start).Seconds())

		if err != nil {
			c.stats[i].errors.Add(1)
			TierOutcomeCounterTotal.WithLabelValues(tier.Name(), "error").Inc()
			c.logger.Warn("resolution tier failed, falling through",
				zap.String("tier", tier.Name()),
				zap.String("address", key),
				zap.Error(err),
			)
			continue
		}
		if !m.Positive() {
			c.stats[i].misses.Add(1)
			TierOutcomeCounterTotal.WithLabelValues(tier.Name(), "miss").Inc()
			continue
		}

		c.stats[i].hits.Add(1)
		TierOutcomeCounterTotal.WithLabelValues(tier.Name(), "hit").Inc()
		return Result{
			Address:    key,
			Source:     tier.Source(),
			Country:    m.Country,
			ASN:        m.ASN,
			ASName:     m.ASName,
			ResolvedAt: c.now(),
			OK:         true,
		}
	}

	c.logger.Debug("address unresolved by every tier", zap.String("address", key))
	return c.unresolved(key)
}

func (c *Chain) unresolved(address string) Result {
	return Result{
		Address:    address,
		Source:     SourceUnresolved,
		ResolvedAt: c.now(),
	}
}

// Stats returns per-tier outcome counts in priority order.
func (c *Chain) Stats() []TierStat {
	out := make([]TierStat, len(c.tiers))
	for i, t := range c.tiers {
		out[i] = TierStat{
			Name:   t.Name(),
			Source: t.Source().String(),
			Hits:   c.stats[i].hits.Load(),
			Misses: c.stats[i].misses.Load(),
			Errors: c.stats[i].errors.Load(),
		}
	}
	return out
}

// CacheStats returns the number of cached successes and failures.
func (c *Chain) CacheStats() (resolved, failed int) {
	return c.cache.Stats()
}
