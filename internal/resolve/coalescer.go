package resolve

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Coalescer guarantees at most one outstanding resolution per address.
// Concurrent callers for the same address wait for and share the leader's
// result. The in-flight entry is dropped as soon as the leader finishes, so a
// later call starts fresh against the cache.
type Coalescer struct {
	sf       singleflight.Group
	resolver Resolver
	logger   *zap.Logger
}

var _ Resolver = (*Coalescer)(nil)

// NewCoalescer wraps resolver with in-flight deduplication.
func NewCoalescer(resolver Resolver, logger *zap.Logger) *Coalescer {
	return &Coalescer{
		resolver: resolver,
		logger:   logger,
	}
}

// ResolveOnce resolves address, joining an in-flight resolution if one exists.
func (c *Coalescer) ResolveOnce(ctx context.Context, address string) Result {
	if address == "" {
		return c.resolver.Resolve(ctx, address)
	}

	v, _, shared := c.sf.Do(address, func() (any, error) {
		return c.resolver.Resolve(ctx, address), nil
	})
	if shared {
		CacheShareCounterTotal.Inc()
		c.logger.Debug("resolution shared with in-flight lookup", zap.String("address", address))
	}
	return v.(Result)
}

// Resolve implements Resolver.
func (c *Coalescer) Resolve(ctx context.Context, address string) Result {
	return c.ResolveOnce(ctx, address)
}
