package resolve

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTier implements Tier with a canned answer and a call counter.
type fakeTier struct {
	name   string
	source Source
	match  *Match
	err    error
	calls  atomic.Int32
}

func (f *fakeTier) Name() string   { return f.name }
func (f *fakeTier) Source() Source { return f.source }

func (f *fakeTier) Lookup(_ context.Context, _ netip.Addr) (*Match, error) {
	f.calls.Add(1)
	return f.match, f.err
}

func newTestChain(tiers ...Tier) *Chain {
	return NewChain(tiers, NewCache(time.Minute, 0), zap.NewNop())
}

func TestChain_FirstPositiveTierWins(t *testing.T) {
	local := &fakeTier{name: "local", source: SourceLocalDB}
	table := &fakeTier{name: "table", source: SourceOfflineTable, match: &Match{ASN: "AS2", ASName: "two"}}
	remote := &fakeTier{name: "remote", source: SourceRemoteGeo, match: &Match{Country: "DE"}}

	chain := newTestChain(local, table, remote)
	r := chain.Resolve(context.Background(), "10.1.2.3")

	require.True(t, r.OK)
	assert.Equal(t, SourceOfflineTable, r.Source)
	assert.Equal(t, "AS2", r.ASN)
	assert.Equal(t, int32(1), local.calls.Load())
	assert.Equal(t, int32(1), table.calls.Load())
	assert.Equal(t, int32(0), remote.calls.Load(), "tiers after a positive match must not run")
}

func TestChain_TierErrorFallsThrough(t *testing.T) {
	broken := &fakeTier{name: "geo_http", source: SourceRemoteGeo, err: errors.New("status 503")}
	whois := &fakeTier{name: "whois", source: SourceRemoteASN, match: &Match{ASN: "AS15169", Country: "US", ASName: "GOOGLE"}}

	chain := newTestChain(broken, whois)
	r := chain.Resolve(context.Background(), "8.8.8.8")

	require.True(t, r.OK)
	assert.Equal(t, SourceRemoteASN, r.Source)
	assert.Equal(t, "US", r.Country)

	stats := chain.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, int64(1), stats[0].Errors)
	assert.Equal(t, int64(1), stats[1].Hits)
}

func TestChain_AllTiersFail_Unresolved(t *testing.T) {
	a := &fakeTier{name: "a", source: SourceLocalDB}
	b := &fakeTier{name: "b", source: SourceRemoteGeo, err: context.DeadlineExceeded}

	chain := newTestChain(a, b)
	r := chain.Resolve(context.Background(), "192.0.2.9")

	assert.False(t, r.OK)
	assert.Equal(t, SourceUnresolved, r.Source)
	assert.Equal(t, "UNRESOLVED", r.Source.String())
}

func TestChain_EmptyAddressShortCircuits(t *testing.T) {
	tier := &fakeTier{name: "a", source: SourceLocalDB, match: &Match{Country: "DE"}}
	chain := newTestChain(tier)

	r := chain.Resolve(context.Background(), "")
	assert.False(t, r.OK)
	assert.Equal(t, SourceUnresolved, r.Source)
	assert.Equal(t, int32(0), tier.calls.Load())

	r = chain.Resolve(context.Background(), "not-an-ip")
	assert.False(t, r.OK)
	assert.Equal(t, int32(0), tier.calls.Load())
}

func TestChain_SecondResolveIsCacheHit(t *testing.T) {
	tier := &fakeTier{name: "a", source: SourceRemoteGeo, match: &Match{Country: "FR", ASN: "AS16276"}}
	chain := newTestChain(tier)

	first := chain.Resolve(context.Background(), "51.15.0.1")
	second := chain.Resolve(context.Background(), "51.15.0.1")

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), tier.calls.Load(), "second resolution must not invoke any tier")
}

func TestChain_FailureRetriedAfterCooldown(t *testing.T) {
	tier := &fakeTier{name: "a", source: SourceRemoteGeo, err: errors.New("timeout")}
	chain := NewChain([]Tier{tier}, NewCache(5*time.Millisecond, 0), zap.NewNop())

	chain.Resolve(context.Background(), "192.0.2.1")
	chain.Resolve(context.Background(), "192.0.2.1")
	assert.Equal(t, int32(1), tier.calls.Load(), "failure should be cached during cooldown")

	time.Sleep(20 * time.Millisecond)
	chain.Resolve(context.Background(), "192.0.2.1")
	assert.Equal(t, int32(2), tier.calls.Load(), "failure should be retried after cooldown")
}

func TestChain_CanonicalKey(t *testing.T) {
	tier := &fakeTier{name: "a", source: SourceLocalDB, match: &Match{Country: "DE"}}
	chain := newTestChain(tier)

	r := chain.Resolve(context.Background(), "2001:DB8::1")
	assert.Equal(t, "2001:db8::1", r.Address)
	chain.Resolve(context.Background(), "2001:db8:0::1")
	assert.Equal(t, int32(1), tier.calls.Load())
}

// blockingResolver counts invocations and blocks until released.
type blockingResolver struct {
	calls   atomic.Int32
	release chan struct{}
}

func (b *blockingResolver) Resolve(_ context.Context, address string) Result {
	b.calls.Add(1)
	<-b.release
	return Result{Address: address, Source: SourceRemoteGeo, Country: "CH", OK: true}
}

func TestCoalescer_ConcurrentCallersShareOneResolution(t *testing.T) {
	inner := &blockingResolver{release: make(chan struct{})}
	c := NewCoalescer(inner, zap.NewNop())

	const n = 20
	results := make([]Result, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.ResolveOnce(context.Background(), "185.220.101.1")
		}(i)
	}

	require.Eventually(t, func() bool { return inner.calls.Load() == 1 }, time.Second, time.Millisecond)
	time.Sleep(50 * time.Millisecond) // let the remaining callers join the flight
	close(inner.release)
	wg.Wait()

	assert.Equal(t, int32(1), inner.calls.Load())
	for i := range results {
		assert.Equal(t, "CH", results[i].Country)
		assert.Equal(t, results[0], results[i])
	}
}

func TestCoalescer_EntryRemovedAfterCompletion(t *testing.T) {
	inner := &blockingResolver{release: make(chan struct{})}
	close(inner.release)
	c := NewCoalescer(inner, zap.NewNop())

	c.ResolveOnce(context.Background(), "192.0.2.1")
	c.ResolveOnce(context.Background(), "192.0.2.1")

	assert.Equal(t, int32(2), inner.calls.Load(), "a completed flight must not be reused")
}

func TestCoalescer_WithChainUsesCache(t *testing.T) {
	tier := &fakeTier{name: "a", source: SourceLocalDB, match: &Match{Country: "AT"}}
	c := NewCoalescer(newTestChain(tier), zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r := c.ResolveOnce(context.Background(), "192.0.2.50")
			assert.Equal(t, "AT", r.Country)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), tier.calls.Load())
}
