package pool

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/triage-ai/relaywatch/internal/circuit"
	"github.com/triage-ai/relaywatch/internal/resolve"
	"go.uber.org/zap"
)

// stubResolver answers from a fixed table and counts calls.
type stubResolver struct {
	calls   atomic.Int32
	delay   time.Duration
	answers map[string]resolve.Result
}

func (s *stubResolver) Resolve(ctx context.Context, address string) resolve.Result {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
		}
	}
	if r, ok := s.answers[address]; ok {
		return r
	}
	return resolve.Result{Address: address, Source: resolve.SourceUnresolved}
}

func threeHopEvent(id string) *circuit.Event {
	return &circuit.Event{
		ID:         id,
		Status:     circuit.StatusBuilt,
		Purpose:    "GENERAL",
		ObservedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Hops: []circuit.Hop{
			{Index: 0, Fingerprint: "AAAA", Nickname: "guard", Address: "192.0.2.1"},
			{Index: 1, Fingerprint: "BBBB", Nickname: "middle", Address: "192.0.2.2"},
			{Index: 2, Fingerprint: "CCCC", Nickname: "exit"},
		},
	}
}

func collect(ch <-chan circuit.Record) []circuit.Record {
	var out []circuit.Record
	for rec := range ch {
		out = append(out, rec)
	}
	return out
}

func TestPool_ResolvesEveryHop(t *testing.T) {
	r := &stubResolver{answers: map[string]resolve.Result{
		"192.0.2.1": {Address: "192.0.2.1", Source: resolve.SourceLocalDB, Country: "DE", ASN: "AS24940", OK: true},
		"192.0.2.2": {Address: "192.0.2.2", Source: resolve.SourceRemoteASN, ASN: "AS16276", OK: true},
	}}
	p := New(Options{Workers: 2, QueueSize: 4, Logger: zap.NewNop()}, r)
	p.Start(context.Background())

	ev := threeHopEvent("7")
	for i := range ev.Hops {
		require.NoError(t, p.Submit(context.Background(), Request{Circuit: ev, Index: i}))
	}
	p.Close()

	recs := collect(p.Results())
	require.Len(t, recs, 3)
	sort.Slice(recs, func(i, j int) bool { return recs[i].HopIndex < recs[j].HopIndex })

	assert.Equal(t, circuit.RoleGuard, recs[0].Role)
	assert.Equal(t, "DE", recs[0].Country)
	assert.Equal(t, "LOCAL_DB", recs[0].Tier)

	assert.Equal(t, circuit.RoleMiddle, recs[1].Role)
	assert.Equal(t, "AS16276", recs[1].ASN)

	assert.Equal(t, circuit.RoleExit, recs[2].Role)
	assert.Equal(t, "UNRESOLVED", recs[2].Tier)
	assert.Empty(t, recs[2].IP)

	for _, rec := range recs {
		assert.Equal(t, "7", rec.CircuitID)
		assert.Equal(t, 3, rec.HopCount)
		assert.Equal(t, "GENERAL", rec.Purpose)
		assert.Same(t, ev, rec.Source)
	}
}

func TestPool_CloseDrainsQueue(t *testing.T) {
	r := &stubResolver{delay: 5 * time.Millisecond}
	p := New(Options{Workers: 1, QueueSize: 16, Logger: zap.NewNop()}, r)

	// Queue everything before any worker runs.
	ev := threeHopEvent("9")
	for n := 0; n < 4; n++ {
		for i := range ev.Hops {
			require.NoError(t, p.Submit(context.Background(), Request{Circuit: ev, Index: i}))
		}
	}
	p.Start(context.Background())
	p.Close()

	recs := collect(p.Results())
	assert.Len(t, recs, 12)
	assert.Equal(t, int32(12), r.calls.Load())
}

func TestPool_SubmitAfterClose(t *testing.T) {
	p := New(Options{Logger: zap.NewNop()}, &stubResolver{})
	p.Start(context.Background())
	p.Close()
	p.Close()

	err := p.Submit(context.Background(), Request{Circuit: threeHopEvent("1")})
	assert.True(t, errors.Is(err, ErrPoolClosed))
}

func TestPool_SubmitBlocksWhenFull(t *testing.T) {
	p := New(Options{Workers: 1, QueueSize: 1, Logger: zap.NewNop()}, &stubResolver{})
	ev := threeHopEvent("3")

	// Not started: the first request fills the queue.
	require.NoError(t, p.Submit(context.Background(), Request{Circuit: ev, Index: 0}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, Request{Circuit: ev, Index: 1})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, p.Pending())

	// Once started, a blocked submit goes through.
	done := make(chan error, 1)
	go func() { done <- p.Submit(context.Background(), Request{Circuit: ev, Index: 1}) }()
	p.Start(context.Background())

	go func() {
		for range p.Results() {
		}
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("submit never unblocked")
	}
	p.Close()
}

func TestPool_ConcurrentProducers(t *testing.T) {
	r := &stubResolver{}
	p := New(Options{Workers: 4, QueueSize: 2, Logger: zap.NewNop()}, r)
	p.Start(context.Background())

	var out []circuit.Record
	consumed := make(chan struct{})
	go func() {
		out = collect(p.Results())
		close(consumed)
	}()

	var wg sync.WaitGroup
	for g := 0; g < 10; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev := threeHopEvent("c")
			for i := range ev.Hops {
				_ = p.Submit(context.Background(), Request{Circuit: ev, Index: i})
			}
		}()
	}
	wg.Wait()
	p.Close()
	<-consumed

	assert.Len(t, out, 30)
}

func TestPool_AbortOnCancel(t *testing.T) {
	r := &stubResolver{delay: time.Second}
	p := New(Options{Workers: 1, QueueSize: 8, Logger: zap.NewNop()}, r)

	ctx, cancel := context.WithCancel(context.Background())
	p.Start(ctx)
	ev := threeHopEvent("x")
	for i := range ev.Hops {
		require.NoError(t, p.Submit(context.Background(), Request{Circuit: ev, Index: i}))
	}
	cancel()

	select {
	case <-drained(p.Results()):
	case <-time.After(2 * time.Second):
		t.Fatal("results not closed after cancellation")
	}
}

func drained(ch <-chan circuit.Record) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()
	return done
}
