// Package tracker turns circuit lifecycle events into per-hop resolution work.
package tracker

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/triage-ai/relaywatch/internal/circuit"
	"github.com/triage-ai/relaywatch/internal/pool"
	"go.uber.org/zap"
)

// AddressLookup maps a relay fingerprint to its network address.
type AddressLookup interface {
	LookupAddress(ctx context.Context, fingerprint string) (string, error)
}

// Submitter accepts hop resolution requests, blocking when saturated.
type Submitter interface {
	Submit(ctx context.Context, req pool.Request) error
}

// Options configures a Tracker.
type Options struct {
	// MaxCircuits stops Run after this many BUILT circuits. 0 means no limit.
	MaxCircuits int
	Logger      *zap.Logger
}

// Tracker consumes circuit events on a single goroutine. Only the first BUILT
// event per circuit ID is acted on; each of its hops is submitted to the pool
// exactly once.
type Tracker struct {
	lookup    AddressLookup
	submitter Submitter
	opts      Options
	logger    *zap.Logger

	seen map[string]struct{}

	built          atomic.Int64
	hops           atomic.Int64
	lookupFailures atomic.Int64
}

// New creates a Tracker.
func New(lookup AddressLookup, submitter Submitter, opts Options) *Tracker {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Tracker{
		lookup:    lookup,
		submitter: submitter,
		opts:      opts,
		logger:    opts.Logger,
		seen:      make(map[string]struct{}),
	}
}

// Run handles events until the channel is closed, ctx is cancelled, or the
// circuit target is reached. It returns an error only if work could not be
// submitted.
func (t *Tracker) Run(ctx context.Context, events <-chan *circuit.Event) error {
	for {
		if t.TargetReached() {
			t.logger.Info("circuit target reached", zap.Int("max_circuits", t.opts.MaxCircuits))
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := t.Handle(ctx, ev); err != nil {
				return fmt.Errorf("Tracker.Run: %w", err)
			}
		}
	}
}

// Handle processes one event. Non-BUILT and repeated BUILT events are ignored.
func (t *Tracker) Handle(ctx context.Context, ev *circuit.Event) error {
	EventCounterTotal.WithLabelValues(ev.Status.String()).Inc()

	if ev.Status != circuit.StatusBuilt {
		return nil
	}
	if _, dup := t.seen[ev.ID]; dup {
		DuplicateCounterTotal.Inc()
		t.logger.Debug("ignoring repeated BUILT event", zap.String("circuit_id", ev.ID))
		return nil
	}
	t.seen[ev.ID] = struct{}{}

	if len(ev.Hops) == 0 {
		t.logger.Warn("BUILT circuit without path", zap.String("circuit_id", ev.ID))
		return nil
	}

	t.resolveAddresses(ctx, ev)

	t.built.Add(1)
	BuiltCounterTotal.Inc()
	t.logger.Info("circuit built",
		zap.String("circuit_id", ev.ID),
		zap.String("purpose", ev.Purpose),
		zap.Int("hops", len(ev.Hops)),
	)

	for i := range ev.Hops {
		if err := t.submitter.Submit(ctx, pool.Request{Circuit: ev, Index: i}); err != nil {
			return fmt.Errorf("Tracker.Handle circuit %s hop %d: %w", ev.ID, i, err)
		}
		t.hops.Add(1)
	}
	return nil
}

// resolveAddresses fills in missing hop addresses. A failed lookup leaves
// the address empty; the hop is still submitted and resolves to UNRESOLVED.
func (t *Tracker) resolveAddresses(ctx context.Context, ev *circuit.Event) {
	for i := range ev.Hops {
		hop := &ev.Hops[i]
		if hop.Address != "" {
			continue
		}

		addr, err := t.lookup.LookupAddress(ctx, hop.Fingerprint)
		if err != nil {
			t.lookupFailures.Add(1)
			LookupFailureCounterTotal.Inc()
			t.logger.Warn("descriptor lookup failed",
				zap.String("circuit_id", ev.ID),
				zap.Int("hop_index", i),
				zap.String("fingerprint", hop.Fingerprint),
				zap.Error(err),
			)
			continue
		}
		hop.Address = addr
		hop.AddrSource = circuit.SourceNetworkStatus
	}
}

// TargetReached reports whether MaxCircuits BUILT circuits have been handled.
func (t *Tracker) TargetReached() bool {
	return t.opts.MaxCircuits > 0 && t.built.Load() >= int64(t.opts.MaxCircuits)
}

// Stats is a snapshot of the tracker counters.
type Stats struct {
	CircuitsBuilt  int64 `json:"circuits_built"`
	HopsSubmitted  int64 `json:"hops_submitted"`
	LookupFailures int64 `json:"lookup_failures"`
}

// Stats returns the current counters. Safe for concurrent use.
func (t *Tracker) Stats() Stats {
	return Stats{
		CircuitsBuilt:  t.built.Load(),
		HopsSubmitted:  t.hops.Load(),
		LookupFailures: t.lookupFailures.Load(),
	}
}
