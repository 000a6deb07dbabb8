// Package sink reassembles resolved hops into ordered circuits and writes
// them out.
package sink

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/triage-ai/relaywatch/internal/circuit"
	"github.com/triage-ai/relaywatch/internal/storage"
	"go.uber.org/zap"
)

// Options configures a Sink.
type Options struct {
	// MaxWait bounds how long an incomplete circuit is buffered before it is
	// written with its missing hops marked UNRESOLVED.
	MaxWait time.Duration
	// SweepInterval is how often buffered circuits are checked against
	// MaxWait. Defaults to MaxWait/4.
	SweepInterval time.Duration
	// LateWindow is how long a circuit written by the max-wait sweep is
	// remembered so its stragglers are dropped. Defaults to 2*MaxWait.
	LateWindow time.Duration
	Logger     *zap.Logger
}

type pendingCircuit struct {
	source  *circuit.Event
	count   int
	hops    map[int]circuit.Record
	firstAt time.Time
}

// Sink is the only writer of durable storage. Run must be called from a
// single goroutine; the buffer is not shared.
type Sink struct {
	writer storage.RecordWriter
	opts   Options
	logger *zap.Logger
	now    func() time.Time

	pending map[string]*pendingCircuit
	// partial holds circuits written before all hops arrived, keyed to the
	// time they were written.
	partial map[string]time.Time

	rows       atomic.Int64
	circuits   atomic.Int64
	incomplete atomic.Int64
	buffered   atomic.Int64
}

// New creates a Sink writing to writer.
func New(writer storage.RecordWriter, opts Options) *Sink {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 2 * time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = opts.MaxWait / 4
	}
	if opts.LateWindow <= 0 {
		opts.LateWindow = 2 * opts.MaxWait
	}
	return &Sink{
		writer:  writer,
		opts:    opts,
		logger:  opts.Logger,
		now:     time.Now,
		pending: make(map[string]*pendingCircuit),
		partial: make(map[string]time.Time),
	}
}

// Run consumes records until in is closed, then writes every buffered
// circuit and returns. Any write error is returned immediately. Cancelling
// ctx aborts without flushing.
func (s *Sink) Run(ctx context.Context, in <-chan circuit.Record) error {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case rec, ok := <-in:
			if !ok {
				return s.flushAll(ctx)
			}
			if err := s.add(ctx, rec); err != nil {
				return err
			}

		case <-ticker.C:
			if err := s.sweep(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Sink) add(ctx context.Context, rec circuit.Record) error {
	if _, done := s.partial[rec.CircuitID]; done {
		LateCounterTotal.Inc()
		s.logger.Warn("hop arrived after its circuit was written",
			zap.String("circuit_id", rec.CircuitID),
			zap.Int("hop_index", rec.HopIndex),
		)
		return nil
	}

	pc, ok := s.pending[rec.CircuitID]
	if !ok {
		pc = &pendingCircuit{
			source:  rec.Source,
			count:   rec.HopCount,
			hops:    make(map[int]circuit.Record, rec.HopCount),
			firstAt: s.now(),
		}
		s.pending[rec.CircuitID] = pc
		s.buffered.Store(int64(len(s.pending)))
	}
	pc.hops[rec.HopIndex] = rec

	if len(pc.hops) >= pc.count {
		return s.flush(ctx, rec.CircuitID, pc)
	}
	return nil
}

func (s *Sink) sweep(ctx context.Context) error {
	now := s.now()
	for id, at := range s.partial {
		if now.Sub(at) >= s.opts.LateWindow {
			delete(s.partial, id)
		}
	}
	for id, pc := range s.pending {
		if now.Sub(pc.firstAt) < s.opts.MaxWait {
			continue
		}
		s.logger.Warn("circuit incomplete after max wait, writing partial",
			zap.String("circuit_id", id),
			zap.Int("hops_resolved", len(pc.hops)),
			zap.Int("hops_total", pc.count),
		)
		if err := s.flush(ctx, id, pc); err != nil {
			return err
		}
	}
	return nil
}

func (s *Sink) flushAll(ctx context.Context) error {
	if len(s.pending) > 0 {
		s.logger.Info("writing buffered circuits on shutdown", zap.Int("circuits", len(s.pending)))
	}
	// Deterministic order for the final writes.
	ids := make([]string, 0, len(s.pending))
	for id := range s.pending {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := s.flush(ctx, id, s.pending[id]); err != nil {
			return err
		}
	}
	return nil
}

// flush writes every hop of pc in ascending index order, filling hops that
// never arrived with UNRESOLVED rows.
func (s *Sink) flush(ctx context.Context, id string, pc *pendingCircuit) error {
	batch := make([]circuit.Record, 0, pc.count)
	missing := 0
	for i := 0; i < pc.count; i++ {
		if rec, ok := pc.hops[i]; ok {
			batch = append(batch, rec)
			continue
		}
		if pc.source == nil || i >= len(pc.source.Hops) {
			continue
		}
		batch = append(batch, circuit.UnresolvedRecord(pc.source, i))
		missing++
	}

	delete(s.pending, id)
	if missing > 0 {
		s.partial[id] = s.now()
	}
	s.buffered.Store(int64(len(s.pending)))

	start := time.Now()
	if err := s.writer.WriteBatch(ctx, batch); err != nil {
		WriteErrorCounterTotal.Inc()
		return fmt.Errorf("Sink.flush circuit %s: %w", id, err)
	}
	WriteDurationHistogram.Observe(time.Since(start).Seconds())

	s.rows.Add(int64(len(batch)))
	s.circuits.Add(1)
	RowsCounterTotal.Add(float64(len(batch)))
	if missing > 0 {
		s.incomplete.Add(1)
		PartialCounterTotal.Inc()
	}

	s.logger.Debug("circuit written",
		zap.String("circuit_id", id),
		zap.Int("rows", len(batch)),
		zap.Int("unresolved_fill", missing),
	)
	return nil
}

// Stats is a snapshot of the sink counters.
type Stats struct {
	RowsWritten     int64 `json:"rows_written"`
	CircuitsWritten int64 `json:"circuits_written"`
	PartialCircuits int64 `json:"partial_circuits"`
	Buffered        int64 `json:"buffered_circuits"`
}

// Stats returns the current counters. Safe for concurrent use.
func (s *Sink) Stats() Stats {
	return Stats{
		RowsWritten:     s.rows.Load(),
		CircuitsWritten: s.circuits.Load(),
		PartialCircuits: s.incomplete.Load(),
		Buffered:        s.buffered.Load(),
	}
}
