// Package collector wires the control subscription, tracker, worker pool and
// sink into one collection session and owns its shutdown order.
package collector

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/triage-ai/relaywatch/internal/control"
	"github.com/triage-ai/relaywatch/internal/pool"
	"github.com/triage-ai/relaywatch/internal/resolve"
	"github.com/triage-ai/relaywatch/internal/sink"
	"github.com/triage-ai/relaywatch/internal/storage"
	"github.com/triage-ai/relaywatch/internal/tracker"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// State is the lifecycle phase of a session.
type State int32

const (
	StateStarting State = iota
	StateCollecting
	StateDraining
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateCollecting:
		return "collecting"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	default:
		return "starting"
	}
}

// Inspector exposes resolver internals for status reporting.
type Inspector interface {
	Stats() []resolve.TierStat
	CacheStats() (resolved, failed int)
}

// Options configures a Collector.
type Options struct {
	SessionID   string
	Workers     int
	QueueSize   int
	MaxCircuits int
	SinkMaxWait time.Duration
	Logger      *zap.Logger

	// Inspector is optional; it only feeds Status.
	Inspector Inspector
	// OnStateChange is called on every state transition.
	OnStateChange func(State)
}

// Collector runs one collection session.
type Collector struct {
	ctrl    control.Controller
	writer  storage.RecordWriter
	pool    *pool.Pool
	tracker *tracker.Tracker
	sink    *sink.Sink
	opts    Options
	logger  *zap.Logger

	state     atomic.Int32
	startedAt time.Time
}

// New builds a collector. The writer is closed by Run; ctrl is not.
func New(ctrl control.Controller, resolver resolve.Resolver, writer storage.RecordWriter, opts Options) *Collector {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("session_id", opts.SessionID))

	p := pool.New(pool.Options{
		Workers:   opts.Workers,
		QueueSize: opts.QueueSize,
		Logger:    logger.Named("pool"),
	}, resolver)

	return &Collector{
		ctrl:   ctrl,
		writer: writer,
		pool:   p,
		tracker: tracker.New(ctrl, p, tracker.Options{
			MaxCircuits: opts.MaxCircuits,
			Logger:      logger.Named("tracker"),
		}),
		sink: sink.New(writer, sink.Options{
			MaxWait: opts.SinkMaxWait,
			Logger:  logger.Named("sink"),
		}),
		opts:      opts,
		logger:    logger,
		startedAt: time.Now().UTC(),
	}
}

// Run collects until ctx is cancelled, the circuit target is reached, or a
// fatal error occurs. On the way out it stops event intake, drains the work
// queue, writes every buffered circuit and closes the writer, in that order.
//
// The returned error is non-nil only for fatal conditions: the subscription
// could not be started or dropped, or a durable write failed. A degraded run
// (tiers unavailable, lookups failing) returns nil.
//
// Run must be called once.
func (c *Collector) Run(ctx context.Context) error {
	// abort is cancelled only on the fatal path; a normal shutdown lets
	// in-flight work finish.
	abortCtx, abort := context.WithCancel(context.Background())
	defer abort()
	subCtx, stopEvents := context.WithCancel(ctx)
	defer stopEvents()

	events, err := c.ctrl.Subscribe(subCtx)
	if err != nil {
		c.setState(StateStopped)
		return multierr.Append(fmt.Errorf("Collector.Run: %w", err), c.writer.Close())
	}

	c.pool.Start(abortCtx)

	sinkDone := make(chan error, 1)
	go func() {
		sinkDone <- c.sink.Run(abortCtx, c.pool.Results())
	}()

	trackerDone := make(chan error, 1)
	go func() {
		trackerDone <- c.tracker.Run(abortCtx, events)
	}()

	c.setState(StateCollecting)
	c.logger.Info("collecting circuits")

	select {
	case err := <-trackerDone:
		if err != nil {
			c.logger.Error("tracker stopped", zap.Error(err))
		}
		return c.drain(err, stopEvents, sinkDone, abort)

	case err := <-sinkDone:
		// The sink only returns early on a write failure.
		c.logger.Error("durable write failed, aborting", zap.Error(err))
		c.setState(StateDraining)
		abort()
		stopEvents()
		<-trackerDone
		c.pool.Close()
		c.setState(StateStopped)
		return multierr.Append(err, c.writer.Close())
	}
}

func (c *Collector) drain(trackErr error, stopEvents context.CancelFunc, sinkDone <-chan error, abort context.CancelFunc) error {
	c.setState(StateDraining)
	stopEvents()

	runErr := trackErr
	if err := c.ctrl.Err(); err != nil {
		c.logger.Error("control subscription lost", zap.Error(err))
		runErr = multierr.Append(runErr, err)
	}

	c.logger.Info("draining work queue", zap.Int("queued", c.pool.Pending()))
	c.pool.Close()

	if err := <-sinkDone; err != nil {
		abort()
		runErr = multierr.Append(runErr, err)
	}
	if err := c.writer.Close(); err != nil {
		runErr = multierr.Append(runErr, fmt.Errorf("Collector.Run: close writer: %w", err))
	}

	c.setState(StateStopped)
	st := c.Status()
	c.logger.Info("collection finished",
		zap.Int64("circuits", st.Tracker.CircuitsBuilt),
		zap.Int64("rows", st.Sink.RowsWritten),
		zap.Int64("partial_circuits", st.Sink.PartialCircuits),
		zap.Int64("lookup_failures", st.Tracker.LookupFailures),
	)
	return runErr
}

func (c *Collector) setState(s State) {
	c.state.Store(int32(s))
	if c.opts.OnStateChange != nil {
		c.opts.OnStateChange(s)
	}
}

// State returns the current lifecycle phase.
func (c *Collector) State() State {
	return State(c.state.Load())
}

// CacheStatus is the resolution cache occupancy.
type CacheStatus struct {
	Resolved int `json:"resolved"`
	Failed   int `json:"failed"`
}

// Status is a point-in-time view of the session.
type Status struct {
	SessionID  string             `json:"session_id"`
	State      string             `json:"state"`
	StartedAt  time.Time          `json:"started_at"`
	QueueDepth int                `json:"queue_depth"`
	Tracker    tracker.Stats      `json:"tracker"`
	Sink       sink.Stats         `json:"sink"`
	Cache      CacheStatus        `json:"cache"`
	Tiers      []resolve.TierStat `json:"tiers,omitempty"`
}

// Status returns a snapshot. Safe for concurrent use.
func (c *Collector) Status() Status {
	st := Status{
		SessionID:  c.opts.SessionID,
		State:      c.State().String(),
		StartedAt:  c.startedAt,
		QueueDepth: c.pool.Pending(),
		Tracker:    c.tracker.Stats(),
		Sink:       c.sink.Stats(),
	}
	if c.opts.Inspector != nil {
		st.Cache.Resolved, st.Cache.Failed = c.opts.Inspector.CacheStats()
		st.Tiers = c.opts.Inspector.Stats()
	}
	return st
}
