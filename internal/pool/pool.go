package pool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/triage-ai/relaywatch/internal/circuit"
	"github.com/triage-ai/relaywatch/internal/resolve"
	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Submit after Close has been called.
var ErrPoolClosed = errors.New("worker pool closed")

// Request asks the pool to resolve hop Index of Circuit.
type Request struct {
	Circuit *circuit.Event
	Index   int
}

// Options configures the worker pool.
type Options struct {
	// Workers is the number of concurrent resolutions. It bounds the number of
	// outstanding remote tier calls.
	Workers int
	// QueueSize is the capacity of the work queue. Submit blocks when full.
	QueueSize int
	// Logger for the worker pool.
	Logger *zap.Logger
}

// Pool drains a bounded queue of hop resolution requests with a fixed number
// of workers and publishes one circuit.Record per request on Results.
//
// Close stops intake and lets the workers finish every queued request;
// Results is closed once the last record has been published. Cancelling the
// context given to Start aborts instead: queued work is dropped.
type Pool struct {
	Options
	resolver resolve.Resolver

	workQueue chan Request
	results   chan circuit.Record

	mu     sync.RWMutex
	closed bool

	startOnce   sync.Once
	workersDone sync.WaitGroup
}

// New creates a pool resolving through resolver. Workers are not started
// until Start is called.
func New(opts Options, resolver resolve.Resolver) *Pool {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}

	return &Pool{
		Options:   opts,
		resolver:  resolver,
		workQueue: make(chan Request, opts.QueueSize),
		results:   make(chan circuit.Record, opts.Workers),
	}
}

// Start launches the workers. It returns immediately.
func (p *Pool) Start(ctx context.Context) {
	p.startOnce.Do(func() {
		p.Logger.Info("starting worker pool",
			zap.Int("workers", p.Workers),
			zap.Int("queue_size", p.QueueSize),
		)

		for i := range p.Workers {
			p.workersDone.Add(1)
			go p.worker(ctx, i)
		}

		go func() {
			p.workersDone.Wait()
			close(p.results)
			p.Logger.Info("worker pool shutdown complete")
		}()
	})
}

// Submit enqueues req, blocking while the queue is full. It never drops work:
// it either enqueues, or returns ctx.Err() or ErrPoolClosed.
func (p *Pool) Submit(ctx context.Context, req Request) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	select {
	case p.workQueue <- req:
		QueueSizeGauge.Set(float64(len(p.workQueue)))
		return nil
	default:
	}

	QueueFullCounterTotal.Inc()
	select {
	case p.workQueue <- req:
		QueueSizeGauge.Set(float64(len(p.workQueue)))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns the egress channel. It is closed after Close once every
// queued request has been processed.
func (p *Pool) Results() <-chan circuit.Record {
	return p.results
}

// Close stops accepting requests and lets the workers drain the queue.
// It does not wait; range over Results to observe completion.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return
	}
	p.closed = true
	close(p.workQueue)
	p.Logger.Info("worker pool closing, draining queue", zap.Int("queued", len(p.workQueue)))
}

// Pending returns the number of queued requests.
func (p *Pool) Pending() int {
	return len(p.workQueue)
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.workersDone.Done()
	logger := p.Logger.With(zap.Int("worker", id))
	logger.Debug("worker started")
	defer logger.Debug("worker stopped")

	for {
		select {
		case <-ctx.Done():
			logger.Debug("worker stopped due to context cancellation")
			return
		case req, ok := <-p.workQueue:
			if !ok {
				return
			}
			QueueSizeGauge.Set(float64(len(p.workQueue)))

			rec := p.handle(ctx, logger, req)

			select {
			case p.results <- rec:
				ProcessedCounterTotal.WithLabelValues(rec.Tier).Inc()
			case <-ctx.Done():
				return
			}
		}
	}
}

func (p *Pool) handle(ctx context.Context, logger *zap.Logger, req Request) circuit.Record {
	InProgressGauge.Inc()
	defer InProgressGauge.Dec()

	ev := req.Circuit
	hop := ev.Hops[req.Index]

	start := time.Now()
	res := p.resolver.Resolve(ctx, hop.Address)
	ResolutionDurationHistogram.WithLabelValues(res.Source.String()).Observe(time.Since(start).Seconds())

	logger.Debug("resolved hop",
		zap.String("circuit_id", ev.ID),
		zap.Int("hop_index", req.Index),
		zap.String("address", hop.Address),
		zap.String("tier", res.Source.String()),
	)

	return circuit.Record{
		Timestamp:   ev.ObservedAt,
		CircuitID:   ev.ID,
		HopIndex:    req.Index,
		HopCount:    len(ev.Hops),
		Role:        circuit.RoleFor(req.Index, len(ev.Hops)),
		Fingerprint: hop.Fingerprint,
		Nickname:    hop.Nickname,
		IP:          hop.Address,
		Country:     res.Country,
		ASN:         res.ASN,
		ASName:      res.ASName,
		Tier:        res.Source.String(),
		Purpose:     ev.Purpose,
		AddrSource:  hop.AddrSource,
		Source:      ev,
	}
}
