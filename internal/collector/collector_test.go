package collector

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/triage-ai/relaywatch/internal/circuit"
	"github.com/triage-ai/relaywatch/internal/control"
	"github.com/triage-ai/relaywatch/internal/resolve"
	"go.uber.org/zap"
)

// fakeController relays events pushed on feed. Closing feed simulates a
// dropped connection.
type fakeController struct {
	feed      chan *circuit.Event
	addrs     map[string]string
	subErr    error
	mu        sync.Mutex
	err       error
	closeOnce sync.Once
}

func newFakeController() *fakeController {
	return &fakeController{
		feed: make(chan *circuit.Event, 16),
		addrs: map[string]string{
			"AAAA": "192.0.2.1",
			"BBBB": "192.0.2.2",
		},
	}
}

func (f *fakeController) Subscribe(ctx context.Context) (<-chan *circuit.Event, error) {
	if f.subErr != nil {
		return nil, f.subErr
	}
	out := make(chan *circuit.Event)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-f.feed:
				if !ok {
					f.mu.Lock()
					f.err = control.ErrSubscriptionClosed
					f.mu.Unlock()
					return
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (f *fakeController) LookupAddress(_ context.Context, fp string) (string, error) {
	if a, ok := f.addrs[fp]; ok {
		return a, nil
	}
	return "", control.ErrDescriptorNotFound
}

func (f *fakeController) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *fakeController) Close() error { return nil }

func (f *fakeController) drop() {
	f.closeOnce.Do(func() { close(f.feed) })
}

type tableResolver struct{}

func (tableResolver) Resolve(_ context.Context, address string) resolve.Result {
	if address == "" {
		return resolve.Result{Source: resolve.SourceUnresolved}
	}
	return resolve.Result{Address: address, Source: resolve.SourceLocalDB, Country: "DE", ASN: "AS24940", OK: true}
}

type memWriter struct {
	mu     sync.Mutex
	rows   []circuit.Record
	err    error
	closed bool
}

func (m *memWriter) WriteBatch(_ context.Context, records []circuit.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, records...)
	return nil
}

func (m *memWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memWriter) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func built(id string) *circuit.Event {
	return &circuit.Event{
		ID:         id,
		Status:     circuit.StatusBuilt,
		ObservedAt: time.Now(),
		Hops: []circuit.Hop{
			{Index: 0, Fingerprint: "AAAA"},
			{Index: 1, Fingerprint: "BBBB"},
			{Index: 2, Fingerprint: "ZZZZ"},
		},
	}
}

func newTestCollector(ctrl control.Controller, w *memWriter, opts Options) *Collector {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.SessionID == "" {
		opts.SessionID = "test-session"
	}
	return New(ctrl, tableResolver{}, w, opts)
}

func TestCollector_GracefulShutdown(t *testing.T) {
	ctrl := newFakeController()
	w := &memWriter{}

	var mu sync.Mutex
	var states []State
	c := newTestCollector(ctrl, w, Options{Workers: 2, QueueSize: 4, OnStateChange: func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	}})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	ctrl.feed <- built("1")
	ctrl.feed <- built("1")
	ctrl.feed <- &circuit.Event{ID: "2", Status: circuit.StatusFailed}
	ctrl.feed <- built("3")

	require.Eventually(t, func() bool { return w.count() == 6 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.True(t, w.closed)
	assert.Len(t, w.rows, 6)

	// The hop whose descriptor lookup failed is still written.
	var unknown int
	for _, r := range w.rows {
		if r.Fingerprint == "ZZZZ" {
			unknown++
			assert.Equal(t, circuit.Unknown, r.Row()[6])
			assert.Equal(t, circuit.Unknown, r.Row()[7])
		}
	}
	assert.Equal(t, 2, unknown)

	st := c.Status()
	assert.Equal(t, "stopped", st.State)
	assert.Equal(t, int64(2), st.Tracker.CircuitsBuilt)
	assert.Equal(t, int64(6), st.Sink.RowsWritten)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{StateCollecting, StateDraining, StateStopped}, states)
}

func TestCollector_StopsAtTarget(t *testing.T) {
	ctrl := newFakeController()
	w := &memWriter{}
	c := newTestCollector(ctrl, w, Options{MaxCircuits: 1})

	ctrl.feed <- built("1")
	ctrl.feed <- built("2")

	select {
	case err := <-runAsync(c, context.Background()):
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop at circuit target")
	}
	assert.Equal(t, 3, w.count())
	assert.True(t, w.closed)
}

func TestCollector_SubscriptionDropIsFatal(t *testing.T) {
	ctrl := newFakeController()
	w := &memWriter{}
	c := newTestCollector(ctrl, w, Options{})

	ctrl.feed <- built("1")
	ctrl.drop()

	err := <-runAsync(c, context.Background())
	assert.True(t, errors.Is(err, control.ErrSubscriptionClosed))
	// Work received before the drop is still written.
	assert.Equal(t, 3, w.count())
	assert.True(t, w.closed)
}

func TestCollector_WriteFailureIsFatal(t *testing.T) {
	boom := errors.New("disk full")
	ctrl := newFakeController()
	w := &memWriter{err: boom}
	c := newTestCollector(ctrl, w, Options{})

	ctrl.feed <- built("1")

	select {
	case err := <-runAsync(c, context.Background()):
		assert.True(t, errors.Is(err, boom))
	case <-time.After(2 * time.Second):
		t.Fatal("collector did not stop on write failure")
	}
	assert.True(t, w.closed)
}

func TestCollector_SubscribeError(t *testing.T) {
	ctrl := newFakeController()
	ctrl.subErr = control.ErrNotConnected
	w := &memWriter{}
	c := newTestCollector(ctrl, w, Options{})

	err := c.Run(context.Background())
	assert.True(t, errors.Is(err, control.ErrNotConnected))
	assert.True(t, w.closed)
}

func runAsync(c *Collector, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return done
}
