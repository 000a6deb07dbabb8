package control

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/textproto"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cretz/bine/control"
	"github.com/triage-ai/relaywatch/internal/circuit"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// DefaultAddrs are tried in order when no control address is configured.
var DefaultAddrs = []string{
	"/run/tor/control",
	"/var/run/tor/control",
	"127.0.0.1:9051",
}

// DefaultEventQueueSize bounds the BUILT events held for a slow consumer.
const DefaultEventQueueSize = 4096

// TorController implements Controller over a Tor control port connection.
type TorController struct {
	conn   *control.Conn
	addr   string
	logger *zap.Logger
	now    func() time.Time

	// queueSize caps the events buffered between the control connection and
	// the consumer. Beyond it new BUILT events are dropped and counted.
	queueSize int

	mu     sync.Mutex
	err    error
	closed atomic.Bool
}

var _ Controller = (*TorController)(nil)

// Dial connects and authenticates to the control port at addr. An address
// starting with "/" is a unix socket. When addr is empty DefaultAddrs are
// tried in order and the first that authenticates is used.
func Dial(ctx context.Context, addr, password string, logger *zap.Logger) (*TorController, error) {
	candidates := DefaultAddrs
	if addr != "" {
		candidates = []string{addr}
	}

	var errs error
	for _, a := range candidates {
		c, err := dialOne(ctx, a, password)
		if err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		logger.Info("connected to control port", zap.String("addr", a))
		return &TorController{
			conn:      c,
			addr:      a,
			logger:    logger,
			now:       time.Now,
			queueSize: DefaultEventQueueSize,
		}, nil
	}
	return nil, fmt.Errorf("Dial: %w: %v", ErrNotConnected, errs)
}

func dialOne(ctx context.Context, addr, password string) (*control.Conn, error) {
	network := "tcp"
	if strings.HasPrefix(addr, "/") {
		if _, err := os.Stat(addr); err != nil {
			return nil, fmt.Errorf("%s: %w", addr, err)
		}
		network = "unix"
	}

	var d net.Dialer
	nc, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", addr, err)
	}

	conn := control.NewConn(textproto.NewConn(nc))
	if err := conn.Authenticate(password); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%s: authenticate: %w", addr, err)
	}
	return conn, nil
}

// Addr returns the endpoint the controller is connected to.
func (c *TorController) Addr() string {
	return c.addr
}

// Subscribe registers for CIRC events and starts the event loop.
//
// The control library delivers events synchronously on its read loop, so
// events are moved into a queue straight away and handed to the caller from
// there. Only BUILT events are queued. A slow consumer backs up the queue,
// never the control connection; once the queue holds queueSize events further
// BUILT events are dropped and counted.
func (c *TorController) Subscribe(ctx context.Context) (<-chan *circuit.Event, error) {
	raw := make(chan control.Event, 64)
	if err := c.conn.AddEventListener(raw, control.EventCodeCircuit); err != nil {
		return nil, fmt.Errorf("TorController.Subscribe: %w", err)
	}

	handled := make(chan error, 1)
	go func() {
		handled <- c.conn.HandleEvents(ctx)
	}()

	out := make(chan *circuit.Event)
	go c.forward(ctx, raw, handled, out)
	return out, nil
}

func (c *TorController) forward(ctx context.Context, raw <-chan control.Event, handled <-chan error, out chan<- *circuit.Event) {
	defer close(out)

	limit := c.queueSize
	if limit <= 0 {
		limit = DefaultEventQueueSize
	}
	var queue []*circuit.Event
	dropping := false
	for {
		var send chan<- *circuit.Event
		var next *circuit.Event
		if len(queue) > 0 {
			send = out
			next = queue[0]
		}

		select {
		case ev := <-raw:
			ce, ok := ev.(*control.CircuitEvent)
			if !ok {
				continue
			}
			EventCounterTotal.WithLabelValues(ce.Status).Inc()
			if circuit.ParseStatus(ce.Status) != circuit.StatusBuilt {
				continue
			}
			if len(queue) >= limit {
				DroppedEventCounterTotal.Inc()
				if !dropping {
					dropping = true
					c.logger.Warn("event queue full, dropping BUILT circuits",
						zap.Int("queue_size", limit),
						zap.String("circuit_id", ce.CircuitID),
					)
				}
				continue
			}
			queue = append(queue, c.toEvent(ce))
			EventQueueGauge.Set(float64(len(queue)))
		case send <- next:
			queue[0] = nil
			queue = queue[1:]
			EventQueueGauge.Set(float64(len(queue)))
			if dropping && len(queue) < limit/2 {
				dropping = false
				c.logger.Info("event queue recovered", zap.Int("queued", len(queue)))
			}
		case err := <-handled:
			if ctx.Err() == nil && !c.closed.Load() {
				c.setErr(fmt.Errorf("%w: %v", ErrSubscriptionClosed, err))
				c.logger.Error("control event loop ended", zap.Error(err))
			}
			// Hand over whatever was already received.
			for _, ev := range queue {
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func (c *TorController) toEvent(ce *control.CircuitEvent) *circuit.Event {
	path := circuitPath(ce)
	ev := &circuit.Event{
		ID:         ce.CircuitID,
		Status:     circuit.ParseStatus(ce.Status),
		Purpose:    ce.Purpose,
		ObservedAt: c.now().UTC(),
		Hops:       make([]circuit.Hop, 0, len(path)),
	}
	for i, entry := range path {
		fp, nick := parsePathEntry(entry)
		ev.Hops = append(ev.Hops, circuit.Hop{
			Index:       i,
			Fingerprint: fp,
			Nickname:    nick,
			AddrSource:  circuit.SourceCircuitPath,
		})
	}
	return ev
}

// LookupAddress queries the consensus entry for fingerprint (GETINFO ns/id/).
func (c *TorController) LookupAddress(ctx context.Context, fingerprint string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("TorController.LookupAddress: %w", err)
	}

	key := "ns/id/" + strings.TrimPrefix(fingerprint, "$")
	kvs, err := c.conn.GetInfo(key)
	if err != nil {
		return "", fmt.Errorf("TorController.LookupAddress %s: %w: %v", fingerprint, ErrDescriptorNotFound, err)
	}
	for _, kv := range kvs {
		if kv.Key != key {
			continue
		}
		if addr, ok := parseRouterStatusAddress(kv.Val); ok {
			return addr, nil
		}
	}
	return "", fmt.Errorf("TorController.LookupAddress %s: %w", fingerprint, ErrDescriptorNotFound)
}

func (c *TorController) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *TorController) setErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err == nil {
		c.err = err
	}
}

// Close closes the control connection. A subscription ended by Close is not
// reported through Err.
func (c *TorController) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("TorController.Close: %w", err)
	}
	return nil
}
