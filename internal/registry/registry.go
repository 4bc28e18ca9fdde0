// Package registry tracks every live streaming and socket connection and
// owns each connection's private outbound queue.
//
// Producers call Enqueue; each connection's delivery loop calls Drain.
// Writers racing a disconnect are tolerated: enqueueing to a dead identity
// is a silent no-op.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/eventcast/internal/event"
)

// Transport identifies how a connection receives its events.
type Transport string

const (
	TransportStream Transport = "stream"
	TransportSocket Transport = "socket"
)

// OverflowPolicy decides what happens when a connection's queue is full.
type OverflowPolicy string

const (
	// DropOldest discards the oldest queued event to make room.
	DropOldest OverflowPolicy = "drop-oldest"
	// Disconnect unregisters the slow connection.
	Disconnect OverflowPolicy = "disconnect"
)

// DefaultQueueSize matches the per-client send buffer of the socket pumps.
const DefaultQueueSize = 256

var (
	// ErrClosed is returned by Register after Close.
	ErrClosed = errors.New("registry: closed")
	// ErrUnknownConnection is returned by Stats for identities that are not live.
	ErrUnknownConnection = errors.New("registry: unknown connection")
)

// ParseOverflowPolicy validates a policy name.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch OverflowPolicy(s) {
	case DropOldest, Disconnect:
		return OverflowPolicy(s), nil
	default:
		return "", fmt.Errorf("registry: unknown overflow policy %q", s)
	}
}

// ConnStats is a point-in-time view of one connection.
type ConnStats struct {
	ID          string
	Transport   Transport
	ConnectedAt time.Time
	Queued      int
	Dropped     uint64
}

type conn struct {
	id          string
	transport   Transport
	connectedAt time.Time

	mu      sync.Mutex
	queue   []event.Event
	live    bool
	dropped uint64
	notify  chan struct{}
	done    chan struct{}
}

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*conn
	closed bool

	queueSize int
	policy    OverflowPolicy
	log       zerolog.Logger
	now       func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithQueueSize bounds each connection's queue. Non-positive sizes fall back
// to DefaultQueueSize.
func WithQueueSize(n int) Option {
	return func(r *Registry) {
		if n > 0 {
			r.queueSize = n
		}
	}
}

// WithOverflowPolicy sets the policy applied when a queue is full.
func WithOverflowPolicy(p OverflowPolicy) Option {
	return func(r *Registry) {
		if p != "" {
			r.policy = p
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(l zerolog.Logger) Option {
	return func(r *Registry) {
		r.log = l
	}
}

// New creates an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		conns:     make(map[string]*conn),
		queueSize: DefaultQueueSize,
		policy:    DropOldest,
		log:       zerolog.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register allocates a fresh identity with an empty queue.
func (r *Registry) Register(t Transport) (string, error) {
	c := &conn{
		id:          uuid.NewString(),
		transport:   t,
		connectedAt: r.now(),
		live:        true,
		notify:      make(chan struct{}, 1),
		done:        make(chan struct{}),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return "", ErrClosed
	}
	for r.conns[c.id] != nil {
		c.id = uuid.NewString()
	}
	r.conns[c.id] = c
	total := len(r.conns)
	r.mu.Unlock()

	r.log.Debug().Str("conn_id", c.id).Str("transport", string(t)).Int("total", total).Msg("connection registered")
	return c.id, nil
}

// Unregister marks the connection dead, discards its queue and wakes any
// blocked Drain. Unknown identities are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	total := len(r.conns)
	r.mu.Unlock()

	if !ok {
		return
	}
	c.kill()
	r.log.Debug().Str("conn_id", id).Str("transport", string(c.transport)).Int("total", total).Msg("connection unregistered")
}

func (c *conn) kill() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.live {
		return
	}
	c.live = false
	c.queue = nil
	close(c.done)
}

func (r *Registry) lookup(id string) *conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Enqueue appends ev to the connection's queue. It reports whether the
// event was accepted; a dead or unknown identity is a no-op.
func (r *Registry) Enqueue(id string, ev event.Event) bool {
	c := r.lookup(id)
	if c == nil {
		return false
	}

	c.mu.Lock()
	if !c.live {
		c.mu.Unlock()
		return false
	}
	if len(c.queue) >= r.queueSize {
		if r.policy == Disconnect {
			c.mu.Unlock()
			r.log.Warn().Str("conn_id", id).Int("queue_size", r.queueSize).Msg("queue overflow; disconnecting")
			r.Unregister(id)
			return false
		}
		c.queue[0] = event.Event{}
		c.queue = c.queue[1:]
		c.dropped++
	}
	c.queue = append(c.queue, ev)
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// Drain blocks until the next queued event is available and returns it with
// ok set. It returns ok=false once the connection is unregistered, when the
// identity is unknown, or when ctx is done.
func (r *Registry) Drain(ctx context.Context, id string) (event.Event, bool) {
	c := r.lookup(id)
	if c == nil {
		return event.Event{}, false
	}

	for {
		c.mu.Lock()
		if !c.live {
			c.mu.Unlock()
			return event.Event{}, false
		}
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue[0] = event.Event{}
			c.queue = c.queue[1:]
			c.mu.Unlock()
			return ev, true
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-c.done:
			return event.Event{}, false
		case <-ctx.Done():
			return event.Event{}, false
		}
	}
}

// Targets returns a snapshot of live identities. With no arguments every
// connection is included; otherwise only those using one of ts.
func (r *Registry) Targets(ts ...Transport) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.conns))
	for id, c := range r.conns {
		if matches(c.transport, ts) {
			ids = append(ids, id)
		}
	}
	return ids
}

func matches(t Transport, ts []Transport) bool {
	if len(ts) == 0 {
		return true
	}
	for _, want := range ts {
		if t == want {
			return true
		}
	}
	return false
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Count returns the number of live connections using transport t.
func (r *Registry) Count(t Transport) int {
	return len(r.Targets(t))
}

// Stats reports queue state for a live connection.
func (r *Registry) Stats(id string) (ConnStats, error) {
	c := r.lookup(id)
	if c == nil {
		return ConnStats{}, fmt.Errorf("%w: %s", ErrUnknownConnection, id)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return ConnStats{
		ID:          c.id,
		Transport:   c.transport,
		ConnectedAt: c.connectedAt,
		Queued:      len(c.queue),
		Dropped:     c.dropped,
	}, nil
}

// Done returns a channel closed when the connection is unregistered. Unknown
// identities yield an already closed channel.
func (r *Registry) Done(id string) <-chan struct{} {
	if c := r.lookup(id); c != nil {
		return c.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Close unregisters every connection and rejects further registrations.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	conns := make([]*conn, 0, len(r.conns))
	for id, c := range r.conns {
		conns = append(conns, c)
		delete(r.conns, id)
	}
	r.mu.Unlock()

	for _, c := range conns {
		c.kill()
	}
	r.log.Info().Int("closed", len(conns)).Msg("registry closed")
}
