// Package server coordinates event fan-out to every registered connection
// via the Hub type.
package server

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/eventcast/internal/event"
	"github.com/Tyrowin/eventcast/internal/registry"
)

// ErrHubStopped is returned by Publish once the hub's run loop has exited.
var ErrHubStopped = errors.New("hub: stopped")

// publication is one Publish call waiting for the run loop.
type publication struct {
	ev         event.Event
	transports []registry.Transport
}

// HubStats counts hub activity since start.
type HubStats struct {
	Published uint64 `json:"published"`
	Delivered uint64 `json:"delivered"`
}

// Hub is the event broadcaster. All publications pass through a single run
// loop, so every connection's queue receives events in publish order.
type Hub struct {
	registry *registry.Registry
	publish  chan publication
	log      zerolog.Logger

	startOnce sync.Once
	done      chan struct{}

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewHub creates a hub delivering into reg. Call Run to start it.
func NewHub(reg *registry.Registry, log zerolog.Logger) *Hub {
	return &Hub{
		registry: reg,
		publish:  make(chan publication, 64),
		log:      log,
		done:     make(chan struct{}),
	}
}

// Run processes publications until ctx is done, then closes the registry so
// every delivery loop terminates. Only the first call does anything.
func (h *Hub) Run(ctx context.Context) {
	h.startOnce.Do(func() {
		h.run(ctx)
	})
}

func (h *Hub) run(ctx context.Context) {
	defer close(h.done)
	h.log.Info().Msg("hub started")

	for {
		select {
		case <-ctx.Done():
			h.log.Info().Int("connections", h.registry.Len()).Msg("shutting down all connections")
			h.registry.Close()
			return
		case p := <-h.publish:
			h.deliver(p)
		}
	}
}

// deliver enqueues one event into every target's queue. Connections that
// vanish after the snapshot simply miss it.
func (h *Hub) deliver(p publication) {
	targets := h.registry.Targets(p.transports...)
	delivered := 0
	for _, id := range targets {
		if h.registry.Enqueue(id, p.ev) {
			delivered++
		}
	}
	h.delivered.Add(uint64(delivered))
	h.log.Debug().Str("kind", string(p.ev.Kind())).Int("targets", len(targets)).Int("delivered", delivered).Msg("broadcast")
}

// Publish delivers ev to every live connection.
func (h *Hub) Publish(ctx context.Context, ev event.Event) error {
	return h.PublishTo(ctx, ev)
}

// PublishTo delivers ev to every live connection using one of transports,
// or to all connections when none are given. It blocks only while the run
// loop's intake is full.
func (h *Hub) PublishTo(ctx context.Context, ev event.Event, transports ...registry.Transport) error {
	if ev.IsZero() {
		return event.ErrZeroEvent
	}
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}

	select {
	case h.publish <- publication{ev: ev, transports: transports}:
		h.published.Add(1)
		return nil
	case <-h.done:
		return ErrHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the run loop has exited.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Stats returns publication counters.
func (h *Hub) Stats() HubStats {
	return HubStats{
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
	}
}
