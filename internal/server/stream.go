package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Tyrowin/eventcast/internal/event"
	"github.com/Tyrowin/eventcast/internal/registry"
)

// retryMillis is the reconnect hint sent in the stream handshake.
const retryMillis = 3000

// StreamHandler serves GET /events as a server-sent event stream.
//
// The connection is registered on entry (Connecting), receives a handshake
// and an immediate tick (Open), and is unregistered as soon as the client
// goes away or a write fails (Closed).
func (s *Server) StreamHandler(w http.ResponseWriter, r *http.Request) {
	id, err := s.registry.Register(registry.TransportStream)
	if err != nil {
		http.Error(w, "Server is shutting down.", http.StatusServiceUnavailable)
		return
	}
	defer s.registry.Unregister(id)

	log := s.log.With().Str("conn_id", id).Str("transport", string(registry.TransportStream)).Logger()
	log.Info().Str("remote_addr", r.RemoteAddr).Msg("stream client connected")

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// A read deadline firing mid-stream would cancel the request context.
	rc := http.NewResponseController(w)
	if err := rc.SetReadDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Warn().Err(err).Msg("could not lift read deadline for stream")
	}
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		log.Warn().Err(err).Msg("could not lift write deadline for stream")
	}

	if err := writeHandshake(w, id); err != nil {
		log.Debug().Err(err).Msg("stream handshake failed")
		return
	}
	if err := rc.Flush(); err != nil {
		log.Warn().Err(err).Msg("stream flush failed")
		return
	}

	ctx := r.Context()
	s.registry.Enqueue(id, event.NewTick(s.now()))
	if s.cfg.TickMode == TickModeSelf && !s.spawn(func() { s.tickLoop(ctx, id) }) {
		log.Info().Msg("stream refused: server shutting down")
		return
	}

	sent := 0
	for {
		ev, ok := s.registry.Drain(ctx, id)
		if !ok {
			log.Info().Int("sent", sent).Msg("stream client disconnected")
			return
		}
		if err := writeFrame(w, ev); err != nil {
			log.Debug().Err(err).Msg("stream write failed")
			return
		}
		if err := rc.Flush(); err != nil {
			log.Debug().Err(err).Msg("stream flush failed")
			return
		}
		sent++
	}
}

// writeHandshake sends the SSE comment acknowledging the connection and the
// client reconnect delay.
func writeHandshake(w io.Writer, id string) error {
	_, err := fmt.Fprintf(w, ": connected %s\nretry: %d\n\n", id, retryMillis)
	return err
}

// writeFrame writes one event as a "data: <json>" frame terminated by a
// blank line.
func writeFrame(w io.Writer, ev event.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode %s: %w", ev.Kind(), err)
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}

// tickLoop feeds ticks to a single stream connection until it goes away.
func (s *Server) tickLoop(ctx context.Context, id string) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()
	gone := s.registry.Done(id)

	for {
		select {
		case <-ctx.Done():
			return
		case <-gone:
			return
		case <-ticker.C:
			if !s.registry.Enqueue(id, event.NewTick(s.now())) {
				return
			}
		}
	}
}

// runSharedTicker publishes one tick per interval to every stream connection.
func (s *Server) runSharedTicker(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.registry.Count(registry.TransportStream) == 0 {
				continue
			}
			err := s.hub.PublishTo(ctx, event.NewTick(s.now()), registry.TransportStream)
			if err != nil {
				if !errors.Is(err, ErrHubStopped) && !errors.Is(err, context.Canceled) {
					s.log.Warn().Err(err).Msg("shared tick publish failed")
				}
				return
			}
		}
	}
}
