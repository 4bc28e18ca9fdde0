// Package server manages individual WebSocket clients of the socket gateway,
// handling read/write pumps, rate limiting, and lifecycle control for each
// connection.
package server

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/eventcast/internal/event"
	"github.com/Tyrowin/eventcast/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// socketClient is one WebSocket connection attached to a registry identity.
type socketClient struct {
	id      string
	conn    *websocket.Conn
	codec   event.Codec
	srv     *Server
	limiter *rateLimiter
	log     zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func newSocketClient(s *Server, id string, conn *websocket.Conn, addr string) *socketClient {
	codec := event.CodecFor(conn.Subprotocol())
	ctx, cancel := context.WithCancel(s.ctx)
	if s.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(s.cfg.MaxMessageSize)
	}

	return &socketClient{
		id:      id,
		conn:    conn,
		codec:   codec,
		srv:     s,
		limiter: newRateLimiter(s.cfg.RateLimit),
		log: s.log.With().
			Str("conn_id", id).
			Str("transport", string(registry.TransportSocket)).
			Str("remote_addr", addr).
			Str("codec", codec.Name()).
			Logger(),
		ctx:    ctx,
		cancel: cancel,
	}
}

// run starts the pumps on the server's wait group. Once shutdown has begun
// the connection is closed instead.
func (c *socketClient) run() {
	if c.srv.spawn(c.writePump, c.pingLoop, c.readPump) {
		return
	}
	c.cancel()
	c.srv.registry.Unregister(c.id)
	c.writeCloseMessage()
	if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
		c.log.Debug().Err(err).Msg("error closing connection refused during shutdown")
	}
}

// setupReadConnection configures read deadlines and pong handler for the WebSocket connection
func (c *socketClient) setupReadConnection() {
	if err := c.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.log.Warn().Err(err).Msg("error setting initial read deadline")
	}
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
}

// handleReadError logs the read failure at a level matching its cause.
func (c *socketClient) handleReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		c.log.Warn().Int64("max_message_size", c.srv.cfg.MaxMessageSize).Msg("message exceeded maximum size")
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		c.log.Info().Msg("socket client disconnected")
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), isExpectedCloseError(err):
		c.log.Info().Err(err).Msg("socket connection closed")
	case websocket.IsUnexpectedCloseError(err, websocket.CloseAbnormalClosure):
		c.log.Warn().Err(err).Msg("unexpected websocket close")
	default:
		c.log.Debug().Err(err).Msg("websocket read ended")
	}
}

// readPump decodes inbound chat frames and publishes them to every
// connection, sender included.
func (c *socketClient) readPump() {
	defer func() {
		c.cancel()
		c.srv.registry.Unregister(c.id)
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error closing connection in readPump")
		}
	}()

	c.setupReadConnection()

	for {
		_, frame, err := c.conn.ReadMessage()
		if err != nil {
			c.handleReadError(err)
			return
		}

		if !c.limiter.allow() {
			c.log.Warn().
				Int("burst", c.srv.cfg.RateLimit.Burst).
				Dur("refill_interval", c.srv.cfg.RateLimit.RefillInterval).
				Msg("rate limit exceeded; discarding message")
			continue
		}

		ev, err := c.codec.DecodeChat(frame, c.srv.now())
		if err != nil {
			c.log.Info().Err(err).Msg("invalid message")
			continue
		}

		if err := c.srv.hub.Publish(c.ctx, ev); err != nil {
			c.log.Debug().Err(err).Msg("publish abandoned")
			return
		}
	}
}

// writePump drains the connection's queue and writes one frame per event.
// It ends when the connection is unregistered or a write fails.
func (c *socketClient) writePump() {
	defer func() {
		c.cancel()
		if err := c.conn.Close(); err != nil && !isExpectedCloseError(err) {
			c.log.Warn().Err(err).Msg("error closing connection in writePump")
		}
	}()

	msgType := websocket.TextMessage
	if c.codec.Binary() {
		msgType = websocket.BinaryMessage
	}

	for {
		ev, ok := c.srv.registry.Drain(c.ctx, c.id)
		if !ok {
			c.writeCloseMessage()
			return
		}

		frame, err := c.codec.Encode(ev)
		if err != nil {
			c.log.Error().Err(err).Str("kind", string(ev.Kind())).Msg("error encoding event")
			continue
		}
		if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			c.log.Debug().Err(err).Msg("error setting write deadline")
			return
		}
		if err := c.conn.WriteMessage(msgType, frame); err != nil {
			if !isExpectedCloseError(err) {
				c.log.Debug().Err(err).Msg("error writing message")
			}
			return
		}
	}
}

// writeCloseMessage tells the peer the server is ending the connection.
func (c *socketClient) writeCloseMessage() {
	msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	err := c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	if err != nil && !isExpectedCloseError(err) && !errors.Is(err, websocket.ErrCloseSent) {
		c.log.Debug().Err(err).Msg("error writing close message")
	}
}

// pingLoop keeps the connection alive. WriteControl may run concurrently
// with the write pump.
func (c *socketClient) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("error writing ping")
				c.cancel()
				return
			}
		}
	}
}
