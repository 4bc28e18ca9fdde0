// Package server implements the eventcast HTTP, server-sent events and
// WebSocket surface.
//
// A Server is an explicitly constructed context holding the connection
// registry, the hub that fans events out to it, the task pool used by the
// request handlers and the compute backend. Nothing is process-global, so
// several servers can coexist in one process (the tests rely on that).
package server

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/eventcast/internal/compute"
	"github.com/Tyrowin/eventcast/internal/event"
	"github.com/Tyrowin/eventcast/internal/logging"
	"github.com/Tyrowin/eventcast/internal/registry"
	"github.com/Tyrowin/eventcast/internal/taskpool"
)

// TaskRunner performs the simulated work behind GET /api/task/{id}.
type TaskRunner func(ctx context.Context, id int) error

// Server bundles every shared component. Create it with New and call Start
// before serving requests.
type Server struct {
	cfg Config
	log zerolog.Logger

	registry *registry.Registry
	hub      *Hub
	pool     *taskpool.Pool
	backend  compute.Backend
	runTask  TaskRunner

	origins  originPolicy
	upgrader websocket.Upgrader
	now      func() time.Time

	httpServer *http.Server

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	started   atomic.Bool

	// goMu orders wg.Add against the Wait in Shutdown.
	goMu    sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// Option customizes a Server.
type Option func(*Server)

// WithBackend replaces the simulated compute backend.
func WithBackend(b compute.Backend) Option {
	return func(s *Server) {
		if b != nil {
			s.backend = b
		}
	}
}

// WithTaskRunner replaces the simulated work of the task endpoint.
func WithTaskRunner(fn TaskRunner) Option {
	return func(s *Server) {
		if fn != nil {
			s.runTask = fn
		}
	}
}

// New builds a server from cfg. A nil cfg means defaults.
func New(cfg *Config, logger zerolog.Logger, opts ...Option) (*Server, error) {
	c := defaultConfig()
	if cfg != nil {
		c = *cfg
		c.AllowedOrigins = append([]string(nil), cfg.AllowedOrigins...)
	}
	c.sanitize()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	reg := registry.New(
		registry.WithQueueSize(c.QueueSize),
		registry.WithOverflowPolicy(registry.OverflowPolicy(c.OverflowPolicy)),
		registry.WithLogger(logging.Component(logger, "registry")),
	)

	s := &Server{
		cfg:      c,
		log:      logging.Component(logger, "server"),
		registry: reg,
		hub:      NewHub(reg, logging.Component(logger, "hub")),
		pool: taskpool.New(c.PoolSize,
			taskpool.WithTaskTimeout(c.TaskTimeout),
			taskpool.WithLogger(logging.Component(logger, "taskpool")),
		),
		backend: compute.NewSimulated(c.Compute.Latency, c.Compute.ArtifactDir),
		origins: newOriginPolicy(c.AllowedOrigins, logging.Component(logger, "origin")),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	s.runTask = s.simulatedTask
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.origins.checkOrigin,
		Subprotocols:    subprotocols(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = CreateServer(c.Port, s.Routes())
	return s, nil
}

func subprotocols() []string {
	codecs := event.Codecs()
	names := make([]string, 0, len(codecs))
	for _, c := range codecs {
		names = append(names, c.Name())
	}
	return names
}

// Start launches the hub run loop and, in shared tick mode, the shared
// ticker. It is safe to call more than once.
func (s *Server) Start() {
	s.startOnce.Do(func() {
		s.started.Store(true)
		go s.hub.Run(s.ctx)
		if s.cfg.TickMode == TickModeShared {
			s.spawn(func() { s.runSharedTicker(s.ctx) })
		}
		s.log.Info().
			Int("pool_size", s.cfg.PoolSize).
			Int("queue_size", s.cfg.QueueSize).
			Str("overflow_policy", s.cfg.OverflowPolicy).
			Str("tick_mode", s.cfg.TickMode).
			Msg("server started")
	})
}

// spawn runs each fn in its own goroutine tracked by the server wait group.
// It reports false, starting nothing, once Shutdown has begun waiting.
func (s *Server) spawn(fns ...func()) bool {
	s.goMu.Lock()
	defer s.goMu.Unlock()
	if s.closing {
		return false
	}
	s.wg.Add(len(fns))
	for _, fn := range fns {
		go func() {
			defer s.wg.Done()
			fn()
		}()
	}
	return true
}

// Config returns the sanitized configuration in use.
func (s *Server) Config() Config { return s.cfg }

// Registry exposes the connection registry.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Hub exposes the event broadcaster.
func (s *Server) Hub() *Hub { return s.hub }

// Pool exposes the task pool.
func (s *Server) Pool() *taskpool.Pool { return s.pool }

// Shutdown stops the hub (terminating every stream and socket delivery
// loop), shuts the HTTP listener down, waits for connection goroutines and
// finally drains the task pool. The first error is returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("initiating shutdown")
	s.cancel()
	if s.started.Load() {
		select {
		case <-s.hub.Done():
		case <-ctx.Done():
			return fmt.Errorf("server: waiting for hub: %w", ctx.Err())
		}
	} else {
		s.registry.Close()
	}

	var firstErr error
	if err := ShutdownServer(ctx, s.httpServer); err != nil {
		firstErr = err
	}

	s.goMu.Lock()
	s.closing = true
	s.goMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("shutdown timeout reached, some connection goroutines may still be running")
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}

	if err := s.pool.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr == nil {
		s.log.Info().Msg("shutdown completed")
	}
	return firstErr
}
