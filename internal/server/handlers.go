// Package server exposes HTTP handlers, including WebSocket upgrades, the
// synchronous API endpoints, health checks, and the built-in page.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Tyrowin/eventcast/internal/compute"
	"github.com/Tyrowin/eventcast/internal/event"
	"github.com/Tyrowin/eventcast/internal/registry"
	"github.com/Tyrowin/eventcast/internal/taskpool"
)

// maxJobBody bounds the JSON parameters accepted by the job endpoint.
const maxJobBody = 1 << 20

// WebSocketHandler handles WebSocket upgrade requests for the socket gateway.
// It validates that the request uses the GET method, upgrades the connection,
// registers it and starts its pumps.
func (s *Server) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	id, err := s.registry.Register(registry.TransportSocket)
	if err != nil {
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "server shutting down")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}

	client := newSocketClient(s, id, conn, r.RemoteAddr)
	client.log.Info().Msg("socket client connected")
	client.run()
}

// HealthHandler provides a simple health check endpoint that returns server status.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprint(w, "eventcast server is running!")
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// simulatedTask is the default TaskRunner: a fixed delay standing in for a
// slow operation.
func (s *Server) simulatedTask(ctx context.Context, _ int) error {
	return sleepCtx(ctx, s.cfg.TaskDelay)
}

// extendWriteDeadline gives the response a fresh write window after a long
// wait on the pool.
func (s *Server) extendWriteDeadline(w http.ResponseWriter) {
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Now().Add(15 * time.Second)); err != nil && !errors.Is(err, http.ErrNotSupported) {
		s.log.Debug().Err(err).Msg("could not extend write deadline")
	}
}

// TimeHandler serves GET /api/time. The delay runs on the task pool, so a
// slow time query never holds up connection handling.
func (s *Server) TimeHandler(w http.ResponseWriter, r *http.Request) {
	task := s.pool.Submit("time-"+uuid.NewString(), func(ctx context.Context) (any, error) {
		if err := sleepCtx(ctx, s.cfg.TimeDelay); err != nil {
			return nil, err
		}
		return s.now(), nil
	})

	res, err := task.Await(r.Context())
	if err != nil {
		s.respondAwaitError(w, r, task.ID, err)
		return
	}

	s.extendWriteDeadline(w)
	body := TimeResponse{
		Time:    event.FormatTime(res.(time.Time)),
		Message: "This is a regular HTTP request/response",
	}
	if err := writeJSON(w, http.StatusOK, body); err != nil {
		s.log.Debug().Err(err).Msg("error writing time response")
	}
}

// TaskHandler serves GET /api/task/{id}: it submits one task tagged with id
// and blocks this request, and only this request, until it completes.
func (s *Server) TaskHandler(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.Atoi(r.PathValue("id"))
	if err != nil {
		http.NotFound(w, r)
		return
	}

	task := s.pool.Submit(strconv.Itoa(id), func(ctx context.Context) (any, error) {
		return nil, s.runTask(ctx, id)
	})

	_, err = task.Await(r.Context())
	if r.Context().Err() != nil {
		s.log.Debug().Str("task_id", task.ID).Msg("task requester went away")
		return
	}

	s.extendWriteDeadline(w)
	status := http.StatusOK
	if err != nil {
		status = failureStatus(err, http.StatusInternalServerError)
		s.log.Warn().Err(err).Str("task_id", task.ID).Msg("task failed")
	}
	if werr := writeJSON(w, status, event.NewTaskResult(s.now(), id, err)); werr != nil {
		s.log.Debug().Err(werr).Msg("error writing task response")
	}
}

// JobHandler serves POST /api/jobs/{kind}: the JSON body holds the job
// parameters; the job runs on the task pool against the compute backend.
func (s *Server) JobHandler(w http.ResponseWriter, r *http.Request) {
	kind, err := compute.ParseKind(r.PathValue("kind"))
	if err != nil {
		_ = writeJSON(w, http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}

	params := map[string]any{}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJobBody))
	if err := dec.Decode(&params); err != nil && !errors.Is(err, io.EOF) {
		_ = writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON body: " + err.Error()})
		return
	}

	job := compute.Job{ID: uuid.NewString(), Kind: kind, Params: params}
	if err := compute.Validate(&job); err != nil {
		_ = writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	task := s.pool.Submit(job.ID, func(ctx context.Context) (any, error) {
		return s.backend.Submit(ctx, job)
	})
	res, err := task.Await(r.Context())
	if r.Context().Err() != nil {
		s.log.Debug().Str("job_id", job.ID).Msg("job requester went away")
		return
	}

	s.extendWriteDeadline(w)
	body := JobResponse{JobID: job.ID, Kind: kind, Time: event.FormatTime(s.now())}
	if err != nil {
		body.Error = err.Error()
		s.log.Warn().Err(err).Str("job_id", job.ID).Str("kind", string(kind)).Msg("compute job failed")
		_ = writeJSON(w, failureStatus(err, http.StatusBadGateway), body)
		return
	}
	art := res.(compute.Artifact)
	body.Artifact = &art
	body.Time = event.FormatTime(art.FinishedAt)
	if err := writeJSON(w, http.StatusOK, body); err != nil {
		s.log.Debug().Err(err).Msg("error writing job response")
	}
}

// StatsHandler serves GET /api/stats.
func (s *Server) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	stream := s.registry.Count(registry.TransportStream)
	socket := s.registry.Count(registry.TransportSocket)
	body := StatsResponse{
		Connections: ConnectionCounts{Stream: stream, Socket: socket, Total: stream + socket},
		Pool:        s.pool.Stats(),
		Hub:         s.hub.Stats(),
	}
	if err := writeJSON(w, http.StatusOK, body); err != nil {
		s.log.Debug().Err(err).Msg("error writing stats response")
	}
}

// respondAwaitError maps a failed await to a response. Nothing is written
// when the requester is already gone.
func (s *Server) respondAwaitError(w http.ResponseWriter, r *http.Request, taskID string, err error) {
	if r.Context().Err() != nil {
		s.log.Debug().Str("task_id", taskID).Msg("requester went away")
		return
	}
	s.log.Warn().Err(err).Str("task_id", taskID).Msg("pooled request failed")
	_ = writeJSON(w, failureStatus(err, http.StatusInternalServerError), errorResponse{Error: err.Error()})
}

// failureStatus is 503 for work the pool refused, fallback otherwise.
func failureStatus(err error, fallback int) int {
	if errors.Is(err, taskpool.ErrPoolClosed) {
		return http.StatusServiceUnavailable
	}
	return fallback
}
