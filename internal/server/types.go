// Package server defines shared response payload types and utility helpers
// reused across the stream, socket and request handlers.
package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Tyrowin/eventcast/internal/compute"
	"github.com/Tyrowin/eventcast/internal/taskpool"
)

// TimeResponse is the body of GET /api/time.
type TimeResponse struct {
	Time    string `json:"time"`
	Message string `json:"message"`
}

// JobResponse is the body of POST /api/jobs/{kind}.
type JobResponse struct {
	JobID    string            `json:"job_id"`
	Kind     compute.Kind      `json:"kind"`
	Time     string            `json:"time"`
	Artifact *compute.Artifact `json:"artifact,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// ConnectionCounts reports live connections per transport.
type ConnectionCounts struct {
	Stream int `json:"stream"`
	Socket int `json:"socket"`
	Total  int `json:"total"`
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Connections ConnectionCounts `json:"connections"`
	Pool        taskpool.Stats   `json:"pool"`
	Hub         HubStats         `json:"hub"`
}

// errorResponse is written for request-level failures.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v with the given status. Encoding errors can only be
// logged by the caller, so they are returned.
func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}
