// Package server wires HTTP handlers into a ServeMux for the eventcast
// application via routing helpers.
package server

import "net/http"

// Routes configures and returns an HTTP ServeMux with all application routes.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", IndexHandler)
	mux.HandleFunc("/healthz", HealthHandler)
	mux.HandleFunc("/ws", s.WebSocketHandler)
	mux.HandleFunc("GET /events", s.StreamHandler)
	mux.HandleFunc("GET /api/time", s.TimeHandler)
	mux.HandleFunc("GET /api/task/{id}", s.TaskHandler)
	mux.HandleFunc("POST /api/jobs/{kind}", s.JobHandler)
	mux.HandleFunc("GET /api/stats", s.StatsHandler)
	return mux
}
