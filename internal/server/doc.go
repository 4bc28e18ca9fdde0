// Package server implements the core HTTP, server-sent events and WebSocket
// functionality for eventcast.
//
// The implementation is organized into specialized files for configuration,
// the hub, socket clients, the stream endpoint, routing, and HTTP handlers
// to keep the codebase maintainable and testable as the project grows.
package server
