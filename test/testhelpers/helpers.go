// Package testhelpers provides common utilities and helper functions for testing the eventcast server.
//
// This package contains reusable test utilities shared by the integration tests. It provides
// functions for starting test servers, opening event streams and socket connections, and
// asserting response properties to reduce code duplication in test files.
package testhelpers

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/eventcast/internal/server"
)

// TestOrigin is the Origin header sent by ConnectWebSocket.
const TestOrigin = "http://localhost:8080"

// FastConfig returns a configuration without simulated delays.
func FastConfig() *server.Config {
	cfg := server.NewConfig()
	cfg.TimeDelay = 0
	cfg.TaskDelay = 0
	cfg.Compute.Latency = 0
	cfg.ShutdownTimeout = 3 * time.Second
	return cfg
}

// StartServer builds and starts a server behind an httptest listener. Both
// are shut down when the test ends.
func StartServer(t *testing.T, cfg *server.Config, opts ...server.Option) (*server.Server, *httptest.Server) {
	t.Helper()
	if cfg == nil {
		cfg = FastConfig()
	}
	srv, err := server.New(cfg, zerolog.Nop(), opts...)
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}
	srv.Start()
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown failed: %v", err)
		}
		ts.Close()
	})
	return srv, ts
}

// WebSocketURL converts an http test server URL into its /ws endpoint.
func WebSocketURL(baseURL string) string {
	return "ws" + strings.TrimPrefix(baseURL, "http") + "/ws"
}

// AssertStatusCode checks if the HTTP response has the expected status code.
// It fails the test with a descriptive error message if the status codes don't match.
func AssertStatusCode(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	if resp.StatusCode != expected {
		t.Errorf("Expected status code %d, got %d", expected, resp.StatusCode)
	}
}

// AssertContentType checks if the HTTP response has the expected Content-Type header.
// It fails the test with a descriptive error message if the content types don't match.
func AssertContentType(t *testing.T, resp *http.Response, expected string) {
	t.Helper()
	contentType := resp.Header.Get("Content-Type")
	if contentType != expected {
		t.Errorf("Expected content type %s, got %s", expected, contentType)
	}
}

// MakeRequest creates and executes an HTTP request, returning the response.
// It includes a 5-second timeout and fails the test if the request cannot be
// created or executed successfully.
func MakeRequest(t *testing.T, method, url string) *http.Response {
	t.Helper()

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	req, err := http.NewRequest(method, url, http.NoBody)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}

	return resp
}

// GetJSON performs a GET request and decodes the JSON body into out.
func GetJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	resp := MakeRequest(t, http.MethodGet, url)
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("Failed to decode response from %s: %v", url, err)
	}
	return resp
}

// ConnectWebSocket creates a WebSocket connection to the specified URL.
// It returns the connection or an error if connection fails.
func ConnectWebSocket(url string, subprotocols ...string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 5 * time.Second,
		Subprotocols:     subprotocols,
	}

	headers := http.Header{}
	headers.Set("Origin", TestOrigin)

	conn, resp, err := dialer.Dial(url, headers)
	if resp != nil {
		_ = resp.Body.Close()
	}
	return conn, err
}

// ChatMessage is the data part of a chat envelope.
type ChatMessage struct {
	Time     string `json:"time,omitempty" msgpack:"time,omitempty"`
	Username string `json:"username" msgpack:"username"`
	Message  string `json:"message" msgpack:"message"`
}

// Envelope is the frame exchanged on the socket gateway.
type Envelope struct {
	Event string      `json:"event" msgpack:"event"`
	Data  ChatMessage `json:"data" msgpack:"data"`
}

// SendChat sends a chat envelope over the WebSocket connection.
func SendChat(conn *websocket.Conn, username, message string) error {
	return conn.WriteJSON(Envelope{Event: "message", Data: ChatMessage{Username: username, Message: message}})
}

// ReceiveChat reads one envelope, failing after timeout.
func ReceiveChat(conn *websocket.Conn, timeout time.Duration) (Envelope, error) {
	var env Envelope
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return env, err
	}
	err := conn.ReadJSON(&env)
	return env, err
}

// CloseWebSocket gracefully closes a WebSocket connection.
func CloseWebSocket(conn *websocket.Conn) error {
	err := conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	if err != nil {
		return err
	}
	return conn.Close()
}

// EventStream is an open GET /events response.
type EventStream struct {
	Response *http.Response
	frames   chan string
	cancel   context.CancelFunc
}

// OpenEventStream connects to baseURL/events and starts collecting data
// frames. The stream is closed when the test ends.
func OpenEventStream(t *testing.T, baseURL string) *EventStream {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/events", http.NoBody)
	if err != nil {
		cancel()
		t.Fatalf("Failed to create request: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		cancel()
		t.Fatalf("Failed to open event stream: %v", err)
	}

	es := &EventStream{Response: resp, frames: make(chan string, 128), cancel: cancel}
	go func() {
		defer close(es.frames)
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			payload, ok := strings.CutPrefix(sc.Text(), "data: ")
			if !ok {
				continue
			}
			select {
			case es.frames <- payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	t.Cleanup(es.Close)
	return es
}

// Next decodes the next data frame into out. It returns false if the stream
// ends or no frame arrives within timeout.
func (es *EventStream) Next(timeout time.Duration, out any) bool {
	select {
	case payload, ok := <-es.frames:
		if !ok {
			return false
		}
		return json.Unmarshal([]byte(payload), out) == nil
	case <-time.After(timeout):
		return false
	}
}

// Close disconnects the stream.
func (es *EventStream) Close() {
	es.cancel()
	_ = es.Response.Body.Close()
}
