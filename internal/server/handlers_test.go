package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Tyrowin/eventcast/internal/compute"
)

func getJSON(t *testing.T, url string, out any) *http.Response {
	t.Helper()
	return doJSON(t, http.MethodGet, url, "", out)
}

func doJSON(t *testing.T, method, url, body string, out any) *http.Response {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	var rd io.Reader = http.NoBody
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make request: %v", err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("Invalid JSON body from %s %s: %v", method, url, err)
		}
	}
	return resp
}

// TestHealthHandler tests the health handler function in isolation.
// It verifies that the handler answers any method with the status text.
func TestHealthHandler(t *testing.T) {
	for _, method := range []string{http.MethodGet, http.MethodPost} {
		t.Run(method, func(t *testing.T) {
			req := httptest.NewRequest(method, "/healthz", http.NoBody)
			rr := httptest.NewRecorder()

			HealthHandler(rr, req)

			if rr.Code != http.StatusOK {
				t.Errorf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
			}
			if want := "eventcast server is running!"; rr.Body.String() != want {
				t.Errorf("handler returned unexpected body: got %v want %v", rr.Body.String(), want)
			}
		})
	}
}

func TestIndexHandler(t *testing.T) {
	_, ts := startTestServer(t, nil)

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/html") {
		t.Errorf("Expected HTML, got %s", ct)
	}
	for _, want := range []string{"new EventSource('/events')", "'/ws'", "/api/task/"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("Page does not reference %s", want)
		}
	}

	unknown, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	unknown.Body.Close()
	if unknown.StatusCode != http.StatusNotFound {
		t.Errorf("Expected 404 for unknown path, got %d", unknown.StatusCode)
	}
}

func TestWebSocketHandlerRejectsNonGet(t *testing.T) {
	_, ts := startTestServer(t, nil)

	for _, method := range []string{http.MethodPost, http.MethodPut, http.MethodDelete} {
		t.Run(method, func(t *testing.T) {
			resp := doJSON(t, method, ts.URL+"/ws", "", nil)
			if resp.StatusCode != http.StatusMethodNotAllowed {
				t.Errorf("Expected 405, got %d", resp.StatusCode)
			}
		})
	}
}

func TestWebSocketHandlerRequiresUpgrade(t *testing.T) {
	s, ts := startTestServer(t, nil)

	resp := doJSON(t, http.MethodGet, ts.URL+"/ws", "", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("Expected 400 for a plain GET, got %d", resp.StatusCode)
	}
	if n := s.Registry().Len(); n != 0 {
		t.Errorf("A failed upgrade must not register a connection, got %d", n)
	}
}

func TestTimeHandler(t *testing.T) {
	cfg := testConfig()
	cfg.TimeDelay = 100 * time.Millisecond
	_, ts := startTestServer(t, cfg)

	var body TimeResponse
	start := time.Now()
	resp := getJSON(t, ts.URL+"/api/time", &body)
	elapsed := time.Since(start)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	if elapsed < cfg.TimeDelay {
		t.Errorf("Response arrived after %v, before the configured delay", elapsed)
	}
	if !timePattern.MatchString(body.Time) {
		t.Errorf("Time %q does not match YYYY-MM-DD HH:MM:SS", body.Time)
	}
	if body.Message != "This is a regular HTTP request/response" {
		t.Errorf("Unexpected message %q", body.Message)
	}
}

type taskBody struct {
	TaskID  int    `json:"task_id"`
	Time    string `json:"time"`
	Message string `json:"message"`
	Error   string `json:"error"`
}

// TestTaskHandlerRunsConcurrently verifies that two task requests are
// processed in parallel and each gets its own result.
func TestTaskHandlerRunsConcurrently(t *testing.T) {
	cfg := testConfig()
	cfg.TaskDelay = 300 * time.Millisecond
	_, ts := startTestServer(t, cfg)

	ids := []int{7, 8}
	results := make([]taskBody, len(ids))
	codes := make([]int, len(ids))

	start := time.Now()
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		go func(i, id int) {
			defer wg.Done()
			resp := getJSON(t, fmt.Sprintf("%s/api/task/%d", ts.URL, id), &results[i])
			codes[i] = resp.StatusCode
		}(i, id)
	}
	wg.Wait()
	elapsed := time.Since(start)

	if elapsed >= 2*cfg.TaskDelay {
		t.Errorf("Tasks ran serially: took %v", elapsed)
	}
	for i, id := range ids {
		if codes[i] != http.StatusOK {
			t.Errorf("Task %d: expected 200, got %d", id, codes[i])
		}
		if results[i].TaskID != id {
			t.Errorf("Expected task_id %d, got %d", id, results[i].TaskID)
		}
		if want := fmt.Sprintf("Task %d has been processed", id); results[i].Message != want {
			t.Errorf("Expected %q, got %q", want, results[i].Message)
		}
		if !timePattern.MatchString(results[i].Time) {
			t.Errorf("Time %q does not match YYYY-MM-DD HH:MM:SS", results[i].Time)
		}
	}
}

func TestTaskHandlerReportsFailureToRequesterOnly(t *testing.T) {
	runner := func(_ context.Context, id int) error {
		if id == 13 {
			return errors.New("unlucky")
		}
		return nil
	}
	s, ts := startTestServer(t, testConfig(), WithTaskRunner(runner))

	st := openStream(t, ts)
	st.nextData(t, time.Second)
	published := s.Hub().Stats().Published

	var failed, ok taskBody
	resp := getJSON(t, ts.URL+"/api/task/13", &failed)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500 for a failing task, got %d", resp.StatusCode)
	}
	if failed.Message != "Task 13 failed" || !strings.Contains(failed.Error, "unlucky") {
		t.Errorf("Unexpected failure body %+v", failed)
	}

	resp = getJSON(t, ts.URL+"/api/task/14", &ok)
	if resp.StatusCode != http.StatusOK || ok.Message != "Task 14 has been processed" {
		t.Errorf("A failed task must not affect the next one: %d %+v", resp.StatusCode, ok)
	}

	if got := s.Hub().Stats().Published; got != published {
		t.Errorf("Task results must never be broadcast: published went %d -> %d", published, got)
	}
}

func TestTaskHandlerReportsPanics(t *testing.T) {
	runner := func(context.Context, int) error { panic("kaboom") }
	_, ts := startTestServer(t, testConfig(), WithTaskRunner(runner))

	var body taskBody
	resp := getJSON(t, ts.URL+"/api/task/1", &body)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500, got %d", resp.StatusCode)
	}
	if !strings.Contains(body.Error, "kaboom") {
		t.Errorf("Expected the panic value in the error, got %q", body.Error)
	}
}

func TestTaskHandlerRejectsNonIntegerID(t *testing.T) {
	_, ts := startTestServer(t, nil)

	for _, path := range []string{"/api/task/abc", "/api/task/1.5", "/api/task/"} {
		resp := doJSON(t, http.MethodGet, ts.URL+path, "", nil)
		if resp.StatusCode != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, resp.StatusCode)
		}
	}
}

func TestTaskHandlerTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.TaskTimeout = 50 * time.Millisecond
	cfg.TaskDelay = time.Hour
	_, ts := startTestServer(t, cfg)

	var body taskBody
	resp := getJSON(t, ts.URL+"/api/task/3", &body)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("Expected 500 for a timed out task, got %d", resp.StatusCode)
	}
	if body.Message != "Task 3 failed" {
		t.Errorf("Unexpected message %q", body.Message)
	}
}

func TestJobHandler(t *testing.T) {
	_, ts := startTestServer(t, nil)

	tests := []struct {
		name       string
		path       string
		body       string
		wantStatus int
		check      func(t *testing.T, r JobResponse)
	}{
		{
			name:       "video job yields a file artifact",
			path:       "/api/jobs/video",
			body:       `{"prompt":"a cat surfing"}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, r JobResponse) {
				if r.Artifact == nil || !strings.HasSuffix(r.Artifact.Path, r.JobID+".mp4") {
					t.Errorf("Unexpected artifact %+v", r.Artifact)
				}
			},
		},
		{
			name:       "recommendation defaults topk",
			path:       "/api/jobs/recommend",
			body:       `{"user_id":"42"}`,
			wantStatus: http.StatusOK,
			check: func(t *testing.T, r JobResponse) {
				items, _ := r.Artifact.Data["items"].([]any)
				if len(items) != 10 {
					t.Errorf("Expected 10 items, got %d", len(items))
				}
			},
		},
		{
			name:       "missing parameter",
			path:       "/api/jobs/image",
			body:       `{}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty body",
			path:       "/api/jobs/inference",
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "malformed body",
			path:       "/api/jobs/inference",
			body:       `{"prompt":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown kind",
			path:       "/api/jobs/teleport",
			body:       `{}`,
			wantStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var r JobResponse
			resp := doJSON(t, http.MethodPost, ts.URL+tt.path, tt.body, &r)
			if resp.StatusCode != tt.wantStatus {
				t.Fatalf("Expected %d, got %d (%+v)", tt.wantStatus, resp.StatusCode, r)
			}
			if tt.check != nil {
				tt.check(t, r)
			}
		})
	}
}

type failingBackend struct{ err error }

func (b failingBackend) Submit(context.Context, compute.Job) (compute.Artifact, error) {
	return compute.Artifact{}, b.err
}

func TestJobHandlerBackendFailure(t *testing.T) {
	_, ts := startTestServer(t, testConfig(), WithBackend(failingBackend{err: errors.New("gpu on fire")}))

	var r JobResponse
	resp := doJSON(t, http.MethodPost, ts.URL+"/api/jobs/inference", `{"prompt":"hello"}`, &r)
	if resp.StatusCode != http.StatusBadGateway {
		t.Errorf("Expected 502, got %d", resp.StatusCode)
	}
	if !strings.Contains(r.Error, "gpu on fire") || r.Artifact != nil {
		t.Errorf("Unexpected body %+v", r)
	}
}

func TestStatsHandler(t *testing.T) {
	s, ts := startTestServer(t, nil)

	st := openStream(t, ts)
	st.nextData(t, time.Second)
	dialSocket(t, s, ts)

	var body StatsResponse
	resp := getJSON(t, ts.URL+"/api/stats", &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
	want := ConnectionCounts{Stream: 1, Socket: 1, Total: 2}
	if body.Connections != want {
		t.Errorf("Expected %+v, got %+v", want, body.Connections)
	}
	if body.Pool.Size != 4 {
		t.Errorf("Expected pool size 4, got %d", body.Pool.Size)
	}
}

func TestRoutesRejectWrongMethods(t *testing.T) {
	_, ts := startTestServer(t, nil)

	tests := []struct{ method, path string }{
		{http.MethodPost, "/api/time"},
		{http.MethodDelete, "/api/task/1"},
		{http.MethodGet, "/api/jobs/image"},
		{http.MethodPost, "/events"},
	}
	for _, tt := range tests {
		resp := doJSON(t, tt.method, ts.URL+tt.path, "", nil)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tt.method, tt.path, resp.StatusCode)
		}
	}
}

// TestCreateServer verifies the listener configuration used in production.
func TestCreateServer(t *testing.T) {
	mux := http.NewServeMux()
	srv := CreateServer(":8080", mux)

	if srv.Addr != ":8080" {
		t.Errorf("Expected server addr :8080, got %s", srv.Addr)
	}
	if srv.Handler != mux {
		t.Error("Server handler not set correctly")
	}
	if srv.ReadTimeout != 15*time.Second {
		t.Errorf("Expected ReadTimeout 15s, got %v", srv.ReadTimeout)
	}
	if srv.WriteTimeout != 15*time.Second {
		t.Errorf("Expected WriteTimeout 15s, got %v", srv.WriteTimeout)
	}
	if srv.IdleTimeout != 60*time.Second {
		t.Errorf("Expected IdleTimeout 60s, got %v", srv.IdleTimeout)
	}
}
