package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"", zerolog.InfoLevel},
		{"debug", zerolog.DebugLevel},
		{"WARN", zerolog.WarnLevel},
		{"warning", zerolog.WarnLevel},
		{"error", zerolog.ErrorLevel},
	}
	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if err != nil {
			t.Errorf("ParseLevel(%q) returned error: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
	if _, err := ParseLevel("loud"); err == nil {
		t.Error("Expected error for unknown level")
	}
}

func TestNewJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New(Options{Level: "info", Writer: &buf})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	hub := Component(logger, "hub")
	hub.Info().Str("conn_id", "abc").Msg("hello")
	logger.Debug().Msg("filtered")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("Expected exactly one log line, got %d: %q", len(lines), buf.String())
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &entry); err != nil {
		t.Fatalf("Log line is not JSON: %v", err)
	}
	if entry["component"] != "hub" || entry["conn_id"] != "abc" || entry["message"] != "hello" {
		t.Errorf("Unexpected log entry: %v", entry)
	}
	if _, ok := entry["time"]; !ok {
		t.Error("Log entry missing timestamp")
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Error("Expected error for unknown format")
	}
}
