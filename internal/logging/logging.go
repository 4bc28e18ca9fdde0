// Package logging builds the structured zerolog logger shared by every
// component of the server.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log encoding.
type Format string

const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Options configures New.
type Options struct {
	Level  string
	Format Format
	Writer io.Writer
}

// ParseLevel converts a level name to a zerolog level. Empty means info.
func ParseLevel(level string) (zerolog.Level, error) {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		return zerolog.InfoLevel, nil
	}
	if level == "warning" {
		level = "warn"
	}
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("logging: unknown level %q", level)
	}
	return l, nil
}

// ParseFormat validates a format name. Empty means json.
func ParseFormat(format string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(format))) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatConsole:
		return FormatConsole, nil
	default:
		return "", fmt.Errorf("logging: unknown format %q", format)
	}
}

// New returns a timestamped logger writing to opts.Writer (stderr if nil).
func New(opts Options) (zerolog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return zerolog.Nop(), err
	}
	format, err := ParseFormat(string(opts.Format))
	if err != nil {
		return zerolog.Nop(), err
	}

	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}
	if format == FormatConsole {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}

	return zerolog.New(w).Level(level).With().Timestamp().Logger(), nil
}

// Component returns a child logger tagged with the component name.
func Component(l zerolog.Logger, name string) zerolog.Logger {
	return l.With().Str("component", name).Logger()
}
