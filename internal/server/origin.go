// Package server normalizes and validates HTTP origins for WebSocket requests
// to enforce configured access control.
package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// originPolicy is built once from Config.AllowedOrigins. A "*" entry allows
// every origin, including requests without an Origin header.
type originPolicy struct {
	allowAll bool
	allowed  map[string]struct{}
	log      zerolog.Logger
}

func newOriginPolicy(origins []string, log zerolog.Logger) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(origins)), log: log}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		switch {
		case trimmed == "":
			continue
		case trimmed == "*":
			p.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			log.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}
		p.allowed[normalized] = struct{}{}
	}
	return p
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}

func (p originPolicy) allows(r *http.Request) bool {
	if p.allowAll {
		return true
	}

	header := r.Header.Get("Origin")
	if header == "" {
		return false
	}
	normalized, ok := normalizeOrigin(header)
	if !ok {
		return false
	}
	_, exists := p.allowed[normalized]
	return exists
}

// checkOrigin is the websocket.Upgrader CheckOrigin hook.
func (p originPolicy) checkOrigin(r *http.Request) bool {
	if p.allows(r) {
		return true
	}

	p.log.Warn().Str("origin", r.Header.Get("Origin")).Str("remote_addr", r.RemoteAddr).Msg("blocked websocket connection from disallowed origin")
	return false
}
