package server

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// OriginPolicy decides which browser origins may open a WebSocket.
type OriginPolicy struct {
	allowed  map[string]struct{}
	origins  []string
	allowAll bool
	logger   zerolog.Logger
}

// NewOriginPolicy builds a policy from configured origins. "*" allows every
// origin; malformed entries are logged and skipped.
func NewOriginPolicy(origins []string, logger zerolog.Logger) *OriginPolicy {
	p := &OriginPolicy{
		allowed: make(map[string]struct{}),
		logger:  logger.With().Str("component", "origin").Logger(),
	}

	for _, origin := range origins {
		trimmed := strings.TrimSpace(origin)
		if trimmed == "" {
			continue
		}

		if trimmed == "*" {
			p.allowAll = true
			continue
		}

		normalized, ok := normalizeOrigin(trimmed)
		if !ok {
			p.logger.Warn().Str("origin", origin).Msg("ignoring invalid origin in configuration")
			continue
		}

		if _, dup := p.allowed[normalized]; !dup {
			p.allowed[normalized] = struct{}{}
			p.origins = append(p.origins, normalized)
		}
	}

	return p
}

// Origins returns the normalized allow list, or ["*"] when every origin is
// allowed.
func (p *OriginPolicy) Origins() []string {
	if p.allowAll {
		return []string{"*"}
	}
	return append([]string(nil), p.origins...)
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil {
		return "", false
	}

	if parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}

	normalized := strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host)
	return normalized, true
}

// Allowed reports whether the request's Origin header is on the list.
// Requests without an Origin header are refused.
func (p *OriginPolicy) Allowed(r *http.Request) bool {
	originHeader := r.Header.Get("Origin")
	if originHeader == "" {
		return false
	}

	normalizedOrigin, ok := normalizeOrigin(originHeader)
	if !ok {
		return false
	}

	if p.allowAll {
		return true
	}

	_, exists := p.allowed[normalizedOrigin]
	return exists
}

// CheckOrigin is the upgrader hook.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	if p.Allowed(r) {
		return true
	}

	p.logger.Warn().Str("origin", r.Header.Get("Origin")).Msg("blocked WebSocket connection from disallowed origin")
	return false
}
