package realtime

import (
	"net/http"
	"net/url"
	"strings"
)

type originPolicy struct {
	allowAll bool
	allowed  string
}

func newOriginPolicy(origin string) originPolicy {
	origin = strings.TrimSpace(origin)
	if origin == "*" {
		return originPolicy{allowAll: true}
	}
	normalized, _ := normalizeOrigin(origin)
	return originPolicy{allowed: normalized}
}

// allow mirrors the HTTP CORS rule. Requests without an Origin header come
// from non-browser clients and are let through.
func (p originPolicy) allow(r *http.Request) bool {
	header := r.Header.Get("Origin")
	if header == "" || p.allowAll {
		return true
	}
	normalized, ok := normalizeOrigin(header)
	return ok && p.allowed != "" && normalized == p.allowed
}

func normalizeOrigin(origin string) (string, bool) {
	parsed, err := url.Parse(origin)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Scheme) + "://" + strings.ToLower(parsed.Host), true
}
