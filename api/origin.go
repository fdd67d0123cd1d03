package api

import (
	"net"
	"net/http"
	"net/url"
	"strings"
)

// OriginPolicy decides which browser origins may call the API. Requests
// without an Origin header (CLI, curl, other daemons) are always allowed.
// Loopback origins are always allowed; anything else must be listed.
type OriginPolicy struct {
	allowed map[string]bool
}

// NewOriginPolicy allows loopback origins plus the listed ones, compared
// case-insensitively without a trailing slash.
func NewOriginPolicy(origins ...string) *OriginPolicy {
	p := &OriginPolicy{allowed: make(map[string]bool, len(origins))}
	for _, o := range origins {
		if o = normalizeOrigin(o); o != "" {
			p.allowed[o] = true
		}
	}
	return p
}

// Allow reports whether origin may call the API.
func (p *OriginPolicy) Allow(origin string) bool {
	if origin == "" {
		return true
	}
	if p != nil && p.allowed[normalizeOrigin(origin)] {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// CheckOrigin adapts Allow to websocket.Upgrader.
func (p *OriginPolicy) CheckOrigin(r *http.Request) bool {
	return p.Allow(r.Header.Get("Origin"))
}

// guard rejects requests from origins the policy does not allow, including
// simple requests that never go through a CORS preflight.
func (p *OriginPolicy) guard(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.CheckOrigin(r) {
			writeJSON(w, http.StatusForbidden, map[string]string{"error": "origin not allowed"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func normalizeOrigin(o string) string {
	return strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
}
