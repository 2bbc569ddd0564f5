// Package principal names the caller behind a relay connection for
// per-caller admission limits and connection logs.
package principal

import (
	"net"
	"net/http"
	"strings"

	"github.com/vango-go/live-relay/pkg/gateway/auth"
	"github.com/vango-go/live-relay/pkg/gateway/ratelimit"
)

// Anonymous is the shared bucket for callers with neither a relay key nor a
// parseable address.
const Anonymous = "anonymous"

// LimitKey returns the bucket a connection is admitted under: the hashed
// relay key when the request authenticated, else the client IP.
func LimitKey(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return Anonymous
	}
	if p, ok := auth.PrincipalFrom(r.Context()); ok && p != nil && strings.TrimSpace(p.APIKey) != "" {
		return ratelimit.PrincipalKeyFromAPIKey(p.APIKey)
	}
	if ip := ClientIP(r, trustProxyHeaders); ip != "" {
		return ratelimit.PrincipalKeyFromIP(ip)
	}
	return Anonymous
}

// ClientIP is the browser's address. Proxy headers are only consulted when
// the relay sits behind a trusted proxy; otherwise a client could pick its
// own bucket.
func ClientIP(r *http.Request, trustProxyHeaders bool) string {
	if r == nil {
		return ""
	}
	if trustProxyHeaders {
		for _, header := range []string{"CF-Connecting-IP", "X-Real-IP"} {
			if ip := normalizeIP(r.Header.Get(header)); ip != "" {
				return ip
			}
		}
		// Left-most entry of "client, proxy1, proxy2".
		if first, _, _ := strings.Cut(r.Header.Get("X-Forwarded-For"), ","); first != "" {
			if ip := normalizeIP(first); ip != "" {
				return ip
			}
		}
	}
	return normalizeIP(r.RemoteAddr)
}

// normalizeIP accepts "ip" or "ip:port" and returns the canonical IP text.
func normalizeIP(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}
	ip := net.ParseIP(s)
	if ip == nil {
		return ""
	}
	return ip.String()
}
