// Package source extracts the client source address that rate limiting,
// bans, and stats key on. Behind a reverse proxy the first X-Forwarded-For
// entry is the client; otherwise the peer address is used.
package source

import (
	"net"
	"net/http"
	"strings"
)

// Unknown is the fallback when no address can be determined.
const Unknown = "0.0.0.0"

// FromRequest returns the client source address for an HTTP request.
func FromRequest(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.SplitN(fwd, ",", 2)[0])
		if first != "" {
			return first
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-Ip")); real != "" {
		return real
	}
	return FromAddr(r.RemoteAddr)
}

// FromAddr strips the port from a host:port peer address.
func FromAddr(addr string) string {
	if addr == "" {
		return Unknown
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}
