// Package clientip resolves the "true" client IP for a request, grounded on
// the teacher's middleware.clientIP / anom.Detector.clientIDFrom helpers,
// generalized to add the CF-Connecting-IP first-match rule from the spec.
package clientip

import (
	"net"
	"net/http"
	"strings"
)

// Extract resolves the client IP per the spec §4.A priority:
//  1. CF-Connecting-IP, if useCloudflare and it parses as an IP literal.
//  2. The leftmost X-Forwarded-For entry that parses as an IP literal.
//  3. The socket peer address.
//
// Never fails: it falls back to the raw RemoteAddr string if nothing parses.
func Extract(r *http.Request, useCloudflare bool) string {
	if useCloudflare {
		if v := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); v != "" {
			if ip := net.ParseIP(v); ip != nil {
				return ip.String()
			}
		}
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, part := range strings.Split(xff, ",") {
			candidate := strings.TrimSpace(part)
			if ip := net.ParseIP(candidate); ip != nil {
				return ip.String()
			}
		}
	}

	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil && host != "" {
		return host
	}
	return r.RemoteAddr
}
