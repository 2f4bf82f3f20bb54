package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP returns the caller's address. chi's RealIP middleware has
// already folded X-Forwarded-For / X-Real-IP into RemoteAddr when it runs
// first; the header is consulted again for handlers mounted without it.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		for _, ip := range strings.Split(forwarded, ",") {
			if parsed := parseIP(ip); parsed != "" {
				return parsed
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return parseIP(r.RemoteAddr)
	}
	return parseIP(host)
}

func parseIP(s string) string {
	ip := net.ParseIP(strings.TrimSpace(s))
	if ip == nil {
		return ""
	}
	return ip.String()
}
