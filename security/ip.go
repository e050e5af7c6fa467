package security

import (
	"net"
	"net/http"
	"strings"
)

// ProxyConfig describes the reverse proxies in front of the server.
type ProxyConfig struct {
	// TrustProxy enables X-Forwarded-For and X-Real-IP. Only enable it
	// behind a reverse proxy that overwrites these headers.
	TrustProxy bool

	// TrustedProxyCount is the number of proxies appending to
	// X-Forwarded-For that are under our control. Zero means one.
	TrustedProxyCount int
}

// GetClientIP extracts the client IP address from the request.
//
// X-Forwarded-For has the form "client, proxy1, proxy2"; the client is the
// entry left of the trusted proxies, so spoofed entries prepended by the
// client are ignored.
func GetClientIP(r *http.Request, cfg ProxyConfig) string {
	if r == nil {
		return ""
	}
	if cfg.TrustProxy {
		if ip := ipFromForwardedFor(r.Header.Get("X-Forwarded-For"), cfg.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func ipFromForwardedFor(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")

	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}
	idx := len(ips) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
