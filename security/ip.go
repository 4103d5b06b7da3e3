package security

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

// GetClientIP returns the client address used for rate limiting and audit logs.
//
// Forwarding headers are only honoured when trustProxy is set. X-Forwarded-For is read
// from the right: the last trustedProxyCount hops are our own proxies, and the entry
// before them is the client. A count of zero is treated as a single proxy.
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	if trustProxy {
		if ip, ok := clientFromForwardedFor(r.Header.Get("X-Forwarded-For"), trustedProxyCount); ok {
			return ip
		}
		if ip, ok := parseIP(r.Header.Get("X-Real-IP")); ok {
			return ip
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func clientFromForwardedFor(header string, trustedProxyCount int) (string, bool) {
	if header == "" {
		return "", false
	}
	hops := strings.Split(header, ",")

	if trustedProxyCount <= 0 {
		trustedProxyCount = 1
	}
	idx := len(hops) - trustedProxyCount - 1
	if idx < 0 {
		idx = 0
	}
	return parseIP(hops[idx])
}

func parseIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.Unmap().String(), true
}
