package util

import "net/netip"

// IsLoopbackHostname reports whether hostname (as returned by url.URL.Hostname)
// names the local machine: "localhost", anything in 127.0.0.0/8, or ::1.
// 0.0.0.0 is not a loopback address.
func IsLoopbackHostname(hostname string) bool {
	if hostname == "localhost" {
		return true
	}
	addr, err := netip.ParseAddr(hostname)
	if err != nil {
		return false
	}
	return addr.Unmap().IsLoopback()
}
