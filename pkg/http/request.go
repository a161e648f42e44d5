package http

import (
	"net"
	"net/http"
	"net/netip"
	"strings"
)

const unknownIP = "unknown"

// IPConfig lists the proxies allowed to speak for a client. Entries are CIDR
// ranges or bare addresses; malformed entries are ignored.
type IPConfig struct {
	TrustedProxies []string
}

func (c *IPConfig) trusts(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, entry := range c.TrustedProxies {
		entry = strings.TrimSpace(entry)
		if prefix, err := netip.ParsePrefix(entry); err == nil {
			if prefix.Contains(addr) {
				return true
			}
			continue
		}
		if ip, err := netip.ParseAddr(entry); err == nil && ip.Unmap() == addr {
			return true
		}
	}
	return false
}

// GetClientIP returns the first X-Forwarded-For entry, else the RemoteAddr
// host, else "unknown". The header is taken at face value, so this is only
// safe behind a proxy that overwrites it.
func GetClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	return remoteHost(r)
}

// ClientIP resolves the caller's address. With trusted proxies configured,
// forwarding headers are honoured only when the peer is one of them.
func ClientIP(r *http.Request, config *IPConfig) string {
	if config == nil || len(config.TrustedProxies) == 0 {
		return GetClientIP(r)
	}
	return forwardedClientIP(r, config)
}

// forwardedClientIP walks X-Forwarded-For from the right, skipping trusted
// hops, and returns the first address no trusted proxy vouches for.
func forwardedClientIP(r *http.Request, config *IPConfig) string {
	peer := remoteHost(r)
	peerAddr, err := netip.ParseAddr(peer)
	if err != nil || !config.trusts(peerAddr) {
		return peer
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop, err := netip.ParseAddr(strings.TrimSpace(hops[i]))
			if err != nil {
				// a garbled hop ends the chain of trust
				break
			}
			if !config.trusts(hop) {
				return hop.Unmap().String()
			}
		}
	}

	if xri, err := netip.ParseAddr(strings.TrimSpace(r.Header.Get("X-Real-IP"))); err == nil {
		return xri.Unmap().String()
	}

	return peer
}

// remoteHost strips the port from RemoteAddr.
func remoteHost(r *http.Request) string {
	if r.RemoteAddr == "" {
		return unknownIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
