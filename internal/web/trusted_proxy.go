package web

import (
	"net"
	"net/http"
	"strings"

	"github.com/inercia/warden/internal/defense"
)

// ClientIPResolver extracts the client address from a request.
//
// Forwarded headers (X-Forwarded-For first hop, then X-Real-IP) are honoured
// from any peer when no trusted proxies are configured, and only from the
// configured proxies otherwise. It is safe for concurrent use.
type ClientIPResolver struct {
	trustedNets []*net.IPNet
	trustedIPs  []net.IP
}

// NewClientIPResolver creates a resolver from a list of proxy IP addresses
// and CIDR ranges. Invalid entries are ignored.
func NewClientIPResolver(trustedProxies []string) *ClientIPResolver {
	c := &ClientIPResolver{}

	for _, entry := range trustedProxies {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		if strings.Contains(entry, "/") {
			if _, network, err := net.ParseCIDR(entry); err == nil {
				c.trustedNets = append(c.trustedNets, network)
				continue
			}
		}

		if ip := net.ParseIP(entry); ip != nil {
			c.trustedIPs = append(c.trustedIPs, ip)
		}
	}

	return c
}

// HasTrustedProxies returns true if any trusted proxies are configured.
func (c *ClientIPResolver) HasTrustedProxies() bool {
	return len(c.trustedNets) > 0 || len(c.trustedIPs) > 0
}

// IsTrusted checks if addr (with or without port) is a configured proxy.
func (c *ClientIPResolver) IsTrusted(addr string) bool {
	ip := parseClientIP(addr)
	if ip == nil {
		return false
	}
	for _, trusted := range c.trustedIPs {
		if trusted.Equal(ip) {
			return true
		}
	}
	for _, network := range c.trustedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

func (c *ClientIPResolver) honoursForwarded(r *http.Request) bool {
	return !c.HasTrustedProxies() || c.IsTrusted(r.RemoteAddr)
}

// ClientIP returns the normalized client address, or defense.UnknownIP when
// nothing in the request parses as an IP.
func (c *ClientIPResolver) ClientIP(r *http.Request) string {
	if c.honoursForwarded(r) {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := parseClientIP(strings.TrimSpace(first)); ip != nil {
				return ip.String()
			}
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			if ip := parseClientIP(strings.TrimSpace(xri)); ip != nil {
				return ip.String()
			}
		}
	}

	if ip := parseClientIP(r.RemoteAddr); ip != nil {
		return ip.String()
	}
	return defense.UnknownIP
}

// IsSecure reports whether the client connection uses TLS, either directly
// or as reported by a trusted proxy through X-Forwarded-Proto.
func (c *ClientIPResolver) IsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if !c.HasTrustedProxies() || !c.IsTrusted(r.RemoteAddr) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")), "https")
}

// parseClientIP extracts and parses an IP address from various formats.
// Handles: "192.168.1.1", "192.168.1.1:8080", "[::1]:8080", "::1"
func parseClientIP(addr string) net.IP {
	host, _, err := net.SplitHostPort(addr)
	if err == nil {
		return net.ParseIP(host)
	}
	return net.ParseIP(addr)
}
