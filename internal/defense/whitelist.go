package defense

import (
	"net"
)

// Whitelist is a fixed set of CIDR ranges that are never blocked.
type Whitelist struct {
	cidrs []*net.IPNet
}

// NewWhitelist parses CIDR ranges. Bare IP addresses are accepted as
// single-host ranges; unparseable entries are skipped.
func NewWhitelist(entries []string) *Whitelist {
	w := &Whitelist{}
	for _, entry := range entries {
		_, ipNet, err := net.ParseCIDR(entry)
		if err != nil {
			ip := net.ParseIP(entry)
			if ip == nil {
				continue
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			ipNet = &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)}
		}
		w.cidrs = append(w.cidrs, ipNet)
	}
	return w
}

// Contains reports whether ip falls inside any whitelisted range.
func (w *Whitelist) Contains(ipStr string) bool {
	if w == nil {
		return false
	}
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, cidr := range w.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

// Len returns the number of parsed ranges.
func (w *Whitelist) Len() int {
	if w == nil {
		return 0
	}
	return len(w.cidrs)
}
