package defense

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// listenerLookupTimeout bounds the block lookup done per accepted connection.
const listenerLookupTimeout = 500 * time.Millisecond

// BlockedCallback is called when a connection from a blocked IP is dropped.
type BlockedCallback func(ip, reason string)

// FilteredListener wraps a net.Listener and drops connections from blocked
// IPs before any HTTP parsing. Only useful when clients connect directly;
// behind a reverse proxy every peer is the proxy.
type FilteredListener struct {
	net.Listener
	registry        *Registry
	logger          *slog.Logger
	blockedCallback BlockedCallback
}

// NewFilteredListener wraps l with a registry check.
func NewFilteredListener(l net.Listener, registry *Registry, logger *slog.Logger) *FilteredListener {
	if logger == nil {
		logger = slog.Default()
	}
	return &FilteredListener{
		Listener: l,
		registry: registry,
		logger:   logger,
	}
}

// SetBlockedCallback sets a callback invoked for every dropped connection.
func (l *FilteredListener) SetBlockedCallback(cb BlockedCallback) {
	l.blockedCallback = cb
}

// Accept returns the next connection from an IP that is not blocked.
// Lookup errors let the connection through.
func (l *FilteredListener) Accept() (net.Conn, error) {
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		ip := ExtractIP(conn.RemoteAddr())

		ctx, cancel := context.WithTimeout(context.Background(), listenerLookupTimeout)
		block, err := l.registry.ActiveBlock(ctx, ip)
		cancel()
		if err != nil {
			l.logger.Warn("connection_block_lookup_failed", "client_ip", ip, "error", err)
			return conn, nil
		}

		if block != nil {
			_ = conn.Close()
			l.logger.Debug("connection_rejected",
				"client_ip", ip,
				"reason", block.Reason,
			)
			if l.blockedCallback != nil {
				l.blockedCallback(ip, block.Reason)
			}
			continue
		}

		return conn, nil
	}
}

// ExtractIP returns the normalized IP of addr, with any port removed.
func ExtractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return NormalizeIP(addr.String())
}

// NormalizeIP strips an optional port and canonicalizes the address.
// Unparseable input is returned unchanged.
func NormalizeIP(s string) string {
	host, _, err := net.SplitHostPort(s)
	if err != nil {
		host = s
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String()
	}
	return host
}
