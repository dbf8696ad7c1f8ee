package web

import "context"

type contextKey string

const (
	contextKeyClientIP contextKey = "client_ip"
	contextKeyCSPNonce contextKey = "csp_nonce"
)

// ClientIPFromContext returns the client address resolved by the gatekeeper.
func ClientIPFromContext(ctx context.Context) string {
	ip, _ := ctx.Value(contextKeyClientIP).(string)
	return ip
}

// CSPNonceFromContext returns the nonce allowed by this response's
// Content-Security-Policy, or "" if none was generated.
func CSPNonceFromContext(ctx context.Context) string {
	nonce, _ := ctx.Value(contextKeyCSPNonce).(string)
	return nonce
}
