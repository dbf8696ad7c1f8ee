package web

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
)

// accessTokenParam carries the bearer token for WebSocket clients, which
// cannot set request headers from a browser.
const accessTokenParam = "access_token"

// Validation errors for admin credentials.
var (
	ErrNoAdminTokens    = errors.New("admin API requires at least one token")
	ErrShortAdminToken  = errors.New("admin tokens must be at least 16 characters")
	ErrEmptyAdminName   = errors.New("admin token names cannot be empty")
	ErrInvalidAllowList = errors.New("invalid admin allowed_networks entry")
)

// minAdminTokenLength rejects trivially guessable tokens.
const minAdminTokenLength = 16

// AdminAuthConfig configures access to the admin API.
type AdminAuthConfig struct {
	// Tokens maps an operator name to its bearer token. The name is recorded
	// as blockedBy and acknowledgedBy.
	Tokens map[string]string `yaml:"tokens"`

	// AllowedNetworks restricts the admin API to these IPs or CIDRs.
	// Empty allows any address that presents a valid token.
	AllowedNetworks []string `yaml:"allowed_networks"`
}

// Validate checks the configured credentials.
func (c AdminAuthConfig) Validate() error {
	if len(c.Tokens) == 0 {
		return ErrNoAdminTokens
	}
	for name, token := range c.Tokens {
		if strings.TrimSpace(name) == "" {
			return ErrEmptyAdminName
		}
		if len(token) < minAdminTokenLength {
			return ErrShortAdminToken
		}
	}
	for _, entry := range c.AllowedNetworks {
		if _, _, err := net.ParseCIDR(entry); err != nil && net.ParseIP(entry) == nil {
			return ErrInvalidAllowList
		}
	}
	return nil
}

type adminToken struct {
	name   string
	secret []byte
}

// AdminAuth authenticates admin API callers.
type AdminAuth struct {
	tokens      []adminToken
	allowedNets []*net.IPNet
	allowedIPs  []net.IP
	logger      *slog.Logger
}

// NewAdminAuth creates the authenticator. Invalid allowlist entries are
// logged and skipped.
func NewAdminAuth(config AdminAuthConfig, logger *slog.Logger) *AdminAuth {
	if logger == nil {
		logger = slog.Default()
	}
	a := &AdminAuth{logger: logger}

	names := make([]string, 0, len(config.Tokens))
	for name := range config.Tokens {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		a.tokens = append(a.tokens, adminToken{name: name, secret: []byte(config.Tokens[name])})
	}

	for _, entry := range config.AllowedNetworks {
		if _, network, err := net.ParseCIDR(entry); err == nil {
			a.allowedNets = append(a.allowedNets, network)
		} else if ip := net.ParseIP(entry); ip != nil {
			a.allowedIPs = append(a.allowedIPs, ip)
		} else {
			logger.Warn("admin_allowlist_entry_invalid", "entry", entry)
		}
	}
	return a
}

// IsIPAllowed checks the client address against the allowlist. With no
// allowlist every address is allowed.
func (a *AdminAuth) IsIPAllowed(ipStr string) bool {
	if len(a.allowedNets) == 0 && len(a.allowedIPs) == 0 {
		return true
	}

	ip := net.ParseIP(ipStr)
	if ip == nil {
		return false
	}
	for _, allowedIP := range a.allowedIPs {
		if allowedIP.Equal(ip) {
			return true
		}
	}
	for _, network := range a.allowedNets {
		if network.Contains(ip) {
			return true
		}
	}
	return false
}

// Authenticate returns the operator name for the request's bearer token.
// Every configured token is compared so timing does not reveal which
// operator matched.
func (a *AdminAuth) Authenticate(r *http.Request) (string, bool) {
	presented := bearerToken(r)
	if presented == "" {
		return "", false
	}

	matched := ""
	for _, t := range a.tokens {
		if subtle.ConstantTimeCompare(t.secret, []byte(presented)) == 1 {
			matched = t.name
		}
	}
	return matched, matched != ""
}

// bearerToken reads the Authorization header, or the access_token query
// parameter on WebSocket upgrades.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return r.URL.Query().Get(accessTokenParam)
	}
	return ""
}
