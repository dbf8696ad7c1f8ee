package web

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	// csrfTokenLength is the length of the CSRF token in bytes (32 bytes = 256 bits)
	csrfTokenLength = 32

	// csrfTokenHeader is the HTTP header name for CSRF tokens
	csrfTokenHeader = "X-CSRF-Token"

	// csrfFormField is the form field checked when the header is absent.
	csrfFormField = "_csrf"

	// DefaultCSRFTokenPath issues tokens for the caller's session.
	DefaultCSRFTokenPath = "/csrf-token"
)

// CSRFConfig configures session-bound CSRF tokens.
type CSRFConfig struct {
	Enabled bool `yaml:"enabled"`

	// SessionCookie names the cookie that identifies the session a token is
	// bound to. When it is missing, the token endpoint sets one.
	SessionCookie string `yaml:"session_cookie"`

	// TTL is how long an issued token stays valid.
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is how often expired tokens are dropped.
	SweepInterval time.Duration `yaml:"sweep_interval"`

	// ExemptPaths are path prefixes that skip the check.
	ExemptPaths []string `yaml:"exempt_paths"`

	// SecureCookie forces the Secure flag on the session cookie.
	SecureCookie bool `yaml:"secure_cookie"`
}

// DefaultCSRFConfig returns the default CSRF configuration.
func DefaultCSRFConfig() CSRFConfig {
	return CSRFConfig{
		Enabled:       true,
		SessionCookie: "warden_sid",
		TTL:           time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

type csrfEntry struct {
	token     string
	expiresAt time.Time
}

// CSRFStore keeps one token per session. Issuing a token replaces the
// previous one; validation does not consume it.
type CSRFStore struct {
	mu     sync.Mutex
	tokens map[string]csrfEntry
	ttl    time.Duration
	now    func() time.Time
	logger *slog.Logger

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewCSRFStore creates a token store. A positive sweepInterval starts a
// goroutine that drops expired tokens until Close.
func NewCSRFStore(ttl, sweepInterval time.Duration, logger *slog.Logger) *CSRFStore {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	s := &CSRFStore{
		tokens: make(map[string]csrfEntry),
		ttl:    ttl,
		now:    time.Now,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	if sweepInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(sweepInterval)
	}
	return s
}

// Issue generates a fresh token for sessionID.
func (s *CSRFStore) Issue(sessionID string) (string, time.Time, error) {
	token, err := generateToken()
	if err != nil {
		return "", time.Time{}, err
	}
	expiresAt := s.now().Add(s.ttl)

	s.mu.Lock()
	s.tokens[sessionID] = csrfEntry{token: token, expiresAt: expiresAt}
	s.mu.Unlock()

	return token, expiresAt, nil
}

// Validate reports whether token is the live token of sessionID.
func (s *CSRFStore) Validate(sessionID, token string) bool {
	if sessionID == "" || token == "" {
		return false
	}

	s.mu.Lock()
	entry, ok := s.tokens[sessionID]
	s.mu.Unlock()

	if !ok || !s.now().Before(entry.expiresAt) {
		return false
	}
	// Constant-time comparison to prevent timing attacks
	return subtle.ConstantTimeCompare([]byte(entry.token), []byte(token)) == 1
}

// Sweep drops expired tokens and returns how many were removed.
func (s *CSRFStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for sid, entry := range s.tokens {
		if !now.Before(entry.expiresAt) {
			delete(s.tokens, sid)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored tokens.
func (s *CSRFStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tokens)
}

func (s *CSRFStore) sweepLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if n := s.Sweep(); n > 0 {
				s.logger.Debug("csrf_tokens_swept", "count", n)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (s *CSRFStore) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

// generateToken creates a cryptographically secure random token.
func generateToken() (string, error) {
	b := make([]byte, csrfTokenLength)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// isStateChangingMethod returns true for HTTP methods that change state.
func isStateChangingMethod(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// sessionID returns the value of the configured session cookie.
func (g *Gatekeeper) sessionID(r *http.Request) string {
	cookie, err := r.Cookie(g.config.CSRF.SessionCookie)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// csrfExempt reports whether a state-changing request skips the CSRF check.
// Bearer-authenticated admin calls carry no ambient credentials.
func (g *Gatekeeper) csrfExempt(r *http.Request) bool {
	path := r.URL.Path
	if path == g.config.CSPReportPath {
		return true
	}
	if g.config.AdminPrefix != "" && strings.HasPrefix(path, g.config.AdminPrefix) &&
		strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ") {
		return true
	}
	for _, prefix := range g.config.CSRF.ExemptPaths {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// checkCSRF validates the token from the header, or from the parsed form body.
func (g *Gatekeeper) checkCSRF(r *http.Request, form map[string][]string) bool {
	token := r.Header.Get(csrfTokenHeader)
	if token == "" {
		if values := form[csrfFormField]; len(values) > 0 {
			token = values[0]
		}
	}
	return g.csrf.Validate(g.sessionID(r), token)
}

// HandleCSRFToken handles GET /csrf-token. It issues a token bound to the
// caller's session, creating the session cookie if needed.
func (g *Gatekeeper) HandleCSRFToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	sid := g.sessionID(r)
	if sid == "" {
		var err error
		if sid, err = generateToken(); err != nil {
			g.logger.Error("csrf_session_failed", "error", err)
			http.Error(w, "Failed to generate token", http.StatusInternalServerError)
			return
		}
		http.SetCookie(w, &http.Cookie{
			Name:     g.config.CSRF.SessionCookie,
			Value:    sid,
			Path:     "/",
			HttpOnly: true,
			Secure:   g.config.CSRF.SecureCookie || g.resolver.IsSecure(r),
			SameSite: http.SameSiteLaxMode,
		})
	}

	token, expiresAt, err := g.csrf.Issue(sid)
	if err != nil {
		g.logger.Error("csrf_issue_failed", "error", err)
		http.Error(w, "Failed to generate token", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSONOK(w, map[string]any{
		"token":     token,
		"expiresAt": expiresAt.UTC(),
	})
}
