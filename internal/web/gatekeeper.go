package web

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/microcosm-cc/bluemonday"

	"github.com/inercia/warden/internal/defense"
	"github.com/inercia/warden/internal/logging"
	"github.com/inercia/warden/internal/metrics"
	"github.com/inercia/warden/internal/models"
	"github.com/inercia/warden/internal/ratelimit"
)

// DefaultMaxScanBytes is the largest request body inspected by the scanner.
const DefaultMaxScanBytes = 1 << 20

// GatekeeperConfig configures the per-request defense middleware.
type GatekeeperConfig struct {
	// MaxScanBytes caps how much of a body is buffered for scanning. Larger
	// bodies pass through unscanned.
	MaxScanBytes int64 `yaml:"max_scan_bytes"`

	// Sanitize is the body sanitation mode: off, ugc or strict.
	Sanitize string `yaml:"sanitize"`

	// LoginPaths are upstream login endpoints. A 401 from one of them on a
	// state-changing request is recorded as a failed login.
	LoginPaths []string `yaml:"login_paths"`

	// IdentityHeader carries the authenticated user ID set by a trusted
	// proxy. It keys rate limits per user. Ignored from untrusted peers.
	IdentityHeader string `yaml:"identity_header"`

	CSRF    CSRFConfig            `yaml:"csrf"`
	Headers SecurityHeadersConfig `yaml:"headers"`

	// CSPReportPath and AdminPrefix are exempt from CSRF checks.
	CSPReportPath string `yaml:"-"`
	AdminPrefix   string `yaml:"-"`
}

// DefaultGatekeeperConfig returns the default gatekeeper configuration.
func DefaultGatekeeperConfig() GatekeeperConfig {
	return GatekeeperConfig{
		MaxScanBytes:  DefaultMaxScanBytes,
		Sanitize:      SanitizeUGC,
		LoginPaths:    []string{"/api/auth/login"},
		CSRF:          DefaultCSRFConfig(),
		Headers:       DefaultSecurityHeadersConfig(),
		CSPReportPath: DefaultCSPReportPath,
		AdminPrefix:   DefaultAdminPrefix,
	}
}

// Gatekeeper runs the defense stages in order for every request: block
// check, rate check, injection scan, sanitation and CSRF. Rejections
// short-circuit; detection only records attempts. Security headers are
// applied to every response.
type Gatekeeper struct {
	config    GatekeeperConfig
	defense   *defense.Defense
	limiter   *ratelimit.Limiter
	resolver  *ClientIPResolver
	csrf      *CSRFStore
	sanitizer *bluemonday.Policy
	logger    *slog.Logger
}

// NewGatekeeper creates the middleware. limiter may be nil to disable rate limits.
func NewGatekeeper(config GatekeeperConfig, d *defense.Defense, limiter *ratelimit.Limiter, resolver *ClientIPResolver, logger *slog.Logger) (*Gatekeeper, error) {
	if logger == nil {
		logger = logging.Gatekeeper()
	}
	if resolver == nil {
		resolver = NewClientIPResolver(nil)
	}
	if config.MaxScanBytes <= 0 {
		config.MaxScanBytes = DefaultMaxScanBytes
	}
	sanitizer, err := newSanitizer(config.Sanitize)
	if err != nil {
		return nil, err
	}

	return &Gatekeeper{
		config:    config,
		defense:   d,
		limiter:   limiter,
		resolver:  resolver,
		csrf:      NewCSRFStore(config.CSRF.TTL, config.CSRF.SweepInterval, logger),
		sanitizer: sanitizer,
		logger:    logger,
	}, nil
}

// CSRF returns the token store.
func (g *Gatekeeper) CSRF() *CSRFStore {
	return g.csrf
}

// Close stops background sweeps.
func (g *Gatekeeper) Close() {
	g.csrf.Close()
}

// Middleware wraps next with the defense stages.
func (g *Gatekeeper) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nonce, err := generateCSPNonce()
		if err != nil {
			g.logger.Warn("csp_nonce_failed", "error", err)
		}
		sw := newSecureResponseWriter(w, g.config.Headers, nonce, g.resolver.IsSecure(r))
		defer sw.finish()

		ip := g.resolver.ClientIP(r)
		ctx := context.WithValue(r.Context(), contextKeyClientIP, ip)
		ctx = context.WithValue(ctx, contextKeyCSPNonce, nonce)
		r = r.WithContext(ctx)

		log := logging.WithRequest(g.logger, ip, r.Method, r.URL.Path)
		known := ip != defense.UnknownIP

		// 1. Block check.
		if known && g.rejectBlocked(sw, r, ip, log) {
			return
		}

		// 2. Rate check.
		if g.rejectRateLimited(sw, r, ip, known, log) {
			return
		}

		// 3. Injection scan and probe detection. Detection never rejects.
		parsed := g.readBody(r)
		if known {
			g.inspect(r, ip, parsed)
		}

		// 4. Sanitation.
		if g.sanitizer != nil && parsed != nil {
			g.sanitize(r, parsed)
		}

		// 5. CSRF on state-changing requests.
		if g.config.CSRF.Enabled && isStateChangingMethod(r.Method) && !g.csrfExempt(r) {
			form, _ := parsed.(url.Values)
			if !g.checkCSRF(r, form) {
				metrics.CSRFFailuresTotal.Inc()
				metrics.RequestsRejectedTotal.WithLabelValues(metrics.ReasonCSRF).Inc()
				log.Warn("csrf_rejected", "has_session", g.sessionID(r) != "")
				writeAccessDenied(sw)
				return
			}
		}

		next.ServeHTTP(sw, r)

		if known && sw.statusCode == http.StatusUnauthorized && isStateChangingMethod(r.Method) && g.isLoginPath(r.URL.Path) {
			g.record(r, models.IntrusionAttempt{
				IPAddress:  ip,
				AttackType: models.AttackBruteForce,
				Severity:   models.SeverityMedium,
			})
		}
	})
}

func (g *Gatekeeper) rejectBlocked(w http.ResponseWriter, r *http.Request, ip string, log *slog.Logger) bool {
	blocked, err := g.defense.Registry().IsBlocked(r.Context(), ip)
	if err != nil {
		log.Warn("block_check_failed", "error", err)
		return false
	}
	if !blocked {
		return false
	}

	metrics.RequestsRejectedTotal.WithLabelValues(metrics.ReasonBlocked).Inc()
	g.record(r, models.IntrusionAttempt{
		IPAddress:  ip,
		AttackType: models.AttackUnauthorizedAccess,
		Severity:   models.SeverityLow,
		Blocked:    true,
	})
	log.Debug("request_blocked")
	writeAccessDenied(w)
	return true
}

func (g *Gatekeeper) rejectRateLimited(w http.ResponseWriter, r *http.Request, ip string, known bool, log *slog.Logger) bool {
	if g.limiter == nil {
		return false
	}
	rule, ok := g.limiter.Match(r.Method, r.URL.Path)
	if !ok {
		return false
	}

	decision, err := g.limiter.Check(r.Context(), rule, g.identity(r), ip)
	if err != nil {
		metrics.RateLimitBackendErrorsTotal.Inc()
		log.Warn("ratelimit_check_failed", "rule", rule.Name, "error", err)
		return false
	}
	decision.SetHeaders(w)
	if decision.Allowed {
		return false
	}

	metrics.RequestsRejectedTotal.WithLabelValues(metrics.ReasonRateLimit).Inc()
	if known {
		g.record(r, models.IntrusionAttempt{
			IPAddress:  ip,
			AttackType: models.AttackRateLimitExceeded,
			Severity:   models.SeverityMedium,
		})
	}
	log.Debug("request_rate_limited", "rule", rule.Name, "count", decision.Count)
	writeTooManyRequests(w, decision.RetryAfterSeconds())
	return true
}

// identity returns the user ID forwarded by a trusted proxy, or anonymous.
func (g *Gatekeeper) identity(r *http.Request) string {
	if g.config.IdentityHeader == "" || !g.resolver.IsTrusted(r.RemoteAddr) {
		return ratelimit.AnonymousIdentity
	}
	if id := strings.TrimSpace(r.Header.Get(g.config.IdentityHeader)); id != "" {
		return id
	}
	return ratelimit.AnonymousIdentity
}

// readBody buffers up to MaxScanBytes of the body and restores it for the
// next handler. It returns the decoded body: any for JSON, url.Values for
// urlencoded forms, a string for other text, and nil when not inspectable.
func (g *Gatekeeper) readBody(r *http.Request) any {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, g.config.MaxScanBytes+1))
	if err != nil || int64(len(buf)) > g.config.MaxScanBytes {
		r.Body = &replayBody{Reader: io.MultiReader(bytes.NewReader(buf), r.Body), Closer: r.Body}
		return nil
	}
	r.Body = io.NopCloser(bytes.NewReader(buf))
	if len(buf) == 0 {
		return nil
	}

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		dec := json.NewDecoder(bytes.NewReader(buf))
		dec.UseNumber()
		var v any
		if dec.Decode(&v) == nil {
			return v
		}
		return string(buf)
	case mediaType == "application/x-www-form-urlencoded":
		if values, err := url.ParseQuery(string(buf)); err == nil {
			return values
		}
		return string(buf)
	case strings.HasPrefix(mediaType, "text/"):
		return string(buf)
	}
	return nil
}

type replayBody struct {
	io.Reader
	io.Closer
}

// inspect scans path segments, query values and the body, and checks for
// vulnerability-scanner probes.
func (g *Gatekeeper) inspect(r *http.Request, ip string, body any) {
	scanner := g.defense.Scanner()

	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	match := scanner.ScanField("path", segments)
	if !match.Matched {
		match = scanner.ScanField("query", map[string][]string(r.URL.Query()))
	}
	if !match.Matched && body != nil {
		match = scanner.ScanField("body", body)
	}

	if match.Matched {
		metrics.InjectionDetectionsTotal.WithLabelValues(string(match.AttackType)).Inc()
		sample := match.Sample
		g.record(r, models.IntrusionAttempt{
			IPAddress:     ip,
			AttackType:    match.AttackType,
			PayloadSample: &sample,
			Severity:      models.SeverityHigh,
		})
		logging.WithRequest(g.logger, ip, r.Method, r.URL.Path).Info("injection_detected",
			"attack_type", match.AttackType,
			"rule", match.Rule,
			"field", match.Field,
		)
	}

	if reason, ok := defense.DetectProbe(r.URL.Path, r.UserAgent()); ok {
		g.record(r, models.IntrusionAttempt{
			IPAddress:     ip,
			AttackType:    models.AttackSuspiciousPattern,
			PayloadSample: &reason,
			Severity:      models.SeverityLow,
		})
	}
}

// sanitize rewrites markup in decoded JSON or form bodies.
func (g *Gatekeeper) sanitize(r *http.Request, parsed any) {
	var out []byte
	switch v := parsed.(type) {
	case url.Values:
		if _, changed := sanitizeValue(g.sanitizer, map[string][]string(v)); !changed {
			return
		}
		out = []byte(v.Encode())
	case map[string]any, []any:
		if _, changed := sanitizeValue(g.sanitizer, v); !changed {
			return
		}
		var err error
		if out, err = json.Marshal(v); err != nil {
			g.logger.Warn("sanitize_encode_failed", "error", err)
			return
		}
	default:
		return
	}

	r.Body = io.NopCloser(bytes.NewReader(out))
	r.ContentLength = int64(len(out))
	r.Header.Set("Content-Length", strconv.Itoa(len(out)))
	g.logger.Debug("body_sanitized", "path", r.URL.Path)
}

func (g *Gatekeeper) isLoginPath(path string) bool {
	for _, p := range g.config.LoginPaths {
		if path == p {
			return true
		}
	}
	return false
}

// record fills the request attributes of an attempt and hands it to the
// ledger. The ledger write outlives client disconnects.
func (g *Gatekeeper) record(r *http.Request, a models.IntrusionAttempt) {
	endpoint := r.Method + " " + r.URL.Path
	a.Endpoint = &endpoint
	if ua := r.UserAgent(); ua != "" {
		a.UserAgent = &ua
	}
	if id := g.identity(r); id != ratelimit.AnonymousIdentity {
		a.UserID = &id
	}
	g.defense.Record(context.WithoutCancel(r.Context()), a)
}
