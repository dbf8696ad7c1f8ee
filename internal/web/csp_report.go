package web

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/inercia/warden/internal/defense"
	"github.com/inercia/warden/internal/models"
)

// DefaultCSPReportPath receives browser CSP violation reports.
const DefaultCSPReportPath = "/csp-report"

// maxCSPReportBytes bounds a single report submission.
const maxCSPReportBytes = 64 << 10

// CSPViolation is one browser-reported violation, normalized across the
// legacy report-uri and the Reporting API formats.
type CSPViolation struct {
	DocumentURI        string
	BlockedURI         string
	ViolatedDirective  string
	EffectiveDirective string
	SourceFile         string
	LineNumber         int
}

// Directive returns the effective directive, falling back to the first
// token of the violated one.
func (v CSPViolation) Directive() string {
	if v.EffectiveDirective != "" {
		return v.EffectiveDirective
	}
	d, _, _ := strings.Cut(strings.TrimSpace(v.ViolatedDirective), " ")
	return d
}

// extensionSchemes are browser-extension sources that trip CSP on every page.
var extensionSchemes = []string{
	"chrome-extension:",
	"moz-extension:",
	"safari-extension:",
	"safari-web-extension:",
	"ms-browser-extension:",
}

// devToolingMarkers identify bundler and hot-reload internals.
var devToolingMarkers = []string{
	"webpack",
	"hot-update",
	"sockjs-node",
	"/@vite/",
	"/@react-refresh",
	"__vite",
}

// isDevelopmentNoise reports whether a violation comes from browser
// extensions or local development tooling.
func isDevelopmentNoise(v CSPViolation) bool {
	for _, src := range []string{v.BlockedURI, v.SourceFile} {
		lower := strings.ToLower(src)
		for _, scheme := range extensionSchemes {
			if strings.HasPrefix(lower, scheme) {
				return true
			}
		}
		for _, marker := range devToolingMarkers {
			if strings.Contains(lower, marker) {
				return true
			}
		}
		if u, err := url.Parse(src); err == nil && isLocalHost(u.Hostname()) {
			return true
		}
	}
	return false
}

func isLocalHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1", "0.0.0.0":
		return true
	}
	return false
}

// CSPReportHandler accepts violation reports and turns script and style
// violations into alerts. It always answers 204.
type CSPReportHandler struct {
	alerts   *defense.Dispatcher
	limiter  *IntakeLimiter
	resolver *ClientIPResolver
	logger   *slog.Logger
}

// NewCSPReportHandler creates the handler. limiter may be nil.
func NewCSPReportHandler(alerts *defense.Dispatcher, limiter *IntakeLimiter, resolver *ClientIPResolver, logger *slog.Logger) *CSPReportHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if resolver == nil {
		resolver = NewClientIPResolver(nil)
	}
	return &CSPReportHandler{alerts: alerts, limiter: limiter, resolver: resolver, logger: logger}
}

func (h *CSPReportHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	defer writeNoContent(w)

	ip := ClientIPFromContext(r.Context())
	if ip == "" {
		ip = h.resolver.ClientIP(r)
	}
	if h.limiter != nil && !h.limiter.Allow(ip) {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxCSPReportBytes))
	if err != nil {
		return
	}
	for _, v := range parseCSPReports(body) {
		h.handle(r, ip, v)
	}
}

func (h *CSPReportHandler) handle(r *http.Request, ip string, v CSPViolation) {
	if isDevelopmentNoise(v) {
		return
	}

	directive := v.Directive()
	h.logger.Info("csp_violation",
		"client_ip", ip,
		"directive", directive,
		"blocked_uri", v.BlockedURI,
		"document_uri", v.DocumentURI,
	)

	var severity models.Severity
	switch {
	case strings.HasPrefix(directive, "script-src"):
		severity = models.SeverityHigh
	case strings.HasPrefix(directive, "style-src"):
		severity = models.SeverityLow
	default:
		return
	}

	details := models.Details{
		"directive":   directive,
		"blockedUri":  v.BlockedURI,
		"documentUri": v.DocumentURI,
		"clientIp":    ip,
	}
	if v.SourceFile != "" {
		details["sourceFile"] = v.SourceFile
		details["lineNumber"] = v.LineNumber
	}
	if _, err := h.alerts.Raise(r.Context(), models.AlertSuspiciousPattern, severity,
		"Content Security Policy violation: "+directive, details); err != nil {
		h.logger.Warn("csp_alert_failed", "error", err)
	}
}

// parseCSPReports accepts {"csp-report":{...}}, a flat object, or a
// Reporting API array of {"type":"csp-violation","body":{...}}.
func parseCSPReports(body []byte) []CSPViolation {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil
	}

	if body[0] == '[' {
		var reports []struct {
			Type string         `json:"type"`
			Body map[string]any `json:"body"`
		}
		if err := json.Unmarshal(body, &reports); err != nil {
			return nil
		}
		out := make([]CSPViolation, 0, len(reports))
		for _, rep := range reports {
			if rep.Body == nil || (rep.Type != "" && rep.Type != "csp-violation") {
				continue
			}
			out = append(out, violationFromMap(rep.Body))
		}
		return out
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil
	}
	if nested, ok := obj["csp-report"].(map[string]any); ok {
		obj = nested
	}
	return []CSPViolation{violationFromMap(obj)}
}

func violationFromMap(m map[string]any) CSPViolation {
	return CSPViolation{
		DocumentURI:        firstString(m, "document-uri", "documentURL"),
		BlockedURI:         firstString(m, "blocked-uri", "blockedURL"),
		ViolatedDirective:  firstString(m, "violated-directive", "violatedDirective"),
		EffectiveDirective: firstString(m, "effective-directive", "effectiveDirective"),
		SourceFile:         firstString(m, "source-file", "sourceFile"),
		LineNumber:         firstInt(m, "line-number", "lineNumber"),
	}
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := m[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func firstInt(m map[string]any, keys ...string) int {
	for _, k := range keys {
		if f, ok := m[k].(float64); ok {
			return int(f)
		}
	}
	return 0
}
