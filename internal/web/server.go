// Package web provides the warden HTTP gateway: the gatekeeper middleware,
// the reverse proxy to the protected application, the admin API and the
// CSP report endpoint.
package web

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/inercia/warden/internal/defense"
	"github.com/inercia/warden/internal/logging"
	"github.com/inercia/warden/internal/ratelimit"
)

// Server defaults.
const (
	DefaultListenAddress     = "127.0.0.1:8080"
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultIdleTimeout       = 120 * time.Second
	DefaultMaxBodyBytes      = 10 << 20
)

// cspNonceHeader passes the per-response nonce to the upstream so it can
// render it into inline script and style tags.
const cspNonceHeader = "X-CSP-Nonce"

// TLSConfig points at a certificate pair. Both empty serves plain HTTP.
type TLSConfig struct {
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Enabled reports whether TLS is configured.
func (c TLSConfig) Enabled() bool {
	return c.CertFile != "" && c.KeyFile != ""
}

// ServerConfig configures the listener and the upstream proxy.
type ServerConfig struct {
	Listen   string `yaml:"listen"`
	Upstream string `yaml:"upstream"`

	// TrustedProxies lists IPs or CIDRs whose forwarding headers are honoured.
	// Empty honours forwarding headers from everyone.
	TrustedProxies []string `yaml:"trusted_proxies"`

	// FilterConnections drops TCP connections from blocked IPs at accept time.
	// Only useful when clients connect directly.
	FilterConnections bool `yaml:"filter_connections"`

	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	RequestTimeout    time.Duration `yaml:"request_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	MaxBodyBytes      int64         `yaml:"max_body_bytes"`

	TLS       TLSConfig       `yaml:"tls"`
	AccessLog AccessLogConfig `yaml:"access_log"`
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Listen:            DefaultListenAddress,
		Upstream:          "http://127.0.0.1:3000",
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
		RequestTimeout:    DefaultRequestTimeout,
		IdleTimeout:       DefaultIdleTimeout,
		MaxBodyBytes:      DefaultMaxBodyBytes,
		AccessLog:         DefaultAccessLogConfig(),
	}
}

// Validate checks the server configuration.
func (c ServerConfig) Validate() error {
	if _, err := parseUpstream(c.Upstream); err != nil {
		return err
	}
	if c.Listen == "" {
		return errors.New("server.listen is required")
	}
	if (c.TLS.CertFile == "") != (c.TLS.KeyFile == "") {
		return errors.New("server.tls needs both cert_file and key_file")
	}
	for _, d := range []time.Duration{c.ReadHeaderTimeout, c.RequestTimeout, c.IdleTimeout} {
		if d < 0 {
			return errors.New("server timeouts must not be negative")
		}
	}
	return nil
}

func parseUpstream(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream %q: %w", raw, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("upstream %q must be an absolute http(s) URL", raw)
	}
	return u, nil
}

// HealthChecker reports whether the durable store is reachable.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Config holds everything needed to build the gateway.
type Config struct {
	Server     ServerConfig
	Gatekeeper GatekeeperConfig
	Admin      AdminConfig
	CSPReport  IntakeLimitConfig

	Defense *defense.Defense
	Limiter *ratelimit.Limiter
	Health  HealthChecker
	Logger  *slog.Logger
}

// Server is the warden gateway.
type Server struct {
	config       Config
	logger       *slog.Logger
	resolver     *ClientIPResolver
	gatekeeper   *Gatekeeper
	admin        *AdminAPI
	cspLimiter   *IntakeLimiter
	accessLogger *AccessLogger
	httpServer   *http.Server

	mu       sync.Mutex
	shutdown bool
}

// NewServer wires the gateway handlers.
func NewServer(config Config) (*Server, error) {
	if config.Defense == nil {
		return nil, errors.New("defense is required")
	}
	logger := config.Logger
	if logger == nil {
		logger = logging.Gatekeeper()
	}
	upstream, err := parseUpstream(config.Server.Upstream)
	if err != nil {
		return nil, err
	}

	gkConfig := config.Gatekeeper
	if gkConfig.CSPReportPath == "" {
		gkConfig.CSPReportPath = DefaultCSPReportPath
	}
	if gkConfig.AdminPrefix == "" {
		gkConfig.AdminPrefix = DefaultAdminPrefix
	}

	resolver := NewClientIPResolver(config.Server.TrustedProxies)
	if len(config.Server.TrustedProxies) == 0 {
		logger.Warn("forwarded_headers_trusted_from_any_peer",
			"hint", "set server.trusted_proxies when running behind a proxy")
	}

	gatekeeper, err := NewGatekeeper(gkConfig, config.Defense, config.Limiter, resolver, logger)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:     config,
		logger:     logger,
		resolver:   resolver,
		gatekeeper: gatekeeper,
		cspLimiter: NewIntakeLimiter(config.CSPReport),
		accessLogger: NewAccessLogger(config.Server.AccessLog, resolver,
			gkConfig.LoginPaths, gkConfig.AdminPrefix),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthCheck)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc(DefaultCSRFTokenPath, gatekeeper.HandleCSRFToken)
	mux.Handle(gkConfig.CSPReportPath,
		NewCSPReportHandler(config.Defense.Alerts(), s.cspLimiter, resolver, logger))

	if len(config.Admin.Tokens) > 0 {
		s.admin = NewAdminAPI(gkConfig.AdminPrefix, config.Admin, config.Defense, resolver, logging.Admin())
		mux.Handle(s.admin.Prefix()+"/", s.admin)
	} else {
		logger.Info("admin_api_disabled", "reason", "no admin tokens configured")
	}

	var proxy http.Handler = newReverseProxy(upstream, logger)
	proxy = requestSizeLimitMiddleware(config.Server.MaxBodyBytes)(proxy)
	proxy = requestTimeoutMiddleware(config.Server.RequestTimeout)(proxy)
	mux.Handle("/", proxy)

	handler := gatekeeper.Middleware(mux)
	handler = s.accessLogger.Middleware(handler)

	readHeaderTimeout := config.Server.ReadHeaderTimeout
	if readHeaderTimeout <= 0 {
		readHeaderTimeout = DefaultReadHeaderTimeout
	}
	s.httpServer = &http.Server{
		Addr:              config.Server.Listen,
		Handler:           handler,
		ReadHeaderTimeout: readHeaderTimeout,
		IdleTimeout:       config.Server.IdleTimeout,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	logger.Info("server_initialized",
		"listen", config.Server.Listen,
		"upstream", upstream.String(),
		"admin_prefix", gkConfig.AdminPrefix,
	)
	return s, nil
}

// newReverseProxy forwards allowed requests to the protected application.
func newReverseProxy(upstream *url.URL, logger *slog.Logger) *httputil.ReverseProxy {
	return &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(upstream)
			pr.SetXForwarded()
			if ip := ClientIPFromContext(pr.In.Context()); ip != "" && ip != defense.UnknownIP {
				pr.Out.Header.Set("X-Forwarded-For", ip)
				pr.Out.Header.Set("X-Real-IP", ip)
			}
			if nonce := CSPNonceFromContext(pr.In.Context()); nonce != "" {
				pr.Out.Header.Set(cspNonceHeader, nonce)
			}
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			logger.Warn("upstream_error",
				"client_ip", ClientIPFromContext(r.Context()),
				"path", r.URL.Path,
				"error", err,
			)
			writeErrorJSON(w, http.StatusBadGateway, "bad_gateway", "Upstream unavailable")
		},
	}
}

// Handler returns the HTTP handler for the server.
// This is useful for testing with httptest.Server.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Gatekeeper returns the request middleware.
func (s *Server) Gatekeeper() *Gatekeeper {
	return s.gatekeeper
}

// Serve accepts connections on listener until Shutdown.
func (s *Server) Serve(listener net.Listener) error {
	if s.config.Server.FilterConnections {
		listener = defense.NewFilteredListener(listener, s.config.Defense.Registry(), s.logger)
	}
	if s.config.Server.TLS.Enabled() {
		cert, err := tls.LoadX509KeyPair(s.config.Server.TLS.CertFile, s.config.Server.TLS.KeyFile)
		if err != nil {
			return fmt.Errorf("load TLS certificate: %w", err)
		}
		listener = tls.NewListener(listener, &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
		})
	}

	s.logger.Info("server_listening", "address", listener.Addr().String(), "tls", s.config.Server.TLS.Enabled())
	err := s.httpServer.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// ListenAndServe listens on the configured address and serves.
func (s *Server) ListenAndServe() error {
	listener, err := net.Listen("tcp", s.config.Server.Listen)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.config.Server.Listen, err)
	}
	return s.Serve(listener)
}

// Shutdown gracefully stops the server and its background workers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	s.mu.Unlock()

	if s.admin != nil {
		s.admin.Close()
	}
	err := s.httpServer.Shutdown(ctx)

	s.gatekeeper.Close()
	s.cspLimiter.Close()
	if s.accessLogger != nil {
		s.accessLogger.Close()
	}
	return err
}

// IsShutdown returns whether the server has been shut down.
func (s *Server) IsShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

// handleHealthCheck reports store reachability for load balancers.
func (s *Server) handleHealthCheck(w http.ResponseWriter, r *http.Request) {
	if s.IsShutdown() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "unhealthy",
			"reason": "server_shutting_down",
		})
		return
	}

	response := map[string]any{
		"status":            "healthy",
		"timestamp":         time.Now().UTC().Format(time.RFC3339),
		"alert_subscribers": s.config.Defense.Alerts().SubscriberCount(),
	}
	if s.admin != nil {
		response["alert_streams"] = s.admin.tracker.TotalConnections()
	}
	if s.config.Health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.config.Health.Ping(ctx); err != nil {
			s.logger.Warn("health_check_failed", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "unhealthy",
				"reason": "store_unreachable",
			})
			return
		}
	}
	writeJSONOK(w, response)
}
