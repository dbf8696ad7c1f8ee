package web

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inercia/warden/internal/logging"
)

type fakeHealth struct{ err error }

func (f fakeHealth) Ping(context.Context) error { return f.err }

// upstreamEcho answers with the forwarding headers it received.
func upstreamEcho(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", "upstream/1.0")
		w.Header().Set("X-Seen-Forwarded-For", r.Header.Get("X-Forwarded-For"))
		w.Header().Set("X-Seen-Real-IP", r.Header.Get("X-Real-IP"))
		w.Header().Set("X-Seen-Nonce", r.Header.Get(cspNonceHeader))
		w.Header().Set("Content-Type", "text/plain")
		_, _ = io.WriteString(w, "upstream:"+r.URL.Path)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, env *testEnv, upstream string, configure func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Server:     DefaultServerConfig(),
		Gatekeeper: DefaultGatekeeperConfig(),
		Admin:      DefaultAdminConfig(),
		CSPReport:  DefaultIntakeLimitConfig(),
		Defense:    env.defense,
		Health:     fakeHealth{},
		Logger:     logging.Discard(),
	}
	cfg.Server.Upstream = upstream
	if configure != nil {
		configure(&cfg)
	}
	s, err := NewServer(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })
	return s
}

func TestServer_ProxiesToUpstream(t *testing.T) {
	env := newTestEnv(t)
	upstream := upstreamEcho(t)
	s := newTestServer(t, env, upstream.URL, nil)

	req := httptest.NewRequest(http.MethodGet, "/app/page", nil)
	req.Header.Set("X-Forwarded-For", "203.0.113.5")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "upstream:/app/page", rec.Body.String())
	assert.Equal(t, "203.0.113.5", rec.Header().Get("X-Seen-Forwarded-For"))
	assert.Equal(t, "203.0.113.5", rec.Header().Get("X-Seen-Real-IP"))
	assert.Len(t, rec.Header().Get("X-Seen-Nonce"), 24)
	assert.Empty(t, rec.Header().Get("Server"), "server identification must be stripped")
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Contains(t, rec.Header().Get("Content-Security-Policy"), "'nonce-"+rec.Header().Get("X-Seen-Nonce")+"'")
}

func TestServer_BlockedIPNeverReachesUpstream(t *testing.T) {
	env := newTestEnv(t)
	var hits int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { hits++ }))
	t.Cleanup(upstream.Close)
	s := newTestServer(t, env, upstream.URL, nil)

	_, err := env.defense.Registry().Block(context.Background(), blockFor(testClientIP))
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Zero(t, hits)
}

func TestServer_UpstreamDown(t *testing.T) {
	env := newTestEnv(t)
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()
	s := newTestServer(t, env, addr, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "bad_gateway", decodeJSON[apiError](t, rec).Error)
}

func TestServer_HealthCheck(t *testing.T) {
	env := newTestEnv(t)
	upstream := upstreamEcho(t)

	s := newTestServer(t, env, upstream.URL, nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	health := decodeJSON[map[string]any](t, rec)
	assert.Equal(t, "healthy", health["status"])
	assert.EqualValues(t, 0, health["alert_subscribers"])

	require.NoError(t, s.Shutdown(context.Background()))
	assert.True(t, s.IsShutdown())
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	broken := newTestServer(t, env, upstream.URL, func(c *Config) {
		c.Health = fakeHealth{err: errors.New("connection refused")}
	})
	rec = httptest.NewRecorder()
	broken.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "store_unreachable", decodeJSON[map[string]any](t, rec)["reason"])
}

func TestServer_Metrics(t *testing.T) {
	env := newTestEnv(t)
	s := newTestServer(t, env, upstreamEcho(t).URL, nil)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestServer_AdminMountedOnlyWithTokens(t *testing.T) {
	env := newTestEnv(t)
	upstream := upstreamEcho(t)

	disabled := newTestServer(t, env, upstream.URL, nil)
	rec := httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, DefaultAdminPrefix+"/blocks", nil))
	assert.Equal(t, "upstream:"+DefaultAdminPrefix+"/blocks", rec.Body.String())

	enabled := newTestServer(t, env, upstream.URL, func(c *Config) {
		c.Admin.Tokens = map[string]string{"alice": testAdminToken}
	})
	req := httptest.NewRequest(http.MethodGet, DefaultAdminPrefix+"/blocks", nil)
	req.Header.Set("Authorization", "Bearer "+testAdminToken)
	rec = httptest.NewRecorder()
	enabled.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]", strings.TrimSpace(rec.Body.String()))

	rec = httptest.NewRecorder()
	enabled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 0, decodeJSON[map[string]any](t, rec)["alert_streams"])

	rec = httptest.NewRecorder()
	disabled.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.NotContains(t, decodeJSON[map[string]any](t, rec), "alert_streams")
}

func TestServer_CSPReportRoute(t *testing.T) {
	env := newTestEnv(t)
	s := newTestServer(t, env, upstreamEcho(t).URL, nil)

	req := httptest.NewRequest(http.MethodPost, DefaultCSPReportPath,
		strings.NewReader(`{"csp-report":{"violated-directive":"script-src","blocked-uri":"https://evil.example/x.js"}}`))
	req.Header.Set("Content-Type", "application/csp-report")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Len(t, env.alerts(t), 1)
}

func TestServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*ServerConfig)
		wantErr bool
	}{
		{"defaults", func(*ServerConfig) {}, false},
		{"relative upstream", func(c *ServerConfig) { c.Upstream = "/app" }, true},
		{"ftp upstream", func(c *ServerConfig) { c.Upstream = "ftp://files" }, true},
		{"no listen", func(c *ServerConfig) { c.Listen = "" }, true},
		{"half tls", func(c *ServerConfig) { c.TLS.CertFile = "cert.pem" }, true},
		{"negative timeout", func(c *ServerConfig) { c.IdleTimeout = -1 }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultServerConfig()
			tt.modify(&cfg)
			if tt.wantErr {
				assert.Error(t, cfg.Validate())
			} else {
				assert.NoError(t, cfg.Validate())
			}
		})
	}
}

func TestNewServer_RequiresDefense(t *testing.T) {
	_, err := NewServer(Config{Server: DefaultServerConfig()})
	assert.Error(t, err)
}
