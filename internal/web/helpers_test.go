package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/inercia/warden/internal/defense"
	"github.com/inercia/warden/internal/logging"
	"github.com/inercia/warden/internal/models"
	"github.com/inercia/warden/internal/ratelimit"
	"github.com/inercia/warden/internal/store"
)

var _ defense.Store = (*store.SQLStore)(nil)

// testClientIP is the address httptest.NewRequest assigns.
const testClientIP = "192.0.2.1"

// testEnv is a defense pipeline over a real temporary SQLite database.
type testEnv struct {
	store   *store.SQLStore
	defense *defense.Defense
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.Open(context.Background(), store.Config{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "warden.db"),
	}, logging.Discard())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}

	cfg := defense.DefaultConfig()
	cfg.SweepInterval = 0
	d, err := defense.New(st, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("defense.New: %v", err)
	}
	t.Cleanup(func() {
		d.Close()
		st.Close()
	})
	return &testEnv{store: st, defense: d}
}

// attempts waits for pending evaluations and returns every recorded attempt.
func (e *testEnv) attempts(t *testing.T) []models.IntrusionAttempt {
	t.Helper()
	e.defense.Wait()
	got, err := e.defense.Ledger().Recent(context.Background(), 500)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	return got
}

func (e *testEnv) alerts(t *testing.T) []models.SecurityAlert {
	t.Helper()
	e.defense.Wait()
	got, err := e.defense.Alerts().List(context.Background(), models.AlertFilter{IncludeAcknowledged: true, Limit: 500})
	if err != nil {
		t.Fatalf("List alerts: %v", err)
	}
	return got
}

// newTestGatekeeper builds a gatekeeper with CSRF disabled unless configure
// turns it back on.
func newTestGatekeeper(t *testing.T, env *testEnv, rules []ratelimit.Rule, configure func(*GatekeeperConfig)) *Gatekeeper {
	t.Helper()
	cfg := DefaultGatekeeperConfig()
	cfg.CSRF.Enabled = false
	cfg.CSRF.SweepInterval = 0
	if configure != nil {
		configure(&cfg)
	}

	var limiter *ratelimit.Limiter
	if rules != nil {
		mem := ratelimit.NewMemoryStore(logging.Discard())
		t.Cleanup(func() { mem.Close() })
		limiter = ratelimit.NewLimiter(mem, rules)
	}

	g, err := NewGatekeeper(cfg, env.defense, limiter, NewClientIPResolver(nil), logging.Discard())
	if err != nil {
		t.Fatalf("NewGatekeeper: %v", err)
	}
	t.Cleanup(g.Close)
	return g
}

// okHandler answers 200 with a small JSON body and counts calls.
type okHandler struct {
	calls int
}

func (h *okHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls++
	writeJSONOK(w, map[string]string{"status": "ok"})
}

func decodeJSON[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

// blockFor is a one-hour manual block of ip.
func blockFor(ip string) defense.BlockRequest {
	return defense.BlockRequest{
		IPAddress: ip,
		Reason:    "test",
		Severity:  models.SeverityHigh,
		Duration:  time.Hour,
		BlockedBy: "tester",
	}
}
