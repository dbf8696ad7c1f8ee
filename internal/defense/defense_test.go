package defense

import (
	"context"
	"testing"
	"time"

	"github.com/inercia/warden/internal/logging"
	"github.com/inercia/warden/internal/models"
)

func (d *Defense) setClock(now func() time.Time) {
	d.ledger.now = now
	d.reg.now = now
	d.alerts.now = now
}

func newTestDefense(t *testing.T, store Store, clock *fakeClock) *Defense {
	t.Helper()
	cfg := DefaultConfig()
	cfg.SweepInterval = 0
	d, err := New(store, cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	d.setClock(clock.Now)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func strPtr(s string) *string { return &s }

func failedLogin(ip string) models.IntrusionAttempt {
	return models.IntrusionAttempt{
		IPAddress:  ip,
		AttackType: models.AttackBruteForce,
		Endpoint:   strPtr("POST /api/auth/login"),
		Severity:   models.SeverityMedium,
	}
}

func TestDefense_FailedLoginScenario(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	d := newTestDefense(t, store, clock)
	ctx := context.Background()
	start := clock.Now()

	for i := 0; i < 5; i++ {
		d.Record(ctx, failedLogin("1.2.3.4"))
		d.Wait()
		clock.Advance(2 * time.Minute)
	}

	blocked, err := d.Registry().IsBlocked(ctx, "1.2.3.4")
	if err != nil {
		t.Fatalf("IsBlocked failed: %v", err)
	}
	if !blocked {
		t.Fatal("expected 1.2.3.4 to be blocked after 5 failed logins")
	}

	rows := store.blockRows("1.2.3.4")
	if len(rows) != 1 {
		t.Fatalf("expected 1 block row, got %d", len(rows))
	}
	b := rows[0]
	if !b.AutoBlocked || b.Severity != models.SeverityHigh || b.BlockedBy != nil {
		t.Errorf("unexpected block: %+v", b)
	}
	// The fifth attempt was recorded 8 minutes after the first.
	wantExpiry := start.Add(8*time.Minute + 240*time.Minute)
	if b.ExpiresAt == nil || !b.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiresAt = %v, want %v", b.ExpiresAt, wantExpiry)
	}

	if n := len(store.alertsOfType(models.AlertMultipleFailedLogins)); n != 1 {
		t.Errorf("MULTIPLE_FAILED_LOGINS alerts = %d, want 1", n)
	}
	if n := len(store.alertsOfType(models.AlertIPBlocked)); n != 1 {
		t.Errorf("IP_BLOCKED alerts = %d, want 1", n)
	}
}

func TestDefense_BelowThresholdNoBlock(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	d := newTestDefense(t, store, clock)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		d.Record(ctx, failedLogin("5.6.7.8"))
	}
	d.Wait()

	if blocked, _ := d.Registry().IsBlocked(ctx, "5.6.7.8"); blocked {
		t.Error("4 failed logins must not block")
	}
	if len(store.alerts) != 0 {
		t.Errorf("expected no alerts, got %d", len(store.alerts))
	}
}

func TestDefense_AttemptsOutsideWindowDoNotCount(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	d := newTestDefense(t, store, clock)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d.Record(ctx, failedLogin("5.6.7.8"))
		d.Wait()
		clock.Advance(4 * time.Minute)
	}

	// Attempts span 16 minutes; at most 4 fall inside any 15 minute window.
	if blocked, _ := d.Registry().IsBlocked(ctx, "5.6.7.8"); blocked {
		t.Error("attempts spread past the window must not block")
	}
}

func TestDefense_InjectionAlertsAndBlocks(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	d := newTestDefense(t, store, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		d.Record(ctx, models.IntrusionAttempt{
			IPAddress:     "9.9.9.9",
			AttackType:    models.AttackSQLInjection,
			PayloadSample: strPtr("'; DROP TABLE users; --"),
			Severity:      models.SeverityHigh,
		})
		d.Wait()
	}

	b, err := d.Registry().ActiveBlock(ctx, "9.9.9.9")
	if err != nil || b == nil {
		t.Fatalf("expected active block, got %v, %v", b, err)
	}
	if b.Severity != models.SeverityCritical {
		t.Errorf("severity = %s, want CRITICAL", b.Severity)
	}
	if b.ExpiresAt == nil || !b.ExpiresAt.Equal(clock.Now().Add(1440*time.Minute)) {
		t.Errorf("expiresAt = %v", b.ExpiresAt)
	}

	// Every HIGH attempt raises one injection alert.
	if n := len(store.alertsOfType(models.AlertInjectionAttempt)); n != 3 {
		t.Errorf("INJECTION_ATTEMPT alerts = %d, want 3", n)
	}
	if n := len(store.alertsOfType(models.AlertIPBlocked)); n != 1 {
		t.Errorf("IP_BLOCKED alerts = %d, want 1", n)
	}
}

func TestDefense_AlreadyBlockedSkipsThreshold(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	d := newTestDefense(t, store, clock)
	ctx := context.Background()

	if _, err := d.Registry().Block(ctx, BlockRequest{
		IPAddress: "4.4.4.4", Reason: "manual", Severity: models.SeverityHigh, BlockedBy: "ops",
	}); err != nil {
		t.Fatalf("Block failed: %v", err)
	}

	for i := 0; i < 10; i++ {
		d.Record(ctx, failedLogin("4.4.4.4"))
	}
	d.Wait()

	if rows := store.blockRows("4.4.4.4"); len(rows) != 1 {
		t.Errorf("expected no extra block rows, got %d", len(rows))
	}
	if n := len(store.alertsOfType(models.AlertIPBlocked)); n != 0 {
		t.Errorf("IP_BLOCKED alerts = %d, want 0", n)
	}
}

func TestDefense_WhitelistedNeverBlocked(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	d := newTestDefense(t, store, clock)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		d.Record(ctx, failedLogin("127.0.0.1"))
		d.Wait()
	}

	if rows := store.blockRows("127.0.0.1"); len(rows) != 0 {
		t.Errorf("whitelisted IP got %d block rows", len(rows))
	}
}

func TestDefense_LedgerFailureSwallowed(t *testing.T) {
	store := newMemStore()
	store.failWrites = true
	clock := newFakeClock()
	d := newTestDefense(t, store, clock)

	// Must not panic or block.
	d.Record(context.Background(), failedLogin("1.1.1.1"))
	d.Wait()

	if len(store.attempts) != 0 {
		t.Errorf("expected no stored attempts, got %d", len(store.attempts))
	}
}

func TestDefense_SetPolicy(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	d := newTestDefense(t, store, clock)

	bad := DefaultPolicy()
	bad[models.AttackRateLimitExceeded] = Rule{Threshold: 1, Window: time.Minute, Severity: models.SeverityCritical, Duration: time.Hour}
	if err := d.SetPolicy(bad); err == nil {
		t.Error("expected ordering violation to be rejected")
	}

	p := DefaultPolicy()
	r := p[models.AttackBruteForce]
	r.Threshold = 2
	p[models.AttackBruteForce] = r
	if err := d.SetPolicy(p); err != nil {
		t.Fatalf("SetPolicy failed: %v", err)
	}

	ctx := context.Background()
	d.Record(ctx, failedLogin("2.2.2.2"))
	d.Wait()
	d.Record(ctx, failedLogin("2.2.2.2"))
	d.Wait()
	if blocked, _ := d.Registry().IsBlocked(ctx, "2.2.2.2"); !blocked {
		t.Error("expected block with lowered threshold")
	}
}

func TestDefense_Overview(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	d := newTestDefense(t, store, clock)
	ctx := context.Background()

	d.Record(ctx, failedLogin("3.3.3.3"))
	d.Record(ctx, models.IntrusionAttempt{IPAddress: "3.3.3.3", AttackType: models.AttackXSS, Severity: models.SeverityHigh})
	d.Wait()

	o, err := d.Overview(ctx)
	if err != nil {
		t.Fatalf("Overview failed: %v", err)
	}
	if o.AttemptsLast24h != 2 {
		t.Errorf("AttemptsLast24h = %d, want 2", o.AttemptsLast24h)
	}
	if o.AttemptsByType[models.AttackXSS] != 1 || o.AttemptsBySeverity[models.SeverityMedium] != 1 {
		t.Errorf("unexpected breakdown: %+v", o)
	}
	if o.UnacknowledgedAlerts != 1 {
		t.Errorf("UnacknowledgedAlerts = %d, want 1", o.UnacknowledgedAlerts)
	}
}

func TestDefense_CloseIdempotent(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SweepInterval = time.Hour
	d, err := New(newMemStore(), cfg, logging.Discard())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Whitelist = []string{"not-a-cidr"}
	if _, err := New(newMemStore(), cfg, logging.Discard()); err == nil {
		t.Error("expected invalid whitelist to be rejected")
	}
}
