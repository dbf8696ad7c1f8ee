package defense

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/inercia/warden/internal/logging"
	"github.com/inercia/warden/internal/models"
)

func newTestRegistry(store Store, clock *fakeClock, cacheSize int) *Registry {
	r := NewRegistry(store, NewWhitelist([]string{"127.0.0.0/8", "::1"}), cacheSize, time.Minute, logging.Discard())
	r.now = clock.Now
	return r
}

func TestRegistry_ExpiredBlockNotActiveBeforeSweep(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	r := newTestRegistry(store, clock, 100)
	ctx := context.Background()

	if _, err := r.Block(ctx, BlockRequest{IPAddress: "8.8.8.8", Reason: "test", Severity: models.SeverityLow, Duration: 10 * time.Minute}); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if blocked, _ := r.IsBlocked(ctx, "8.8.8.8"); !blocked {
		t.Fatal("expected block to be active")
	}

	clock.Advance(10 * time.Minute)
	if blocked, _ := r.IsBlocked(ctx, "8.8.8.8"); blocked {
		t.Error("block at its expiry instant must not be active")
	}
	// The row is still flagged active until the sweep runs.
	if rows := store.blockRows("8.8.8.8"); !rows[0].IsActive {
		t.Error("expected row to remain flagged active before sweep")
	}

	n, err := r.SweepExpired(ctx)
	if err != nil {
		t.Fatalf("SweepExpired failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d, want 1", n)
	}
	if rows := store.blockRows("8.8.8.8"); rows[0].IsActive {
		t.Error("expected row to be deactivated by sweep")
	}
}

func TestRegistry_PermanentBlock(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	r := newTestRegistry(store, clock, 0)
	ctx := context.Background()

	b, err := r.Block(ctx, BlockRequest{IPAddress: "8.8.4.4", Reason: "abuse", Severity: models.SeverityCritical, BlockedBy: "admin"})
	if err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if !b.Permanent() || b.AutoBlocked || b.BlockedBy == nil || *b.BlockedBy != "admin" {
		t.Errorf("unexpected block: %+v", b)
	}

	clock.Advance(365 * 24 * time.Hour)
	if blocked, _ := r.IsBlocked(ctx, "8.8.4.4"); !blocked {
		t.Error("permanent block must stay active")
	}
	if n, _ := r.SweepExpired(ctx); n != 0 {
		t.Errorf("sweep removed %d permanent blocks", n)
	}
}

func TestRegistry_DuplicateRowsStillOneBlock(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	r := newTestRegistry(store, clock, 100)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = r.Block(ctx, BlockRequest{IPAddress: "6.6.6.6", Reason: "race", Severity: models.SeverityHigh, Duration: time.Hour, Auto: true})
		}()
	}
	wg.Wait()

	if blocked, _ := r.IsBlocked(ctx, "6.6.6.6"); !blocked {
		t.Error("expected IP to be blocked")
	}
	if err := r.Unblock(ctx, "6.6.6.6", "ops"); err != nil {
		t.Fatalf("Unblock failed: %v", err)
	}
	if blocked, _ := r.IsBlocked(ctx, "6.6.6.6"); blocked {
		t.Error("unblock must deactivate every duplicate row")
	}
}

func TestRegistry_NegativeResultsNotCached(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	r := newTestRegistry(store, clock, 100)
	ctx := context.Background()

	if blocked, _ := r.IsBlocked(ctx, "7.7.7.7"); blocked {
		t.Fatal("unexpected block")
	}

	// Another process writes a block straight to the store.
	expires := clock.Now().Add(time.Hour)
	_ = store.InsertBlock(ctx, &models.IPBlock{ID: "x", IPAddress: "7.7.7.7", Reason: "other worker", Severity: models.SeverityHigh, ExpiresAt: &expires, IsActive: true, BlockedAt: clock.Now()})

	if blocked, _ := r.IsBlocked(ctx, "7.7.7.7"); !blocked {
		t.Error("block written elsewhere must be visible on the next lookup")
	}
}

func TestRegistry_PositiveResultsCached(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	r := newTestRegistry(store, clock, 100)
	ctx := context.Background()

	if _, err := r.Block(ctx, BlockRequest{IPAddress: "5.5.5.5", Reason: "x", Severity: models.SeverityHigh, Duration: time.Hour}); err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	before := store.activeBlockCalls
	for i := 0; i < 10; i++ {
		if blocked, _ := r.IsBlocked(ctx, "5.5.5.5"); !blocked {
			t.Fatal("expected blocked")
		}
	}
	if store.activeBlockCalls != before {
		t.Errorf("expected cached lookups, store was queried %d times", store.activeBlockCalls-before)
	}
}

func TestRegistry_StoreErrorFailsOpen(t *testing.T) {
	store := newMemStore()
	store.failReads = true
	r := newTestRegistry(store, newFakeClock(), 0)

	blocked, err := r.IsBlocked(context.Background(), "1.2.3.4")
	if err == nil {
		t.Error("expected error to be reported")
	}
	if blocked {
		t.Error("store errors must not report a block")
	}
}

func TestRegistry_UnknownAndWhitelisted(t *testing.T) {
	store := newMemStore()
	r := newTestRegistry(store, newFakeClock(), 0)
	ctx := context.Background()

	for _, ip := range []string{"", UnknownIP, "127.0.0.1", "::1"} {
		if blocked, err := r.IsBlocked(ctx, ip); blocked || err != nil {
			t.Errorf("IsBlocked(%q) = %v, %v", ip, blocked, err)
		}
	}
	if store.activeBlockCalls != 0 {
		t.Errorf("exempt addresses should not hit the store, got %d calls", store.activeBlockCalls)
	}

	_, err := r.Block(ctx, BlockRequest{IPAddress: "127.0.0.5", Reason: "x", Severity: models.SeverityLow})
	if !errors.Is(err, ErrWhitelisted) {
		t.Errorf("expected ErrWhitelisted, got %v", err)
	}
}

func TestRegistry_BlockValidation(t *testing.T) {
	r := newTestRegistry(newMemStore(), newFakeClock(), 0)

	_, err := r.Block(context.Background(), BlockRequest{IPAddress: "nope", Severity: "EXTREME", Duration: -time.Minute})
	var ve *ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	for _, field := range []string{"ipAddress", "reason", "severity", "durationMinutes"} {
		if _, ok := ve.Fields[field]; !ok {
			t.Errorf("missing validation detail for %s", field)
		}
	}
}

func TestRegistry_NormalizesIPv6(t *testing.T) {
	r := newTestRegistry(newMemStore(), newFakeClock(), 0)
	ctx := context.Background()

	b, err := r.Block(ctx, BlockRequest{IPAddress: "2001:DB8:0:0::1", Reason: "x", Severity: models.SeverityLow})
	if err != nil {
		t.Fatalf("Block failed: %v", err)
	}
	if b.IPAddress != "2001:db8::1" {
		t.Errorf("IPAddress = %q", b.IPAddress)
	}
	if blocked, _ := r.IsBlocked(ctx, "2001:db8::1"); !blocked {
		t.Error("expected normalized address to be blocked")
	}
}

func TestRegistry_UnblockNotFound(t *testing.T) {
	r := newTestRegistry(newMemStore(), newFakeClock(), 0)
	if err := r.Unblock(context.Background(), "9.8.7.6", "ops"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRegistry_ListActive(t *testing.T) {
	store := newMemStore()
	clock := newFakeClock()
	r := newTestRegistry(store, clock, 0)
	ctx := context.Background()

	_, _ = r.Block(ctx, BlockRequest{IPAddress: "1.1.1.1", Reason: "a", Severity: models.SeverityLow, Duration: time.Minute})
	_, _ = r.Block(ctx, BlockRequest{IPAddress: "2.2.2.2", Reason: "b", Severity: models.SeverityLow})
	clock.Advance(2 * time.Minute)

	blocks, err := r.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(blocks) != 1 || blocks[0].IPAddress != "2.2.2.2" {
		t.Errorf("ListActive = %+v", blocks)
	}
}
