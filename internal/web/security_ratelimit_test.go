package web

import (
	"testing"
	"time"
)

func TestIntakeLimiter_Allow(t *testing.T) {
	l := NewIntakeLimiter(IntakeLimitConfig{RequestsPerSecond: 1, BurstSize: 3})
	defer l.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !l.Allow("1.2.3.4") {
			t.Fatalf("request %d within burst denied", i+1)
		}
	}
	if l.Allow("1.2.3.4") {
		t.Error("request beyond burst allowed")
	}
	if !l.Allow("5.6.7.8") {
		t.Error("other IP should have its own bucket")
	}

	now = now.Add(time.Second)
	if !l.Allow("1.2.3.4") {
		t.Error("token not refilled after one second")
	}
}

func TestIntakeLimiter_Cleanup(t *testing.T) {
	l := NewIntakeLimiter(IntakeLimitConfig{RequestsPerSecond: 1, BurstSize: 1, EntryTTL: time.Minute})
	defer l.Close()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }

	l.Allow("1.2.3.4")
	now = now.Add(30 * time.Second)
	l.Allow("5.6.7.8")

	now = now.Add(45 * time.Second)
	l.cleanup()

	if l.Len() != 1 {
		t.Errorf("Len() = %d after cleanup, want 1", l.Len())
	}
}

func TestIntakeLimiter_CloseIsIdempotent(t *testing.T) {
	l := NewIntakeLimiter(DefaultIntakeLimitConfig())
	l.Close()
	l.Close()
}
