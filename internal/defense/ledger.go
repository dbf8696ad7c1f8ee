package defense

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/warden/internal/metrics"
	"github.com/inercia/warden/internal/models"
)

const (
	defaultRecentLimit = 50
	maxRecentLimit     = 500
)

// Ledger is the append-only log of intrusion attempts.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	// onRecorded runs after every successful write.
	onRecorded func(models.IntrusionAttempt)
}

// NewLedger creates a ledger writing to store.
func NewLedger(store Store, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: store, logger: logger, now: time.Now}
}

// Record persists an attempt. Missing IDs, timestamps and severities are
// filled in and the payload sample is truncated. Write failures are logged
// and swallowed; they never reach the caller.
func (l *Ledger) Record(ctx context.Context, a models.IntrusionAttempt) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = l.now().UTC()
	}
	if !a.Severity.Valid() {
		a.Severity = models.SeverityLow
	}
	if a.PayloadSample != nil {
		sample := Truncate(*a.PayloadSample, MaxSampleLength)
		a.PayloadSample = &sample
	}

	if err := l.store.InsertAttempt(ctx, &a); err != nil {
		metrics.LedgerWriteErrorsTotal.Inc()
		l.logger.Error("ledger_write_failed",
			"client_ip", a.IPAddress,
			"attack_type", a.AttackType,
			"error", err,
		)
		return
	}

	metrics.IntrusionAttemptsTotal.WithLabelValues(string(a.AttackType), string(a.Severity)).Inc()
	l.logger.Info("intrusion_attempt",
		"client_ip", a.IPAddress,
		"attack_type", a.AttackType,
		"severity", a.Severity,
		"endpoint", deref(a.Endpoint),
		"blocked", a.Blocked,
	)

	if l.onRecorded != nil {
		l.onRecorded(a)
	}
}

// CountSince counts attempts of attackType from ip created within the last window.
func (l *Ledger) CountSince(ctx context.Context, ip string, attackType models.AttackType, window time.Duration) (int, error) {
	return l.store.CountAttemptsSince(ctx, ip, attackType, l.now().UTC().Add(-window))
}

// Recent returns the newest attempts, newest first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]models.IntrusionAttempt, error) {
	return l.store.RecentAttempts(ctx, clampLimit(limit))
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultRecentLimit
	case limit > maxRecentLimit:
		return maxRecentLimit
	default:
		return limit
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
