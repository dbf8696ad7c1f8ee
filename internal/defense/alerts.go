package defense

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inercia/warden/internal/metrics"
	"github.com/inercia/warden/internal/models"
)

// subscriberBuffer is the channel size handed to each live subscriber.
const subscriberBuffer = 32

// Dispatcher raises and manages security alerts.
//
// Every qualifying event raises a new alert; there is no deduplication.
// Live subscribers receive each raised alert on a buffered channel and are
// skipped when their buffer is full.
type Dispatcher struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	mu     sync.RWMutex
	subs   map[int]chan models.SecurityAlert
	nextID int
}

// NewDispatcher creates a dispatcher writing to store.
func NewDispatcher(store Store, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		store:  store,
		logger: logger,
		now:    time.Now,
		subs:   make(map[int]chan models.SecurityAlert),
	}
}

// Raise stores a new alert and returns its ID.
func (d *Dispatcher) Raise(ctx context.Context, alertType models.AlertType, severity models.Severity, message string, details models.Details) (string, error) {
	if details == nil {
		details = models.Details{}
	}
	alert := models.SecurityAlert{
		ID:        uuid.NewString(),
		AlertType: alertType,
		Severity:  severity,
		Message:   message,
		Details:   details,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.InsertAlert(ctx, &alert); err != nil {
		d.logger.Error("alert_write_failed",
			"alert_type", alertType,
			"severity", severity,
			"error", err,
		)
		return "", err
	}

	metrics.SecurityAlertsTotal.WithLabelValues(string(alertType), string(severity)).Inc()
	d.logger.Warn("security_alert",
		"alert_id", alert.ID,
		"alert_type", alertType,
		"severity", severity,
		"message", message,
	)
	d.publish(alert)
	return alert.ID, nil
}

// ListUnacknowledged returns open alerts, newest first.
func (d *Dispatcher) ListUnacknowledged(ctx context.Context, limit int) ([]models.SecurityAlert, error) {
	return d.List(ctx, models.AlertFilter{Limit: limit})
}

// List returns alerts matching filter, newest first.
func (d *Dispatcher) List(ctx context.Context, filter models.AlertFilter) ([]models.SecurityAlert, error) {
	filter.Limit = clampLimit(filter.Limit)
	return d.store.ListAlerts(ctx, filter)
}

// Acknowledge marks an alert as handled by the given operator.
// It returns models.ErrNotFound for unknown IDs.
func (d *Dispatcher) Acknowledge(ctx context.Context, id, by string) error {
	if err := d.store.AcknowledgeAlert(ctx, id, by, d.now().UTC()); err != nil {
		return err
	}
	d.logger.Info("alert_acknowledged", "alert_id", id, "by", by)
	return nil
}

// Subscribe returns a channel of newly raised alerts and a function that
// ends the subscription and closes the channel.
func (d *Dispatcher) Subscribe() (<-chan models.SecurityAlert, func()) {
	ch := make(chan models.SecurityAlert, subscriberBuffer)

	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = ch
	d.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.mu.Lock()
			delete(d.subs, id)
			d.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of live subscribers.
func (d *Dispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subs)
}

func (d *Dispatcher) publish(alert models.SecurityAlert) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for id, ch := range d.subs {
		select {
		case ch <- alert:
		default:
			d.logger.Debug("alert_subscriber_slow", "subscriber", id, "alert_id", alert.ID)
		}
	}
}
