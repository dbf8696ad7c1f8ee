package defense

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/inercia/warden/internal/models"
)

// Defense wires the ledger, registry, dispatcher and engine together and
// runs their background maintenance.
//
// Every recorded attempt is evaluated by the engine on a background
// goroutine; Wait blocks until all pending evaluations finish.
type Defense struct {
	mu      sync.Mutex
	config  Config
	store   Store
	scanner *Scanner
	ledger  *Ledger
	reg     *Registry
	alerts  *Dispatcher
	engine  *Engine
	logger  *slog.Logger

	pending sync.WaitGroup // engine evaluations
	stopCh  chan struct{}
	wg      sync.WaitGroup // cleanup goroutine
	stopped bool
}

// New validates config and builds the pipeline over store. The sweep
// goroutine starts immediately when config.SweepInterval is positive.
func New(store Store, config Config, logger *slog.Logger) (*Defense, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid defense config: %w", err)
	}

	d := &Defense{
		config:  config,
		store:   store,
		scanner: NewScanner(),
		logger:  logger,
		stopCh:  make(chan struct{}),
	}
	d.ledger = NewLedger(store, logger)
	d.reg = NewRegistry(store, NewWhitelist(config.Whitelist), config.BlockCacheSize, config.BlockCacheTTL, logger)
	d.alerts = NewDispatcher(store, logger)
	d.engine = NewEngine(d.ledger, d.reg, d.alerts, config.Policy, logger)
	d.ledger.onRecorded = d.evaluateAsync

	if config.SweepInterval > 0 {
		d.wg.Add(1)
		go d.cleanupLoop()
	}

	return d, nil
}

// Scanner returns the injection scanner.
func (d *Defense) Scanner() *Scanner { return d.scanner }

// Ledger returns the attempt ledger.
func (d *Defense) Ledger() *Ledger { return d.ledger }

// Registry returns the block registry.
func (d *Defense) Registry() *Registry { return d.reg }

// Alerts returns the alert dispatcher.
func (d *Defense) Alerts() *Dispatcher { return d.alerts }

// Engine returns the auto-block engine.
func (d *Defense) Engine() *Engine { return d.engine }

// Record logs an attempt and schedules its evaluation.
func (d *Defense) Record(ctx context.Context, a models.IntrusionAttempt) {
	d.ledger.Record(ctx, a)
}

// SetPolicy validates and installs a new auto-block policy.
func (d *Defense) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	d.engine.SetPolicy(p)
	d.logger.Info("policy_updated", "rules", len(p))
	return nil
}

// Overview returns dashboard statistics.
func (d *Defense) Overview(ctx context.Context) (*models.SecurityOverview, error) {
	return d.store.Overview(ctx, d.ledger.now().UTC())
}

// Wait blocks until every scheduled evaluation has finished.
func (d *Defense) Wait() {
	d.pending.Wait()
}

func (d *Defense) evaluateAsync(a models.IntrusionAttempt) {
	timeout := d.config.EvaluationTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	d.pending.Add(1)
	go func() {
		defer d.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		d.engine.Evaluate(ctx, a)
	}()
}

func (d *Defense) cleanupLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			d.cleanup()
		case <-d.stopCh:
			return
		}
	}
}

func (d *Defense) cleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	if _, err := d.reg.SweepExpired(ctx); err != nil {
		d.logger.Warn("block_sweep_failed", "error", err)
	}
}

// Close stops the sweep goroutine and waits for pending evaluations.
func (d *Defense) Close() error {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return nil
	}
	d.stopped = true
	close(d.stopCh)
	d.mu.Unlock()

	d.wg.Wait()
	d.pending.Wait()

	d.logger.Info("defense_closed")
	return nil
}
