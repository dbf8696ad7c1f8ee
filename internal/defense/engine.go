package defense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/inercia/warden/internal/models"
)

// Outcome reports what the engine did for one attempt.
type Outcome struct {
	// AlreadyBlocked is set when threshold evaluation was skipped.
	AlreadyBlocked bool
	// Block is the block created by this attempt, if any.
	Block *models.IPBlock
	// Alerts holds the IDs of alerts raised for this attempt.
	Alerts []string
}

// Engine turns recorded attempts into auto-blocks and alerts.
type Engine struct {
	ledger   *Ledger
	registry *Registry
	alerts   *Dispatcher
	policy   atomic.Pointer[Policy]
	logger   *slog.Logger
}

// NewEngine creates an engine applying policy.
func NewEngine(ledger *Ledger, registry *Registry, alerts *Dispatcher, policy Policy, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{ledger: ledger, registry: registry, alerts: alerts, logger: logger}
	e.SetPolicy(policy)
	return e
}

// SetPolicy swaps the active policy.
func (e *Engine) SetPolicy(p Policy) {
	cp := make(Policy, len(p))
	for k, v := range p {
		cp[k] = v
	}
	e.policy.Store(&cp)
}

// Policy returns the active policy.
func (e *Engine) Policy() Policy {
	return *e.policy.Load()
}

// Evaluate runs the threshold check for a just-recorded attempt and raises
// the resulting alerts.
//
// An IP that is already blocked skips the threshold check. When the check
// creates a block, the attempt is treated as having the rule's severity for
// alerting, so a burst of medium-severity failures still raises one alert.
func (e *Engine) Evaluate(ctx context.Context, a models.IntrusionAttempt) Outcome {
	var out Outcome
	effective := a.Severity
	log := e.logger.With("client_ip", a.IPAddress, "attack_type", a.AttackType)

	blocked, err := e.registry.IsBlocked(ctx, a.IPAddress)
	if err != nil {
		log.Warn("block_lookup_failed", "error", err)
	}
	out.AlreadyBlocked = blocked

	if !blocked && !e.registry.IsWhitelisted(a.IPAddress) {
		if rule, ok := e.Policy().RuleFor(a.AttackType); ok {
			if b := e.checkThreshold(ctx, log, a, rule); b != nil {
				out.Block = b
				if rule.Severity.Rank() > effective.Rank() {
					effective = rule.Severity
				}
				if id := e.raise(ctx, log, models.AlertIPBlocked, rule.Severity,
					fmt.Sprintf("IP %s automatically blocked after repeated %s attempts", a.IPAddress, a.AttackType),
					models.Details{
						"ipAddress":  a.IPAddress,
						"attackType": string(a.AttackType),
						"blockId":    b.ID,
						"threshold":  rule.Threshold,
						"window":     rule.Window.String(),
						"duration":   rule.Duration.String(),
					}); id != "" {
					out.Alerts = append(out.Alerts, id)
				}
			}
		}
	}

	if effective.AtLeast(models.SeverityHigh) {
		alertType := AlertTypeFor(a.AttackType)
		details := models.Details{
			"ipAddress":  a.IPAddress,
			"attackType": string(a.AttackType),
			"attemptId":  a.ID,
		}
		if a.Endpoint != nil {
			details["endpoint"] = *a.Endpoint
		}
		if a.PayloadSample != nil {
			details["payloadSample"] = *a.PayloadSample
		}
		if id := e.raise(ctx, log, alertType, effective,
			fmt.Sprintf("%s attempt from %s", a.AttackType, a.IPAddress), details); id != "" {
			out.Alerts = append(out.Alerts, id)
		}
	}

	return out
}

func (e *Engine) checkThreshold(ctx context.Context, log *slog.Logger, a models.IntrusionAttempt, rule Rule) *models.IPBlock {
	n, err := e.ledger.CountSince(ctx, a.IPAddress, a.AttackType, rule.Window)
	if err != nil {
		log.Warn("attempt_count_failed", "error", err)
		return nil
	}
	if n < rule.Threshold {
		return nil
	}

	b, err := e.registry.Block(ctx, BlockRequest{
		IPAddress: a.IPAddress,
		Reason:    fmt.Sprintf("Automatic block: %d %s attempts within %s", n, a.AttackType, rule.Window),
		Severity:  rule.Severity,
		Duration:  rule.Duration,
		Auto:      true,
	})
	if err != nil {
		if errors.Is(err, ErrWhitelisted) {
			return nil
		}
		log.Error("auto_block_failed", "error", err)
		return nil
	}
	return b
}

func (e *Engine) raise(ctx context.Context, log *slog.Logger, t models.AlertType, sev models.Severity, msg string, details models.Details) string {
	id, err := e.alerts.Raise(ctx, t, sev, msg, details)
	if err != nil {
		log.Warn("alert_raise_failed", "alert_type", t, "error", err)
		return ""
	}
	return id
}
