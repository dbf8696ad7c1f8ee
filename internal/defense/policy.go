package defense

import (
	"fmt"
	"time"

	"github.com/inercia/warden/internal/models"
)

// Rule is the auto-block threshold for one attack type.
type Rule struct {
	// Threshold is the number of attempts within Window that triggers a block.
	Threshold int             `yaml:"threshold"`
	Window    time.Duration   `yaml:"window"`
	Severity  models.Severity `yaml:"severity"`
	// Duration of the block. Zero means permanent.
	Duration time.Duration `yaml:"duration"`
}

// Policy maps attack types to auto-block rules.
// Attack types without a rule are alert-only.
type Policy map[models.AttackType]Rule

// DefaultPolicy returns the built-in thresholds.
func DefaultPolicy() Policy {
	return Policy{
		models.AttackBruteForce: {
			Threshold: 5, Window: 15 * time.Minute,
			Severity: models.SeverityHigh, Duration: 240 * time.Minute,
		},
		models.AttackSQLInjection: {
			Threshold: 3, Window: 60 * time.Minute,
			Severity: models.SeverityCritical, Duration: 1440 * time.Minute,
		},
		models.AttackXSS: {
			Threshold: 3, Window: 60 * time.Minute,
			Severity: models.SeverityCritical, Duration: 1440 * time.Minute,
		},
		models.AttackRateLimitExceeded: {
			Threshold: 10, Window: 15 * time.Minute,
			Severity: models.SeverityMedium, Duration: 120 * time.Minute,
		},
	}
}

// RuleFor returns the rule for an attack type.
func (p Policy) RuleFor(t models.AttackType) (Rule, bool) {
	r, ok := p[t]
	return r, ok
}

// Validate checks each rule and the ordering between attack classes:
// injection must outrank brute force, which must outrank rate-limit
// violations, in both severity and block duration.
func (p Policy) Validate() error {
	for t, r := range p {
		if !t.Valid() {
			return fmt.Errorf("policy: unknown attack type %q", t)
		}
		if r.Threshold <= 0 {
			return fmt.Errorf("policy %s: threshold must be positive", t)
		}
		if r.Window <= 0 {
			return fmt.Errorf("policy %s: window must be positive", t)
		}
		if !r.Severity.Valid() {
			return fmt.Errorf("policy %s: unknown severity %q", t, r.Severity)
		}
		if r.Duration < 0 {
			return fmt.Errorf("policy %s: duration must not be negative", t)
		}
	}

	bf, hasBF := p[models.AttackBruteForce]
	rl, hasRL := p[models.AttackRateLimitExceeded]
	for _, inj := range []models.AttackType{models.AttackSQLInjection, models.AttackXSS} {
		r, ok := p[inj]
		if !ok {
			continue
		}
		if hasBF {
			if err := outranks(inj, r, models.AttackBruteForce, bf); err != nil {
				return err
			}
		}
		if hasRL {
			if err := outranks(inj, r, models.AttackRateLimitExceeded, rl); err != nil {
				return err
			}
		}
	}
	if hasBF && hasRL {
		if err := outranks(models.AttackBruteForce, bf, models.AttackRateLimitExceeded, rl); err != nil {
			return err
		}
	}
	return nil
}

// outranks checks that rule a is strictly harsher than rule b.
// A permanent block outranks any timed one.
func outranks(aType models.AttackType, a Rule, bType models.AttackType, b Rule) error {
	if a.Severity.Rank() <= b.Severity.Rank() {
		return fmt.Errorf("policy: %s severity %s must exceed %s severity %s", aType, a.Severity, bType, b.Severity)
	}
	if !longer(a.Duration, b.Duration) {
		return fmt.Errorf("policy: %s block duration must exceed %s block duration", aType, bType)
	}
	return nil
}

func longer(a, b time.Duration) bool {
	switch {
	case b == 0:
		return false
	case a == 0:
		return true
	default:
		return a > b
	}
}

// alertTypes maps attack types to the alert raised for a severe attempt.
var alertTypes = map[models.AttackType]models.AlertType{
	models.AttackBruteForce:         models.AlertMultipleFailedLogins,
	models.AttackSQLInjection:       models.AlertInjectionAttempt,
	models.AttackXSS:                models.AlertInjectionAttempt,
	models.AttackUnauthorizedAccess: models.AlertPrivilegeEscalation,
	models.AttackRateLimitExceeded:  models.AlertSuspiciousPattern,
	models.AttackSuspiciousPattern:  models.AlertSuspiciousPattern,
}

// AlertTypeFor returns the alert type raised for a severe attempt of type t.
func AlertTypeFor(t models.AttackType) models.AlertType {
	if a, ok := alertTypes[t]; ok {
		return a
	}
	return models.AlertSuspiciousPattern
}
