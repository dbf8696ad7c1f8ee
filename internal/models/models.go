// Package models defines the records shared by the defense subsystem and its store.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// AttackType is the category of a detected suspicious event.
type AttackType string

const (
	AttackBruteForce         AttackType = "BRUTE_FORCE"
	AttackSQLInjection       AttackType = "SQL_INJECTION"
	AttackXSS                AttackType = "XSS"
	AttackUnauthorizedAccess AttackType = "UNAUTHORIZED_ACCESS"
	AttackRateLimitExceeded  AttackType = "RATE_LIMIT_EXCEEDED"
	AttackSuspiciousPattern  AttackType = "SUSPICIOUS_PATTERN"
)

// AttackTypes lists every known attack type in display order.
var AttackTypes = []AttackType{
	AttackBruteForce,
	AttackSQLInjection,
	AttackXSS,
	AttackUnauthorizedAccess,
	AttackRateLimitExceeded,
	AttackSuspiciousPattern,
}

// Valid reports whether t is a known attack type.
func (t AttackType) Valid() bool {
	for _, known := range AttackTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Severity is an ordered level attached to attempts, blocks and alerts.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Severities lists every severity from lowest to highest.
var Severities = []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}

// Rank returns the position of s in the severity order, or -1 if unknown.
func (s Severity) Rank() int {
	for i, known := range Severities {
		if s == known {
			return i
		}
	}
	return -1
}

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	return s.Rank() >= 0
}

// AtLeast reports whether s is the same as or more severe than other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity converts a case-sensitive name into a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(s)
	if !sev.Valid() {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// AlertType is the category of a security alert.
type AlertType string

const (
	AlertMultipleFailedLogins AlertType = "MULTIPLE_FAILED_LOGINS"
	AlertSuspiciousPattern    AlertType = "SUSPICIOUS_PATTERN"
	AlertIPBlocked            AlertType = "IP_BLOCKED"
	AlertPrivilegeEscalation  AlertType = "PRIVILEGE_ESCALATION"
	AlertInjectionAttempt     AlertType = "INJECTION_ATTEMPT"
)

// IntrusionAttempt is an immutable record of one suspicious event.
type IntrusionAttempt struct {
	ID            string     `db:"id" json:"id"`
	UserID        *string    `db:"user_id" json:"userId,omitempty"`
	IPAddress     string     `db:"ip_address" json:"ipAddress"`
	UserAgent     *string    `db:"user_agent" json:"userAgent,omitempty"`
	AttackType    AttackType `db:"attack_type" json:"attackType"`
	Endpoint      *string    `db:"endpoint" json:"endpoint,omitempty"`
	PayloadSample *string    `db:"payload_sample" json:"payloadSample,omitempty"`
	Severity      Severity   `db:"severity" json:"severity"`
	Blocked       bool       `db:"blocked" json:"blocked"`
	CreatedAt     time.Time  `db:"created_at" json:"createdAt"`
}

// IPBlock is a block record. Only IsActive changes after creation.
type IPBlock struct {
	ID          string     `db:"id" json:"id"`
	IPAddress   string     `db:"ip_address" json:"ipAddress"`
	Reason      string     `db:"reason" json:"reason"`
	Severity    Severity   `db:"severity" json:"severity"`
	ExpiresAt   *time.Time `db:"expires_at" json:"expiresAt"`
	AutoBlocked bool       `db:"auto_blocked" json:"autoBlocked"`
	BlockedBy   *string    `db:"blocked_by" json:"blockedBy"`
	IsActive    bool       `db:"is_active" json:"isActive"`
	BlockedAt   time.Time  `db:"blocked_at" json:"blockedAt"`
}

// Permanent reports whether the block never expires.
func (b *IPBlock) Permanent() bool {
	return b.ExpiresAt == nil
}

// ActiveAt reports whether the block is in effect at the given time.
func (b *IPBlock) ActiveAt(now time.Time) bool {
	if !b.IsActive {
		return false
	}
	return b.ExpiresAt == nil || b.ExpiresAt.After(now)
}

// SecurityAlert is a notification for operators. Only acknowledgement fields change.
type SecurityAlert struct {
	ID             string     `db:"id" json:"id"`
	AlertType      AlertType  `db:"alert_type" json:"alertType"`
	Severity       Severity   `db:"severity" json:"severity"`
	Message        string     `db:"message" json:"message"`
	Details        Details    `db:"details" json:"details"`
	Acknowledged   bool       `db:"acknowledged" json:"acknowledged"`
	AcknowledgedBy *string    `db:"acknowledged_by" json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `db:"acknowledged_at" json:"acknowledgedAt,omitempty"`
	CreatedAt      time.Time  `db:"created_at" json:"createdAt"`
}

// Details is the structured payload of an alert, stored as JSON text.
type Details map[string]any

// Value implements driver.Valuer.
func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("failed to encode alert details: %w", err)
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (d *Details) Scan(src any) error {
	var data []byte
	switch v := src.(type) {
	case nil:
		*d = Details{}
		return nil
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return fmt.Errorf("unsupported alert details type %T", src)
	}
	out := Details{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return fmt.Errorf("failed to decode alert details: %w", err)
		}
	}
	*d = out
	return nil
}

// AlertFilter selects alerts for listing.
type AlertFilter struct {
	// IncludeAcknowledged also returns alerts that were already acknowledged.
	IncludeAcknowledged bool
	Limit               int
}

// SecurityOverview aggregates counters for the admin dashboard.
type SecurityOverview struct {
	AttemptsBySeverity   map[Severity]int   `json:"attemptsBySeverity"`
	AttemptsByType       map[AttackType]int `json:"attemptsByType"`
	AttemptsLast24h      int                `json:"attemptsLast24h"`
	ActiveBlocks         int                `json:"activeBlocks"`
	UnacknowledgedAlerts int                `json:"unacknowledgedAlerts"`
	GeneratedAt          time.Time          `json:"generatedAt"`
}
