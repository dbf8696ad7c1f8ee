// Package metrics provides Prometheus metrics for the warden gateway.
// Names are stable; dashboards and alert rules can rely on them.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "warden"

// Rejection reasons used as the "reason" label of RequestsRejectedTotal.
const (
	ReasonBlocked   = "blocked"
	ReasonRateLimit = "rate_limited"
	ReasonCSRF      = "csrf"
)

// Block sources used as the "source" label of IPBlocksTotal.
const (
	SourceAuto   = "auto"
	SourceManual = "manual"
)

var (
	// RequestsRejectedTotal counts requests the gatekeeper refused, by reason.
	RequestsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_rejected_total",
			Help:      "Total number of requests rejected by the gatekeeper.",
		},
		[]string{"reason"},
	)

	// IntrusionAttemptsTotal counts attempts recorded in the ledger.
	IntrusionAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intrusion_attempts_total",
			Help:      "Total number of intrusion attempts recorded.",
		},
		[]string{"attack_type", "severity"},
	)

	// IPBlocksTotal counts blocks created, auto or manual.
	IPBlocksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ip_blocks_total",
			Help:      "Total number of IP blocks created.",
		},
		[]string{"source"},
	)

	// SecurityAlertsTotal counts alerts raised.
	SecurityAlertsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "security_alerts_total",
			Help:      "Total number of security alerts raised.",
		},
		[]string{"alert_type", "severity"},
	)

	// InjectionDetectionsTotal counts scanner matches.
	InjectionDetectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "injection_detections_total",
			Help:      "Total number of injection signatures detected in requests.",
		},
		[]string{"attack_type"},
	)

	// RateLimitBackendErrorsTotal counts counter store failures (requests were allowed).
	RateLimitBackendErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_backend_errors_total",
			Help:      "Total number of rate counter backend errors.",
		},
	)

	// LedgerWriteErrorsTotal counts attempts that could not be persisted.
	LedgerWriteErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ledger_write_errors_total",
			Help:      "Total number of intrusion attempts that failed to persist.",
		},
	)

	// CSRFFailuresTotal counts state-changing requests with a missing or invalid token.
	CSRFFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "csrf_failures_total",
			Help:      "Total number of CSRF validation failures.",
		},
	)
)
