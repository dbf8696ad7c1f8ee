package defense

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/inercia/warden/internal/metrics"
	"github.com/inercia/warden/internal/models"
)

// UnknownIP is the client address used when none can be resolved.
// It is never blocked.
const UnknownIP = "unknown"

// ErrWhitelisted is returned when blocking a whitelisted address.
var ErrWhitelisted = errors.New("ip address is whitelisted")

// ValidationError reports invalid fields of a block request.
type ValidationError struct {
	Fields map[string]string
	// Err is a sentinel describing the failure, if any.
	Err error
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+": "+e.Fields[k])
	}
	return "invalid block request: " + strings.Join(parts, ", ")
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// BlockRequest describes a new block.
type BlockRequest struct {
	IPAddress string
	Reason    string
	Severity  models.Severity
	// Duration of the block. Zero means permanent.
	Duration time.Duration
	// BlockedBy names the operator. Empty for automatic blocks.
	BlockedBy string
	Auto      bool
}

// Registry answers "is this IP blocked" and manages block records.
//
// Positive lookups are cached for a short TTL so a flood from a blocked
// address does not reach the store on every request. Negative results are
// never cached: a block written by any process is seen on the next lookup.
type Registry struct {
	store     Store
	whitelist *Whitelist
	cache     *expirable.LRU[string, models.IPBlock]
	logger    *slog.Logger
	now       func() time.Time
}

// NewRegistry creates a registry. A cacheSize of zero disables the cache.
func NewRegistry(store Store, whitelist *Whitelist, cacheSize int, cacheTTL time.Duration, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:     store,
		whitelist: whitelist,
		logger:    logger,
		now:       time.Now,
	}
	if cacheSize > 0 {
		r.cache = expirable.NewLRU[string, models.IPBlock](cacheSize, nil, cacheTTL)
	}
	return r
}

// IsWhitelisted reports whether ip can never be blocked.
func (r *Registry) IsWhitelisted(ip string) bool {
	return r.whitelist.Contains(ip)
}

// IsBlocked reports whether ip has an active, unexpired block.
// On a store error it returns false with the error.
func (r *Registry) IsBlocked(ctx context.Context, ip string) (bool, error) {
	b, err := r.ActiveBlock(ctx, ip)
	if err != nil {
		return false, err
	}
	return b != nil, nil
}

// ActiveBlock returns the block in effect for ip, or nil.
func (r *Registry) ActiveBlock(ctx context.Context, ip string) (*models.IPBlock, error) {
	if ip == "" || ip == UnknownIP || r.whitelist.Contains(ip) {
		return nil, nil
	}
	now := r.now().UTC()

	if r.cache != nil {
		if b, ok := r.cache.Get(ip); ok {
			if b.ActiveAt(now) {
				return &b, nil
			}
			r.cache.Remove(ip)
		}
	}

	b, err := r.store.ActiveBlock(ctx, ip, now)
	if err != nil {
		return nil, fmt.Errorf("lookup block for %s: %w", ip, err)
	}
	if b != nil && r.cache != nil {
		r.cache.Add(ip, *b)
	}
	return b, nil
}

// Block validates req and inserts a new block row.
func (r *Registry) Block(ctx context.Context, req BlockRequest) (*models.IPBlock, error) {
	ip, err := r.validate(req)
	if err != nil {
		return nil, err
	}

	now := r.now().UTC()
	b := &models.IPBlock{
		ID:          uuid.NewString(),
		IPAddress:   ip,
		Reason:      req.Reason,
		Severity:    req.Severity,
		AutoBlocked: req.Auto,
		IsActive:    true,
		BlockedAt:   now,
	}
	if req.Duration > 0 {
		expires := now.Add(req.Duration)
		b.ExpiresAt = &expires
	}
	if req.BlockedBy != "" {
		by := req.BlockedBy
		b.BlockedBy = &by
	}

	if err := r.store.InsertBlock(ctx, b); err != nil {
		return nil, fmt.Errorf("insert block for %s: %w", ip, err)
	}
	if r.cache != nil {
		r.cache.Add(ip, *b)
	}

	source := metrics.SourceManual
	if req.Auto {
		source = metrics.SourceAuto
	}
	metrics.IPBlocksTotal.WithLabelValues(source).Inc()
	r.logger.Warn("ip_blocked",
		"client_ip", ip,
		"reason", req.Reason,
		"severity", req.Severity,
		"block_duration", req.Duration,
		"auto", req.Auto,
		"blocked_by", req.BlockedBy,
	)
	return b, nil
}

func (r *Registry) validate(req BlockRequest) (string, error) {
	fields := map[string]string{}
	var sentinel error

	parsed := net.ParseIP(strings.TrimSpace(req.IPAddress))
	ip := ""
	switch {
	case parsed == nil:
		fields["ipAddress"] = "must be a valid IPv4 or IPv6 address"
	case r.whitelist.Contains(parsed.String()):
		fields["ipAddress"] = ErrWhitelisted.Error()
		sentinel = ErrWhitelisted
	default:
		ip = parsed.String()
	}
	if strings.TrimSpace(req.Reason) == "" {
		fields["reason"] = "is required"
	}
	if !req.Severity.Valid() {
		fields["severity"] = "must be one of LOW, MEDIUM, HIGH, CRITICAL"
	}
	if req.Duration < 0 {
		fields["durationMinutes"] = "must be positive"
	}

	if len(fields) > 0 {
		return "", &ValidationError{Fields: fields, Err: sentinel}
	}
	return ip, nil
}

// Unblock deactivates every block for ip. It returns models.ErrNotFound
// when ip has no block in effect.
func (r *Registry) Unblock(ctx context.Context, ip, by string) error {
	if parsed := net.ParseIP(strings.TrimSpace(ip)); parsed != nil {
		ip = parsed.String()
	}
	if r.cache != nil {
		r.cache.Remove(ip)
	}

	b, err := r.store.ActiveBlock(ctx, ip, r.now().UTC())
	if err != nil {
		return fmt.Errorf("lookup block for %s: %w", ip, err)
	}
	if b == nil {
		return models.ErrNotFound
	}

	n, err := r.store.DeactivateBlocks(ctx, ip)
	if err != nil {
		return fmt.Errorf("deactivate blocks for %s: %w", ip, err)
	}
	r.logger.Info("ip_unblocked", "client_ip", ip, "by", by, "rows", n)
	return nil
}

// ListActive returns blocks in effect now, newest first.
func (r *Registry) ListActive(ctx context.Context) ([]models.IPBlock, error) {
	return r.store.ListActiveBlocks(ctx, r.now().UTC())
}

// SweepExpired deactivates blocks whose expiry has passed.
func (r *Registry) SweepExpired(ctx context.Context) (int64, error) {
	n, err := r.store.DeactivateExpiredBlocks(ctx, r.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep expired blocks: %w", err)
	}
	if n > 0 {
		r.logger.Debug("blocks_swept", "removed", n)
	}
	return n, nil
}
