package web

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// IntakeLimitConfig configures a per-IP token bucket for unauthenticated
// intake endpoints such as CSP reports.
type IntakeLimitConfig struct {
	// RequestsPerSecond is the sustained rate per IP.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	// BurstSize is the maximum burst size allowed.
	BurstSize int `yaml:"burst"`
	// CleanupInterval is how often idle entries are dropped.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// EntryTTL is how long an idle entry is kept.
	EntryTTL time.Duration `yaml:"entry_ttl"`
}

// DefaultIntakeLimitConfig returns the defaults used for CSP reports.
func DefaultIntakeLimitConfig() IntakeLimitConfig {
	return IntakeLimitConfig{
		RequestsPerSecond: 1,
		BurstSize:         20,
		CleanupInterval:   5 * time.Minute,
		EntryTTL:          10 * time.Minute,
	}
}

// intakeEntry tracks rate limiting state for a single IP.
type intakeEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// IntakeLimiter keeps one token bucket per client IP.
// It is safe for concurrent use.
type IntakeLimiter struct {
	mu       sync.Mutex
	limiters map[string]*intakeEntry
	config   IntakeLimitConfig
	now      func() time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	closeOnce   sync.Once
}

// NewIntakeLimiter creates a limiter and starts its cleanup goroutine.
func NewIntakeLimiter(config IntakeLimitConfig) *IntakeLimiter {
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = 5 * time.Minute
	}
	if config.EntryTTL <= 0 {
		config.EntryTTL = 10 * time.Minute
	}
	l := &IntakeLimiter{
		limiters:    make(map[string]*intakeEntry),
		config:      config,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}

	go l.cleanupLoop()

	return l
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (l *IntakeLimiter) Close() {
	l.closeOnce.Do(func() { close(l.stopCleanup) })
	<-l.cleanupDone
}

// Allow checks if a request from the given IP should be accepted.
func (l *IntakeLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, exists := l.limiters[ip]
	if !exists {
		entry = &intakeEntry{
			limiter: rate.NewLimiter(rate.Limit(l.config.RequestsPerSecond), l.config.BurstSize),
		}
		l.limiters[ip] = entry
	}
	entry.lastAccess = now

	return entry.limiter.AllowN(now, 1)
}

func (l *IntakeLimiter) cleanupLoop() {
	defer close(l.cleanupDone)

	ticker := time.NewTicker(l.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopCleanup:
			return
		case <-ticker.C:
			l.cleanup()
		}
	}
}

// cleanup removes entries that haven't been accessed recently.
func (l *IntakeLimiter) cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.config.EntryTTL)
	for ip, entry := range l.limiters {
		if entry.lastAccess.Before(cutoff) {
			delete(l.limiters, ip)
		}
	}
}

// Len returns the number of tracked IPs.
func (l *IntakeLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}
