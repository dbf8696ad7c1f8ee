package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// AnonymousIdentity is the identity used for requests without an authenticated user.
const AnonymousIdentity = "anon"

// Rule limits matching requests to Limit per Window.
type Rule struct {
	Name string `yaml:"name"`
	// PathPrefix matches request paths. Empty matches every path.
	PathPrefix string `yaml:"path_prefix"`
	// Methods restricts the rule to the listed methods. Empty matches every method.
	Methods []string      `yaml:"methods"`
	Limit   int           `yaml:"limit"`
	Window  time.Duration `yaml:"window"`
}

// Matches reports whether the rule applies to the request.
func (r Rule) Matches(method, path string) bool {
	if r.PathPrefix != "" && !strings.HasPrefix(path, r.PathPrefix) {
		return false
	}
	if len(r.Methods) == 0 {
		return true
	}
	for _, m := range r.Methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

// Validate checks that the rule can be enforced.
func (r Rule) Validate() error {
	if r.Name == "" {
		return errors.New("rate limit rule needs a name")
	}
	if r.Limit <= 0 {
		return fmt.Errorf("rate limit rule %q: limit must be positive", r.Name)
	}
	if r.Window <= 0 {
		return fmt.Errorf("rate limit rule %q: window must be positive", r.Name)
	}
	return nil
}

// DefaultRules is the rule set used when none is configured.
func DefaultRules() []Rule {
	return []Rule{
		{Name: "login", PathPrefix: "/api/auth/login", Methods: []string{http.MethodPost}, Limit: 10, Window: 15 * time.Minute},
		{Name: "api", PathPrefix: "/api/", Limit: 100, Window: time.Minute},
		{Name: "global", Limit: 300, Window: time.Minute},
	}
}

// Decision is the outcome of one rate check.
type Decision struct {
	Rule      string
	Limit     int
	Count     int64
	Remaining int
	ResetAt   time.Time
	// RetryAfter is the time left until ResetAt, at least one second.
	RetryAfter time.Duration
	Allowed    bool
}

// RetryAfterSeconds returns RetryAfter rounded up to whole seconds.
func (d Decision) RetryAfterSeconds() int {
	return int(math.Ceil(d.RetryAfter.Seconds()))
}

// SetHeaders writes the X-RateLimit-* headers, and Retry-After when denied.
func (d Decision) SetHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
	h.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAt.Unix(), 10))
	if !d.Allowed {
		h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
	}
}

// Limiter applies the first matching Rule to each request.
// Rules can be swapped at runtime with SetRules.
type Limiter struct {
	store CounterStore
	rules atomic.Pointer[[]Rule]
	now   func() time.Time
}

// NewLimiter creates a limiter over store with the given rules.
func NewLimiter(store CounterStore, rules []Rule) *Limiter {
	l := &Limiter{store: store, now: time.Now}
	l.SetRules(rules)
	return l
}

// SetRules replaces the rule set.
func (l *Limiter) SetRules(rules []Rule) {
	cp := append([]Rule(nil), rules...)
	l.rules.Store(&cp)
}

// Rules returns the current rule set.
func (l *Limiter) Rules() []Rule {
	return *l.rules.Load()
}

// Match returns the first rule that applies to the request.
func (l *Limiter) Match(method, path string) (Rule, bool) {
	for _, r := range l.Rules() {
		if r.Matches(method, path) {
			return r, true
		}
	}
	return Rule{}, false
}

// Key builds the counter key for a rule, identity and client IP.
func Key(rule, identity, ip string) string {
	if identity == "" {
		identity = AnonymousIdentity
	}
	return "rl:" + rule + ":" + identity + ":" + ip
}

// Check counts one request against rule. On a backend error the decision is
// zero and the error is returned; callers decide whether to fail open.
func (l *Limiter) Check(ctx context.Context, rule Rule, identity, ip string) (Decision, error) {
	count, resetAt, err := l.store.Increment(ctx, Key(rule.Name, identity, ip), rule.Window)
	if err != nil {
		return Decision{}, err
	}

	remaining := rule.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	retry := resetAt.Sub(l.now())
	if retry < time.Second {
		retry = time.Second
	}
	if retry > rule.Window {
		retry = rule.Window
	}

	return Decision{
		Rule:       rule.Name,
		Limit:      rule.Limit,
		Count:      count,
		Remaining:  remaining,
		ResetAt:    resetAt,
		RetryAfter: retry,
		Allowed:    count <= int64(rule.Limit),
	}, nil
}
