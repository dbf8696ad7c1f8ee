package defense

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/inercia/warden/internal/models"
)

var errStoreDown = errors.New("store unavailable")

// memStore is an in-memory Store for tests.
type memStore struct {
	mu       sync.Mutex
	attempts []models.IntrusionAttempt
	blocks   []models.IPBlock
	alerts   []models.SecurityAlert

	failWrites       bool
	failReads        bool
	activeBlockCalls int
}

func newMemStore() *memStore {
	return &memStore{}
}

func (s *memStore) InsertAttempt(_ context.Context, a *models.IntrusionAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errStoreDown
	}
	s.attempts = append(s.attempts, *a)
	return nil
}

func (s *memStore) CountAttemptsSince(_ context.Context, ip string, t models.AttackType, since time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failReads {
		return 0, errStoreDown
	}
	n := 0
	for _, a := range s.attempts {
		if a.IPAddress == ip && a.AttackType == t && !a.CreatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

func (s *memStore) RecentAttempts(_ context.Context, limit int) ([]models.IntrusionAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := append([]models.IntrusionAttempt(nil), s.attempts...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) InsertBlock(_ context.Context, b *models.IPBlock) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errStoreDown
	}
	s.blocks = append(s.blocks, *b)
	return nil
}

func (s *memStore) ActiveBlock(_ context.Context, ip string, now time.Time) (*models.IPBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeBlockCalls++
	if s.failReads {
		return nil, errStoreDown
	}
	var found *models.IPBlock
	for i := range s.blocks {
		b := s.blocks[i]
		if b.IPAddress == ip && b.ActiveAt(now) {
			if found == nil || b.BlockedAt.After(found.BlockedAt) {
				found = &b
			}
		}
	}
	return found, nil
}

func (s *memStore) ListActiveBlocks(_ context.Context, now time.Time) ([]models.IPBlock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.IPBlock
	for _, b := range s.blocks {
		if b.ActiveAt(now) {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *memStore) DeactivateBlocks(_ context.Context, ip string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.blocks {
		if s.blocks[i].IPAddress == ip && s.blocks[i].IsActive {
			s.blocks[i].IsActive = false
			n++
		}
	}
	return n, nil
}

func (s *memStore) DeactivateExpiredBlocks(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.blocks {
		b := &s.blocks[i]
		if b.IsActive && b.ExpiresAt != nil && !b.ExpiresAt.After(now) {
			b.IsActive = false
			n++
		}
	}
	return n, nil
}

func (s *memStore) InsertAlert(_ context.Context, a *models.SecurityAlert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return errStoreDown
	}
	s.alerts = append(s.alerts, *a)
	return nil
}

func (s *memStore) ListAlerts(_ context.Context, f models.AlertFilter) ([]models.SecurityAlert, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SecurityAlert
	for i := len(s.alerts) - 1; i >= 0; i-- {
		a := s.alerts[i]
		if a.Acknowledged && !f.IncludeAcknowledged {
			continue
		}
		out = append(out, a)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *memStore) AcknowledgeAlert(_ context.Context, id, by string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.alerts {
		if s.alerts[i].ID == id {
			s.alerts[i].Acknowledged = true
			s.alerts[i].AcknowledgedBy = &by
			s.alerts[i].AcknowledgedAt = &at
			return nil
		}
	}
	return models.ErrNotFound
}

func (s *memStore) Overview(_ context.Context, now time.Time) (*models.SecurityOverview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := &models.SecurityOverview{
		AttemptsBySeverity: map[models.Severity]int{},
		AttemptsByType:     map[models.AttackType]int{},
		GeneratedAt:        now,
	}
	for _, a := range s.attempts {
		o.AttemptsBySeverity[a.Severity]++
		o.AttemptsByType[a.AttackType]++
		if !a.CreatedAt.Before(now.Add(-24 * time.Hour)) {
			o.AttemptsLast24h++
		}
	}
	for _, b := range s.blocks {
		if b.ActiveAt(now) {
			o.ActiveBlocks++
		}
	}
	for _, a := range s.alerts {
		if !a.Acknowledged {
			o.UnacknowledgedAlerts++
		}
	}
	return o, nil
}

func (s *memStore) alertsOfType(t models.AlertType) []models.SecurityAlert {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.SecurityAlert
	for _, a := range s.alerts {
		if a.AlertType == t {
			out = append(out, a)
		}
	}
	return out
}

func (s *memStore) blockRows(ip string) []models.IPBlock {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.IPBlock
	for _, b := range s.blocks {
		if b.IPAddress == ip {
			out = append(out, b)
		}
	}
	return out
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}
