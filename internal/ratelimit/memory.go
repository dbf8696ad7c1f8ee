package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// memorySweepInterval is how often stale windows are evicted.
const memorySweepInterval = 60 * time.Second

type memoryEntry struct {
	count   int64
	resetAt time.Time
	window  time.Duration
}

// MemoryStore is the in-process CounterStore. Counts are local to one process.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memoryEntry
	logger  *slog.Logger
	now     func() time.Time

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewMemoryStore creates a MemoryStore and starts its sweep goroutine.
func NewMemoryStore(logger *slog.Logger) *MemoryStore {
	s := newMemoryStore(logger, time.Now)
	s.wg.Add(1)
	go s.sweepLoop()
	return s
}

func newMemoryStore(logger *slog.Logger, now func() time.Time) *MemoryStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryStore{
		entries: make(map[string]*memoryEntry),
		logger:  logger,
		now:     now,
		stopCh:  make(chan struct{}),
	}
}

// Increment implements CounterStore.
func (s *MemoryStore) Increment(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	if window <= 0 {
		return 0, time.Time{}, fmt.Errorf("invalid window %s", window)
	}
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !now.Before(e.resetAt) {
		e = &memoryEntry{resetAt: now.Add(window), window: window}
		s.entries[key] = e
	}
	e.count++
	return e.count, e.resetAt, nil
}

// Peek implements CounterStore.
func (s *MemoryStore) Peek(_ context.Context, key string) (int64, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok || !now.Before(e.resetAt) {
		return 0, nil
	}
	return e.count, nil
}

// Len returns the number of tracked keys, including expired but unswept ones.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep evicts entries whose window ended more than one full window ago.
func (s *MemoryStore) Sweep() int {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		if now.After(e.resetAt.Add(e.window)) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed
}

func (s *MemoryStore) sweepLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(memorySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if removed := s.Sweep(); removed > 0 {
				s.logger.Debug("counter_sweep", "removed", removed)
			}
		case <-s.stopCh:
			return
		}
	}
}

// Close stops the sweep goroutine. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
	return nil
}
