package ratelimit

import (
	"context"
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

// Memory keeps counters in process. Expired windows are swept periodically.
type Memory struct {
	mu      sync.Mutex
	policy  Policy
	windows map[string]*window
	now     func() time.Time

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
}

func NewMemory(policy Policy) *Memory {
	return NewMemoryWithClock(policy, time.Now)
}

func NewMemoryWithClock(policy Policy, now func() time.Time) *Memory {
	policy = policy.normalize()
	m := &Memory{
		policy:          policy,
		windows:         make(map[string]*window),
		now:             now,
		cleanupInterval: policy.Window,
		stopCleanup:     make(chan struct{}),
	}

	go m.cleanupExpired()

	return m
}

func (m *Memory) Allow(ctx context.Context, key string) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	w, ok := m.windows[key]
	if !ok || now.Sub(w.start) >= m.policy.Window {
		w = &window{start: now}
		m.windows[key] = w
	}

	if w.count >= m.policy.Requests {
		return Decision{
			Allowed:    false,
			RetryAfter: w.start.Add(m.policy.Window).Sub(now),
		}, nil
	}

	w.count++
	return Decision{
		Allowed:   true,
		Remaining: m.policy.Requests - w.count,
	}, nil
}

// Len reports how many keys currently hold a window.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.windows)
}

func (m *Memory) sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for key, w := range m.windows {
		if now.Sub(w.start) >= m.policy.Window {
			delete(m.windows, key)
		}
	}
}

func (m *Memory) cleanupExpired() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stopCleanup:
			return
		}
	}
}

// Close stops the cleanup goroutine.
func (m *Memory) Close() error {
	m.stopOnce.Do(func() { close(m.stopCleanup) })
	return nil
}
