// Package cache provides the volatile, TTL-bounded store used for short-lived
// per-item state such as redaction mappings.
package cache

import (
	"sync"
	"time"
)

type entry struct {
	value     string
	expiresAt time.Time
}

// Memory is an in-process cache. Expired entries are dropped lazily on read
// and during Put once the map grows past sweepEvery entries.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
	maxTTL  time.Duration
}

const sweepEvery = 1024

// NewMemory returns a cache whose TTLs are clamped to maxTTL (0 disables the clamp).
func NewMemory(maxTTL time.Duration, now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{entries: make(map[string]entry), now: now, maxTTL: maxTTL}
}

func (m *Memory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if !m.now().Before(e.expiresAt) {
		delete(m.entries, key)
		return "", false
	}
	return e.value, true
}

func (m *Memory) Put(key, value string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if m.maxTTL > 0 && ttl > m.maxTTL {
		ttl = m.maxTTL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if len(m.entries) >= sweepEvery {
		for k, e := range m.entries {
			if !now.Before(e.expiresAt) {
				delete(m.entries, k)
			}
		}
	}
	m.entries[key] = entry{value: value, expiresAt: now.Add(ttl)}
}

func (m *Memory) Remove(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// Len reports the number of entries, expired or not.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
