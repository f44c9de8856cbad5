// Package cache is the keyed, TTL-bounded read-through cache port with
// pattern invalidation, consumed by projection/query handlers at the
// cache-aside boundary. The cache is never a source of truth: every method
// is best-effort, and pkg/cache never returns an error from Get/Set/Del.
package cache

import (
	"path/filepath"
	"sync"
	"time"

	"libranexus/pkg/clock"
)

// Port is the cache contract. Every method is best-effort: a cache fault
// never aborts the caller, so the interface has no error returns for
// Get/Set/Del — callers only ever see "did it hit" or "did it apply".
type Port interface {
	Get(key string) (value string, ok bool)
	Set(key, value string, ttl time.Duration)
	Del(key string)
	DelPattern(glob string)
	Exists(key string) bool
	GetTTL(key string) (time.Duration, bool)
	UpdateTTL(key string, ttl time.Duration)
}

type entry struct {
	value     string
	expiresAt time.Time
}

// Memory is an in-process best-effort Port. Entries are lazily expired on
// access; there is no background sweeper since the read models this guards
// are small enough that memory growth from stale entries is negligible
// between requests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]entry
	clock   clock.Clock
}

// NewMemory builds an empty Memory cache.
func NewMemory(c clock.Clock) *Memory {
	if c == nil {
		c = clock.System{}
	}
	return &Memory{entries: make(map[string]entry), clock: c}
}

var _ Port = (*Memory)(nil)

func (m *Memory) Get(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return "", false
	}
	if m.expired(e) {
		delete(m.entries, key)
		return "", false
	}
	return e.value, true
}

func (m *Memory) Set(key, value string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = m.clock.Now().Add(ttl)
	}
	m.entries[key] = entry{value: value, expiresAt: expiresAt}
}

func (m *Memory) Del(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// DelPattern deletes every key matching glob (filepath.Match semantics —
// e.g. "catalog:list:*").
func (m *Memory) DelPattern(glob string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key := range m.entries {
		if matched, _ := filepath.Match(glob, key); matched {
			delete(m.entries, key)
		}
	}
}

func (m *Memory) Exists(key string) bool {
	_, ok := m.Get(key)
	return ok
}

func (m *Memory) GetTTL(key string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		return 0, false
	}
	if e.expiresAt.IsZero() {
		return 0, true
	}
	return e.expiresAt.Sub(m.clock.Now()), true
}

func (m *Memory) UpdateTTL(key string, ttl time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok || m.expired(e) {
		return
	}
	if ttl > 0 {
		e.expiresAt = m.clock.Now().Add(ttl)
	} else {
		e.expiresAt = time.Time{}
	}
	m.entries[key] = e
}

func (m *Memory) expired(e entry) bool {
	return !e.expiresAt.IsZero() && m.clock.Now().After(e.expiresAt)
}
