// Package boundedmap provides a memory-ceilinged, insertion-ordered cache
// used throughout the kernel for approval tokens, idempotency keys, and
// rate-limiter state. A BoundedMap can never grow past MaxSize regardless
// of workload: once full, the oldest inserted entry is evicted.
package boundedmap

import (
	"container/list"
	"sync"
	"time"
)

// Clock abstracts time.Now so tests can inject deterministic timestamps.
type Clock func() time.Time

type entry struct {
	key       string
	value     interface{}
	expiresAt time.Time
	hasTTL    bool
	elem      *list.Element
}

// Map is a bounded, insertion-ordered map with optional per-entry TTL.
type Map struct {
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	clock   Clock

	order   *list.List // front = oldest insertion
	entries map[string]*entry
}

// Option configures a Map at construction.
type Option func(*Map)

// WithTTL sets a default TTL applied to every Set call. A zero TTL means
// entries never expire on their own (they can still be evicted by size).
func WithTTL(ttl time.Duration) Option {
	return func(m *Map) { m.ttl = ttl }
}

// WithClock injects a deterministic clock, primarily for tests.
func WithClock(c Clock) Option {
	return func(m *Map) { m.clock = c }
}

// New creates a Map bounded to maxSize entries.
func New(maxSize int, opts ...Option) *Map {
	m := &Map{
		maxSize: maxSize,
		clock:   time.Now,
		order:   list.New(),
		entries: make(map[string]*entry, maxSize),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Set inserts or replaces k, resetting its insertion order to the most
// recent position. If the map is at capacity and k is new, the oldest
// entry is evicted.
func (m *Map) Set(k string, v interface{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[k]; ok {
		m.order.Remove(existing.elem)
		delete(m.entries, k)
	}

	e := &entry{key: k, value: v}
	if m.ttl > 0 {
		e.hasTTL = true
		e.expiresAt = m.clock().Add(m.ttl)
	}
	e.elem = m.order.PushBack(e)
	m.entries[k] = e

	for len(m.entries) > m.maxSize {
		oldest := m.order.Front()
		if oldest == nil {
			break
		}
		m.order.Remove(oldest)
		delete(m.entries, oldest.Value.(*entry).key)
	}
}

// Get returns the value for k and whether it was present and unexpired. A
// stale entry is deleted on read and reported absent.
func (m *Map) Get(k string) (interface{}, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[k]
	if !ok {
		return nil, false
	}
	if e.hasTTL && m.clock().After(e.expiresAt) {
		m.order.Remove(e.elem)
		delete(m.entries, k)
		return nil, false
	}
	return e.value, true
}

// Delete removes k unconditionally.
func (m *Map) Delete(k string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[k]; ok {
		m.order.Remove(e.elem)
		delete(m.entries, k)
	}
}

// Len returns the current number of live (not necessarily unexpired) entries.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// PurgeExpired scans and deletes every entry whose TTL has elapsed as of
// now, returning the number removed.
func (m *Map) PurgeExpired(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	var next *list.Element
	for e := m.order.Front(); e != nil; e = next {
		next = e.Next()
		ent := e.Value.(*entry)
		if ent.hasTTL && now.After(ent.expiresAt) {
			m.order.Remove(e)
			delete(m.entries, ent.key)
			removed++
		}
	}
	return removed
}
