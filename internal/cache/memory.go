package cache

import (
	"context"
	"sync"
	"time"
)

// memoryBackend is the default process-local backend: a byte-capped LRU map
// with per-entry TTL. All operations are mutex-serialized; observable
// semantics are those of a single mutated map.
type memoryBackend struct {
	mu       sync.Mutex
	entries  map[string]*memEntry
	order    []string // LRU order: front=oldest, back=newest
	maxBytes int64
	bytes    int64
	evicted  int64

	// nowFunc allows test injection of time.
	nowFunc func() time.Time
}

type memEntry struct {
	value        []byte
	storedAt     time.Time
	expiresAt    time.Time
	lastAccessed time.Time
}

// NewMemoryBackend creates the process-local backend with the given byte cap.
func NewMemoryBackend(maxBytes int64) Backend {
	return newMemoryBackend(maxBytes)
}

func newMemoryBackend(maxBytes int64) *memoryBackend {
	return &memoryBackend{
		entries:  make(map[string]*memEntry),
		maxBytes: maxBytes,
		nowFunc:  time.Now,
	}
}

func (m *memoryBackend) Ping(context.Context) error { return nil }

func (m *memoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}

	// Expired entries are treated as absent and deleted lazily.
	if m.nowFunc().After(entry.expiresAt) {
		m.remove(key, entry)
		return nil, false, nil
	}

	entry.lastAccessed = m.nowFunc()
	m.touch(key)
	return entry.value, true, nil
}

func (m *memoryBackend) Set(_ context.Context, key string, value []byte, expiresAt time.Time) (bool, error) {
	size := int64(len(value))

	m.mu.Lock()
	defer m.mu.Unlock()

	// An entry that exceeds the whole cap on its own is rejected, not stored.
	if m.maxBytes > 0 && size > m.maxBytes {
		return false, nil
	}

	if old, ok := m.entries[key]; ok {
		m.remove(key, old)
	}

	// Evict least-recently-accessed entries until the new entry fits.
	for m.maxBytes > 0 && m.bytes+size > m.maxBytes && len(m.order) > 0 {
		oldest := m.order[0]
		if entry, ok := m.entries[oldest]; ok {
			m.remove(oldest, entry)
			m.evicted++
		} else {
			m.order = m.order[1:]
		}
	}

	now := m.nowFunc()
	m.entries[key] = &memEntry{
		value:        value,
		storedAt:     now,
		expiresAt:    expiresAt,
		lastAccessed: now,
	}
	m.order = append(m.order, key)
	m.bytes += size
	return true, nil
}

func (m *memoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if entry, ok := m.entries[key]; ok {
		m.remove(key, entry)
	}
	return nil
}

func (m *memoryBackend) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*memEntry)
	m.order = nil
	m.bytes = 0
	return nil
}

func (m *memoryBackend) Stats(context.Context) (entries int, bytes int64, evictions int64, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), m.bytes, m.evicted, nil
}

// remove deletes an entry and its LRU slot; callers hold the mutex.
func (m *memoryBackend) remove(key string, entry *memEntry) {
	delete(m.entries, key)
	m.bytes -= int64(len(entry.value))
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// touch moves a key to the back of the LRU order; callers hold the mutex.
func (m *memoryBackend) touch(key string) {
	for i, k := range m.order {
		if k == key {
			m.order = append(m.order[:i], m.order[i+1:]...)
			m.order = append(m.order, key)
			return
		}
	}
}
