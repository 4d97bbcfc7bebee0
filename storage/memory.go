package storage

import (
	"context"
	"sync"
	"time"
)

// DefaultGrace is how long backends keep an entry past its requested
// TTL. The middleware serves such stale entries while it refreshes
// them in the background, so evicting exactly at the TTL would defeat
// the refresh path.
const DefaultGrace = time.Hour

type memoryEntry struct {
	entry     *Entry
	evictedAt time.Time
}

// MemoryStore is a map-backed Store for tests and single-process
// deployments.
type MemoryStore struct {
	// Grace is added to every TTL before eviction. Defaults to
	// DefaultGrace.
	Grace time.Duration

	mutex sync.RWMutex
	db    map[string]memoryEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Grace: DefaultGrace,
		db:    make(map[string]memoryEntry),
	}
}

func (m *MemoryStore) Get(ctx context.Context, key string) (*Entry, error) {
	m.mutex.RLock()
	me, ok := m.db[key]
	m.mutex.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	if time.Now().After(me.evictedAt) {
		m.mutex.Lock()
		delete(m.db, key)
		m.mutex.Unlock()
		return nil, ErrNotFound
	}
	return me.entry, nil
}

func (m *MemoryStore) Set(ctx context.Context, key string, entry *Entry, ttl time.Duration) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.db[key] = memoryEntry{
		entry:     entry,
		evictedAt: time.Now().Add(ttl + m.Grace),
	}
	return nil
}

// Len reports the number of live entries. Used by tests.
func (m *MemoryStore) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}
