package siteconfig

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	res     *Resolution
	expires time.Time
}

// MemoryCache is a process-local resolution cache.
type MemoryCache struct {
	mu      sync.RWMutex
	gen     int64
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{entries: make(map[string]memoryEntry), now: time.Now}
}

func (m *MemoryCache) Generation(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.gen, nil
}

func (m *MemoryCache) Get(ctx context.Context, gen int64, agentID string) (*Resolution, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if gen != m.gen {
		return nil, false, nil
	}
	e, ok := m.entries[agentID]
	if !ok || (!e.expires.IsZero() && m.now().After(e.expires)) {
		return nil, false, nil
	}
	return cloneResolution(e.res), true, nil
}

func (m *MemoryCache) Set(ctx context.Context, gen int64, agentID string, res *Resolution, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if gen != m.gen {
		return nil
	}
	e := memoryEntry{res: cloneResolution(res)}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.entries[agentID] = e
	return nil
}

func (m *MemoryCache) Purge(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gen++
	m.entries = make(map[string]memoryEntry)
	return nil
}

// Len returns the number of live entries.
func (m *MemoryCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func cloneResolution(r *Resolution) *Resolution {
	cp := *r
	cp.Config = r.Config.Clone()
	return &cp
}

var _ Cache = (*MemoryCache)(nil)
