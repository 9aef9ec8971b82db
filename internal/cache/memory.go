package cache

import (
	"context"
	"sync"
	"time"

	"github.com/modelmux/modelmux/internal/provider"
)

type entry struct {
	resp     *provider.Response
	storedAt time.Time
}

// Memory is the in-process backend: a mutex-guarded map with lazy
// expiry on read plus explicit Sweep reclamation. An expired entry is
// logically absent even before anything physically removes it.
type Memory struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
}

var _ Store = (*Memory)(nil)

func NewMemory(ttl time.Duration) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

func (m *Memory) Get(ctx context.Context, key string) (*provider.Response, bool, error) {
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}

	if m.now().Sub(e.storedAt) >= m.ttl {
		m.mu.Lock()
		// only reclaim the entry we saw; a concurrent Put may have
		// refreshed the key in between
		if cur, ok := m.entries[key]; ok && cur.storedAt.Equal(e.storedAt) {
			delete(m.entries, key)
		}
		m.mu.Unlock()
		return nil, false, nil
	}

	resp := *e.resp
	return &resp, true, nil
}

func (m *Memory) Put(ctx context.Context, key string, resp *provider.Response) error {
	stored := *resp
	m.mu.Lock()
	m.entries[key] = entry{resp: &stored, storedAt: m.now()}
	m.mu.Unlock()
	return nil
}

// Sweep removes every expired entry and reports how many went.
func (m *Memory) Sweep(ctx context.Context) (int, error) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for k, e := range m.entries {
		if now.Sub(e.storedAt) >= m.ttl {
			delete(m.entries, k)
			removed++
		}
	}
	return removed, nil
}

// Len counts live plus not-yet-reclaimed entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.entries = make(map[string]entry)
	m.mu.Unlock()
	return nil
}
