package store

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value   string
	expires time.Time // zero means no expiry
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Memory is an in-process Store. It backs single-node deployments and tests;
// a fleet of nodes must share a network store such as Redis.
type Memory struct {
	mu   sync.Mutex
	data map[string]entry
	sets map[string]map[string]struct{}
	now  func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		data: make(map[string]entry),
		sets: make(map[string]map[string]struct{}),
		now:  time.Now,
	}
}

// lookupLocked returns a live entry, dropping it if it has expired.
func (m *Memory) lookupLocked(key string) (entry, bool) {
	e, ok := m.data[key]
	if !ok {
		return entry{}, false
	}
	if e.expired(m.now()) {
		delete(m.data, key)
		return entry{}, false
	}
	return e, true
}

func (m *Memory) CreateIfAbsent(_ context.Context, key, value string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.lookupLocked(key); ok {
		return false, nil
	}
	m.data[key] = entry{value: value}
	return true, nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.lookupLocked(key)
	if !ok {
		return "", ErrNotFound
	}
	return e.value, nil
}

func (m *Memory) Delete(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.lookupLocked(key)
	delete(m.data, key)
	if _, isSet := m.sets[key]; isSet {
		delete(m.sets, key)
		ok = true
	}
	return ok, nil
}

func (m *Memory) PutWithTTL(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e := entry{value: value}
	if ttl > 0 {
		e.expires = m.now().Add(ttl)
	}
	m.data[key] = e
	return true, nil
}

func (m *Memory) AddToSet(_ context.Context, setKey, member string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[setKey]
	if !ok {
		set = make(map[string]struct{})
		m.sets[setKey] = set
	}
	if _, exists := set[member]; exists {
		return 0, nil
	}
	set[member] = struct{}{}
	return 1, nil
}

func (m *Memory) RemoveFromSet(_ context.Context, setKey, member string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.sets[setKey]
	if !ok {
		return 0, nil
	}
	if _, exists := set[member]; !exists {
		return 0, nil
	}
	delete(set, member)
	if len(set) == 0 {
		delete(m.sets, setKey)
	}
	return 1, nil
}

func (m *Memory) ListSet(_ context.Context, setKey string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.sets[setKey]
	members := make([]string, 0, len(set))
	for member := range set {
		members = append(members, member)
	}
	return members, nil
}
