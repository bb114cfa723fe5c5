package cache

import (
	"slices"
	"sync"
	"time"
)

const DefaultMaxObjectBytes int64 = 50 * 1024 * 1024

type MemoryStore struct {
	mu             sync.RWMutex
	entries        map[string]*Response
	maxObjectBytes int64
}

func NewMemoryStore(maxObjectBytes int64) *MemoryStore {
	if maxObjectBytes <= 0 {
		maxObjectBytes = DefaultMaxObjectBytes
	}
	return &MemoryStore{
		entries:        make(map[string]*Response),
		maxObjectBytes: maxObjectBytes,
	}
}

func (m *MemoryStore) Get(key string) (*Response, bool) {
	if m == nil {
		return nil, false
	}
	m.mu.RLock()
	entry, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return entry.Clone(), true
}

func (m *MemoryStore) Set(key string, resp *Response) error {
	if m == nil {
		return ErrStoreMissing
	}
	if resp == nil {
		return nil
	}
	if m.maxObjectBytes > 0 && int64(len(resp.Body)) > m.maxObjectBytes {
		return ErrObjectTooBig
	}
	stored := resp.Clone()
	if stored.StoredAt.IsZero() {
		stored.StoredAt = time.Now()
	}
	m.mu.Lock()
	m.entries[key] = stored
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(key string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

func (m *MemoryStore) Keys() []string {
	if m == nil {
		return nil
	}
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for key := range m.entries {
		keys = append(keys, key)
	}
	m.mu.RUnlock()
	slices.Sort(keys)
	return keys
}

func (m *MemoryStore) Len() int {
	if m == nil {
		return 0
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// MemoryBackend keeps every named store in process memory.
type MemoryBackend struct {
	mu             sync.Mutex
	stores         map[string]*MemoryStore
	order          []string
	maxObjectBytes int64
}

func NewMemoryBackend(maxObjectBytes int64) *MemoryBackend {
	return &MemoryBackend{stores: make(map[string]*MemoryStore), maxObjectBytes: maxObjectBytes}
}

func (b *MemoryBackend) Open(name string) (Store, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if store, ok := b.stores[name]; ok {
		return store, nil
	}
	store := NewMemoryStore(b.maxObjectBytes)
	b.stores[name] = store
	b.order = append(b.order, name)
	return store, nil
}

func (b *MemoryBackend) Names() ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.order), nil
}

func (b *MemoryBackend) Remove(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.stores[name]; !ok {
		return ErrStoreNotFound
	}
	delete(b.stores, name)
	b.order = slices.DeleteFunc(b.order, func(existing string) bool { return existing == name })
	return nil
}
