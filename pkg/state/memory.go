package state

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// MemoryStore keeps state in process memory. Values are stored in their JSON
// form so they read back exactly as the durable stores return them.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// Load implements Store.
func (m *MemoryStore) Load(_ context.Context, scope string) (map[string]any, error) {
	m.mu.RLock()
	b := m.data[scope]
	m.mu.RUnlock()
	return decode(b)
}

// Save implements Store.
func (m *MemoryStore) Save(_ context.Context, scope string, data map[string]any) error {
	b, err := encode(data)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[scope] = b
	m.mu.Unlock()
	return nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(_ context.Context, scope string) error {
	m.mu.Lock()
	delete(m.data, scope)
	m.mu.Unlock()
	return nil
}

// Scopes implements Store.
func (m *MemoryStore) Scopes(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error { return nil }
