package state

import (
	"context"
	"sync"
)

// Bag is the state slice of one stream. Reads and writes stay in memory until
// Flush; the host runner flushes after the stream finishes without a fatal
// error. Sources with per-item checkpoints (queue offsets) may Flush earlier.
type Bag struct {
	store Store
	scope string

	mu    sync.Mutex
	data  map[string]any
	dirty bool
}

// LoadBag reads the scope from store.
func LoadBag(ctx context.Context, store Store, scope string) (*Bag, error) {
	data, err := store.Load(ctx, scope)
	if err != nil {
		return nil, err
	}
	return &Bag{store: store, scope: scope, data: data}, nil
}

// NewBag creates a detached bag over data. Flush is a no-op until the bag is
// attached to a store.
func NewBag(scope string, data map[string]any) *Bag {
	if data == nil {
		data = map[string]any{}
	}
	return &Bag{scope: scope, data: data}
}

// Scope returns the scope the bag belongs to.
func (b *Bag) Scope() string { return b.scope }

// Get returns the value stored under key.
func (b *Bag) Get(key string) (any, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v, ok
}

// Map returns the nested object stored under key, creating it when absent or
// of another type. The returned map is owned by the bag; callers mutate it
// only while holding no other references and must call Touch afterwards.
func (b *Bag) Map(key string) map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.data[key].(map[string]any); ok {
		return m
	}
	m := map[string]any{}
	b.data[key] = m
	b.dirty = true
	return m
}

// Set stores value under key.
func (b *Bag) Set(key string, value any) {
	b.mu.Lock()
	b.data[key] = value
	b.dirty = true
	b.mu.Unlock()
}

// Touch marks the bag modified after a caller mutated a nested map.
func (b *Bag) Touch() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
}

// Delete removes key.
func (b *Bag) Delete(key string) {
	b.mu.Lock()
	if _, ok := b.data[key]; ok {
		delete(b.data, key)
		b.dirty = true
	}
	b.mu.Unlock()
}

// Dirty reports whether the bag changed since the last Flush.
func (b *Bag) Dirty() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dirty
}

// Snapshot returns a deep copy of the bag contents.
func (b *Bag) Snapshot() (map[string]any, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return clone(b.data)
}

// Flush writes the bag to its store when it changed.
func (b *Bag) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.store == nil || !b.dirty {
		return nil
	}
	if err := b.store.Save(ctx, b.scope, b.data); err != nil {
		return err
	}
	b.dirty = false
	return nil
}
