// Package incremental tracks a scalar watermark per stream so each run only
// reads what changed since the previous one.
package incremental

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/json"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
)

// Bound says whether a range end includes its value.
type Bound int

const (
	// Closed includes the bound value
	Closed Bound = iota
	// Open excludes the bound value
	Open
)

// Cursor is a scalar watermark over a record field. The zero Compare is not
// usable; build cursors with NewTimeCursor or set Compare and Codec
// explicitly.
//
// Observe and Track are safe for concurrent use so parallel window fetches
// can fold their values into one watermark.
//
// Records sitting exactly on the watermark are remembered by key and
// persisted with it. With a Closed start bound the next run re-reads that
// value and Track drops the records it already emitted.
type Cursor[T any] struct {
	// Field is the record field, with dots for nested paths
	Field   string
	Initial T
	// End bounds backfills; nil means unbounded
	End        *T
	Compare    func(a, b T) int
	Codec      Codec[T]
	StartBound Bound
	EndBound   Bound
	// PrimaryKey names the fields identifying a record on the watermark.
	// Empty keys records by a hash of their content.
	PrimaryKey []string

	mu       sync.Mutex
	start    T
	loaded   bool
	last     T
	hasLast  bool
	seen     map[string]struct{}
	boundary map[string]struct{}
}

const stateKeyPrefix = "incremental."

func (c *Cursor[T]) key() string { return stateKeyPrefix + c.Field }

// Load restores the watermark from bag. A stored watermark is discarded when
// the configured initial value changed since it was written.
func (c *Cursor[T]) Load(bag *state.Bag) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.start = c.Initial
	c.loaded = true
	c.hasLast = false
	c.seen, c.boundary = nil, nil

	raw, ok := bag.Get(c.key())
	if !ok {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return errors.New(errors.ErrorTypeState, fmt.Sprintf("cursor %s: unexpected state shape %T", c.Field, raw))
	}
	if iv, ok := m["initial_value"]; ok {
		stored, err := c.Codec.Decode(iv)
		if err == nil && c.Compare(stored, c.Initial) != 0 {
			return nil
		}
	}
	lv, ok := m["last_value"]
	if !ok || lv == nil {
		return nil
	}
	last, err := c.Codec.Decode(lv)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeState, fmt.Sprintf("cursor %s: invalid last_value", c.Field))
	}
	c.last, c.hasLast = last, true
	if c.Compare(last, c.start) < 0 {
		return nil
	}
	c.start = last
	if hashes, ok := m["unique_hashes"].([]any); ok {
		c.seen = make(map[string]struct{}, len(hashes))
		c.boundary = make(map[string]struct{}, len(hashes))
		for _, h := range hashes {
			if key, ok := h.(string); ok {
				c.seen[key] = struct{}{}
				c.boundary[key] = struct{}{}
			}
		}
	}
	return nil
}

// Start returns the lower bound of this run: the persisted watermark, or
// Initial on the first run.
func (c *Cursor[T]) Start() T {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.loaded {
		return c.Initial
	}
	return c.start
}

// LastValue returns the highest value observed, persisted or new.
func (c *Cursor[T]) LastValue() (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.hasLast
}

// InRange reports whether v lies between Start and End under the bounds.
func (c *Cursor[T]) InRange(v T) bool {
	start := c.Start()
	cmp := c.Compare(v, start)
	if cmp < 0 || (cmp == 0 && c.StartBound == Open) {
		return false
	}
	if c.End != nil {
		cmp = c.Compare(v, *c.End)
		if cmp > 0 || (cmp == 0 && c.EndBound == Open) {
			return false
		}
	}
	return true
}

// Observe folds v into the watermark.
func (c *Cursor[T]) Observe(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observe(v, "")
}

// observe must be called with mu held. An empty key is not remembered.
func (c *Cursor[T]) observe(v T, key string) {
	cmp := 1
	if c.hasLast {
		cmp = c.Compare(v, c.last)
	}
	switch {
	case cmp > 0:
		c.last, c.hasLast = v, true
		c.boundary = make(map[string]struct{})
	case cmp < 0:
		return
	}
	if key != "" {
		if c.boundary == nil {
			c.boundary = make(map[string]struct{})
		}
		c.boundary[key] = struct{}{}
	}
}

// Track observes rec's cursor field and reports whether rec should be
// emitted: it is in range and was not already emitted on the persisted
// watermark. Records without the field are kept and do not move the
// watermark.
func (c *Cursor[T]) Track(rec core.Record) (bool, error) {
	raw, ok := Lookup(rec, c.Field)
	if !ok || raw == nil {
		return true, nil
	}
	v, err := c.Codec.Decode(raw)
	if err != nil {
		return false, errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("cursor field %s", c.Field))
	}
	if !c.InRange(v) {
		return false, nil
	}
	key, err := c.RecordKey(rec)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.loaded && c.Compare(v, c.start) == 0 {
		if _, dup := c.seen[key]; dup {
			return false, nil
		}
	}
	c.observe(v, key)
	return true, nil
}

// RecordKey identifies rec among the records sharing one cursor value: the
// PrimaryKey values, or a name-based UUID of the record's JSON when no
// primary key is configured or one of its fields is missing.
func (c *Cursor[T]) RecordKey(rec core.Record) (string, error) {
	if len(c.PrimaryKey) > 0 {
		parts := make([]string, 0, len(c.PrimaryKey))
		for _, field := range c.PrimaryKey {
			v, ok := Lookup(rec, field)
			if !ok || v == nil {
				parts = nil
				break
			}
			parts = append(parts, fmt.Sprint(v))
		}
		if parts != nil {
			return strings.Join(parts, "|"), nil
		}
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeData, fmt.Sprintf("cursor %s: hash record", c.Field))
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, b).String(), nil
}

// Save writes the watermark and the keys of the records on it to bag.
// Nothing is written before a value was observed or loaded.
func (c *Cursor[T]) Save(bag *state.Bag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasLast {
		return
	}
	entry := map[string]any{
		"last_value":    c.Codec.Encode(c.last),
		"initial_value": c.Codec.Encode(c.Initial),
	}
	if len(c.boundary) > 0 {
		keys := make([]any, 0, len(c.boundary))
		for _, k := range slices.Sorted(maps.Keys(c.boundary)) {
			keys = append(keys, k)
		}
		entry["unique_hashes"] = keys
	}
	bag.Set(c.key(), entry)
}

// Lookup resolves a dotted path in rec.
func Lookup(rec core.Record, path string) (any, bool) {
	var cur any = rec
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
