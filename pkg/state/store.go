// Package state persists connector cursor state between runs.
//
// State is a JSON-serialisable map per scope. A scope is one stream of one
// source ("<source>/<resource>"); connectors only see their own scope through
// a Bag, and the host runner commits the Bag after the stream completes.
package state

import (
	"context"
	"fmt"
	"strings"

	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/json"
)

// Store is a durable key-value store of per-scope state.
type Store interface {
	// Load returns the state of scope, or an empty map when none is stored
	Load(ctx context.Context, scope string) (map[string]any, error)
	// Save replaces the state of scope
	Save(ctx context.Context, scope string, data map[string]any) error
	// Delete removes the state of scope
	Delete(ctx context.Context, scope string) error
	// Scopes lists stored scopes with the given prefix
	Scopes(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

// Scope builds the state scope of a source resource.
func Scope(source, resource string) string {
	return source + "/" + resource
}

// Open creates the store selected by cfg.
func Open(ctx context.Context, cfg config.StateConfig) (Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		return NewMemoryStore(), nil
	case "bolt", "bbolt":
		return OpenBoltStore(cfg.Path)
	case "postgres", "postgresql":
		return OpenPostgresStore(ctx, cfg.DSN)
	default:
		return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("unknown state driver %q", cfg.Driver))
	}
}

func encode(data map[string]any) ([]byte, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to encode state")
	}
	return b, nil
}

func decode(b []byte) (map[string]any, error) {
	out := map[string]any{}
	if len(b) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeState, "failed to decode state")
	}
	return out, nil
}

// clone deep-copies data through its JSON form so callers never share
// nested maps with a store.
func clone(data map[string]any) (map[string]any, error) {
	b, err := encode(data)
	if err != nil {
		return nil, err
	}
	return decode(b)
}
