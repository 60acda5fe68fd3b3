package state

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
)

func storeContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	empty, err := store.Load(ctx, "slack/channels")
	require.NoError(t, err)
	assert.Empty(t, empty)

	require.NoError(t, store.Save(ctx, "slack/channels", map[string]any{
		"cursor": map[string]any{"last_value": "2024-01-02T00:00:00Z"},
	}))
	require.NoError(t, store.Save(ctx, "slack/users", map[string]any{"n": 1}))
	require.NoError(t, store.Save(ctx, "github/events", map[string]any{"n": 2}))

	got, err := store.Load(ctx, "slack/channels")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"cursor": map[string]any{"last_value": "2024-01-02T00:00:00Z"}}, got)

	scopes, err := store.Scopes(ctx, "slack/")
	require.NoError(t, err)
	assert.Equal(t, []string{"slack/channels", "slack/users"}, scopes)

	require.NoError(t, store.Delete(ctx, "slack/users"))
	scopes, err = store.Scopes(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"github/events", "slack/channels"}, scopes)
}

func TestMemoryStore(t *testing.T) {
	storeContract(t, NewMemoryStore())
}

func TestBoltStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.db")
	store, err := OpenBoltStore(path)
	require.NoError(t, err)
	storeContract(t, store)
	require.NoError(t, store.Close())

	reopened, err := OpenBoltStore(path)
	require.NoError(t, err)
	defer reopened.Close()
	got, err := reopened.Load(context.Background(), "github/events")
	require.NoError(t, err)
	assert.Equal(t, float64(2), got["n"])
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.StateConfig{Driver: "redis"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestOpenPostgresRequiresDSN(t *testing.T) {
	_, err := Open(context.Background(), config.StateConfig{Driver: "postgres"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestBagFlushOnlyWhenDirty(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	bag, err := LoadBag(ctx, store, Scope("kafka", "orders"))
	require.NoError(t, err)
	assert.Equal(t, "kafka/orders", bag.Scope())
	assert.False(t, bag.Dirty())

	bag.Set("last_value", "b")
	assert.True(t, bag.Dirty())

	before, err := store.Load(ctx, "kafka/orders")
	require.NoError(t, err)
	assert.Empty(t, before, "state must not reach the store before Flush")

	require.NoError(t, bag.Flush(ctx))
	assert.False(t, bag.Dirty())

	after, err := store.Load(ctx, "kafka/orders")
	require.NoError(t, err)
	assert.Equal(t, "b", after["last_value"])
}

func TestBagMapAndSnapshot(t *testing.T) {
	bag := NewBag("s/r", nil)
	m := bag.Map("offsets")
	m["p0"] = 3
	bag.Touch()

	snap, err := bag.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"offsets": map[string]any{"p0": float64(3)}}, snap)

	snap["offsets"].(map[string]any)["p0"] = 99
	v, _ := bag.Get("offsets")
	assert.Equal(t, 3, v.(map[string]any)["p0"])

	bag.Delete("offsets")
	_, ok := bag.Get("offsets")
	assert.False(t, ok)
	require.NoError(t, bag.Flush(context.Background()))
}
