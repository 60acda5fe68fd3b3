package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
)

func TestFlattenEnvelope(t *testing.T) {
	rec := core.Record{
		"type": "event",
		"id":   "e1",
		"attributes": map[string]any{
			"datetime": "2024-01-01T00:00:00Z",
			"id":       "shadowed",
		},
		"relationships": map[string]any{"profile": "p1"},
	}

	flat := FlattenEnvelope(rec)
	assert.Equal(t, "e1", flat["id"])
	assert.Equal(t, "event", flat["type"])
	assert.Equal(t, "2024-01-01T00:00:00Z", flat["datetime"])
	assert.NotContains(t, flat, "attributes")
	assert.Contains(t, flat, "relationships")

	assert.Equal(t, flat, FlattenEnvelope(flat))
}

func TestFlattenConnections(t *testing.T) {
	rec := core.Record{
		"number": float64(7),
		"labels": map[string]any{
			"nodes":      []any{map[string]any{"name": "bug"}},
			"totalCount": float64(1),
		},
		"reviews": map[string]any{
			"edges": []any{
				map[string]any{"node": map[string]any{
					"id": "r1",
					"comments": map[string]any{
						"nodes":      []any{},
						"totalCount": float64(0),
					},
				}},
			},
			"totalCount": float64(3),
		},
		"reactions": map[string]any{"data": []any{"+1"}},
		"author":    map[string]any{"login": "octocat"},
	}

	flat := FlattenConnections(rec)
	assert.Equal(t, []any{map[string]any{"name": "bug"}}, flat["labels"])
	assert.Equal(t, float64(1), flat["labels_totalCount"])
	assert.Equal(t, float64(3), flat["reviews_totalCount"])
	assert.Equal(t, []any{"+1"}, flat["reactions"])
	assert.NotContains(t, flat, "reactions_totalCount")
	assert.Equal(t, map[string]any{"login": "octocat"}, flat["author"])

	reviews := flat["reviews"].([]any)
	require.Len(t, reviews, 1)
	review := reviews[0].(core.Record)
	assert.Equal(t, []any{}, review["comments"])
	assert.Equal(t, float64(0), review["comments_totalCount"])
}

func TestFlattenConnectionsLeavesOtherObjects(t *testing.T) {
	rec := core.Record{
		"data":     []any{"kept"},
		"payload":  map[string]any{"data": []any{1.0}, "extra": true},
		"pageInfo": map[string]any{"hasNextPage": false},
	}
	flat := FlattenConnections(rec)
	assert.Equal(t, []any{"kept"}, flat["data"])
	assert.Equal(t, core.Record{"data": []any{1.0}, "extra": true}, flat["payload"])
}

func TestFlattenProperties(t *testing.T) {
	rec := core.Record{
		"event": "Signed Up",
		"properties": map[string]any{
			"time":       float64(1700000000),
			"$insert_id": "abc",
			"event":      "shadow",
		},
	}
	flat := FlattenProperties(rec, "properties")
	assert.Equal(t, "Signed Up", flat["event"])
	assert.Equal(t, "shadow", flat["properties_event"])
	assert.Equal(t, "abc", flat["insert_id"])
	assert.Equal(t, float64(1700000000), flat["time"])
	assert.NotContains(t, flat, "properties")
}

func TestSnakeCase(t *testing.T) {
	tests := map[string]string{
		"totalCount":     "total_count",
		"Deal Value ($)": "deal_value",
		"HTTPServer":     "http_server",
		"already_snake":  "already_snake",
		"addTime2":       "add_time2",
		"ID":             "id",
	}
	for in, want := range tests {
		assert.Equal(t, want, SnakeCase(in), in)
	}
}
