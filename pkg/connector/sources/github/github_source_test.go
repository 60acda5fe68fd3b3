package github

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/json"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
	"github.com/ajitpratap0/nebula-connectors/pkg/testutil"
)

func newSource(t *testing.T, url string) *Source {
	t.Helper()
	cfg := config.NewSourceConfig("gh", "github")
	cfg.Security.Credentials["access_token"] = "ghp_test"
	cfg.Properties["owner"] = "acme"
	cfg.Properties["name"] = "widgets"
	cfg.Properties["base_url"] = url
	src, err := NewSource(cfg, core.NewRunContext(nil, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func resource(t *testing.T, src *Source, name string) *core.Resource {
	t.Helper()
	resources, err := src.Resources(context.Background())
	require.NoError(t, err)
	selected, err := core.Select(resources, []string{name})
	require.NoError(t, err)
	return selected[0]
}

func issue(number int, updated string) map[string]any {
	return map[string]any{
		"number":    number,
		"updatedAt": updated,
		"reactions": map[string]any{"totalCount": 2},
		"comments": map[string]any{
			"totalCount": 1,
			"nodes":      []any{map[string]any{"id": "c1", "body": "hi"}},
		},
		"labels": map[string]any{"nodes": []any{map[string]any{"name": "bug"}}},
	}
}

// graphqlServer serves two pages of issues, newest first.
func graphqlServer(t *testing.T, afters *[]any, mu *sync.Mutex) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/graphql", r.URL.Path)
		assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		var req graphqlRequest
		if !assert.NoError(t, json.Unmarshal(body, &req)) {
			http.Error(w, "bad body", http.StatusBadRequest)
			return
		}
		assert.Contains(t, req.Query, "issues(first: $first")
		assert.Equal(t, "acme", req.Variables["owner"])

		mu.Lock()
		*afters = append(*afters, req.Variables["after"])
		mu.Unlock()

		page := map[string]any{
			"totalCount": 3,
			"pageInfo":   map[string]any{"endCursor": "c2", "hasNextPage": true},
			"nodes":      []any{issue(3, "2024-03-03T00:00:00Z"), issue(2, "2024-03-02T00:00:00Z")},
		}
		if req.Variables["after"] == "c2" {
			page = map[string]any{
				"totalCount": 3,
				"pageInfo":   map[string]any{"endCursor": "c3", "hasNextPage": false},
				"nodes":      []any{issue(1, "2024-03-01T00:00:00Z")},
			}
		}
		testutil.WriteJSON(w, map[string]any{"data": map[string]any{"repository": map[string]any{"issues": page}}})
	}))
}

func TestIssuesPagesAndFlattensConnections(t *testing.T) {
	var (
		mu     sync.Mutex
		afters []any
	)
	srv := graphqlServer(t, &afters, &mu)
	defer srv.Close()

	bag := state.NewBag("gh/issues", nil)
	records, err := core.Collect(resource(t, newSource(t, srv.URL), "issues").Read(context.Background(), bag))
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, []any{nil, "c2"}, afters)

	first := records[0]
	assert.Equal(t, []any{map[string]any{"id": "c1", "body": "hi"}}, first["comments"])
	assert.EqualValues(t, 1, first["comments_totalCount"])
	assert.Equal(t, []any{map[string]any{"name": "bug"}}, first["labels"])
	assert.Equal(t, map[string]any{"totalCount": float64(2)}, first["reactions"])

	raw, ok := bag.Get("incremental.updatedAt")
	require.True(t, ok)
	assert.Equal(t, "2024-03-03T00:00:00Z", raw.(map[string]any)["last_value"])
}

func TestIssuesStopAtWatermark(t *testing.T) {
	var (
		mu     sync.Mutex
		afters []any
	)
	srv := graphqlServer(t, &afters, &mu)
	defer srv.Close()

	bag := state.NewBag("gh/issues", map[string]any{
		"incremental.updatedAt": map[string]any{"last_value": "2024-03-02T00:00:00Z", "initial_value": "0001-01-01T00:00:00Z"},
	})
	records, err := core.Collect(resource(t, newSource(t, srv.URL), "issues").Read(context.Background(), bag))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.EqualValues(t, 3, records[0]["number"])
	assert.Equal(t, []any{nil}, afters, "paging stops once older nodes appear")
}

func TestIssuesMaxItemsKeepsWatermark(t *testing.T) {
	var (
		mu     sync.Mutex
		afters []any
	)
	srv := graphqlServer(t, &afters, &mu)
	defer srv.Close()

	log, logs := testutil.ObservedLogger(zapcore.WarnLevel)
	rc, _ := testutil.RunContext(log, time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC))
	cfg := config.NewSourceConfig("gh", "github")
	cfg.Security.Credentials["access_token"] = "ghp_test"
	cfg.Properties["owner"] = "acme"
	cfg.Properties["name"] = "widgets"
	cfg.Properties["base_url"] = srv.URL
	cfg.Properties["max_items"] = "2"
	src, err := NewSource(cfg, rc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	bag := state.NewBag("gh/issues", nil)
	records, err := core.Collect(resource(t, src, "issues").Read(context.Background(), bag))
	require.NoError(t, err)
	require.Len(t, records, 2)

	// issue 1 was never read; saving 2024-03-03 would skip it for good
	_, ok := bag.Get("incremental.updatedAt")
	assert.False(t, ok)
	assert.False(t, bag.Dirty())
	assert.Equal(t, 1, logs.FilterMessage("max_items reached, watermark not advanced").Len())
}

func TestGraphQLErrorsAreTyped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, map[string]any{"errors": []any{map[string]any{"type": "NOT_FOUND", "message": "Could not resolve to a Repository"}}})
	}))
	defer srv.Close()

	_, err := core.Collect(resource(t, newSource(t, srv.URL), "pull_requests").Read(context.Background(), state.NewBag("gh/pull_requests", nil)))
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeNotFound))
}

func TestRepoEventsFollowLinkHeaderAndRouteByType(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/acme/widgets/events", r.URL.Path)
		if r.URL.Query().Get("page") == "2" {
			testutil.WriteJSON(w, []any{
				map[string]any{"id": "1", "type": "IssuesEvent", "created_at": "2024-03-01T00:00:00Z"},
			})
			return
		}
		assert.Equal(t, "100", r.URL.Query().Get("per_page"))
		w.Header().Set("Link", `<`+srv.URL+`/repos/acme/widgets/events?page=2>; rel="next", <`+srv.URL+`/repos/acme/widgets/events?page=2>; rel="last"`)
		testutil.WriteJSON(w, []any{
			map[string]any{"id": "3", "type": "PushEvent", "created_at": "2024-03-03T00:00:00Z"},
			map[string]any{"id": "2", "type": "WatchEvent", "created_at": "2024-03-02T00:00:00Z"},
		})
	}))
	defer srv.Close()

	res := resource(t, newSource(t, srv.URL), "repo_events")
	bag := state.NewBag("gh/repo_events", nil)
	records, err := core.Collect(res.Read(context.Background(), bag))
	require.NoError(t, err)
	require.Len(t, records, 3)

	tables := make([]string, len(records))
	for i, r := range records {
		tables[i] = res.Table(r)
	}
	assert.Equal(t, []string{"push_event", "watch_event", "issues_event"}, tables)

	raw, ok := bag.Get("incremental.created_at")
	require.True(t, ok)
	assert.Equal(t, "2024-03-03T00:00:00Z", raw.(map[string]any)["last_value"])
}

func TestNewSourceRequiresRepository(t *testing.T) {
	cfg := config.NewSourceConfig("gh", "github")
	cfg.Properties["owner"] = "acme"
	_, err := NewSource(cfg, nil)
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
