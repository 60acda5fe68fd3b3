package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
	"github.com/ajitpratap0/nebula-connectors/pkg/testutil"
)

type fakeSlack struct {
	mu      sync.Mutex
	oldest  []string
	history map[string][]map[string]any
}

func (f *fakeSlack) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/conversations.list", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer xoxb-test", r.Header.Get("Authorization"))
		if r.URL.Query().Get("cursor") == "" {
			testutil.WriteJSON(w, map[string]any{
				"ok":                true,
				"channels":          []any{map[string]any{"id": "C1", "name": "general"}},
				"response_metadata": map[string]any{"next_cursor": "page2"},
			})
			return
		}
		testutil.WriteJSON(w, map[string]any{
			"ok":                true,
			"channels":          []any{map[string]any{"id": "C2", "name": "random"}},
			"response_metadata": map[string]any{"next_cursor": ""},
		})
	})
	mux.HandleFunc("/users.list", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("include_locale"))
		testutil.WriteJSON(w, map[string]any{"ok": true, "members": []any{map[string]any{"id": "U1"}}})
	})
	mux.HandleFunc("/conversations.history", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		f.mu.Lock()
		f.oldest = append(f.oldest, q.Get("oldest"))
		msgs := f.history[q.Get("channel")]
		f.mu.Unlock()
		items := make([]any, len(msgs))
		for i, m := range msgs {
			items[i] = m
		}
		testutil.WriteJSON(w, map[string]any{"ok": true, "messages": items})
	})
	mux.HandleFunc("/conversations.replies", func(w http.ResponseWriter, r *http.Request) {
		ts := r.URL.Query().Get("ts")
		testutil.WriteJSON(w, map[string]any{"ok": true, "messages": []any{
			map[string]any{"type": "message", "ts": ts, "thread_ts": ts},
			map[string]any{"type": "message", "ts": "1704067400", "thread_ts": ts},
		}})
	})
	return mux
}

func newFake() *fakeSlack {
	return &fakeSlack{history: map[string][]map[string]any{
		"C1": {
			{"type": "message", "ts": "1704067200", "text": "hello", "thread_ts": "1704067200"},
			{"type": "message", "subtype": "channel_join", "ts": "1704067300"},
		},
	}}
}

func newSource(t *testing.T, url string, props map[string]string) *Source {
	t.Helper()
	cfg := config.NewSourceConfig("workspace", "slack")
	cfg.Security.Credentials["access_token"] = "xoxb-test"
	cfg.Properties["base_url"] = url
	for k, v := range props {
		cfg.Properties[k] = v
	}
	src, err := NewSource(cfg, core.NewRunContext(nil, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func names(resources []*core.Resource) []string {
	out := make([]string, len(resources))
	for i, r := range resources {
		out[i] = r.Name
	}
	return out
}

func TestResourcesPerChannel(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	src := newSource(t, srv.URL, nil)
	resources, err := src.Resources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"channels", "users", "access_logs", "general", "random"}, names(resources))

	selected, err := core.Select(resources, nil)
	require.NoError(t, err)
	assert.NotContains(t, names(selected), "access_logs")

	channels, err := core.Collect(resources[0].Read(context.Background(), state.NewBag("workspace/channels", nil)))
	require.NoError(t, err)
	assert.Len(t, channels, 2)
	assert.Equal(t, core.Replace, resources[0].WriteDisposition)
}

func TestMessagesRoutingAndCursor(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	src := newSource(t, srv.URL, map[string]string{"channels": "general"})
	resources, err := src.Resources(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"channels", "users", "access_logs", "general"}, names(resources))

	general := resources[3]
	assert.Equal(t, []string{"channel", "ts"}, general.PrimaryKey)
	assert.Equal(t, core.Append, general.WriteDisposition)

	bag := state.NewBag("workspace/general", nil)
	records, err := core.Collect(general.Read(context.Background(), bag))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "C1", records[0]["channel"])
	assert.Equal(t, "general_message", general.Table(records[0]))
	assert.Equal(t, "general_channel_join", general.Table(records[1]))

	raw, ok := bag.Get("incremental.ts")
	require.True(t, ok)
	assert.Equal(t, "2024-01-01T00:01:40Z", raw.(map[string]any)["last_value"])

	_, err = core.Collect(general.Read(context.Background(), bag))
	require.NoError(t, err)
	require.Len(t, fake.oldest, 2)
	assert.Equal(t, "946684800.000000", fake.oldest[0])
	assert.Equal(t, "1704067300.000000", fake.oldest[1])
}

func TestReplies(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	src := newSource(t, srv.URL, map[string]string{"channels": "C1", "replies": "true"})
	resources, err := src.Resources(context.Background())
	require.NoError(t, err)
	require.Equal(t, "general_replies", resources[4].Name)

	records, err := core.Collect(resources[4].Read(context.Background(), state.NewBag("workspace/general_replies", nil)))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "1704067400", records[0]["ts"])
	assert.Equal(t, "general_replies_message", resources[4].Table(records[0]))
}

func TestSharedMessagesResource(t *testing.T) {
	fake := newFake()
	srv := httptest.NewServer(fake.handler(t))
	defer srv.Close()

	src := newSource(t, srv.URL, map[string]string{"table_per_channel": "false"})
	resources, err := src.Resources(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"channels", "users", "access_logs", "messages"}, names(resources))

	records, err := core.Collect(resources[3].Read(context.Background(), state.NewBag("workspace/messages", nil)))
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, "messages", resources[3].Table(records[0]))
}

func TestOkFalseIsAnError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testutil.WriteJSON(w, map[string]any{"ok": false, "error": "invalid_auth"})
	}))
	defer srv.Close()

	src := newSource(t, srv.URL, nil)
	_, err := src.Resources(context.Background())
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeAuthentication))
	assert.Contains(t, err.Error(), "invalid_auth")
}

func TestMissingToken(t *testing.T) {
	_, err := NewSource(config.NewSourceConfig("workspace", "slack"), nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}

func TestSlackTS(t *testing.T) {
	assert.Equal(t, "946684800.000000", slackTS(DefaultStartDate))
}
