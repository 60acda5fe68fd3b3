package klaviyo

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/json"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
	"github.com/ajitpratap0/nebula-connectors/pkg/testutil"
)

func writeJSON(w http.ResponseWriter, v any) {
	data, _ := json.Marshal(v)
	w.Header().Set("Content-Type", "application/vnd.api+json")
	_, _ = w.Write(data)
}

// eventServer returns one event per window, one hour after the window
// start. The first window is split over two pages.
func eventServer(t *testing.T, filters *[]string, mu *sync.Mutex) *httptest.Server {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Klaviyo-API-Key pk_test", r.Header.Get("Authorization"))
		assert.Equal(t, defaultRevision, r.Header.Get("revision"))
		assert.Equal(t, "/events/", r.URL.Path)

		if r.URL.Query().Get("page[cursor]") == "p2" {
			writeJSON(w, map[string]any{"data": []any{
				map[string]any{"type": "event", "id": "extra", "attributes": map[string]any{"datetime": "2024-01-01T02:00:00+00:00"}},
			}})
			return
		}

		filter := r.URL.Query().Get("filter")
		mu.Lock()
		*filters = append(*filters, filter)
		mu.Unlock()

		rest, ok := strings.CutPrefix(filter, "greater-or-equal(datetime,")
		if !assert.True(t, ok, filter) {
			http.Error(w, "bad filter", http.StatusBadRequest)
			return
		}
		start, err := time.Parse(time.RFC3339, rest[:strings.Index(rest, ")")])
		if !assert.NoError(t, err) {
			http.Error(w, "bad filter", http.StatusBadRequest)
			return
		}

		body := map[string]any{"data": []any{
			map[string]any{
				"type":       "event",
				"id":         start.Format("20060102"),
				"attributes": map[string]any{"datetime": start.Add(time.Hour).Format(time.RFC3339)},
				"links":      map[string]any{"self": "x"},
			},
		}}
		if start.Day() == 1 {
			body["links"] = map[string]any{"next": srv.URL + "/events/?page[cursor]=p2"}
		}
		writeJSON(w, body)
	}))
	return srv
}

func newSource(t *testing.T, url string, workers int) *Source {
	t.Helper()
	cfg := config.NewSourceConfig("marketing", "klaviyo")
	cfg.Security.Credentials["api_key"] = "pk_test"
	cfg.Properties["base_url"] = url
	cfg.Incremental.StartDate = "2024-01-01"
	cfg.Incremental.EndDate = "2024-01-04"
	cfg.Performance.Workers = workers
	src, err := NewSource(cfg, core.NewRunContext(nil, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func readEvents(t *testing.T, src *Source, bag *state.Bag) []core.Record {
	t.Helper()
	resources, err := src.Resources(context.Background())
	require.NoError(t, err)
	events := resources[0]
	require.Equal(t, "events", events.Name)
	assert.True(t, events.ParallelSafe)
	assert.Equal(t, core.Merge, events.WriteDisposition)

	records, err := core.Collect(events.Read(context.Background(), bag))
	require.NoError(t, err)
	return records
}

func TestEventsSequentialWindows(t *testing.T) {
	var (
		mu      sync.Mutex
		filters []string
	)
	srv := eventServer(t, &filters, &mu)
	defer srv.Close()

	bag := state.NewBag("marketing/events", nil)
	records := readEvents(t, newSource(t, srv.URL, 1), bag)

	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r["id"].(string)
	}
	assert.Equal(t, []string{"20240101", "extra", "20240102", "20240103"}, ids)
	assert.Equal(t, "event", records[0]["type"])
	assert.NotContains(t, records[0], "attributes")
	assert.NotContains(t, records[0], "links")

	assert.Equal(t, []string{
		"greater-or-equal(datetime,2024-01-01T00:00:00Z),less-than(datetime,2024-01-02T00:00:00Z)",
		"greater-or-equal(datetime,2024-01-02T00:00:00Z),less-than(datetime,2024-01-03T00:00:00Z)",
		"greater-or-equal(datetime,2024-01-03T00:00:00Z),less-than(datetime,2024-01-04T00:00:00Z)",
	}, filters)

	raw, ok := bag.Get("incremental.datetime")
	require.True(t, ok)
	assert.Equal(t, "2024-01-03T01:00:00Z", raw.(map[string]any)["last_value"])
}

func TestEventsParallelWindowsKeepMaxWatermark(t *testing.T) {
	var (
		mu      sync.Mutex
		filters []string
	)
	srv := eventServer(t, &filters, &mu)
	defer srv.Close()

	bag := state.NewBag("marketing/events", nil)
	records := readEvents(t, newSource(t, srv.URL, 3), bag)
	assert.Len(t, records, 4)

	sort.Strings(filters)
	assert.Len(t, filters, 3)

	raw, ok := bag.Get("incremental.datetime")
	require.True(t, ok)
	assert.Equal(t, "2024-01-03T01:00:00Z", raw.(map[string]any)["last_value"])
}

func TestCampaignFilters(t *testing.T) {
	var (
		mu  sync.Mutex
		got []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		got = append(got, r.URL.Query().Get("filter"))
		mu.Unlock()
		writeJSON(w, map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	resources, err := newSource(t, srv.URL, 1).Resources(context.Background())
	require.NoError(t, err)
	selected, err := core.Select(resources, []string{"email_campaigns", "sms_campaigns"})
	require.NoError(t, err)
	for _, r := range selected {
		records, err := core.Collect(r.Read(context.Background(), state.NewBag("marketing/"+r.Name, nil)))
		require.NoError(t, err)
		assert.Empty(t, records)
	}
	assert.Equal(t, []string{"equals(messages.channel,'email')", "equals(messages.channel,'sms')"}, got)
}

// staticEventServer serves the events of *stored whose datetime lies in the
// requested window.
func staticEventServer(t *testing.T, mu *sync.Mutex, stored *[]map[string]any) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		filter := r.URL.Query().Get("filter")
		var from, to string
		for _, part := range strings.Split(filter, "),") {
			part = strings.TrimSuffix(part, ")")
			if v, ok := strings.CutPrefix(part, "greater-or-equal(datetime,"); ok {
				from = v
			}
			if v, ok := strings.CutPrefix(part, "less-than(datetime,"); ok {
				to = v
			}
		}
		start, err1 := time.Parse(time.RFC3339, from)
		end, err2 := time.Parse(time.RFC3339, to)
		if !assert.NoError(t, err1, filter) || !assert.NoError(t, err2, filter) {
			http.Error(w, "bad filter", http.StatusBadRequest)
			return
		}

		mu.Lock()
		defer mu.Unlock()
		data := []any{}
		for _, ev := range *stored {
			ts, _ := time.Parse(time.RFC3339, ev["attributes"].(map[string]any)["datetime"].(string))
			if !ts.Before(start) && ts.Before(end) {
				data = append(data, ev)
			}
		}
		writeJSON(w, map[string]any{"data": data})
	}))
}

func TestEventsSecondRunSkipsBoundaryEvents(t *testing.T) {
	event := func(id, ts string) map[string]any {
		return map[string]any{"type": "event", "id": id, "attributes": map[string]any{"datetime": ts}}
	}
	var mu sync.Mutex
	stored := []map[string]any{
		event("a", "2024-01-02T00:00:00Z"),
		event("x", "2024-01-03T01:00:00Z"),
	}
	srv := staticEventServer(t, &mu, &stored)
	defer srv.Close()

	ctx := context.Background()
	store := state.NewMemoryStore()
	run := func() []string {
		bag, err := state.LoadBag(ctx, store, "marketing/events")
		require.NoError(t, err)
		records := readEvents(t, newSource(t, srv.URL, 1), bag)
		require.NoError(t, bag.Flush(ctx))
		ids := make([]string, len(records))
		for i, r := range records {
			ids[i] = r["id"].(string)
		}
		return ids
	}

	assert.Equal(t, []string{"a", "x"}, run())

	mu.Lock()
	stored = append(stored,
		event("y", "2024-01-03T01:00:00Z"),
		event("z", "2024-01-03T05:00:00Z"))
	mu.Unlock()
	assert.Equal(t, []string{"y", "z"}, run())
	assert.Empty(t, run())
}

func TestEventsOpenEndStopsAtNow(t *testing.T) {
	var (
		mu      sync.Mutex
		filters []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		filters = append(filters, r.URL.Query().Get("filter"))
		mu.Unlock()
		writeJSON(w, map[string]any{"data": []any{}})
	}))
	defer srv.Close()

	rc, _ := testutil.RunContext(nil, time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC))
	cfg := config.NewSourceConfig("marketing", "klaviyo")
	cfg.Security.Credentials["api_key"] = "pk_test"
	cfg.Properties["base_url"] = srv.URL
	cfg.Incremental.StartDate = "2024-01-01"
	src, err := NewSource(cfg, rc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })

	resources, err := src.Resources(context.Background())
	require.NoError(t, err)
	records, err := core.Collect(resources[0].Read(context.Background(), state.NewBag("marketing/events", nil)))
	require.NoError(t, err)
	assert.Empty(t, records)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"greater-or-equal(datetime,2024-01-01T00:00:00Z),less-than(datetime,2024-01-02T00:00:00Z)",
		"greater-or-equal(datetime,2024-01-02T00:00:00Z),less-than(datetime,2024-01-02T12:00:00Z)",
	}, filters)
}
