package appstore

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-connectors/pkg/compression"
	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
	"github.com/ajitpratap0/nebula-connectors/pkg/testutil"
)

const downloads = "Date\tApp Apple Identifier\tCounts\tProcessing Date\tApp Name\tDownload Type\tTerritory\n" +
	"%[1]s\t1\t590\t%[1]s\tAcme Inc\tAuto-update\tFR\n" +
	"%[1]s\t1\t16\t%[1]s\tAcme Inc\tAuto-update\tSG\n" +
	"%[1]s\t1\t11\t%[1]s\tAcme Inc\tAuto-update\tMX\n"

func object(typ, id string, attrs map[string]any) map[string]any {
	return map[string]any{"type": typ, "id": id, "attributes": attrs}
}

// fakeConnect serves one app with configurable report requests, reports and
// instances. Each instance has one gzip segment.
type fakeConnect struct {
	t         *testing.T
	srv       *httptest.Server
	requests  []any
	reports   []any
	instances []any

	mu   sync.Mutex
	hits []string
}

func newFakeConnect(t *testing.T) *fakeConnect {
	f := &fakeConnect{
		t: t,
		requests: []any{object("analyticsReportRequests", "r1", map[string]any{
			"accessType": "ONGOING", "stoppedDueToInactivity": false,
		})},
		reports: []any{object("analyticsReports", "rep1", map[string]any{
			"name": "app-downloads-detailed", "category": "APP_USAGE",
		})},
		instances: []any{object("analyticsReportInstances", "2025-01-01", map[string]any{
			"granularity": "DAILY", "processingDate": "2025-01-01",
		})},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeConnect) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.hits = append(f.hits, r.URL.Path)
	f.mu.Unlock()

	if day, ok := strings.CutPrefix(r.URL.Path, "/files/"); ok {
		assert.Empty(f.t, r.Header.Get("Authorization"), "segment URLs are pre-signed")
		body, err := compression.Compress(compression.Gzip, []byte(strings.ReplaceAll(downloads, "%[1]s", day)), compression.Default)
		if !assert.NoError(f.t, err) {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		_, _ = w.Write(body)
		return
	}

	assert.True(f.t, strings.HasPrefix(r.Header.Get("Authorization"), "Bearer ey"))
	switch {
	case r.URL.Path == "/v1/apps/1/analyticsReportRequests":
		testutil.WriteJSON(w, map[string]any{"data": f.requests})
	case r.URL.Path == "/v1/analyticsReportRequests/r1/reports":
		assert.Equal(f.t, "app-downloads-detailed", r.URL.Query().Get("filter[name]"))
		testutil.WriteJSON(w, map[string]any{"data": f.reports})
	case r.URL.Path == "/v1/analyticsReports/rep1/instances":
		assert.Equal(f.t, "DAILY", r.URL.Query().Get("filter[granularity]"))
		testutil.WriteJSON(w, map[string]any{"data": f.instances})
	case strings.HasSuffix(r.URL.Path, "/segments"):
		id := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/v1/analyticsReportInstances/"), "/segments")
		testutil.WriteJSON(w, map[string]any{"data": []any{object("analyticsReportSegments", "s-"+id, map[string]any{
			"checksum": "x", "sizeInBytes": 123, "url": f.srv.URL + "/files/" + id,
		})}})
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeConnect) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hits...)
}

func testKey(t *testing.T) string {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	der, err := x509.MarshalECPrivateKey(key)
	require.NoError(t, err)
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der}))
}

func newSource(t *testing.T, url string, props map[string]string) *Source {
	t.Helper()
	cfg := config.NewSourceConfig("appstore", "appstore")
	cfg.Security.Credentials["key_id"] = "KEY123"
	cfg.Security.Credentials["issuer_id"] = "issuer"
	cfg.Security.Credentials["private_key"] = testKey(t)
	cfg.Properties["app_ids"] = "1"
	cfg.Properties["base_url"] = url
	cfg.Reliability.RetryAttempts = 1
	for k, v := range props {
		switch k {
		case "start_date":
			cfg.Incremental.StartDate = v
		case "end_date":
			cfg.Incremental.EndDate = v
		default:
			cfg.Properties[k] = v
		}
	}
	rc := core.NewRunContext(nil, nil)
	rc.Now = func() time.Time { return time.Date(2025, 1, 5, 12, 0, 0, 0, time.UTC) }
	src, err := NewSource(cfg, rc)
	require.NoError(t, err)
	t.Cleanup(func() { _ = src.Close() })
	return src
}

func downloadsResource(t *testing.T, src *Source) *core.Resource {
	t.Helper()
	resources, err := src.Resources(context.Background())
	require.NoError(t, err)
	selected, err := core.Select(resources, []string{"app-downloads-detailed"})
	require.NoError(t, err)
	return selected[0]
}

func TestSuccessfulIngestion(t *testing.T) {
	f := newFakeConnect(t)
	res := downloadsResource(t, newSource(t, f.srv.URL, nil))
	bag := state.NewBag("appstore/app-downloads-detailed", nil)

	records, err := core.Collect(res.Read(context.Background(), bag))
	require.NoError(t, err)
	require.Len(t, records, 3)

	assert.Equal(t, "app_downloads_detailed", res.Table(records[0]))
	assert.Equal(t, "590", records[0]["counts"])
	assert.Equal(t, "FR", records[0]["territory"])
	assert.Equal(t, "2025-01-01", records[0]["processing_date"])
	assert.Equal(t, "1", records[0]["app_apple_identifier"])

	ids := map[any]bool{}
	for _, r := range records {
		ids[r["row_id"]] = true
	}
	assert.Len(t, ids, 3)

	raw, ok := bag.Get("incremental.processing_date")
	require.True(t, ok)
	assert.Equal(t, "2025-01-01T00:00:00Z", raw.(map[string]any)["last_value"])
}

func TestRowIDIgnoresMeasures(t *testing.T) {
	rep := reports[0]
	a := core.Record{"date": "2025-01-01", "territory": "FR", "counts": "1"}
	b := core.Record{"date": "2025-01-01", "territory": "FR", "counts": "7"}
	c := core.Record{"date": "2025-01-01", "territory": "SG", "counts": "1"}
	assert.Equal(t, rowID(rep, a), rowID(rep, b))
	assert.NotEqual(t, rowID(rep, a), rowID(rep, c))
}

func TestIncrementalResumesFromLastProcessingDate(t *testing.T) {
	f := newFakeConnect(t)
	f.instances = append(f.instances,
		object("analyticsReportInstances", "2025-01-02", map[string]any{"granularity": "DAILY", "processingDate": "2025-01-02"}),
		object("analyticsReportInstances", "2025-01-03", map[string]any{"granularity": "DAILY", "processingDate": "2025-01-03"}),
		object("analyticsReportInstances", "weekly", map[string]any{"granularity": "WEEKLY", "processingDate": "2025-01-03"}),
	)
	bag := state.NewBag("appstore/app-downloads-detailed", map[string]any{
		"incremental.processing_date": map[string]any{
			"last_value":    "2025-01-02T00:00:00Z",
			"initial_value": "0001-01-01T00:00:00Z",
		},
	})

	records, err := core.Collect(downloadsResource(t, newSource(t, f.srv.URL, nil)).Read(context.Background(), bag))
	require.NoError(t, err)
	require.Len(t, records, 6)
	assert.Equal(t, "2025-01-02", records[0]["processing_date"])
	assert.Equal(t, "2025-01-03", records[5]["processing_date"])
	assert.NotContains(t, f.paths(), "/files/2025-01-01")
	assert.NotContains(t, f.paths(), "/files/weekly")

	raw, _ := bag.Get("incremental.processing_date")
	assert.Equal(t, "2025-01-03T00:00:00Z", raw.(map[string]any)["last_value"])
}

func TestEndDateIsInclusive(t *testing.T) {
	f := newFakeConnect(t)
	f.instances = append(f.instances,
		object("analyticsReportInstances", "2025-01-02", map[string]any{"granularity": "DAILY", "processingDate": "2025-01-02"}),
	)
	src := newSource(t, f.srv.URL, map[string]string{"end_date": "2025-01-01"})

	records, err := core.Collect(downloadsResource(t, src).Read(context.Background(), state.NewBag("s", nil)))
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.NotContains(t, f.paths(), "/files/2025-01-02")
}

func TestPreconditionFailures(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(*fakeConnect)
		props    map[string]string
		sentinel error
		lastPath string
	}{
		{
			name: "no ongoing report requests",
			setup: func(f *fakeConnect) {
				f.requests = []any{
					object("analyticsReportRequests", "r1", map[string]any{"accessType": "ONE_TIME_SNAPSHOT", "stoppedDueToInactivity": false}),
					object("analyticsReportRequests", "r2", map[string]any{"accessType": "ONGOING", "stoppedDueToInactivity": true}),
				}
			},
			sentinel: ErrNoOngoingReportRequests,
			lastPath: "/v1/apps/1/analyticsReportRequests",
		},
		{
			name:     "no such report",
			setup:    func(f *fakeConnect) { f.reports = []any{} },
			sentinel: ErrNoSuchReport,
			lastPath: "/v1/analyticsReportRequests/r1/reports",
		},
		{
			name: "no instances in range",
			setup: func(f *fakeConnect) {
				f.instances = []any{object("analyticsReportInstances", "i1", map[string]any{"granularity": "DAILY", "processingDate": "2024-01-03"})}
			},
			props:    map[string]string{"start_date": "2024-01-01", "end_date": "2024-01-02"},
			sentinel: ErrNoReportsFound,
			lastPath: "/v1/analyticsReports/rep1/instances",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeConnect(t)
			tt.setup(f)
			res := downloadsResource(t, newSource(t, f.srv.URL, tt.props))
			bag := state.NewBag("appstore/app-downloads-detailed", nil)

			records, err := core.Collect(res.Read(context.Background(), bag))
			require.Error(t, err)
			assert.Empty(t, records)
			assert.True(t, errors.Is(err, tt.sentinel))
			assert.True(t, errors.IsType(err, errors.ErrorTypePrecondition))

			paths := f.paths()
			assert.Equal(t, tt.lastPath, paths[len(paths)-1], "no calls after the failed lookup")
			assert.False(t, bag.Dirty())
		})
	}
}

func TestNewSourceValidation(t *testing.T) {
	cfg := config.NewSourceConfig("appstore", "appstore")
	_, err := NewSource(cfg, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))

	cfg.Properties["app_ids"] = "1"
	cfg.Security.Credentials["key_id"] = "k"
	cfg.Security.Credentials["issuer_id"] = "i"
	cfg.Security.Credentials["private_key"] = "not a key"
	_, err = NewSource(cfg, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig))
}
