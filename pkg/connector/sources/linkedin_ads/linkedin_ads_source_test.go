package linkedin_ads

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
	"github.com/ajitpratap0/nebula-connectors/pkg/testutil"
	"github.com/ajitpratap0/nebula-connectors/pkg/window"
)

func baseConfig(url string) *config.SourceConfig {
	cfg := config.NewSourceConfig("ads", "linkedin_ads")
	cfg.Properties["base_url"] = url
	cfg.Properties["account_ids"] = "123"
	cfg.Incremental.StartDate = "2024-01-01"
	cfg.Incremental.EndDate = "2024-08-01"
	return cfg
}

func TestAnalyticsWindowsWithRefreshToken(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
		tokens  int
	)
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "rt", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		mu.Lock()
		tokens++
		mu.Unlock()
		testutil.WriteJSON(w, map[string]any{"access_token": "at", "token_type": "bearer", "expires_in": 3600})
	})
	mux.HandleFunc("/adAnalytics", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer at", r.Header.Get("Authorization"))
		assert.Equal(t, "2.0.0", r.Header.Get("X-Restli-Protocol-Version"))
		assert.Equal(t, defaultVersion, r.Header.Get("LinkedIn-Version"))
		mu.Lock()
		queries = append(queries, r.URL.RawQuery)
		mu.Unlock()
		testutil.WriteJSON(w, map[string]any{"elements": []any{
			map[string]any{
				"dateRange":   map[string]any{"start": map[string]any{"year": 2024, "month": 1, "day": 2}, "end": map[string]any{"year": 2024, "month": 1, "day": 2}},
				"pivotValues": []any{"urn:li:sponsoredCampaign:9"},
				"impressions": 100,
			},
		}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.Security.Credentials["client_id"] = "cid"
	cfg.Security.Credentials["client_secret"] = "cs"
	cfg.Security.Credentials["refresh_token"] = "rt"
	cfg.Properties["token_url"] = srv.URL + "/oauth/token"

	src, err := NewSource(cfg, core.NewRunContext(nil, nil))
	require.NoError(t, err)
	defer src.Close()

	resources, err := src.Resources(context.Background())
	require.NoError(t, err)
	analytics := resources[2]
	assert.Equal(t, []string{"date", "campaign"}, analytics.PrimaryKey)

	bag := state.NewBag("ads/ad_analytics", nil)
	records, err := core.Collect(analytics.Read(context.Background(), bag))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, "2024-01-02", records[0]["date"])
	assert.Equal(t, "urn:li:sponsoredCampaign:9", records[0]["campaign"])
	assert.NotContains(t, records[0], "dateRange")
	assert.NotContains(t, records[0], "pivotValues")

	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "dateRange=(start:(year:2024,month:1,day:1),end:(year:2024,month:6,day:28))")
	assert.Contains(t, queries[1], "dateRange=(start:(year:2024,month:6,day:29),end:(year:2024,month:8,day:1))")
	assert.Contains(t, queries[0], "accounts=List(urn%3Ali%3AsponsoredAccount%3A123)")
	assert.Contains(t, queries[0], "fields=dateRange,pivotValues,impressions")
	assert.Equal(t, 1, tokens)

	raw, ok := bag.Get("incremental.date")
	require.True(t, ok)
	assert.Equal(t, "2024-01-02T00:00:00Z", raw.(map[string]any)["last_value"])
}

func TestCampaignsPerAccount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.Equal(t, "search", r.URL.Query().Get("q"))
		switch {
		case strings.HasPrefix(r.URL.Path, "/adAccounts/123/adCampaigns"):
			testutil.WriteJSON(w, map[string]any{"elements": []any{map[string]any{"id": 1}}, "paging": map[string]any{"total": 1}})
		case strings.HasPrefix(r.URL.Path, "/adAccounts/456/adCampaigns"):
			testutil.WriteJSON(w, map[string]any{"elements": []any{}, "paging": map[string]any{"total": 0}})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	cfg := baseConfig(srv.URL)
	cfg.Properties["account_ids"] = "123, 456"
	cfg.Security.Credentials["access_token"] = "tok"
	src, err := NewSource(cfg, nil)
	require.NoError(t, err)

	resources, err := src.Resources(context.Background())
	require.NoError(t, err)
	records, err := core.Collect(resources[1].Read(context.Background(), state.NewBag("ads/campaigns", nil)))
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "123", records[0]["account_id"])
}

func TestConfigErrors(t *testing.T) {
	cfg := baseConfig("http://localhost")
	_, err := NewSource(cfg, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), "missing credentials")

	cfg = baseConfig("http://localhost")
	cfg.Security.Credentials["access_token"] = "tok"
	cfg.Properties["pivot"] = "nope"
	_, err = NewSource(cfg, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), "bad pivot")

	cfg = baseConfig("http://localhost")
	cfg.Security.Credentials["access_token"] = "tok"
	cfg.Incremental.StartDate = ""
	_, err = NewSource(cfg, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeConfig), "missing start_date")
}

func TestAnalyticsURL(t *testing.T) {
	cfg := baseConfig("https://api.example.com/rest")
	cfg.Security.Credentials["access_token"] = "tok"
	cfg.Properties["pivot"] = "creative"
	cfg.Properties["metrics"] = "clicks"
	src, err := NewSource(cfg, nil)
	require.NoError(t, err)

	w := window.Window{
		Start: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC),
	}
	assert.Equal(t,
		"https://api.example.com/rest/adAnalytics?q=analytics&pivot=CREATIVE&timeGranularity=DAILY"+
			"&dateRange=(start:(year:2024,month:3,day:1),end:(year:2024,month:3,day:2))"+
			"&accounts=List(urn%3Ali%3AsponsoredAccount%3A123)&fields=dateRange,pivotValues,clicks",
		src.analyticsURL(w))
}
