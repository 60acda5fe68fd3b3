// Package linkedin_ads reads ad accounts, campaigns and daily ad analytics
// from the LinkedIn Marketing API.
//
// Analytics are requested per date window (180 days by default, the API's
// limit for daily granularity) and flattened to one row per day and pivot
// value.
package linkedin_ads

import (
	"context"
	"fmt"
	"iter"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ajitpratap0/nebula-connectors/pkg/clients"
	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/base"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/incremental"
	"github.com/ajitpratap0/nebula-connectors/pkg/paginate"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
	"github.com/ajitpratap0/nebula-connectors/pkg/window"
)

const (
	defaultBaseURL    = "https://api.linkedin.com/rest"
	defaultTokenURL   = "https://www.linkedin.com/oauth/v2/accessToken"
	defaultVersion    = "202409"
	defaultWindowSpan = 180 * 24 * time.Hour
	defaultPageSize   = 100
	defaultMetrics    = "impressions,clicks,costInLocalCurrency,externalWebsiteConversions"
)

var pivots = map[string]bool{
	"ACCOUNT": true, "CAMPAIGN": true, "CAMPAIGN_GROUP": true, "CREATIVE": true,
	"COMPANY": true, "CONVERSION": true, "MEMBER_COUNTRY_V2": true, "MEMBER_JOB_TITLE": true,
}

// Source is the LinkedIn Ads connector.
type Source struct {
	*base.BaseConnector

	baseURL    string
	version    string
	accounts   []string
	pivot      string
	metrics    []string
	windowSpan time.Duration
	pageSize   int
}

// NewSource creates a LinkedIn Ads source. It authenticates with either the
// access_token credential or the client_id, client_secret and refresh_token
// credentials, and requires start_date and the account_ids property.
func NewSource(cfg *config.SourceConfig, rc *core.RunContext) (*Source, error) {
	accounts := cfg.PropertyList("account_ids")
	if len(accounts) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "linkedin_ads: account_ids is required")
	}
	if cfg.Incremental.StartDate == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "linkedin_ads: start_date is required")
	}
	pivot := strings.ToUpper(cfg.Property("pivot", "CAMPAIGN"))
	if !pivots[pivot] {
		return nil, errors.New(errors.ErrorTypeConfig, "linkedin_ads: unsupported pivot "+pivot)
	}
	auth, err := authenticator(cfg)
	if err != nil {
		return nil, err
	}

	b, err := base.NewBaseConnector(cfg, rc, auth)
	if err != nil {
		return nil, err
	}
	span := cfg.Incremental.WindowSpan
	if span <= 0 {
		span = defaultWindowSpan
	}
	return &Source{
		BaseConnector: b,
		baseURL:       strings.TrimRight(cfg.Property("base_url", defaultBaseURL), "/"),
		version:       cfg.Property("version", defaultVersion),
		accounts:      accounts,
		pivot:         pivot,
		metrics:       strings.Split(cfg.Property("metrics", defaultMetrics), ","),
		windowSpan:    span,
		pageSize:      cfg.PageSize(defaultPageSize),
	}, nil
}

func authenticator(cfg *config.SourceConfig) (clients.Authenticator, error) {
	if token := cfg.OptionalCredential("access_token"); token != "" {
		return clients.BearerAuth{Token: token}, nil
	}
	clientID := cfg.OptionalCredential("client_id")
	secret := cfg.OptionalCredential("client_secret")
	refresh := cfg.OptionalCredential("refresh_token")
	if clientID == "" || secret == "" || refresh == "" {
		return nil, errors.New(errors.ErrorTypeConfig,
			"linkedin_ads: access_token or client_id, client_secret and refresh_token are required")
	}
	tokenURL := cfg.Property("token_url", defaultTokenURL)
	return clients.NewRefreshTokenAuth(context.Background(), clientID, secret, tokenURL, refresh), nil
}

// Resources implements core.Source.
func (s *Source) Resources(context.Context) ([]*core.Resource, error) {
	return []*core.Resource{
		{
			Name:             "ad_accounts",
			PrimaryKey:       []string{"id"},
			WriteDisposition: core.Replace,
			Read: func(ctx context.Context, _ *state.Bag) iter.Seq2[core.Record, error] {
				return s.search(ctx, "adAccounts")
			},
		},
		{
			Name:             "campaigns",
			PrimaryKey:       []string{"id"},
			WriteDisposition: core.Replace,
			Read:             s.readCampaigns,
		},
		{
			Name:             "ad_analytics",
			PrimaryKey:       []string{"date", strings.ToLower(s.pivot)},
			WriteDisposition: core.Merge,
			Read:             s.readAnalytics,
		},
	}, nil
}

func (s *Source) readCampaigns(ctx context.Context, _ *state.Bag) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		for _, account := range s.accounts {
			for rec, err := range s.search(ctx, "adAccounts/"+account+"/adCampaigns") {
				if err == nil {
					rec["account_id"] = account
				}
				if !yield(rec, err) || err != nil {
					return
				}
			}
		}
	}
}

// readAnalytics reads daily analytics window by window. The last stored day
// is read again since LinkedIn keeps updating the current day.
func (s *Source) readAnalytics(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
	cur := incremental.NewTimeCursor("date", window.Day(s.StartDate(time.Time{})))
	if err := cur.Load(bag); err != nil {
		return core.Fail(err)
	}
	end := window.Day(s.EndOrNow()).Add(24 * time.Hour)
	windows := window.Split(cur.Start(), end, s.windowSpan)

	records := window.Sequential(windows, func(w window.Window) iter.Seq2[core.Record, error] {
		return s.analytics(ctx, w)
	}, func(window.Window) { s.Metrics().Window("ad_analytics") })

	return func(yield func(core.Record, error) bool) {
		for rec, err := range records {
			if err != nil {
				yield(nil, err)
				return
			}
			if _, err := cur.Track(rec); err != nil {
				yield(nil, err)
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
		cur.Save(bag)
	}
}

// analytics fetches one window. The API takes an inclusive end date.
func (s *Source) analytics(ctx context.Context, w window.Window) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		req := clients.NewRequest(http.MethodGet, s.analyticsURL(w))
		s.headers(req)
		resp, err := s.Client().Fetch(ctx, req)
		if err != nil {
			yield(nil, err)
			return
		}
		var body struct {
			Elements []map[string]any `json:"elements"`
		}
		if err := resp.JSON(&body); err != nil {
			yield(nil, err)
			return
		}
		for _, el := range body.Elements {
			if !yield(flattenAnalytics(el, strings.ToLower(s.pivot)), nil) {
				return
			}
		}
	}
}

// analyticsURL builds a Rest.li query. Parentheses and commas are part of
// the protocol and must not be percent-encoded, so the query is built by hand.
func (s *Source) analyticsURL(w window.Window) string {
	accounts := make([]string, len(s.accounts))
	for i, a := range s.accounts {
		accounts[i] = url.QueryEscape("urn:li:sponsoredAccount:" + a)
	}
	last := w.End.Add(-24 * time.Hour)
	fields := append([]string{"dateRange", "pivotValues"}, s.metrics...)

	var b strings.Builder
	b.WriteString(s.baseURL + "/adAnalytics?q=analytics")
	b.WriteString("&pivot=" + s.pivot)
	b.WriteString("&timeGranularity=DAILY")
	b.WriteString("&dateRange=(start:" + restliDate(w.Start) + ",end:" + restliDate(last) + ")")
	b.WriteString("&accounts=List(" + strings.Join(accounts, ",") + ")")
	b.WriteString("&fields=" + strings.Join(fields, ","))
	return b.String()
}

func restliDate(t time.Time) string {
	return fmt.Sprintf("(year:%d,month:%d,day:%d)", t.Year(), int(t.Month()), t.Day())
}

// flattenAnalytics replaces dateRange with a "date" column and pivotValues
// with a column named after the pivot.
func flattenAnalytics(el map[string]any, pivotColumn string) core.Record {
	rec := make(core.Record, len(el))
	for k, v := range el {
		switch k {
		case "dateRange":
			if dr, ok := v.(map[string]any); ok {
				if start, ok := dr["start"].(map[string]any); ok {
					rec["date"] = fmt.Sprintf("%04d-%02d-%02d", num(start["year"]), num(start["month"]), num(start["day"]))
				}
			}
		case "pivotValues":
			if pv, ok := v.([]any); ok && len(pv) > 0 {
				rec[pivotColumn] = pv[0]
			}
		default:
			rec[k] = v
		}
	}
	return rec
}

func num(v any) int {
	f, _ := v.(float64)
	return int(f)
}

func (s *Source) headers(req *clients.Request) {
	req.Header.Set("LinkedIn-Version", s.version)
	req.Header.Set("X-Restli-Protocol-Version", "2.0.0")
}

// search pages a q=search finder with start/count.
func (s *Source) search(ctx context.Context, path string) iter.Seq2[core.Record, error] {
	req := clients.NewRequest(http.MethodGet, s.baseURL+"/"+path)
	req.Query.Set("q", "search")
	s.headers(req)
	p := &paginate.OffsetPaginator{
		Client:      s.Client(),
		Request:     req,
		OffsetParam: "start",
		LimitParam:  "count",
		PageSize:    s.pageSize,
		Extract: func(resp *clients.Response) (paginate.OffsetPage, error) {
			var body struct {
				Elements []map[string]any `json:"elements"`
				Paging   struct {
					Total *int `json:"total"`
				} `json:"paging"`
			}
			if err := resp.JSON(&body); err != nil {
				return paginate.OffsetPage{}, err
			}
			items := make([]core.Record, len(body.Elements))
			for i, el := range body.Elements {
				items[i] = el
			}
			return paginate.OffsetPage{Items: items, Total: body.Paging.Total}, nil
		},
	}
	return core.Count(p.Items(ctx), s.Metrics(), path)
}
