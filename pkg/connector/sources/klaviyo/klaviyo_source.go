// Package klaviyo reads events, profiles, campaigns, metrics and lists from
// the Klaviyo JSON:API.
//
// Events are read in datetime windows. Windows are independent, so with more
// than one worker they are fetched concurrently; the watermark is the max
// datetime over every window.
package klaviyo

import (
	"context"
	"iter"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connectors/pkg/clients"
	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/base"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/incremental"
	"github.com/ajitpratap0/nebula-connectors/pkg/normalize"
	"github.com/ajitpratap0/nebula-connectors/pkg/paginate"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
	"github.com/ajitpratap0/nebula-connectors/pkg/window"
)

const (
	defaultBaseURL    = "https://a.klaviyo.com/api"
	defaultRevision   = "2024-10-15"
	defaultWindowSpan = 24 * time.Hour
)

// DefaultStartDate is used when no start_date is configured.
var DefaultStartDate = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Source is the Klaviyo connector.
type Source struct {
	*base.BaseConnector

	baseURL string
	// windower splits up to end_date, or up to now when it is unset
	windower window.Windower
	workers  int
}

// NewSource creates a Klaviyo source. Requires the api_key credential.
func NewSource(cfg *config.SourceConfig, rc *core.RunContext) (*Source, error) {
	key, err := cfg.Credential("api_key")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "klaviyo")
	}
	b, err := base.NewBaseConnector(cfg, rc, clients.APIKeyAuth{
		In:     clients.InHeader,
		Name:   "Authorization",
		Prefix: "Klaviyo-API-Key ",
		Value:  key,
	})
	if err != nil {
		return nil, err
	}
	span := cfg.Incremental.WindowSpan
	if span <= 0 {
		span = defaultWindowSpan
	}
	s := &Source{
		BaseConnector: b,
		baseURL:       strings.TrimRight(cfg.Property("base_url", defaultBaseURL), "/"),
		windower:      window.Windower{MaxSpan: span, Now: b.Now},
		workers:       cfg.Performance.Workers,
	}
	return s, nil
}

// Resources implements core.Source.
func (s *Source) Resources(context.Context) ([]*core.Resource, error) {
	snapshot := func(name, path string, query map[string]string) *core.Resource {
		return &core.Resource{
			Name:             name,
			PrimaryKey:       []string{"id"},
			WriteDisposition: core.Replace,
			Read: func(ctx context.Context, _ *state.Bag) iter.Seq2[core.Record, error] {
				return s.collection(ctx, path, query)
			},
		}
	}
	return []*core.Resource{
		{
			Name:             "events",
			PrimaryKey:       []string{"id"},
			WriteDisposition: s.Disposition(core.Append),
			ParallelSafe:     true,
			Read:             s.readEvents,
		},
		{
			Name:             "profiles",
			PrimaryKey:       []string{"id"},
			WriteDisposition: core.Merge,
			Read:             s.readProfiles,
		},
		snapshot("email_campaigns", "campaigns", map[string]string{"filter": "equals(messages.channel,'email')"}),
		snapshot("sms_campaigns", "campaigns", map[string]string{"filter": "equals(messages.channel,'sms')"}),
		snapshot("metrics", "metrics", nil),
		snapshot("lists", "lists", nil),
	}, nil
}

func (s *Source) readEvents(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
	cur := incremental.NewTimeCursor("datetime", s.StartDate(DefaultStartDate))
	cur.PrimaryKey = []string{"id"}
	if err := cur.Load(bag); err != nil {
		return core.Fail(err)
	}
	windows := s.windower.Split(cur.Start(), s.EndDate())
	s.Logger().Info("reading events",
		zap.Time("start", cur.Start()),
		zap.Int("windows", len(windows)),
		zap.Int("workers", s.workers))

	var records iter.Seq2[core.Record, error]
	if s.workers > 1 {
		records = window.Parallel(ctx, windows, s.workers, func(ctx context.Context, w window.Window) ([]core.Record, error) {
			out, err := core.Collect(s.events(ctx, w))
			if err == nil {
				s.Metrics().Window("events")
			}
			return out, err
		})
	} else {
		records = window.Sequential(windows, func(w window.Window) iter.Seq2[core.Record, error] {
			return s.events(ctx, w)
		}, func(window.Window) { s.Metrics().Window("events") })
	}

	return func(yield func(core.Record, error) bool) {
		for rec, err := range records {
			if err != nil {
				yield(nil, err)
				return
			}
			keep, err := cur.Track(rec)
			if err != nil {
				yield(nil, err)
				return
			}
			if keep && !yield(rec, nil) {
				return
			}
		}
		cur.Save(bag)
	}
}

// events reads one window of events.
func (s *Source) events(ctx context.Context, w window.Window) iter.Seq2[core.Record, error] {
	filter := "greater-or-equal(datetime," + w.Start.UTC().Format(time.RFC3339) + ")," +
		"less-than(datetime," + w.End.UTC().Format(time.RFC3339) + ")"
	return s.collection(ctx, "events", map[string]string{"filter": filter, "sort": "datetime"})
}

func (s *Source) readProfiles(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
	cur := incremental.NewTimeCursor("updated", s.StartDate(DefaultStartDate))
	if err := cur.Load(bag); err != nil {
		return core.Fail(err)
	}
	query := map[string]string{
		"filter": "greater-than(updated," + cur.Start().Format(time.RFC3339) + ")",
		"sort":   "updated",
	}
	return func(yield func(core.Record, error) bool) {
		for rec, err := range s.collection(ctx, "profiles", query) {
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

// collection follows links.next and flattens each JSON:API resource object.
func (s *Source) collection(ctx context.Context, path string, query map[string]string) iter.Seq2[core.Record, error] {
	req := clients.NewRequest(http.MethodGet, s.baseURL+"/"+path+"/")
	req.Header.Set("revision", defaultRevision)
	req.Header.Set("Accept", "application/vnd.api+json")
	for k, v := range query {
		req.Query.Set(k, v)
	}
	p := &paginate.LinkPaginator{
		Client:  s.Client(),
		Request: req,
		Extract: func(resp *clients.Response) ([]core.Record, string, error) {
			var body struct {
				Data  []map[string]any `json:"data"`
				Links struct {
					Next string `json:"next"`
				} `json:"links"`
			}
			if err := resp.JSON(&body); err != nil {
				return nil, "", err
			}
			items := make([]core.Record, 0, len(body.Data))
			for _, d := range body.Data {
				rec := normalize.FlattenEnvelope(d)
				delete(rec, "links")
				items = append(items, rec)
			}
			return items, body.Links.Next, nil
		},
	}
	return core.Count(p.Items(ctx), s.Metrics(), path)
}
