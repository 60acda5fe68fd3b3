// Package mixpanel reads raw events from the Mixpanel export API and user
// profiles from the engage API.
//
// The export API answers with newline-delimited JSON for whole days, so
// events are read one UTC day per request and the event "properties" are
// hoisted into the record.
package mixpanel

import (
	"bytes"
	"context"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connectors/pkg/clients"
	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/base"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/incremental"
	"github.com/ajitpratap0/nebula-connectors/pkg/json"
	"github.com/ajitpratap0/nebula-connectors/pkg/normalize"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
	"github.com/ajitpratap0/nebula-connectors/pkg/window"
)

const (
	defaultExportURL = "https://data.mixpanel.com/api/2.0"
	defaultQueryURL  = "https://mixpanel.com/api/2.0"
	dateLayout       = "2006-01-02"
)

// DefaultStartDate is used when no start_date is configured.
var DefaultStartDate = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// Source is the Mixpanel connector.
type Source struct {
	*base.BaseConnector

	exportURL string
	queryURL  string
	projectID string
}

// NewSource creates a Mixpanel source. It authenticates with a service
// account (username and secret credentials) or a legacy api_secret, and
// requires the project_id property.
func NewSource(cfg *config.SourceConfig, rc *core.RunContext) (*Source, error) {
	projectID := cfg.Property("project_id", "")
	if projectID == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "mixpanel: project_id is required")
	}
	var auth clients.BasicAuth
	switch {
	case cfg.OptionalCredential("username") != "":
		secret, err := cfg.Credential("secret")
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "mixpanel")
		}
		auth = clients.BasicAuth{Username: cfg.OptionalCredential("username"), Password: secret}
	case cfg.OptionalCredential("api_secret") != "":
		auth = clients.BasicAuth{Username: cfg.OptionalCredential("api_secret")}
	default:
		return nil, errors.New(errors.ErrorTypeConfig, "mixpanel: username and secret, or api_secret, are required")
	}

	b, err := base.NewBaseConnector(cfg, rc, auth)
	if err != nil {
		return nil, err
	}
	return &Source{
		BaseConnector: b,
		exportURL:     strings.TrimRight(cfg.Property("export_url", defaultExportURL), "/"),
		queryURL:      strings.TrimRight(cfg.Property("query_url", defaultQueryURL), "/"),
		projectID:     projectID,
	}, nil
}

// Resources implements core.Source.
func (s *Source) Resources(context.Context) ([]*core.Resource, error) {
	return []*core.Resource{
		{
			Name:             "events",
			PrimaryKey:       []string{"insert_id"},
			WriteDisposition: s.Disposition(core.Append),
			Read:             s.readEvents,
		},
		{
			Name:             "profiles",
			PrimaryKey:       []string{"distinct_id"},
			WriteDisposition: core.Merge,
			Read:             s.readProfiles,
		},
	}, nil
}

func (s *Source) readEvents(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
	cur := incremental.NewTimeCursor("time", s.StartDate(DefaultStartDate))
	cur.PrimaryKey = []string{"insert_id"}
	if err := cur.Load(bag); err != nil {
		return core.Fail(err)
	}
	days := window.SplitDays(cur.Start(), s.EndOrNow())
	s.Logger().Info("exporting events", zap.Int("days", len(days)), zap.Time("start", cur.Start()))

	records := window.Sequential(days, func(w window.Window) iter.Seq2[core.Record, error] {
		return s.export(ctx, w.Start)
	}, func(window.Window) { s.Metrics().Window("events") })

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

// export reads one day of events.
func (s *Source) export(ctx context.Context, day time.Time) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		req := clients.NewRequest(http.MethodGet, s.exportURL+"/export")
		req.Query.Set("project_id", s.projectID)
		req.Query.Set("from_date", day.Format(dateLayout))
		req.Query.Set("to_date", day.Format(dateLayout))
		req.Header.Set("Accept", "text/plain")

		resp, err := s.Client().Fetch(ctx, req)
		if err != nil {
			yield(nil, err)
			return
		}
		stopped := false
		err = json.DecodeLines(bytes.NewReader(resp.Body), func(line map[string]any) bool {
			if !yield(eventRecord(line), nil) {
				stopped = true
				return false
			}
			return true
		})
		if err != nil && !stopped {
			yield(nil, errors.Wrap(err, errors.ErrorTypeData, "mixpanel export: invalid line"))
		}
	}
}

// eventRecord hoists properties next to the event name.
func eventRecord(line map[string]any) core.Record {
	return normalize.FlattenProperties(line, "properties")
}

// readProfiles pages the engage API. Pages after the first must carry the
// session_id of the first response.
func (s *Source) readProfiles(ctx context.Context, _ *state.Bag) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		sessionID := ""
		for page := 0; ; page++ {
			form := url.Values{}
			form.Set("page", strconv.Itoa(page))
			if sessionID != "" {
				form.Set("session_id", sessionID)
			}
			req := clients.NewRequest(http.MethodPost, s.queryURL+"/engage")
			req.Query.Set("project_id", s.projectID)
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
			req.Body = []byte(form.Encode())

			resp, err := s.Client().Fetch(ctx, req)
			if err != nil {
				yield(nil, err)
				return
			}
			var body struct {
				Results   []map[string]any `json:"results"`
				SessionID string           `json:"session_id"`
				PageSize  int              `json:"page_size"`
			}
			if err := resp.JSON(&body); err != nil {
				yield(nil, err)
				return
			}
			for _, r := range body.Results {
				if !yield(profileRecord(r), nil) {
					return
				}
			}
			s.Metrics().Records("engage", len(body.Results))
			if len(body.Results) == 0 || body.PageSize == 0 || len(body.Results) < body.PageSize {
				return
			}
			sessionID = body.SessionID
		}
	}
}

// profileRecord turns {"$distinct_id": .., "$properties": {..}} into a flat
// record keyed by distinct_id.
func profileRecord(r map[string]any) core.Record {
	rec := normalize.FlattenProperties(r, "$properties")
	if id, ok := rec["$distinct_id"]; ok {
		delete(rec, "$distinct_id")
		rec["distinct_id"] = id
	}
	return rec
}
