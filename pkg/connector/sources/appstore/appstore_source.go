// Package appstore reads App Store Connect analytics reports.
//
// A report is reached through a chain of JSON:API lookups: the app's ongoing
// report requests, the named report under each request, its daily instances
// and finally the instance segments, which are gzip compressed TSV files on
// pre-signed URLs. Missing links in that chain are precondition errors, not
// empty results, because they usually mean analytics were never enabled.
package appstore

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"iter"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connectors/pkg/clients"
	"github.com/ajitpratap0/nebula-connectors/pkg/compression"
	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/base"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/incremental"
	"github.com/ajitpratap0/nebula-connectors/pkg/json"
	"github.com/ajitpratap0/nebula-connectors/pkg/normalize"
	"github.com/ajitpratap0/nebula-connectors/pkg/paginate"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
	"github.com/ajitpratap0/nebula-connectors/pkg/window"
)

const (
	defaultBaseURL = "https://api.appstoreconnect.apple.com"
	audience       = "appstoreconnect-v1"
	dateLayout     = "2006-01-02"
)

// Sentinel precondition failures; match them with errors.Is.
var (
	ErrNoOngoingReportRequests = errors.New(errors.ErrorTypePrecondition, "no ongoing analytics report requests")
	ErrNoSuchReport            = errors.New(errors.ErrorTypePrecondition, "no such analytics report")
	ErrNoReportsFound          = errors.New(errors.ErrorTypePrecondition, "no report instances in range")
)

// report describes one analytics report. Measures are excluded from the
// row key; every other column identifies the row.
type report struct {
	name     string
	measures []string
}

var reports = []report{
	{name: "app-downloads-detailed", measures: []string{"counts"}},
	{name: "app-store-discovery-and-engagement-detailed", measures: []string{"counts", "unique_counts"}},
	{name: "app-sessions-detailed", measures: []string{"sessions", "total_session_duration", "unique_devices"}},
	{name: "app-store-installation-and-deletion-detailed", measures: []string{"counts", "unique_devices"}},
	{name: "app-store-purchases-detailed", measures: []string{"purchases", "proceeds_in_usd", "sales_in_usd", "paying_users"}},
	{name: "app-crashes-expanded", measures: []string{"count"}},
}

func (r report) table() string { return strings.ReplaceAll(r.name, "-", "_") }

// Source is the App Store Connect connector.
type Source struct {
	*base.BaseConnector

	baseURL string
	appIDs  []string
}

// NewSource creates an App Store Connect source. It signs ES256 tokens from
// the key_id, issuer_id and private_key credentials; the key may instead be
// read from the key_path property.
func NewSource(cfg *config.SourceConfig, rc *core.RunContext) (*Source, error) {
	appIDs := cfg.PropertyList("app_ids")
	if len(appIDs) == 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "appstore: app_ids is required")
	}
	keyID, err := cfg.Credential("key_id")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "appstore")
	}
	issuer, err := cfg.Credential("issuer_id")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "appstore")
	}
	pemKey := []byte(cfg.OptionalCredential("private_key"))
	if len(pemKey) == 0 {
		path := cfg.Property("key_path", "")
		if path == "" {
			return nil, errors.New(errors.ErrorTypeConfig, "appstore: private_key or key_path is required")
		}
		if pemKey, err = os.ReadFile(path); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeConfig, "appstore: failed to read key_path")
		}
	}
	auth, err := clients.NewJWTAuth(keyID, issuer, audience, pemKey)
	if err != nil {
		return nil, err
	}

	b, err := base.NewBaseConnector(cfg, rc, auth)
	if err != nil {
		return nil, err
	}
	auth.Now = b.Now
	return &Source{
		BaseConnector: b,
		baseURL:       strings.TrimRight(cfg.Property("base_url", defaultBaseURL), "/"),
		appIDs:        appIDs,
	}, nil
}

// Resources implements core.Source. Every report is a merge resource keyed
// by a hash of its dimension columns.
func (s *Source) Resources(context.Context) ([]*core.Resource, error) {
	out := make([]*core.Resource, 0, len(reports))
	for _, rep := range reports {
		out = append(out, &core.Resource{
			Name:             rep.name,
			PrimaryKey:       []string{"row_id"},
			WriteDisposition: core.Merge,
			TableName:        func(core.Record) string { return rep.table() },
			Read: func(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
				return s.readReport(ctx, bag, rep)
			},
		})
	}
	return out, nil
}

type instance struct {
	id   string
	date time.Time
}

func (s *Source) readReport(ctx context.Context, bag *state.Bag, rep report) iter.Seq2[core.Record, error] {
	cur := incremental.NewTimeCursor("processing_date", s.StartDate(time.Time{}))
	if err := cur.Load(bag); err != nil {
		return core.Fail(err)
	}
	end := window.Day(s.EndOrNow()).AddDate(0, 0, 1)
	log := s.Logger().With(zap.String("report", rep.name))

	return func(yield func(core.Record, error) bool) {
		instances, err := s.instances(ctx, rep.name, cur.Start(), end)
		if err != nil {
			yield(nil, err)
			return
		}
		byDay := make(map[time.Time][]instance)
		for _, in := range instances {
			byDay[in.date] = append(byDay[in.date], in)
		}
		log.Info("reading report instances", zap.Int("instances", len(instances)))

		windows := window.SplitDays(instances[0].date, end)
		read := func(w window.Window) iter.Seq2[core.Record, error] {
			return s.readInstances(ctx, rep, byDay[w.Start], cur)
		}
		done := func(window.Window) { s.Metrics().Window(rep.name) }
		for rec, err := range core.Count(window.Sequential(windows, read, done), s.Metrics(), rep.name) {
			if !yield(rec, err) || err != nil {
				return
			}
		}
		cur.Save(bag)
	}
}

// instances resolves the report's daily instances with a processing date in
// [start, end), oldest first.
func (s *Source) instances(ctx context.Context, name string, start, end time.Time) ([]instance, error) {
	var requestIDs []string
	for _, app := range s.appIDs {
		reqs, err := s.list(ctx, "/v1/apps/"+app+"/analyticsReportRequests", nil)
		if err != nil {
			return nil, err
		}
		for _, r := range reqs {
			stopped, _ := r["stoppedDueToInactivity"].(bool)
			if r["accessType"] == "ONGOING" && !stopped {
				requestIDs = append(requestIDs, str(r["id"]))
			}
		}
	}
	if len(requestIDs) == 0 {
		return nil, errors.Wrap(ErrNoOngoingReportRequests, errors.ErrorTypePrecondition,
			fmt.Sprintf("apps %s", strings.Join(s.appIDs, ",")))
	}

	var reportIDs []string
	for _, id := range requestIDs {
		reps, err := s.list(ctx, "/v1/analyticsReportRequests/"+id+"/reports", map[string]string{"filter[name]": name})
		if err != nil {
			return nil, err
		}
		for _, r := range reps {
			if r["name"] == name {
				reportIDs = append(reportIDs, str(r["id"]))
			}
		}
	}
	if len(reportIDs) == 0 {
		return nil, errors.Wrap(ErrNoSuchReport, errors.ErrorTypePrecondition, name)
	}

	var out []instance
	for _, id := range reportIDs {
		items, err := s.list(ctx, "/v1/analyticsReports/"+id+"/instances", map[string]string{"filter[granularity]": "DAILY"})
		if err != nil {
			return nil, err
		}
		for _, it := range items {
			if it["granularity"] != "DAILY" {
				continue
			}
			day, err := time.Parse(dateLayout, str(it["processingDate"]))
			if err != nil {
				return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid processingDate")
			}
			if day.Before(window.Day(start)) || !day.Before(end) {
				continue
			}
			out = append(out, instance{id: str(it["id"]), date: day})
		}
	}
	if len(out) == 0 {
		return nil, errors.Wrap(ErrNoReportsFound, errors.ErrorTypePrecondition,
			fmt.Sprintf("%s between %s and %s", name, window.Day(start).Format(dateLayout), end.AddDate(0, 0, -1).Format(dateLayout)))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].date.Before(out[j].date) })
	return out, nil
}

func (s *Source) readInstances(ctx context.Context, rep report, instances []instance, cur *incremental.Cursor[time.Time]) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		for _, in := range instances {
			segments, err := s.list(ctx, "/v1/analyticsReportInstances/"+in.id+"/segments", nil)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, seg := range segments {
				rows, err := s.download(ctx, str(seg["url"]))
				if err != nil {
					yield(nil, err)
					return
				}
				for _, rec := range rows {
					if _, ok := rec["processing_date"]; !ok {
						rec["processing_date"] = in.date.Format(dateLayout)
					}
					rec["row_id"] = rowID(rep, rec)
					keep, err := cur.Track(rec)
					if err != nil {
						yield(nil, err)
						return
					}
					if keep && !yield(rec, nil) {
						return
					}
				}
			}
		}
	}
}

var noAuth = clients.AuthFunc(func(context.Context, *http.Request) error { return nil })

// download fetches a segment from its pre-signed URL and parses the TSV.
func (s *Source) download(ctx context.Context, url string) ([]core.Record, error) {
	req := clients.NewRequest(http.MethodGet, url)
	req.Auth = noAuth
	resp, err := s.Client().Fetch(ctx, req)
	if err != nil {
		return nil, err
	}
	rc, _, err := compression.NewDetectingReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid report segment")
	}
	defer rc.Close()
	return parseTSV(rc)
}

// parseTSV reads a header row and returns one record per line, with
// snake_case column names.
func parseTSV(r io.Reader) ([]core.Record, error) {
	cr := csv.NewReader(r)
	cr.Comma = '\t'
	cr.LazyQuotes = true
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid report header")
	}
	cols := make([]string, len(header))
	for i, h := range header {
		cols[i] = normalize.SnakeCase(strings.TrimSpace(h))
	}

	var out []core.Record
	for {
		row, err := cr.Read()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeData, "invalid report row")
		}
		rec := make(core.Record, len(cols))
		for i, c := range cols {
			if i < len(row) {
				rec[c] = row[i]
			}
		}
		out = append(out, rec)
	}
}

var rowNamespace = uuid.MustParse("6f1c9a52-4c1d-4d8e-9a53-0d5b1d1e7a10")

// rowID derives a stable key from the report's dimension columns.
func rowID(rep report, rec core.Record) string {
	measures := make(map[string]bool, len(rep.measures))
	for _, m := range rep.measures {
		measures[m] = true
	}
	keys := make([]string, 0, len(rec))
	for k := range rec {
		if !measures[k] && k != "row_id" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		fmt.Fprint(&b, rec[k])
		b.WriteByte('\x1f')
	}
	return uuid.NewSHA1(rowNamespace, []byte(b.String())).String()
}

// list reads every page of a JSON:API collection, flattening attributes.
func (s *Source) list(ctx context.Context, path string, query map[string]string) ([]core.Record, error) {
	req := clients.NewRequest(http.MethodGet, s.baseURL+path)
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
			if err := json.Unmarshal(resp.Body, &body); err != nil {
				return nil, "", errors.Wrap(err, errors.ErrorTypeData, "invalid App Store Connect response")
			}
			items := make([]core.Record, len(body.Data))
			for i, d := range body.Data {
				items[i] = normalize.FlattenEnvelope(d)
			}
			return items, body.Links.Next, nil
		},
	}
	return core.Collect(p.Items(ctx))
}

func str(v any) string {
	s, _ := v.(string)
	return s
}
