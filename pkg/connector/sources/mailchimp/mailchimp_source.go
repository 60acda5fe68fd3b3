// Package mailchimp reads audiences, campaigns, reports and audience members
// from the Mailchimp Marketing API v3.
package mailchimp

import (
	"context"
	"iter"
	"net/http"
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
)

const defaultPageSize = 1000

// Source is the Mailchimp connector.
type Source struct {
	*base.BaseConnector

	baseURL  string
	pageSize int
}

// NewSource creates a Mailchimp source. Requires the api_key credential; the
// data centre is taken from the key suffix ("...-us6") unless base_url is set.
func NewSource(cfg *config.SourceConfig, rc *core.RunContext) (*Source, error) {
	key, err := cfg.Credential("api_key")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "mailchimp")
	}
	baseURL := cfg.Property("base_url", "")
	if baseURL == "" {
		dc, err := dataCenter(key)
		if err != nil {
			return nil, err
		}
		baseURL = "https://" + dc + ".api.mailchimp.com/3.0"
	}
	b, err := base.NewBaseConnector(cfg, rc, clients.BasicAuth{Username: "anystring", Password: key})
	if err != nil {
		return nil, err
	}
	return &Source{
		BaseConnector: b,
		baseURL:       strings.TrimRight(baseURL, "/"),
		pageSize:      cfg.PageSize(defaultPageSize),
	}, nil
}

// dataCenter extracts the data centre from an API key.
func dataCenter(key string) (string, error) {
	i := strings.LastIndex(key, "-")
	if i < 0 || i == len(key)-1 {
		return "", errors.New(errors.ErrorTypeConfig, "mailchimp api_key has no data centre suffix (expected <key>-<dc>)")
	}
	return key[i+1:], nil
}

// Resources implements core.Source.
func (s *Source) Resources(context.Context) ([]*core.Resource, error) {
	collection := func(name, path, key string) *core.Resource {
		return &core.Resource{
			Name:             name,
			PrimaryKey:       []string{"id"},
			WriteDisposition: core.Merge,
			Read: func(ctx context.Context, _ *state.Bag) iter.Seq2[core.Record, error] {
				return s.collection(ctx, path, key, nil)
			},
		}
	}
	return []*core.Resource{
		collection("lists", "lists", "lists"),
		collection("campaigns", "campaigns", "campaigns"),
		collection("reports", "reports", "reports"),
		collection("automations", "automations", "automations"),
		{
			Name:             "members",
			PrimaryKey:       []string{"list_id", "id"},
			WriteDisposition: core.Merge,
			Read:             s.readMembers,
		},
	}, nil
}

// readMembers reads every audience's members changed since the cursor.
func (s *Source) readMembers(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
	cur := incremental.NewTimeCursor("last_changed", s.StartDate(time.Unix(0, 0)))
	if err := cur.Load(bag); err != nil {
		return core.Fail(err)
	}
	return func(yield func(core.Record, error) bool) {
		lists, err := core.Collect(s.collection(ctx, "lists", "lists", map[string]string{"fields": "lists.id,total_items"}))
		if err != nil {
			yield(nil, err)
			return
		}
		since := map[string]string{"since_last_changed": cur.Start().Format(time.RFC3339)}
		for _, l := range lists {
			id, _ := l["id"].(string)
			for rec, err := range s.collection(ctx, "lists/"+id+"/members", "members", since) {
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
		}
		cur.Save(bag)
	}
}

// collection pages path with count/offset until total_items were read.
func (s *Source) collection(ctx context.Context, path, key string, query map[string]string) iter.Seq2[core.Record, error] {
	req := clients.NewRequest(http.MethodGet, s.baseURL+"/"+path)
	for k, v := range query {
		req.Query.Set(k, v)
	}
	p := &paginate.OffsetPaginator{
		Client:     s.Client(),
		Request:    req,
		LimitParam: "count",
		PageSize:   s.pageSize,
		Extract: func(resp *clients.Response) (paginate.OffsetPage, error) {
			var body map[string]any
			if err := resp.JSON(&body); err != nil {
				return paginate.OffsetPage{}, err
			}
			items := paginate.Records(body[key])
			for _, it := range items {
				delete(it, "_links")
			}
			page := paginate.OffsetPage{Items: items}
			if total, ok := body["total_items"].(float64); ok {
				page.Total = paginate.Int(int(total))
			}
			return page, nil
		},
	}
	return core.Count(p.Items(ctx), s.Metrics(), key)
}
