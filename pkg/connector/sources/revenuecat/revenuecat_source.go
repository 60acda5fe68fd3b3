// Package revenuecat reads projects, products and customers from the
// RevenueCat v2 API.
//
// Each customer is enriched with its purchases and subscriptions. Those
// sub-requests are fanned out in bounded batches: a batch runs to completion
// before the next one starts, and every request waits on a shared limiter
// sized to the API's per-minute budget.
package revenuecat

import (
	"context"
	"iter"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/nebula-connectors/pkg/clients"
	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/base"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/paginate"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
)

const (
	defaultBaseURL           = "https://api.revenuecat.com/v2"
	defaultBatchSize         = 50
	defaultRequestsPerMinute = 60
	defaultPageSize          = 1000
)

// Source is the RevenueCat connector.
type Source struct {
	*base.BaseConnector

	baseURL   string
	projectID string
	batchSize int
	pageSize  int
	// concurrency bounds the nested requests in flight per batch
	concurrency int
}

// NewSource creates a RevenueCat source. Requires the api_key credential and
// the project_id property.
func NewSource(cfg *config.SourceConfig, rc *core.RunContext) (*Source, error) {
	key, err := cfg.Credential("api_key")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "revenuecat")
	}
	projectID := cfg.Property("project_id", "")
	if projectID == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "revenuecat: project_id is required")
	}
	batchSize, err := cfg.PropertyInt("batch_size", defaultBatchSize)
	if err != nil || batchSize <= 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "revenuecat: batch_size must be a positive integer")
	}
	perMinute, err := cfg.PropertyInt("requests_per_minute", defaultRequestsPerMinute)
	if err != nil || perMinute <= 0 {
		return nil, errors.New(errors.ErrorTypeConfig, "revenuecat: requests_per_minute must be a positive integer")
	}

	b, err := base.NewBaseConnector(cfg, rc, clients.BearerAuth{Token: key},
		clients.WithLimiter(clients.PerMinute(perMinute)))
	if err != nil {
		return nil, err
	}
	return &Source{
		BaseConnector: b,
		baseURL:       strings.TrimRight(cfg.Property("base_url", defaultBaseURL), "/"),
		projectID:     projectID,
		batchSize:     batchSize,
		pageSize:      cfg.PageSize(defaultPageSize),
		concurrency:   cfg.Performance.MaxConcurrency,
	}, nil
}

// Resources implements core.Source.
func (s *Source) Resources(context.Context) ([]*core.Resource, error) {
	project := "projects/" + url.PathEscape(s.projectID)
	return []*core.Resource{
		{
			Name:             "projects",
			PrimaryKey:       []string{"id"},
			WriteDisposition: core.Replace,
			Read: func(ctx context.Context, _ *state.Bag) iter.Seq2[core.Record, error] {
				return s.list(ctx, "projects")
			},
		},
		{
			Name:             "products",
			PrimaryKey:       []string{"id"},
			WriteDisposition: core.Replace,
			Read: func(ctx context.Context, _ *state.Bag) iter.Seq2[core.Record, error] {
				return s.list(ctx, project+"/products")
			},
		},
		{
			Name:             "customers",
			PrimaryKey:       []string{"id"},
			WriteDisposition: core.Merge,
			Read: func(ctx context.Context, _ *state.Bag) iter.Seq2[core.Record, error] {
				return core.Count(s.readCustomers(ctx, project), s.Metrics(), "customers")
			},
		},
	}, nil
}

// readCustomers lists customers and enriches them batch by batch.
func (s *Source) readCustomers(ctx context.Context, project string) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		batch := make([]core.Record, 0, s.batchSize)
		flush := func() bool {
			if err := s.enrich(ctx, project, batch); err != nil {
				yield(nil, err)
				return false
			}
			for _, c := range batch {
				if !yield(c, nil) {
					return false
				}
			}
			batch = batch[:0]
			return true
		}

		for rec, err := range s.list(ctx, project+"/customers") {
			if err != nil {
				yield(nil, err)
				return
			}
			batch = append(batch, rec)
			if len(batch) == s.batchSize && !flush() {
				return
			}
		}
		if len(batch) > 0 {
			flush()
		}
	}
}

// enrich fetches purchases and subscriptions of every customer in batch,
// at most Performance.MaxConcurrency requests at a time. The first failure
// cancels the rest of the batch.
func (s *Source) enrich(ctx context.Context, project string, batch []core.Record) error {
	type nested struct {
		purchases     []core.Record
		subscriptions []core.Record
	}
	results := make([]nested, len(batch))

	g, gctx := errgroup.WithContext(ctx)
	if s.concurrency > 0 {
		g.SetLimit(s.concurrency)
	}
	for i, customer := range batch {
		id, _ := customer["id"].(string)
		if id == "" {
			continue
		}
		prefix := project + "/customers/" + url.PathEscape(id)
		g.Go(func() error {
			items, err := core.Collect(s.list(gctx, prefix+"/purchases"))
			results[i].purchases = items
			return err
		})
		g.Go(func() error {
			items, err := core.Collect(s.list(gctx, prefix+"/subscriptions"))
			results[i].subscriptions = items
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	for i, customer := range batch {
		customer["purchases"] = anySlice(results[i].purchases)
		customer["subscriptions"] = anySlice(results[i].subscriptions)
	}
	s.Logger().Debug("enriched customer batch", zap.Int("customers", len(batch)))
	return nil
}

func anySlice(records []core.Record) []any {
	out := make([]any, len(records))
	for i, r := range records {
		out[i] = r
	}
	return out
}

// list follows next_page links, which are paths relative to the API host.
func (s *Source) list(ctx context.Context, path string) iter.Seq2[core.Record, error] {
	req := clients.NewRequest(http.MethodGet, s.baseURL+"/"+path)
	req.Query.Set("limit", strconv.Itoa(s.pageSize))
	p := &paginate.LinkPaginator{
		Client:  s.Client(),
		Request: req,
		Extract: func(resp *clients.Response) ([]core.Record, string, error) {
			var body struct {
				Items    []map[string]any `json:"items"`
				NextPage string           `json:"next_page"`
			}
			if err := resp.JSON(&body); err != nil {
				return nil, "", err
			}
			items := make([]core.Record, len(body.Items))
			for i, it := range body.Items {
				items[i] = it
			}
			return items, body.NextPage, nil
		},
		Follow: s.follow,
	}
	return p.Items(ctx)
}

func (s *Source) follow(req *clients.Request, next string) *clients.Request {
	out := paginate.FollowURL(req, next)
	base, err := url.Parse(s.baseURL)
	if err != nil {
		return out
	}
	ref, err := url.Parse(next)
	if err != nil {
		return out
	}
	out.URL = base.ResolveReference(ref).String()
	return out
}
