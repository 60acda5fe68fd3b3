// Package pipedrive reads CRM entities from the Pipedrive v1 API.
//
// Deals, persons, organizations, products and activities are read
// incrementally through the /recents endpoint on update_time. Custom fields
// arrive keyed by 40 character hashes; each resource keeps the learned
// hash -> name mapping in its state so column names stay stable.
package pipedrive

import (
	"context"
	"iter"
	"net/http"
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
	"github.com/ajitpratap0/nebula-connectors/pkg/normalize"
	"github.com/ajitpratap0/nebula-connectors/pkg/paginate"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
)

const (
	defaultBaseURL  = "https://api.pipedrive.com/v1"
	defaultPageSize = 500
	timestampLayout = "2006-01-02 15:04:05"
	fieldsStateKey  = "custom_fields"
)

// entity is an incrementally read object type.
type entity struct {
	resource string
	// item is the /recents "items" value
	item string
	// fields is the metadata endpoint, empty when the type has none
	fields string
}

var entities = []entity{
	{resource: "deals", item: "deal", fields: "dealFields"},
	{resource: "persons", item: "person", fields: "personFields"},
	{resource: "organizations", item: "organization", fields: "organizationFields"},
	{resource: "products", item: "product", fields: "productFields"},
	{resource: "activities", item: "activity", fields: "activityFields"},
}

// Source is the Pipedrive connector.
type Source struct {
	*base.BaseConnector

	baseURL  string
	pageSize int
}

// NewSource creates a Pipedrive source. Requires the api_token credential.
func NewSource(cfg *config.SourceConfig, rc *core.RunContext) (*Source, error) {
	token, err := cfg.Credential("api_token")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "pipedrive")
	}
	auth := clients.APIKeyAuth{In: clients.InQuery, Name: "api_token", Value: token}
	b, err := base.NewBaseConnector(cfg, rc, auth)
	if err != nil {
		return nil, err
	}
	return &Source{
		BaseConnector: b,
		baseURL:       strings.TrimRight(cfg.Property("base_url", defaultBaseURL), "/"),
		pageSize:      cfg.PageSize(defaultPageSize),
	}, nil
}

// Resources implements core.Source.
func (s *Source) Resources(context.Context) ([]*core.Resource, error) {
	var resources []*core.Resource
	for _, e := range entities {
		resources = append(resources, &core.Resource{
			Name:             e.resource,
			PrimaryKey:       []string{"id"},
			WriteDisposition: core.Merge,
			Read: func(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
				return s.readRecents(ctx, bag, e)
			},
		})
	}
	for _, name := range []string{"pipelines", "stages", "users"} {
		resources = append(resources, &core.Resource{
			Name:             name,
			PrimaryKey:       []string{"id"},
			WriteDisposition: core.Replace,
			Read: func(ctx context.Context, _ *state.Bag) iter.Seq2[core.Record, error] {
				return s.list(ctx, name, nil)
			},
		})
	}
	resources = append(resources, &core.Resource{
		Name:             "custom_fields_mapping",
		PrimaryKey:       []string{"endpoint", "hash_string"},
		WriteDisposition: core.Replace,
		Read:             s.readMappings,
	})
	return resources, nil
}

// readRecents refreshes the custom-field mapping, then reads the entity
// changes since the cursor and renames their custom fields.
func (s *Source) readRecents(ctx context.Context, bag *state.Bag, e entity) iter.Seq2[core.Record, error] {
	cur := incremental.NewTimeCursor("update_time", s.StartDate(time.Unix(0, 0)))
	if err := cur.Load(bag); err != nil {
		return core.Fail(err)
	}

	return func(yield func(core.Record, error) bool) {
		mapping, err := s.refreshMapping(ctx, bag, e)
		if err != nil {
			yield(nil, err)
			return
		}

		query := map[string]string{
			"items":           e.item,
			"since_timestamp": cur.Start().UTC().Format(timestampLayout),
		}
		for rec, err := range s.pages(ctx, "recents", query, recentItems) {
			if err != nil {
				yield(nil, err)
				return
			}
			keep, err := cur.Track(rec)
			if err != nil {
				yield(nil, err)
				return
			}
			if keep && !yield(mapping.Apply(rec), nil) {
				return
			}
		}
		cur.Save(bag)
	}
}

// refreshMapping merges the current field metadata into the persisted
// mapping and writes it back to bag.
func (s *Source) refreshMapping(ctx context.Context, bag *state.Bag, e entity) (*normalize.FieldMapping, error) {
	var stored map[string]any
	if raw, ok := bag.Get(fieldsStateKey); ok {
		stored, _ = raw.(map[string]any)
	}
	mapping := normalize.ImportFieldMapping(stored)
	if e.fields == "" {
		return mapping, nil
	}

	fields, err := s.customFields(ctx, e.fields)
	if err != nil {
		return nil, err
	}
	if added := mapping.Merge(fields); added > 0 || stored == nil {
		s.Logger().Debug("custom fields learned",
			zap.String("endpoint", e.fields),
			zap.Int("added", added),
			zap.Int("known", mapping.Len()))
	}
	bag.Set(fieldsStateKey, mapping.Export())
	return mapping, nil
}

// customFields reads a fields endpoint and keeps the hash-keyed ones.
func (s *Source) customFields(ctx context.Context, endpoint string) (map[string]normalize.FieldInfo, error) {
	out := make(map[string]normalize.FieldInfo)
	for f, err := range s.list(ctx, endpoint, nil) {
		if err != nil {
			return nil, err
		}
		key, _ := f["key"].(string)
		if !isCustomKey(key) {
			continue
		}
		name, _ := f["name"].(string)
		fieldType, _ := f["field_type"].(string)
		info := normalize.FieldInfo{Name: name, FieldType: fieldType}
		if opts, ok := f["options"].([]any); ok {
			info.Options = make(map[string]string, len(opts))
			for _, o := range opts {
				om, ok := o.(map[string]any)
				if !ok {
					continue
				}
				label, _ := om["label"].(string)
				info.Options[optionID(om["id"])] = label
			}
		}
		out[key] = info
	}
	return out, nil
}

func (s *Source) readMappings(ctx context.Context, _ *state.Bag) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		for _, e := range entities {
			fields, err := s.customFields(ctx, e.fields)
			if err != nil {
				yield(nil, err)
				return
			}
			m := normalize.NewFieldMapping()
			m.Merge(fields)
			for hash := range fields {
				fi, _ := m.Get(hash)
				rec := core.Record{
					"endpoint":        e.fields,
					"hash_string":     hash,
					"name":            fi.Name,
					"normalized_name": fi.NormalizedName,
					"field_type":      fi.FieldType,
					"options":         fi.Options,
				}
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// list reads a plain collection endpoint.
func (s *Source) list(ctx context.Context, endpoint string, query map[string]string) iter.Seq2[core.Record, error] {
	return s.pages(ctx, endpoint, query, func(v any) []core.Record { return paginate.Records(v) })
}

// pages reads an endpoint with start/limit paging driven by
// additional_data.pagination.
func (s *Source) pages(ctx context.Context, endpoint string, query map[string]string, items func(any) []core.Record) iter.Seq2[core.Record, error] {
	req := clients.NewRequest(http.MethodGet, s.baseURL+"/"+endpoint)
	for k, v := range query {
		req.Query.Set(k, v)
	}
	p := &paginate.OffsetPaginator{
		Client:      s.Client(),
		Request:     req,
		OffsetParam: "start",
		LimitParam:  "limit",
		PageSize:    s.pageSize,
		Extract: func(resp *clients.Response) (paginate.OffsetPage, error) {
			var body struct {
				Success        bool   `json:"success"`
				Error          string `json:"error"`
				Data           any    `json:"data"`
				AdditionalData struct {
					Pagination *struct {
						MoreItems bool `json:"more_items_in_collection"`
						NextStart *int `json:"next_start"`
					} `json:"pagination"`
				} `json:"additional_data"`
			}
			if err := resp.JSON(&body); err != nil {
				return paginate.OffsetPage{}, err
			}
			if !body.Success {
				return paginate.OffsetPage{}, errors.New(errors.ErrorTypeValidation, "pipedrive "+endpoint+": "+body.Error)
			}
			page := paginate.OffsetPage{Items: items(body.Data)}
			if raw, ok := body.Data.([]any); ok {
				page.Read = len(raw)
			}
			if pg := body.AdditionalData.Pagination; pg != nil {
				page.HasMore = paginate.Bool(pg.MoreItems)
				page.NextStart = pg.NextStart
			} else {
				page.HasMore = paginate.Bool(false)
			}
			return page, nil
		},
	}
	return core.Count(p.Items(ctx), s.Metrics(), endpoint)
}

// recentItems unwraps /recents entries ({"item": "deal", "data": {...}}).
// Deleted objects come back with a null data field and are skipped.
func recentItems(v any) []core.Record {
	var out []core.Record
	for _, entry := range paginate.Records(v) {
		switch data := entry["data"].(type) {
		case map[string]any:
			out = append(out, data)
		case []any:
			out = append(out, paginate.Records(data)...)
		}
	}
	return out
}

// isCustomKey reports whether key is a custom-field hash.
func isCustomKey(key string) bool {
	if len(key) != 40 {
		return false
	}
	for _, r := range key {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

func optionID(v any) string {
	switch x := v.(type) {
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case string:
		return x
	default:
		return ""
	}
}
