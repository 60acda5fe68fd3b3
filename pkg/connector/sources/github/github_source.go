// Package github reads issues and pull requests (GraphQL) and repository
// events (REST) for one repository.
//
// Issues and pull requests are ordered by updatedAt descending, so paging
// stops at the first node older than the stored watermark. Events are routed
// to one table per event type.
package github

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
	"github.com/ajitpratap0/nebula-connectors/pkg/json"
	"github.com/ajitpratap0/nebula-connectors/pkg/normalize"
	"github.com/ajitpratap0/nebula-connectors/pkg/paginate"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
)

const (
	defaultBaseURL  = "https://api.github.com"
	defaultPageSize = 100
)

// Source is the GitHub connector.
type Source struct {
	*base.BaseConnector

	baseURL    string
	graphqlURL string
	owner      string
	repo       string
	pageSize   int
	maxItems   int
}

// NewSource creates a GitHub source for the owner/name properties. The
// access_token credential is optional for public repositories but GraphQL
// requires it.
func NewSource(cfg *config.SourceConfig, rc *core.RunContext) (*Source, error) {
	owner := cfg.Property("owner", "")
	repo := cfg.Property("name", "")
	if owner == "" || repo == "" {
		return nil, errors.New(errors.ErrorTypeConfig, "github: owner and name are required")
	}
	maxItems, err := cfg.PropertyInt("max_items", 0)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "github")
	}

	var auth clients.Authenticator
	if token := cfg.OptionalCredential("access_token"); token != "" {
		auth = clients.BearerAuth{Token: token}
	}
	b, err := base.NewBaseConnector(cfg, rc, auth)
	if err != nil {
		return nil, err
	}
	baseURL := strings.TrimRight(cfg.Property("base_url", defaultBaseURL), "/")
	return &Source{
		BaseConnector: b,
		baseURL:       baseURL,
		graphqlURL:    cfg.Property("graphql_url", baseURL+"/graphql"),
		owner:         owner,
		repo:          repo,
		pageSize:      min(cfg.PageSize(defaultPageSize), 100),
		maxItems:      maxItems,
	}, nil
}

// Resources implements core.Source.
func (s *Source) Resources(context.Context) ([]*core.Resource, error) {
	return []*core.Resource{
		{
			Name:             "issues",
			PrimaryKey:       []string{"number"},
			WriteDisposition: core.Merge,
			Read: func(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
				return s.readNodes(ctx, bag, "issues", issueFields)
			},
		},
		{
			Name:             "pull_requests",
			PrimaryKey:       []string{"number"},
			WriteDisposition: core.Merge,
			Read: func(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
				return s.readNodes(ctx, bag, "pullRequests", pullRequestFields)
			},
		},
		{
			Name:             "repo_events",
			PrimaryKey:       []string{"id"},
			WriteDisposition: core.Merge,
			TableName:        eventTable,
			Read:             s.readEvents,
		},
	}, nil
}

// eventTable routes "PushEvent" to "push_event".
func eventTable(rec core.Record) string {
	t, _ := rec["type"].(string)
	return normalize.SnakeCase(t)
}

const nodeFields = `
        number
        url
        title
        body
        state
        createdAt
        updatedAt
        closedAt
        author { login avatarUrl url }
        authorAssociation
        reactions { totalCount }
        labels(first: 25) { nodes { name } }
        comments(first: 100) {
          totalCount
          nodes { id url body createdAt updatedAt author { login } authorAssociation reactions { totalCount } }
        }`

var (
	issueFields       = nodeFields
	pullRequestFields = nodeFields + `
        merged
        mergedAt
        baseRefName
        headRefName`
)

func nodesQuery(connection, fields string) string {
	return `query($owner: String!, $name: String!, $first: Int!, $after: String) {
  rateLimit { remaining resetAt }
  repository(owner: $owner, name: $name) {
    ` + connection + `(first: $first, after: $after, orderBy: {field: UPDATED_AT, direction: DESC}) {
      totalCount
      pageInfo { endCursor hasNextPage }
      nodes {` + fields + `
      }
    }
  }
}`
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

// readNodes pages a repository connection newest first and stops at the
// first node not updated since the watermark.
func (s *Source) readNodes(ctx context.Context, bag *state.Bag, connection, fields string) iter.Seq2[core.Record, error] {
	cur := incremental.NewTimeCursor("updatedAt", s.StartDate(time.Time{}))
	cur.StartBound = incremental.Open
	if err := cur.Load(bag); err != nil {
		return core.Fail(err)
	}
	query := nodesQuery(connection, fields)

	build := func(after string) (*clients.Request, error) {
		vars := map[string]any{"owner": s.owner, "name": s.repo, "first": s.pageSize, "after": nil}
		if after != "" {
			vars["after"] = after
		}
		return clients.NewJSONRequest(http.MethodPost, s.graphqlURL, graphqlRequest{Query: query, Variables: vars})
	}
	first, err := build("")
	if err != nil {
		return core.Fail(err)
	}

	var buildErr error
	p := &paginate.LinkPaginator{
		Client:  s.Client(),
		Request: first,
		Extract: func(resp *clients.Response) ([]core.Record, string, error) {
			return extractConnection(resp, connection)
		},
		Follow: func(_ *clients.Request, next string) *clients.Request {
			req, err := build(next)
			if err != nil {
				buildErr = err
				return first
			}
			return req
		},
	}

	return func(yield func(core.Record, error) bool) {
		n := 0
		truncated := false
		for rec, err := range p.Items(ctx) {
			if err == nil && buildErr != nil {
				err = buildErr
			}
			if err != nil {
				yield(nil, err)
				return
			}
			keep, err := cur.Track(rec)
			if err != nil {
				yield(nil, err)
				return
			}
			if !keep {
				break
			}
			if !yield(normalize.FlattenConnections(rec), nil) {
				return
			}
			n++
			if s.maxItems > 0 && n >= s.maxItems {
				truncated = true
				break
			}
		}
		s.Metrics().Records(connection, n)
		if truncated {
			// older unread nodes would fall below a newest-first watermark
			s.Logger().Warn("max_items reached, watermark not advanced",
				zap.String("connection", connection),
				zap.Int("max_items", s.maxItems))
			return
		}
		cur.Save(bag)
	}
}

// extractConnection decodes data.repository.<connection>. GraphQL reports
// errors with HTTP 200, so the errors array is checked first.
func extractConnection(resp *clients.Response, connection string) ([]core.Record, string, error) {
	var body struct {
		Data struct {
			Repository map[string]struct {
				PageInfo struct {
					EndCursor   string `json:"endCursor"`
					HasNextPage bool   `json:"hasNextPage"`
				} `json:"pageInfo"`
				Nodes []map[string]any `json:"nodes"`
			} `json:"repository"`
		} `json:"data"`
		Errors []struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return nil, "", errors.Wrap(err, errors.ErrorTypeData, "invalid graphql response")
	}
	if len(body.Errors) > 0 {
		errType := errors.ErrorTypeValidation
		switch body.Errors[0].Type {
		case "RATE_LIMITED":
			errType = errors.ErrorTypeRateLimit
		case "NOT_FOUND":
			errType = errors.ErrorTypeNotFound
		case "FORBIDDEN":
			errType = errors.ErrorTypePermission
		}
		return nil, "", errors.New(errType, "github graphql: "+body.Errors[0].Message)
	}
	conn := body.Data.Repository[connection]
	items := make([]core.Record, len(conn.Nodes))
	for i, n := range conn.Nodes {
		items[i] = n
	}
	next := ""
	if conn.PageInfo.HasNextPage {
		next = conn.PageInfo.EndCursor
	}
	return items, next, nil
}

// readEvents reads the repository event feed (newest first, about 90 days)
// and stops at events already seen.
func (s *Source) readEvents(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
	cur := incremental.NewTimeCursor("created_at", s.StartDate(time.Time{}))
	cur.StartBound = incremental.Open
	if err := cur.Load(bag); err != nil {
		return core.Fail(err)
	}

	req := clients.NewRequest(http.MethodGet, s.baseURL+"/repos/"+s.owner+"/"+s.repo+"/events")
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Query.Set("per_page", strconv.Itoa(s.pageSize))
	p := &paginate.LinkPaginator{
		Client:  s.Client(),
		Request: req,
		Extract: func(resp *clients.Response) ([]core.Record, string, error) {
			var items []map[string]any
			if err := resp.JSON(&items); err != nil {
				return nil, "", err
			}
			out := make([]core.Record, len(items))
			for i, it := range items {
				out[i] = it
			}
			return out, paginate.LinkHeaderNext(resp.Header), nil
		},
	}

	return func(yield func(core.Record, error) bool) {
		for rec, err := range core.Count(p.Items(ctx), s.Metrics(), "repo_events") {
			if err != nil {
				yield(nil, err)
				return
			}
			keep, err := cur.Track(rec)
			if err != nil {
				yield(nil, err)
				return
			}
			if !keep {
				break
			}
			if !yield(rec, nil) {
				return
			}
		}
		cur.Save(bag)
	}
}
