// Package slack reads channels, users, channel messages and access logs from
// the Slack Web API.
//
// Messages are incremental on "ts". By default every selected channel gets
// its own resource whose records are routed to "<channel>_<subtype|type>"
// tables; with table_per_channel=false all channels share a "messages"
// resource.
package slack

import (
	"context"
	"fmt"
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
	"github.com/ajitpratap0/nebula-connectors/pkg/paginate"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
)

const (
	defaultBaseURL  = "https://slack.com/api"
	defaultPageSize = 1000
)

// DefaultStartDate is used when no start_date is configured.
var DefaultStartDate = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// Source is the Slack connector.
type Source struct {
	*base.BaseConnector

	baseURL         string
	pageSize        int
	channels        []string
	tablePerChannel bool
	replies         bool
}

// NewSource creates a Slack source. Requires the access_token credential.
func NewSource(cfg *config.SourceConfig, rc *core.RunContext) (*Source, error) {
	token, err := cfg.Credential("access_token")
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "slack")
	}
	tablePerChannel, err := cfg.PropertyBool("table_per_channel", true)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "slack")
	}
	replies, err := cfg.PropertyBool("replies", false)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "slack")
	}

	b, err := base.NewBaseConnector(cfg, rc, clients.BearerAuth{Token: token})
	if err != nil {
		return nil, err
	}
	return &Source{
		BaseConnector:   b,
		baseURL:         strings.TrimRight(cfg.Property("base_url", defaultBaseURL), "/"),
		pageSize:        cfg.PageSize(defaultPageSize),
		channels:        cfg.PropertyList("channels"),
		tablePerChannel: tablePerChannel,
		replies:         replies,
	}, nil
}

// Resources lists the channels once and builds the message resources from
// the selection.
func (s *Source) Resources(ctx context.Context) ([]*core.Resource, error) {
	channels, err := core.Collect(s.pages(ctx, "conversations.list", "channels", nil))
	if err != nil {
		return nil, err
	}
	selected := s.selectChannels(channels)
	s.Logger().Info("listed channels",
		zap.Int("channels", len(channels)),
		zap.Int("selected", len(selected)))

	disposition := s.Disposition(core.Append)
	resources := []*core.Resource{
		{
			Name:             "channels",
			PrimaryKey:       []string{"id"},
			WriteDisposition: core.Replace,
			Read: func(context.Context, *state.Bag) iter.Seq2[core.Record, error] {
				return core.Slice(channels)
			},
		},
		{
			Name:             "users",
			PrimaryKey:       []string{"id"},
			WriteDisposition: core.Replace,
			Read: func(ctx context.Context, _ *state.Bag) iter.Seq2[core.Record, error] {
				return s.pages(ctx, "users.list", "members", map[string]string{"include_locale": "true"})
			},
		},
		{
			// Paid plans only, so it is never selected implicitly.
			Name:             "access_logs",
			PrimaryKey:       []string{"user_id"},
			WriteDisposition: core.Append,
			Disabled:         true,
			Read:             s.readAccessLogs,
		},
	}

	if !s.tablePerChannel {
		resources = append(resources, &core.Resource{
			Name:             "messages",
			PrimaryKey:       []string{"channel", "ts"},
			WriteDisposition: disposition,
			Read: func(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
				return s.readMessages(ctx, bag, selected)
			},
		})
		if s.replies {
			resources = append(resources, &core.Resource{
				Name:             "replies",
				PrimaryKey:       []string{"thread_ts", "ts"},
				WriteDisposition: disposition,
				Read: func(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
					return s.readReplies(ctx, bag, selected)
				},
			})
		}
		return resources, nil
	}

	for _, ch := range selected {
		channel := []core.Record{ch}
		name, _ := ch["name"].(string)
		resources = append(resources, &core.Resource{
			Name:             name,
			PrimaryKey:       []string{"channel", "ts"},
			WriteDisposition: disposition,
			TableName:        tableName(name),
			Read: func(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
				return s.readMessages(ctx, bag, channel)
			},
		})
		if s.replies {
			resources = append(resources, &core.Resource{
				Name:             name + "_replies",
				PrimaryKey:       []string{"thread_ts", "ts"},
				WriteDisposition: disposition,
				TableName:        tableName(name + "_replies"),
				Read: func(ctx context.Context, bag *state.Bag) iter.Seq2[core.Record, error] {
					return s.readReplies(ctx, bag, channel)
				},
			})
		}
	}
	return resources, nil
}

// tableName routes a message to "<prefix>_<subtype>", falling back to its type.
func tableName(prefix string) func(core.Record) string {
	return func(rec core.Record) string {
		kind, _ := rec["subtype"].(string)
		if kind == "" {
			kind, _ = rec["type"].(string)
		}
		return prefix + "_" + kind
	}
}

func (s *Source) selectChannels(channels []core.Record) []core.Record {
	if len(s.channels) == 0 {
		return channels
	}
	want := make(map[string]bool, len(s.channels))
	for _, c := range s.channels {
		want[c] = true
	}
	var out []core.Record
	for _, ch := range channels {
		name, _ := ch["name"].(string)
		id, _ := ch["id"].(string)
		if want[name] || want[id] {
			out = append(out, ch)
		}
	}
	return out
}

func (s *Source) cursor() *incremental.Cursor[time.Time] {
	c := incremental.NewTimeCursor("ts", s.StartDate(DefaultStartDate))
	c.StartBound = incremental.Closed
	c.EndBound = incremental.Closed
	c.PrimaryKey = []string{"channel", "ts"}
	if end := s.EndDate(); !end.IsZero() {
		c.End = &end
	}
	return c
}

func (s *Source) readMessages(ctx context.Context, bag *state.Bag, channels []core.Record) iter.Seq2[core.Record, error] {
	cur := s.cursor()
	if err := cur.Load(bag); err != nil {
		return core.Fail(err)
	}
	return func(yield func(core.Record, error) bool) {
		for _, ch := range channels {
			id, _ := ch["id"].(string)
			for rec, err := range s.history(ctx, id, cur) {
				if err != nil {
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

// history reads one channel's messages inside the cursor range.
func (s *Source) history(ctx context.Context, channel string, cur *incremental.Cursor[time.Time]) iter.Seq2[core.Record, error] {
	params := map[string]string{
		"channel":   channel,
		"oldest":    slackTS(cur.Start()),
		"inclusive": "true",
	}
	if cur.End != nil {
		params["latest"] = slackTS(*cur.End)
	}
	return func(yield func(core.Record, error) bool) {
		for rec, err := range s.pages(ctx, "conversations.history", "messages", params) {
			if err != nil {
				yield(nil, err)
				return
			}
			rec["channel"] = channel
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

// readReplies reads thread replies of messages in the cursor range. The
// parent message itself is not repeated.
func (s *Source) readReplies(ctx context.Context, bag *state.Bag, channels []core.Record) iter.Seq2[core.Record, error] {
	cur := s.cursor()
	if err := cur.Load(bag); err != nil {
		return core.Fail(err)
	}
	return func(yield func(core.Record, error) bool) {
		for _, ch := range channels {
			id, _ := ch["id"].(string)
			parents, err := core.Collect(s.history(ctx, id, cur))
			if err != nil {
				yield(nil, err)
				return
			}
			for _, parent := range parents {
				threadTS, _ := parent["thread_ts"].(string)
				if threadTS == "" {
					continue
				}
				params := map[string]string{"channel": id, "ts": threadTS}
				first := true
				for rec, err := range s.pages(ctx, "conversations.replies", "messages", params) {
					if err != nil {
						yield(nil, err)
						return
					}
					if first {
						first = false
						continue
					}
					rec["channel"] = id
					if !yield(rec, nil) {
						return
					}
				}
			}
		}
		cur.Save(bag)
	}
}

func (s *Source) readAccessLogs(ctx context.Context, _ *state.Bag) iter.Seq2[core.Record, error] {
	params := map[string]string{}
	if end := s.EndDate(); !end.IsZero() {
		params["before"] = strconv.FormatInt(end.Unix(), 10)
	}
	return s.pages(ctx, "team.accessLogs", "logins", params)
}

// pages reads a cursor-paginated Web API method and yields the items under key.
func (s *Source) pages(ctx context.Context, method, key string, params map[string]string) iter.Seq2[core.Record, error] {
	req := clients.NewRequest(http.MethodGet, s.baseURL+"/"+method)
	req.Query.Set("limit", strconv.Itoa(s.pageSize))
	for k, v := range params {
		req.Query.Set(k, v)
	}
	p := &paginate.LinkPaginator{
		Client:  s.Client(),
		Request: req,
		Follow:  paginate.FollowParam("cursor"),
		Extract: func(resp *clients.Response) ([]core.Record, string, error) {
			var body map[string]any
			if err := resp.JSON(&body); err != nil {
				return nil, "", err
			}
			if err := apiError(method, body); err != nil {
				return nil, "", err
			}
			next := ""
			if meta, ok := body["response_metadata"].(map[string]any); ok {
				next, _ = meta["next_cursor"].(string)
			}
			return paginate.Records(body[key]), next, nil
		},
	}
	return core.Count(p.Items(ctx), s.Metrics(), method)
}

// apiError converts Slack's {"ok": false, "error": "..."} envelope, which is
// sent with HTTP 200, into a typed error.
func apiError(method string, body map[string]any) error {
	if ok, _ := body["ok"].(bool); ok {
		return nil
	}
	code, _ := body["error"].(string)
	if code == "" {
		code = "unknown_error"
	}
	errType := errors.ErrorTypeValidation
	switch code {
	case "invalid_auth", "not_authed", "account_inactive", "token_revoked", "token_expired":
		errType = errors.ErrorTypeAuthentication
	case "missing_scope", "paid_only", "not_allowed_token_type", "team_access_not_granted":
		errType = errors.ErrorTypePermission
	case "ratelimited":
		errType = errors.ErrorTypeRateLimit
	case "channel_not_found", "thread_not_found":
		errType = errors.ErrorTypeNotFound
	}
	return errors.New(errType, "slack "+method+": "+code).WithDetail("error", code)
}

// slackTS formats t as a Slack timestamp ("seconds.micros").
func slackTS(t time.Time) string {
	return fmt.Sprintf("%d.%06d", t.Unix(), t.Nanosecond()/1000)
}
