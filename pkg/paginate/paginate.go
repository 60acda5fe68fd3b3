// Package paginate drives the fetch layer across the pages of a collection.
//
// Two styles are supported. LinkPaginator follows a "next" pointer embedded
// in each response (a full URL, a continuation token or an RFC 5988 Link
// header). OffsetPaginator advances a numeric offset parameter until the
// server reports no more items.
//
// Pages are produced lazily through iter.Seq2 and a paginator is single-use:
// construct a new one to read the collection again. Empty pages are never
// yielded, so an empty first page is simply an empty sequence.
package paginate

import (
	"context"
	"iter"
	"net/http"
	"regexp"
	"strconv"
	"sync/atomic"

	"github.com/ajitpratap0/nebula-connectors/pkg/clients"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
)

// ErrExhausted is yielded when a consumed paginator is iterated again.
var ErrExhausted = errors.New(errors.ErrorTypeInternal, "paginator already consumed")

// Fetcher performs one logical request; *clients.Client implements it.
type Fetcher interface {
	Fetch(ctx context.Context, req *clients.Request) (*clients.Response, error)
}

// Page is one response's worth of items.
type Page struct {
	// Number is 1-based
	Number   int
	Items    []core.Record
	Next     string
	Response *clients.Response
}

// LinkPaginator follows next pointers until one is absent.
type LinkPaginator struct {
	Client  Fetcher
	Request *clients.Request
	// Extract returns the page items and the next pointer ("" ends paging)
	Extract func(resp *clients.Response) (items []core.Record, next string, err error)
	// Follow builds the request for next; defaults to FollowURL
	Follow func(req *clients.Request, next string) *clients.Request
	// MaxPages stops after that many pages when > 0
	MaxPages int

	used atomic.Bool
}

// Pages yields every non-empty page.
func (p *LinkPaginator) Pages(ctx context.Context) iter.Seq2[*Page, error] {
	if p.used.Swap(true) {
		return exhausted
	}
	follow := p.Follow
	if follow == nil {
		follow = FollowURL
	}

	return func(yield func(*Page, error) bool) {
		req := p.Request.Clone()
		seen := make(map[string]bool)
		for n := 1; ; n++ {
			resp, err := p.Client.Fetch(ctx, req)
			if err != nil {
				yield(nil, err)
				return
			}
			items, next, err := p.Extract(resp)
			if err != nil {
				yield(nil, err)
				return
			}
			if len(items) > 0 {
				if !yield(&Page{Number: n, Items: items, Next: next, Response: resp}, nil) {
					return
				}
			}
			if next == "" || (p.MaxPages > 0 && n >= p.MaxPages) {
				return
			}
			if seen[next] {
				yield(nil, errors.New(errors.ErrorTypeData, "pagination cycle: next pointer "+strconv.Quote(next)+" repeated"))
				return
			}
			seen[next] = true
			req = follow(req, next)
		}
	}
}

// Items flattens Pages into records.
func (p *LinkPaginator) Items(ctx context.Context) iter.Seq2[core.Record, error] {
	return items(p.Pages(ctx))
}

// FollowURL treats next as a complete URL.
func FollowURL(req *clients.Request, next string) *clients.Request {
	out := req.Clone()
	out.URL = next
	out.Query = nil
	return out
}

// FollowParam sends next as the query parameter name.
func FollowParam(name string) func(*clients.Request, string) *clients.Request {
	return func(req *clients.Request, next string) *clients.Request {
		out := req.Clone()
		out.Query.Set(name, next)
		return out
	}
}

var linkNext = regexp.MustCompile(`<([^>]+)>\s*;[^,]*rel="?next"?`)

// LinkHeaderNext returns the rel="next" target of an RFC 5988 Link header.
func LinkHeaderNext(h http.Header) string {
	for _, v := range h.Values("Link") {
		if m := linkNext.FindStringSubmatch(v); m != nil {
			return m[1]
		}
	}
	return ""
}

// OffsetPage is what an offset-style Extract reports about one response.
type OffsetPage struct {
	Items []core.Record
	// Read is the number of entries the server returned when Extract
	// dropped some of them; zero means len(Items)
	Read int
	// HasMore is the server's explicit "more items" flag, when it has one
	HasMore *bool
	// NextStart overrides offset+len(Items) as the next offset
	NextStart *int
	// Total is the collection size, when the server reports it
	Total *int
}

// OffsetPaginator advances an offset parameter by the number of items read.
type OffsetPaginator struct {
	Client  Fetcher
	Request *clients.Request
	// OffsetParam defaults to "offset", LimitParam to "limit"
	OffsetParam string
	LimitParam  string
	PageSize    int
	Start       int
	Extract     func(resp *clients.Response) (OffsetPage, error)

	used atomic.Bool
}

// Pages yields every non-empty page. Paging stops on HasMore=false, once
// Total items were read, on an empty page without HasMore=true, or, when
// the server gives no signal, on a short page. A page whose items were all
// dropped by Extract is skipped, not treated as the end.
func (p *OffsetPaginator) Pages(ctx context.Context) iter.Seq2[*Page, error] {
	if p.used.Swap(true) {
		return exhausted
	}
	offsetParam := p.OffsetParam
	if offsetParam == "" {
		offsetParam = "offset"
	}
	limitParam := p.LimitParam
	if limitParam == "" {
		limitParam = "limit"
	}

	return func(yield func(*Page, error) bool) {
		offset := p.Start
		for n := 1; ; n++ {
			req := p.Request.Clone()
			req.Query.Set(offsetParam, strconv.Itoa(offset))
			if p.PageSize > 0 {
				req.Query.Set(limitParam, strconv.Itoa(p.PageSize))
			}

			resp, err := p.Client.Fetch(ctx, req)
			if err != nil {
				yield(nil, err)
				return
			}
			page, err := p.Extract(resp)
			if err != nil {
				yield(nil, err)
				return
			}
			count := max(page.Read, len(page.Items))
			if count == 0 && (page.HasMore == nil || !*page.HasMore) {
				return
			}

			next := offset + count
			if page.NextStart != nil {
				next = *page.NextStart
			}
			more := true
			switch {
			case page.HasMore != nil:
				more = *page.HasMore
			case page.Total != nil:
				more = next < *page.Total
			case p.PageSize > 0:
				more = count >= p.PageSize
			}
			if more && next <= offset {
				yield(nil, errors.New(errors.ErrorTypeData, "pagination did not advance past offset "+strconv.Itoa(offset)))
				return
			}

			nextStr := ""
			if more {
				nextStr = strconv.Itoa(next)
			}
			if len(page.Items) > 0 && !yield(&Page{Number: n, Items: page.Items, Next: nextStr, Response: resp}, nil) {
				return
			}
			if !more {
				return
			}
			offset = next
		}
	}
}

// Items flattens Pages into records.
func (p *OffsetPaginator) Items(ctx context.Context) iter.Seq2[core.Record, error] {
	return items(p.Pages(ctx))
}

func exhausted(yield func(*Page, error) bool) {
	yield(nil, ErrExhausted)
}

func items(pages iter.Seq2[*Page, error]) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		for page, err := range pages {
			if err != nil {
				yield(nil, err)
				return
			}
			for _, rec := range page.Items {
				if !yield(rec, nil) {
					return
				}
			}
		}
	}
}

// Records converts a decoded JSON array into records, skipping non-objects.
func Records(v any) []core.Record {
	list, _ := v.([]any)
	out := make([]core.Record, 0, len(list))
	for _, item := range list {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// Bool returns a pointer to b, for OffsetPage.HasMore.
func Bool(b bool) *bool { return &b }

// Int returns a pointer to n, for OffsetPage.NextStart and Total.
func Int(n int) *int { return &n }
