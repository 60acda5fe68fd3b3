// Package window splits long time ranges into bounded fetch windows.
//
// Windows are computed eagerly so the number of requests is known before
// fetching starts. Every window is half-open, [Start, End), and the windows
// of a range [start, end) tile it contiguously: each window's End is the
// next window's Start, and only the last window may be shorter than the
// maximum span. Callers with an inclusive end date pass the day after it.
package window

import (
	"context"
	"iter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
)

// Window is a half-open time range [Start, End); End belongs to the next
// window.
type Window struct {
	Start time.Time
	End   time.Time
}

// Empty reports whether the window covers nothing (Start >= End).
func (w Window) Empty() bool { return !w.Start.Before(w.End) }

// Span returns End-Start.
func (w Window) Span() time.Duration { return w.End.Sub(w.Start) }

// Split tiles [start, end) with windows of at most maxSpan. It returns no
// windows when start >= end, and a single window when maxSpan <= 0.
func Split(start, end time.Time, maxSpan time.Duration) []Window {
	if !start.Before(end) {
		return nil
	}
	if maxSpan <= 0 {
		return []Window{{Start: start, End: end}}
	}

	n := int(end.Sub(start) / maxSpan)
	if end.Sub(start)%maxSpan != 0 {
		n++
	}
	out := make([]Window, 0, n)
	for cur := start; cur.Before(end); {
		next := cur.Add(maxSpan)
		if next.After(end) {
			next = end
		}
		out = append(out, Window{Start: cur, End: next})
		cur = next
	}
	return out
}

// SplitDays returns one window per UTC calendar day touched by [start, end).
// start is truncated to midnight and a partial last day is rounded up.
func SplitDays(start, end time.Time) []Window {
	from := Day(start)
	to := Day(end)
	if to.Before(end) {
		to = to.AddDate(0, 0, 1)
	}
	if !from.Before(to) {
		return nil
	}
	var out []Window
	for cur := from; cur.Before(to); cur = cur.AddDate(0, 0, 1) {
		out = append(out, Window{Start: cur, End: cur.AddDate(0, 0, 1)})
	}
	return out
}

// Day truncates t to midnight UTC.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// Windower splits ranges whose end may be open.
type Windower struct {
	MaxSpan time.Duration
	// Now supplies the end of open ranges; defaults to time.Now
	Now func() time.Time
}

// Split splits [start, end); a zero end means now.
func (w Windower) Split(start, end time.Time) []Window {
	if end.IsZero() {
		now := time.Now
		if w.Now != nil {
			now = w.Now
		}
		end = now()
	}
	return Split(start, end, w.MaxSpan)
}

// Sequential reads windows one after another, emitting every record of a
// window before requesting the next. done runs after each window completes.
func Sequential(windows []Window, read func(Window) iter.Seq2[core.Record, error], done func(Window)) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		for _, w := range windows {
			for rec, err := range read(w) {
				if !yield(rec, err) || err != nil {
					return
				}
			}
			if done != nil {
				done(w)
			}
		}
	}
}

// FetchParallel runs fetch for every window with at most workers running at
// once. The first error cancels the remaining windows.
func FetchParallel(ctx context.Context, windows []Window, workers int, fetch func(context.Context, Window) error) error {
	g, gctx := errgroup.WithContext(ctx)
	if workers > 0 {
		g.SetLimit(workers)
	}
	for _, w := range windows {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			return fetch(gctx, w)
		})
	}
	return g.Wait()
}

// Parallel fetches windows concurrently and yields each window's records as
// it completes. Window order is not preserved; callers that track a
// watermark must fold it from every record (a max), not from arrival order.
func Parallel(ctx context.Context, windows []Window, workers int, fetch func(context.Context, Window) ([]core.Record, error)) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		results := make(chan []core.Record)
		errc := make(chan error, 1)
		go func() {
			errc <- FetchParallel(ctx, windows, workers, func(ctx context.Context, w Window) error {
				recs, err := fetch(ctx, w)
				if err != nil {
					return err
				}
				select {
				case results <- recs:
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			})
			close(results)
		}()

		for recs := range results {
			for _, rec := range recs {
				if !yield(rec, nil) {
					cancel()
					for range results {
					}
					return
				}
			}
		}
		if err := <-errc; err != nil {
			yield(nil, err)
		}
	}
}
