package window

import (
	"context"
	"iter"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
)

func date(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func TestSplitDaily(t *testing.T) {
	got := Split(date("2024-01-01T00:00:00Z"), date("2024-01-05T00:00:00Z"), 24*time.Hour)
	want := []Window{
		{date("2024-01-01T00:00:00Z"), date("2024-01-02T00:00:00Z")},
		{date("2024-01-02T00:00:00Z"), date("2024-01-03T00:00:00Z")},
		{date("2024-01-03T00:00:00Z"), date("2024-01-04T00:00:00Z")},
		{date("2024-01-04T00:00:00Z"), date("2024-01-05T00:00:00Z")},
	}
	assert.Equal(t, want, got)
}

func TestSplitHourly(t *testing.T) {
	got := Split(date("2024-01-01T12:00:00Z"), date("2024-01-01T15:00:00Z"), time.Hour)
	want := []Window{
		{date("2024-01-01T12:00:00Z"), date("2024-01-01T13:00:00Z")},
		{date("2024-01-01T13:00:00Z"), date("2024-01-01T14:00:00Z")},
		{date("2024-01-01T14:00:00Z"), date("2024-01-01T15:00:00Z")},
	}
	assert.Equal(t, want, got)
}

func TestSplitEdgeCases(t *testing.T) {
	start := date("2024-01-01T00:00:00Z")

	assert.Empty(t, Split(start, start, time.Hour))
	assert.Empty(t, Split(start.Add(time.Hour), start, time.Hour))

	single := Split(start, start.Add(90*time.Hour), 0)
	require.Len(t, single, 1)
	assert.Equal(t, 90*time.Hour, single[0].Span())

	last := Split(start, start.Add(150*time.Minute), time.Hour)
	require.Len(t, last, 3)
	assert.Equal(t, 30*time.Minute, last[2].Span())

	assert.True(t, Window{Start: start, End: start}.Empty())
	assert.False(t, last[0].Empty())
}

func TestSplitTilesRange(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	base := date("2023-06-01T00:00:00Z")

	for i := 0; i < 500; i++ {
		start := base.Add(time.Duration(r.Int63n(int64(1000 * time.Hour))))
		end := start.Add(time.Duration(r.Int63n(int64(2000 * time.Hour))))
		span := time.Duration(1 + r.Int63n(int64(72*time.Hour)))

		ws := Split(start, end, span)
		if start.Equal(end) {
			assert.Empty(t, ws)
			continue
		}
		require.NotEmpty(t, ws)
		assert.Equal(t, start, ws[0].Start)
		assert.Equal(t, end, ws[len(ws)-1].End)
		for j, w := range ws {
			assert.False(t, w.Empty())
			assert.LessOrEqual(t, w.Span(), span)
			if j > 0 {
				assert.Equal(t, ws[j-1].End, w.Start)
			}
		}
	}
}

func TestSplitDays(t *testing.T) {
	got := SplitDays(date("2024-01-01T10:00:00Z"), date("2024-01-03T01:00:00Z"))
	require.Len(t, got, 3)
	assert.Equal(t, date("2024-01-01T00:00:00Z"), got[0].Start)
	assert.Equal(t, date("2024-01-04T00:00:00Z"), got[2].End)

	aligned := SplitDays(date("2024-01-01T00:00:00Z"), date("2024-01-03T00:00:00Z"))
	assert.Len(t, aligned, 2)

	assert.Empty(t, SplitDays(date("2024-01-03T00:00:00Z"), date("2024-01-01T00:00:00Z")))
}

func TestWindowerOpenEnd(t *testing.T) {
	now := date("2024-01-01T03:00:00Z")
	w := Windower{MaxSpan: time.Hour, Now: func() time.Time { return now }}
	got := w.Split(date("2024-01-01T00:00:00Z"), time.Time{})
	require.Len(t, got, 3)
	assert.Equal(t, now, got[2].End)
}

func recordsOf(w Window) iter.Seq2[core.Record, error] {
	return core.Slice([]core.Record{{"ts": w.Start}, {"ts": w.End.Add(-time.Second)}})
}

func TestSequentialOrdersByWindow(t *testing.T) {
	ws := Split(date("2024-01-01T00:00:00Z"), date("2024-01-01T03:00:00Z"), time.Hour)
	var done []Window
	recs, err := core.Collect(Sequential(ws, recordsOf, func(w Window) { done = append(done, w) }))
	require.NoError(t, err)
	require.Len(t, recs, 6)
	for i := 1; i < len(recs); i++ {
		assert.False(t, recs[i]["ts"].(time.Time).Before(recs[i-1]["ts"].(time.Time)))
	}
	assert.Equal(t, ws, done)
}

func TestSequentialStopsOnError(t *testing.T) {
	ws := Split(date("2024-01-01T00:00:00Z"), date("2024-01-01T03:00:00Z"), time.Hour)
	var calls int
	_, err := core.Collect(Sequential(ws, func(Window) iter.Seq2[core.Record, error] {
		calls++
		return core.Fail(assert.AnError)
	}, nil))
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
}

func TestParallelWatermarkIsMaxAcrossWindows(t *testing.T) {
	ws := Split(date("2024-01-01T00:00:00Z"), date("2024-01-02T00:00:00Z"), time.Hour)
	var running, peak int32

	seq := Parallel(context.Background(), ws, 4, func(ctx context.Context, w Window) ([]core.Record, error) {
		n := atomic.AddInt32(&running, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		defer atomic.AddInt32(&running, -1)
		// later windows finish first
		time.Sleep(time.Duration(24-w.Start.Hour()) * time.Millisecond)
		return []core.Record{{"ts": w.End}}, nil
	})

	var latest time.Time
	count := 0
	for rec, err := range seq {
		require.NoError(t, err)
		if ts := rec["ts"].(time.Time); ts.After(latest) {
			latest = ts
		}
		count++
	}
	assert.Equal(t, 24, count)
	assert.Equal(t, date("2024-01-02T00:00:00Z"), latest)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(4))
}

func TestParallelPropagatesError(t *testing.T) {
	ws := Split(date("2024-01-01T00:00:00Z"), date("2024-01-01T10:00:00Z"), time.Hour)
	_, err := core.Collect(Parallel(context.Background(), ws, 2, func(ctx context.Context, w Window) ([]core.Record, error) {
		if w.Start.Hour() == 3 {
			return nil, assert.AnError
		}
		return []core.Record{{"h": w.Start.Hour()}}, nil
	}))
	assert.ErrorIs(t, err, assert.AnError)
}

func TestParallelEarlyStopReleasesWorkers(t *testing.T) {
	ws := Split(date("2024-01-01T00:00:00Z"), date("2024-01-02T00:00:00Z"), time.Hour)
	for rec, err := range Parallel(context.Background(), ws, 3, func(ctx context.Context, w Window) ([]core.Record, error) {
		return []core.Record{{"h": w.Start.Hour()}, {"h": w.Start.Hour()}}, nil
	}) {
		require.NoError(t, err)
		require.NotNil(t, rec)
		break
	}
}
