// Package core defines the contract between source connectors and the host
// runner: records, resources (named streams) and sources.
package core

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/metrics"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
)

// Record is a flat mapping of field name to value. Values may be scalars,
// nested maps or lists; the shape is dictated by the upstream API.
type Record = map[string]any

// WriteDisposition is the strategy the destination applies when loading a
// resource's records.
type WriteDisposition string

const (
	// Append adds records
	Append WriteDisposition = "append"
	// Merge upserts records by primary key
	Merge WriteDisposition = "merge"
	// Replace overwrites the target table on every run
	Replace WriteDisposition = "replace"
)

// ReadFunc produces a resource's records lazily. The bag holds the
// resource's persisted state; the runner commits it after the sequence is
// fully consumed without error.
type ReadFunc func(ctx context.Context, bag *state.Bag) iter.Seq2[Record, error]

// Resource is one named record stream of a source.
type Resource struct {
	Name             string
	PrimaryKey       []string
	WriteDisposition WriteDisposition
	// TableName routes each record; nil routes every record to Name
	TableName func(Record) string
	// Disabled resources only run when selected explicitly
	Disabled bool
	// ParallelSafe streams fetch independent windows concurrently
	ParallelSafe bool
	Read         ReadFunc
}

// Table returns the destination table of rec.
func (r *Resource) Table(rec Record) string {
	if r.TableName != nil {
		if t := r.TableName(rec); t != "" {
			return t
		}
	}
	return r.Name
}

// Source is a configured connector.
type Source interface {
	// Name returns the source instance name (the state namespace)
	Name() string
	// Resources returns every resource the source offers
	Resources(ctx context.Context) ([]*Resource, error)
	Close() error
}

// RunContext carries per-run collaborators into source factories.
type RunContext struct {
	RunID   string
	Logger  *zap.Logger
	Now     func() time.Time
	Metrics *metrics.Collector
}

// NewRunContext creates a run context with a fresh run id.
func NewRunContext(logger *zap.Logger, m *metrics.Collector) *RunContext {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunContext{
		RunID:   uuid.NewString(),
		Logger:  logger,
		Now:     func() time.Time { return time.Now().UTC() },
		Metrics: m,
	}
}

// Clock returns rc.Now, defaulting to UTC wall time.
func (rc *RunContext) Clock() func() time.Time {
	if rc == nil || rc.Now == nil {
		return func() time.Time { return time.Now().UTC() }
	}
	return rc.Now
}

// Log returns rc.Logger or a no-op logger.
func (rc *RunContext) Log() *zap.Logger {
	if rc == nil || rc.Logger == nil {
		return zap.NewNop()
	}
	return rc.Logger
}

// Collector returns the run's metrics collector, which may be nil.
func (rc *RunContext) Collector() *metrics.Collector {
	if rc == nil {
		return nil
	}
	return rc.Metrics
}

// Select picks resources by name. With no names every enabled resource is
// returned; named resources run even when disabled. Unknown names are a
// config error.
func Select(resources []*Resource, names []string) ([]*Resource, error) {
	if len(names) == 0 {
		var out []*Resource
		for _, r := range resources {
			if !r.Disabled {
				out = append(out, r)
			}
		}
		return out, nil
	}

	byName := make(map[string]*Resource, len(resources))
	for _, r := range resources {
		byName[r.Name] = r
	}

	var (
		out     []*Resource
		unknown []string
		seen    = make(map[string]bool, len(names))
	)
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		r, ok := byName[n]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		out = append(out, r)
	}
	if len(unknown) > 0 {
		known := make([]string, 0, len(byName))
		for n := range byName {
			known = append(known, n)
		}
		sort.Strings(known)
		return nil, errors.New(errors.ErrorTypeConfig,
			fmt.Sprintf("unknown streams %s (available: %s)", strings.Join(unknown, ", "), strings.Join(known, ", ")))
	}
	return out, nil
}

// Fail returns a sequence that yields err once. Read functions use it for
// setup errors so they surface before any network I/O.
func Fail(err error) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		yield(nil, err)
	}
}

// Slice yields records from a slice.
func Slice(records []Record) iter.Seq2[Record, error] {
	return func(yield func(Record, error) bool) {
		for _, r := range records {
			if !yield(r, nil) {
				return
			}
		}
	}
}

// Collect drains seq, stopping at the first error.
func Collect(seq iter.Seq2[Record, error]) ([]Record, error) {
	var out []Record
	for rec, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Count wraps seq so every yielded record is counted against stream.
func Count(seq iter.Seq2[Record, error], m *metrics.Collector, stream string) iter.Seq2[Record, error] {
	if m == nil {
		return seq
	}
	return func(yield func(Record, error) bool) {
		for rec, err := range seq {
			if err == nil {
				m.Records(stream, 1)
			}
			if !yield(rec, err) {
				return
			}
		}
	}
}

// Destination receives routed records from the runner.
type Destination interface {
	// Write stores rec in table, honouring the resource's write disposition
	Write(ctx context.Context, table string, res *Resource, rec Record) error
	// Flush makes everything written so far durable
	Flush(ctx context.Context) error
	Close() error
}
