// Package pipeline runs a configured source's resources into a destination
// and commits their state.
//
// Resources run one after another. Each record is routed to its table and
// written before the next is pulled, so a stream's state is committed only
// after every record it produced reached the destination. A failing stream
// stops the run; streams that completed before it keep their state.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/logger"
	"github.com/ajitpratap0/nebula-connectors/pkg/observability"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
)

// Runner moves records from sources to one destination.
type Runner struct {
	store  state.Store
	dest   core.Destination
	logger *zap.Logger
}

// NewRunner creates a runner committing state to store.
func NewRunner(store state.Store, dest core.Destination, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	return &Runner{store: store, dest: dest, logger: log}
}

// StreamResult describes one finished or failed stream.
type StreamResult struct {
	Stream   string           `json:"stream"`
	Records  int              `json:"records"`
	Tables   map[string]int64 `json:"tables"`
	Duration time.Duration    `json:"duration"`
	Err      error            `json:"-"`
}

// Summary describes a run.
type Summary struct {
	Source   string         `json:"source"`
	Streams  []StreamResult `json:"streams"`
	Records  int            `json:"records"`
	Duration time.Duration  `json:"duration"`
}

// Run reads the selected resources of src (every enabled one when selected
// is empty).
func (r *Runner) Run(ctx context.Context, src core.Source, selected []string) (*Summary, error) {
	start := time.Now()
	ctx = logger.ContextWith(ctx, logger.SourceKey, src.Name())
	log := logger.FromContext(ctx, r.logger)

	all, err := src.Resources(ctx)
	if err != nil {
		return nil, err
	}
	resources, err := core.Select(all, selected)
	if err != nil {
		return nil, err
	}

	tracer := observability.NewConnectorTracer(src.Name())
	summary := &Summary{Source: src.Name()}
	log.Info("starting run", zap.Int("streams", len(resources)))

	for _, res := range resources {
		result := r.runStream(logger.ContextWith(ctx, logger.StreamKey, res.Name), tracer, src.Name(), res)
		summary.Streams = append(summary.Streams, result)
		summary.Records += result.Records
		if result.Err != nil {
			summary.Duration = time.Since(start)
			return summary, result.Err
		}
	}

	summary.Duration = time.Since(start)
	log.Info("run completed",
		zap.Int("records", summary.Records),
		zap.Duration("duration", summary.Duration),
		zap.Float64("throughput_rps", float64(summary.Records)/summary.Duration.Seconds()))
	return summary, nil
}

func (r *Runner) runStream(ctx context.Context, tracer *observability.ConnectorTracer, source string, res *core.Resource) StreamResult {
	start := time.Now()
	log := logger.FromContext(ctx, r.logger)
	result := StreamResult{Stream: res.Name, Tables: make(map[string]int64)}

	bag, err := state.LoadBag(ctx, r.store, state.Scope(source, res.Name))
	if err != nil {
		result.Err = err
		log.Error("failed to load state", zap.Error(err))
		return result
	}

	n, err := tracer.TraceStream(ctx, res.Name, func(ctx context.Context) (int, error) {
		n := 0
		for rec, err := range res.Read(ctx, bag) {
			if err != nil {
				return n, err
			}
			table := res.Table(rec)
			if err := r.dest.Write(ctx, table, res, rec); err != nil {
				return n, errors.Wrap(err, errors.TypeOf(err), fmt.Sprintf("failed to write %s", table))
			}
			result.Tables[table]++
			n++
		}
		if err := r.dest.Flush(ctx); err != nil {
			return n, err
		}
		return n, bag.Flush(ctx)
	})
	result.Records = n
	result.Duration = time.Since(start)
	result.Err = err

	if err != nil {
		fields := []zap.Field{
			zap.Int("records", n),
			zap.String("error_type", string(errors.TypeOf(err))),
			zap.Error(err),
		}
		if errors.IsType(err, errors.ErrorTypePrecondition) {
			log.Error("stream precondition failed", fields...)
		} else {
			log.Error("stream failed, state not committed", fields...)
		}
		return result
	}
	log.Info("stream completed",
		zap.Int("records", n),
		zap.Int("tables", len(result.Tables)),
		zap.Duration("duration", result.Duration))
	return result
}
