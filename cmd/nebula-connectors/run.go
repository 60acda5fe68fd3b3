package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connectors/internal/pipeline"
	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/registry"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/json"
	"github.com/ajitpratap0/nebula-connectors/pkg/logger"
	"github.com/ajitpratap0/nebula-connectors/pkg/metrics"
	"github.com/ajitpratap0/nebula-connectors/pkg/observability"
	"github.com/ajitpratap0/nebula-connectors/pkg/state"
)

func newRunCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the sources of a pipeline file",
		Long: `Run every source of the pipeline file (or the one named by --source),
writing records to the configured destination and committing cursor state
per stream.

Example:
  nebula-connectors run --config pipeline.yaml --source slack --streams messages`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			pc, err := loadPipeline(v)
			if err != nil {
				return err
			}
			if v.GetBool("trace") {
				pc.Tracing.Enabled = true
			}
			if addr := v.GetString("metrics-addr"); addr != "" {
				pc.Metrics.Addr = addr
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if timeout := v.GetDuration("timeout"); timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			summaries, err := runPipeline(ctx, pc, v.GetString("source"), v.GetStringSlice("streams"))
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(summaries); encErr != nil && err == nil {
				err = encErr
			}
			return err
		},
	}
	cmd.Flags().String("source", "", "Run only the named source")
	cmd.Flags().StringSlice("streams", nil, "Streams to run (default: the source's configured or default streams)")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address during the run")
	cmd.Flags().Bool("trace", false, "Export trace spans to stderr")
	cmd.Flags().Duration("timeout", 0, "Abort the run after this duration")
	return cmd
}

// runPipeline runs the selected sources one after another and stops at the
// first failing source.
func runPipeline(ctx context.Context, pc *config.PipelineConfig, only string, streams []string) ([]*pipeline.Summary, error) {
	log := logger.With(zap.String("component", "nebula-cli"), zap.String("pipeline", pc.Name))

	shutdown, err := observability.Init(observability.Config{
		Enabled:        pc.Tracing.Enabled,
		ServiceName:    "nebula-connectors",
		ServiceVersion: version,
		SamplingRate:   pc.Tracing.SampleRate,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("failed to flush traces", zap.Error(err))
		}
	}()

	if pc.Metrics.Addr != "" {
		srv := serveMetrics(pc.Metrics.Addr, log)
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	sources := pc.Sources
	if only != "" {
		src, ok := pc.Source(only)
		if !ok {
			return nil, errors.New(errors.ErrorTypeConfig, "unknown source "+only)
		}
		sources = []config.SourceConfig{*src}
	}
	reg := registry.GetRegistry()
	for _, cfg := range sources {
		if !reg.HasSource(cfg.Type) {
			return nil, errors.New(errors.ErrorTypeConfig, fmt.Sprintf("source %s: unknown connector type %q (available: %s)",
				cfg.Name, cfg.Type, strings.Join(reg.ListSources(), ", ")))
		}
	}

	store, err := state.Open(ctx, pc.State)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	dest, err := reg.CreateDestination(pc.Destination)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := dest.Close(); err != nil {
			log.Warn("failed to close destination", zap.Error(err))
		}
	}()

	runner := pipeline.NewRunner(store, dest, log)
	var summaries []*pipeline.Summary
	for i := range sources {
		cfg := &sources[i]
		selected := streams
		if len(selected) == 0 {
			selected = cfg.Streams
		}

		rc := core.NewRunContext(log.With(zap.String("source", cfg.Name)), metrics.NewCollector(cfg.Name))
		src, err := reg.CreateSource(cfg, rc)
		if err != nil {
			return summaries, err
		}

		runCtx := logger.ContextWith(ctx, logger.RunIDKey, rc.RunID)
		summary, err := runner.Run(runCtx, src, selected)
		if cerr := src.Close(); cerr != nil {
			log.Warn("failed to close source", zap.String("source", cfg.Name), zap.Error(cerr))
		}
		if summary != nil {
			summaries = append(summaries, summary)
		}
		if err != nil {
			return summaries, err
		}

		snap := rc.Metrics.Snapshot()
		log.Info("source completed",
			zap.String("source", cfg.Name),
			zap.String("run_id", rc.RunID),
			zap.Int64("requests", snap.Requests),
			zap.Int64("retries", snap.Retries),
			zap.Int64("skipped", snap.Skipped))
	}
	return summaries, nil
}

func serveMetrics(addr string, log *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()
	log.Info("serving metrics", zap.String("addr", addr))
	return srv
}
