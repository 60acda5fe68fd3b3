// Package base provides the BaseConnector that the HTTP source connectors
// embed. It owns the pieces every connector needs: the configured HTTP
// fetch client, a component logger, the run's clock and metrics collector,
// and the incremental range taken from configuration.
//
// # Usage
//
//	type SlackSource struct {
//	    *base.BaseConnector
//	}
//
//	func NewSlackSource(cfg *config.SourceConfig, rc *core.RunContext) (*SlackSource, error) {
//	    b, err := base.NewBaseConnector(cfg, rc, clients.BearerAuth{Token: token})
//	    ...
//	}
package base

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/nebula-connectors/pkg/clients"
	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/metrics"
)

// BaseConnector holds what every HTTP connector shares.
type BaseConnector struct {
	name   string
	config *config.SourceConfig
	logger *zap.Logger
	client *clients.Client
	rc     *core.RunContext

	start time.Time
	end   time.Time

	closeOnce sync.Once
}

// NewBaseConnector validates cfg and builds the fetch client. auth may be
// nil for connectors that authenticate per request. Extra client options
// (a limiter, a test HTTP client) are applied after the defaults.
func NewBaseConnector(cfg *config.SourceConfig, rc *core.RunContext, auth clients.Authenticator, opts ...clients.Option) (*BaseConnector, error) {
	if cfg == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "source configuration is required")
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid source configuration")
	}
	start, err := cfg.StartTime()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid start_date")
	}
	end, err := cfg.EndTime()
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid end_date")
	}

	logger := rc.Log().With(
		zap.String("source", cfg.Name),
		zap.String("connector", cfg.Type),
		zap.String("run_id", runID(rc)),
	)

	clientOpts := []clients.Option{clients.WithMetrics(rc.Collector())}
	if auth != nil {
		clientOpts = append(clientOpts, clients.WithAuth(auth))
	}
	clientOpts = append(clientOpts, opts...)

	return &BaseConnector{
		name:   cfg.Name,
		config: cfg,
		logger: logger,
		client: clients.NewClient(clients.ConfigFromSource(cfg), logger, clientOpts...),
		rc:     rc,
		start:  start,
		end:    end,
	}, nil
}

func runID(rc *core.RunContext) string {
	if rc == nil {
		return ""
	}
	return rc.RunID
}

// Name returns the source instance name.
func (b *BaseConnector) Name() string { return b.name }

// Config returns the source configuration.
func (b *BaseConnector) Config() *config.SourceConfig { return b.config }

// Logger returns the connector logger.
func (b *BaseConnector) Logger() *zap.Logger { return b.logger }

// Client returns the fetch client.
func (b *BaseConnector) Client() *clients.Client { return b.client }

// Metrics returns the run's collector; it may be nil.
func (b *BaseConnector) Metrics() *metrics.Collector { return b.rc.Collector() }

// Now returns the run clock's current time.
func (b *BaseConnector) Now() time.Time { return b.rc.Clock()() }

// StartDate returns the configured start_date, or def when unset.
func (b *BaseConnector) StartDate(def time.Time) time.Time {
	if b.start.IsZero() {
		return def
	}
	return b.start
}

// EndDate returns the configured end_date; zero means open-ended.
func (b *BaseConnector) EndDate() time.Time { return b.end }

// EndOrNow returns the configured end_date or the current time.
func (b *BaseConnector) EndOrNow() time.Time {
	if b.end.IsZero() {
		return b.Now()
	}
	return b.end
}

// Disposition is merge for bounded backfills and def otherwise.
func (b *BaseConnector) Disposition(def core.WriteDisposition) core.WriteDisposition {
	if !b.end.IsZero() {
		return core.Merge
	}
	return def
}

// Close releases the fetch client's connections.
func (b *BaseConnector) Close() error {
	b.closeOnce.Do(func() {
		_ = b.client.Close()
	})
	return nil
}
