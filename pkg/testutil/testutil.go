// Package testutil provides helpers shared by connector tests.
package testutil

import (
	"context"
	"net/http"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ajitpratap0/nebula-connectors/pkg/connector/core"
	"github.com/ajitpratap0/nebula-connectors/pkg/json"
	"github.com/ajitpratap0/nebula-connectors/pkg/metrics"
)

// TestLogger creates a logger that writes to the test output.
func TestLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t)
}

// ObservedLogger returns a logger whose entries at or above level are kept
// in memory for assertions.
func ObservedLogger(level zapcore.Level) (*zap.Logger, *observer.ObservedLogs) {
	obs, logs := observer.New(level)
	return zap.New(obs), logs
}

// TestContext creates a context cancelled after 30 seconds or when the test
// ends.
func TestContext(t *testing.T) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

// FixedClock always returns ts.
func FixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

// RunContext builds a run context for a source under test. A zero now keeps
// the wall clock.
func RunContext(logger *zap.Logger, now time.Time) (*core.RunContext, *metrics.Collector) {
	m := metrics.NewCollector("test")
	rc := core.NewRunContext(logger, m)
	if !now.IsZero() {
		rc.Now = FixedClock(now)
	}
	return rc, m
}

// WriteJSON encodes v as the response body.
func WriteJSON(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(data)
}
