// Package metrics provides Prometheus instrumentation for the connectors.
//
// The package-level vectors are registered once with promauto. Components
// record through a Collector bound to a source name, which also keeps local
// counters so a run summary can report them without scraping Prometheus.
//
//	c := metrics.NewCollector("slack")
//	c.Request(resp.StatusCode, time.Since(start))
//	c.Records("messages", len(page.Items))
package metrics

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequests counts completed HTTP attempts by status code
	// ("error" for transport failures).
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_connector_http_requests_total",
			Help: "HTTP requests issued by connectors",
		},
		[]string{"source", "status"},
	)

	// HTTPLatency tracks per-attempt latency in seconds.
	HTTPLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nebula_connector_http_request_duration_seconds",
			Help:    "HTTP request latency",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"source"},
	)

	// HTTPRetries counts retried attempts by reason (status code or "transport").
	HTTPRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_connector_http_retries_total",
			Help: "HTTP attempts retried after a transient failure",
		},
		[]string{"source", "reason"},
	)

	// RecordsEmitted counts records yielded per stream.
	RecordsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_connector_records_emitted_total",
			Help: "Records yielded by connector streams",
		},
		[]string{"source", "stream"},
	)

	// WindowsFetched counts completed incremental windows.
	WindowsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_connector_windows_fetched_total",
			Help: "Incremental windows fetched",
		},
		[]string{"source", "stream"},
	)

	// MessagesSkipped counts per-message errors that were logged and skipped.
	MessagesSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nebula_connector_messages_skipped_total",
			Help: "Messages skipped because of non-fatal per-message errors",
		},
		[]string{"source", "topic"},
	)
)

// Collector records metrics for one source.
type Collector struct {
	source string

	requests int64
	retries  int64
	skipped  int64

	mu      sync.Mutex
	records map[string]int64
}

// NewCollector creates a collector labelled with the source name.
func NewCollector(source string) *Collector {
	return &Collector{
		source:  source,
		records: make(map[string]int64),
	}
}

// Source returns the label the collector reports under.
func (c *Collector) Source() string {
	if c == nil {
		return ""
	}
	return c.source
}

// Request records one HTTP attempt.
func (c *Collector) Request(status int, d time.Duration) {
	if c == nil {
		return
	}
	label := "error"
	if status > 0 {
		label = strconv.Itoa(status)
	}
	atomic.AddInt64(&c.requests, 1)
	HTTPRequests.WithLabelValues(c.source, label).Inc()
	HTTPLatency.WithLabelValues(c.source).Observe(d.Seconds())
}

// Retry records a retried attempt.
func (c *Collector) Retry(reason string) {
	if c == nil {
		return
	}
	atomic.AddInt64(&c.retries, 1)
	HTTPRetries.WithLabelValues(c.source, reason).Inc()
}

// Records records n records emitted by stream.
func (c *Collector) Records(stream string, n int) {
	if c == nil || n <= 0 {
		return
	}
	c.mu.Lock()
	c.records[stream] += int64(n)
	c.mu.Unlock()
	RecordsEmitted.WithLabelValues(c.source, stream).Add(float64(n))
}

// Window records a completed window.
func (c *Collector) Window(stream string) {
	if c == nil {
		return
	}
	WindowsFetched.WithLabelValues(c.source, stream).Inc()
}

// Skipped records a skipped message.
func (c *Collector) Skipped(topic string) {
	if c == nil {
		return
	}
	atomic.AddInt64(&c.skipped, 1)
	MessagesSkipped.WithLabelValues(c.source, topic).Inc()
}

// Snapshot is a point-in-time view of a collector's local counters.
type Snapshot struct {
	Requests int64            `json:"requests"`
	Retries  int64            `json:"retries"`
	Skipped  int64            `json:"skipped"`
	Records  map[string]int64 `json:"records"`
}

// Snapshot returns the local counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.Lock()
	records := make(map[string]int64, len(c.records))
	for k, v := range c.records {
		records[k] = v
	}
	c.mu.Unlock()

	return Snapshot{
		Requests: atomic.LoadInt64(&c.requests),
		Retries:  atomic.LoadInt64(&c.retries),
		Skipped:  atomic.LoadInt64(&c.skipped),
		Records:  records,
	}
}
