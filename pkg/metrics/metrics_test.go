package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCollectorCounts(t *testing.T) {
	c := NewCollector("metrics-test")

	c.Request(200, 10*time.Millisecond)
	c.Request(0, time.Millisecond)
	c.Retry("429")
	c.Records("events", 3)
	c.Records("events", 2)
	c.Records("events", 0)
	c.Skipped("orders")

	snap := c.Snapshot()
	assert.Equal(t, int64(2), snap.Requests)
	assert.Equal(t, int64(1), snap.Retries)
	assert.Equal(t, int64(1), snap.Skipped)
	assert.Equal(t, int64(5), snap.Records["events"])

	assert.Equal(t, float64(1), testutil.ToFloat64(HTTPRequests.WithLabelValues("metrics-test", "200")))
	assert.Equal(t, float64(1), testutil.ToFloat64(HTTPRequests.WithLabelValues("metrics-test", "error")))
	assert.Equal(t, float64(5), testutil.ToFloat64(RecordsEmitted.WithLabelValues("metrics-test", "events")))
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *Collector
	assert.NotPanics(t, func() {
		c.Request(200, time.Second)
		c.Retry("500")
		c.Records("x", 1)
		c.Window("x")
		c.Skipped("t")
	})
	assert.Equal(t, "", c.Source())
}
