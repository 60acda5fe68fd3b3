package clients

import (
	"time"

	"golang.org/x/time/rate"
)

// NewRateLimiter creates a token bucket allowing perSecond requests with the
// given burst. A burst below 1 is raised to 1.
func NewRateLimiter(perSecond float64, burst int) *rate.Limiter {
	if burst < 1 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

// PerMinute creates a limiter for APIs that publish a per-minute budget.
// The burst is the full budget so a fan-out batch can start at once and the
// bucket refills evenly over the minute.
func PerMinute(requests int) *rate.Limiter {
	if requests < 1 {
		requests = 1
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(requests)), requests)
}
