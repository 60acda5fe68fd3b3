package clients

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
)

// RetryConfig is the retry policy of the fetch layer.
type RetryConfig struct {
	// MaxAttempts is the total number of attempts, including the first
	MaxAttempts int
	// BaseDelay is the first backoff delay; it doubles on every retry
	BaseDelay time.Duration
	// MaxDelay caps the computed backoff. Retry-After is not capped.
	MaxDelay time.Duration
	// RetryableStatusCodes are retried for idempotent methods only
	RetryableStatusCodes []int
	// ForceRetryStatusCodes are retried for every method
	ForceRetryStatusCodes []int
	// OnRetry is called before each backoff sleep
	OnRetry func(attempt int, delay time.Duration, resp *Response, err error)
}

// DefaultRetryConfig returns the policy shared by every connector.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:           12,
		BaseDelay:             time.Second,
		MaxDelay:              60 * time.Second,
		RetryableStatusCodes:  []int{http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout},
		ForceRetryStatusCodes: []int{http.StatusTooManyRequests},
	}
}

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// SleepContext is the default SleepFunc.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// SendFunc performs one attempt. A returned error is a transport failure and
// is retried unless it is marked with Permanent.
type SendFunc func(ctx context.Context) (*Response, error)

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err so Retry returns it without another attempt.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retry calls send until it returns a successful response, a non-retryable
// status, or the attempts run out. Retries are counted in Response.Retries.
func Retry(ctx context.Context, cfg RetryConfig, sleep SleepFunc, send SendFunc) (*Response, error) {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if sleep == nil {
		sleep = SleepContext
	}

	var retries int
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "request cancelled")
		}

		resp, err := send(ctx)
		if err != nil {
			var perm *permanentError
			if errors.As(err, &perm) {
				return nil, perm.err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, errors.Wrap(ctxErr, errors.ErrorTypeTimeout, "request cancelled")
			}
			if attempt >= cfg.MaxAttempts {
				return nil, errors.Wrap(err, errors.ErrorTypeConnection, "request failed after "+strconv.Itoa(attempt)+" attempts")
			}
		} else {
			resp.Retries = retries
			if resp.StatusCode < 400 {
				return resp, nil
			}
			if !cfg.shouldRetry(resp) || attempt >= cfg.MaxAttempts {
				return resp, statusError(resp)
			}
		}

		delay := cfg.backoff(retries)
		if resp != nil {
			if d, ok := retryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
				delay = d
			}
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(attempt, delay, resp, err)
		}
		if err := sleep(ctx, delay); err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeTimeout, "request cancelled during backoff")
		}
		retries++
	}
}

func (cfg RetryConfig) shouldRetry(resp *Response) bool {
	if containsCode(cfg.ForceRetryStatusCodes, resp.StatusCode) {
		return true
	}
	method := http.MethodGet
	if resp.Request != nil && resp.Request.Method != "" {
		method = resp.Request.Method
	}
	return isIdempotent(method) && containsCode(cfg.RetryableStatusCodes, resp.StatusCode)
}

func (cfg RetryConfig) backoff(retry int) time.Duration {
	d := cfg.BaseDelay
	for i := 0; i < retry; i++ {
		d *= 2
		if cfg.MaxDelay > 0 && d >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return d
}

// retryAfter parses a Retry-After header given as delta-seconds or an HTTP-date.
func retryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseFloat(value, 64); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs * float64(time.Second)), true
	}
	if t, err := http.ParseTime(value); err == nil {
		d := t.Sub(now)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

func isIdempotent(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodGet, http.MethodHead, http.MethodPut, http.MethodDelete, http.MethodOptions, http.MethodTrace:
		return true
	default:
		return false
	}
}

func containsCode(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}
