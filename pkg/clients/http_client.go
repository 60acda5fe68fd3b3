// Package clients is the HTTP fetch layer shared by the connectors: one
// authenticated request path with retry, backoff and rate limiting.
package clients

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/time/rate"

	"github.com/ajitpratap0/nebula-connectors/pkg/config"
	"github.com/ajitpratap0/nebula-connectors/pkg/errors"
	"github.com/ajitpratap0/nebula-connectors/pkg/json"
	"github.com/ajitpratap0/nebula-connectors/pkg/metrics"
	"github.com/ajitpratap0/nebula-connectors/pkg/observability"
)

const maxErrorBody = 512

// Config configures the HTTP client
type Config struct {
	// Source labels metrics, spans and logs
	Source string

	// Connection settings
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	DialTimeout         time.Duration
	KeepAlive           time.Duration
	EnableHTTP2         bool

	// RequestTimeout bounds a single attempt
	RequestTimeout time.Duration

	UserAgent string
	// Header is added to every request unless the request sets it
	Header http.Header

	Retry RetryConfig

	// RateLimit is requests per second; 0 disables the limiter
	RateLimit float64
	RateBurst int
}

// DefaultConfig returns default client configuration
func DefaultConfig() *Config {
	return &Config{
		MaxIdleConnsPerHost: 16,
		IdleConnTimeout:     90 * time.Second,
		DialTimeout:         10 * time.Second,
		KeepAlive:           30 * time.Second,
		EnableHTTP2:         true,
		RequestTimeout:      60 * time.Second,
		UserAgent:           "nebula-connectors/1.0",
		Retry:               DefaultRetryConfig(),
	}
}

// ConfigFromSource maps a source's reliability and timeout settings onto a
// client configuration.
func ConfigFromSource(sc *config.SourceConfig) *Config {
	cfg := DefaultConfig()
	cfg.Source = sc.Name
	if sc.Timeouts.Request > 0 {
		cfg.RequestTimeout = sc.Timeouts.Request
	}
	if sc.Timeouts.Connection > 0 {
		cfg.DialTimeout = sc.Timeouts.Connection
	}
	r := sc.Reliability
	if r.RetryAttempts > 0 {
		cfg.Retry.MaxAttempts = r.RetryAttempts
	}
	if r.RetryDelay > 0 {
		cfg.Retry.BaseDelay = r.RetryDelay
	}
	if r.MaxRetryDelay > 0 {
		cfg.Retry.MaxDelay = r.MaxRetryDelay
	}
	if len(r.RetryStatusCodes) > 0 {
		cfg.Retry.RetryableStatusCodes = r.RetryStatusCodes
	}
	if len(r.ForceRetryStatusCodes) > 0 {
		cfg.Retry.ForceRetryStatusCodes = r.ForceRetryStatusCodes
	}
	cfg.RateLimit = r.RateLimitPerSec
	cfg.RateBurst = r.RateBurst
	return cfg
}

// Request describes one logical request. Body is kept as bytes so every
// attempt sends the same payload.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Query  url.Values
	Body   []byte
	// Auth overrides the client's authenticator for this request
	Auth Authenticator
}

// NewRequest creates a GET-style request with no body.
func NewRequest(method, rawURL string) *Request {
	return &Request{Method: method, URL: rawURL, Header: make(http.Header), Query: make(url.Values)}
}

// NewJSONRequest creates a request with a JSON-encoded body.
func NewJSONRequest(method, rawURL string, body interface{}) (*Request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, "failed to encode request body")
	}
	req := NewRequest(method, rawURL)
	req.Body = data
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// Clone returns a deep copy so paginators can vary query parameters.
func (r *Request) Clone() *Request {
	out := &Request{
		Method: r.Method,
		URL:    r.URL,
		Header: r.Header.Clone(),
		Query:  make(url.Values, len(r.Query)),
		Body:   r.Body,
		Auth:   r.Auth,
	}
	if out.Header == nil {
		out.Header = make(http.Header)
	}
	for k, v := range r.Query {
		out.Query[k] = append([]string(nil), v...)
	}
	return out
}

// FullURL merges Query into URL.
func (r *Request) FullURL() (string, error) {
	u, err := url.Parse(r.URL)
	if err != nil {
		return "", errors.Wrap(err, errors.ErrorTypeValidation, "invalid request url")
	}
	if len(r.Query) > 0 {
		q := u.Query()
		for k, vs := range r.Query {
			q.Del(k)
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

// Response is a fully read HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	// Retries is the number of retried attempts before this response
	Retries int
	Request *Request
}

// JSON decodes the body into v.
func (r *Response) JSON(v interface{}) error {
	if err := json.Unmarshal(r.Body, v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode response body")
	}
	return nil
}

// StatusError carries the HTTP status and body of a failed request.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

func statusError(resp *Response) error {
	se := &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(resp.Body), maxErrorBody)}
	if resp.Request != nil {
		se.Method = resp.Request.Method
		se.URL = redactURL(resp.Request.URL)
	}
	return errors.Wrap(se, errors.ForStatus(resp.StatusCode), http.StatusText(resp.StatusCode)).
		WithDetail("status_code", resp.StatusCode).
		WithDetail("retries", resp.Retries)
}

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	return 0
}

// Client is the fetch layer. It is safe for concurrent use and keeps no
// per-request state between calls.
type Client struct {
	config     *Config
	logger     *zap.Logger
	httpClient *http.Client
	transport  *http.Transport
	auth       Authenticator
	limiter    *rate.Limiter
	metrics    *metrics.Collector
	tracer     *observability.ConnectorTracer
	sleep      SleepFunc
}

// Option customises a Client.
type Option func(*Client)

// WithAuth sets the default authenticator.
func WithAuth(a Authenticator) Option {
	return func(c *Client) { c.auth = a }
}

// WithLimiter replaces the limiter built from Config.RateLimit.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// WithMetrics records requests and retries on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithHTTPClient replaces the underlying http.Client (tests use the
// httptest server client).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithSleep replaces the backoff sleep.
func WithSleep(s SleepFunc) Option {
	return func(c *Client) { c.sleep = s }
}

// NewClient creates a new HTTP client
func NewClient(cfg *Config, logger *zap.Logger, opts ...Option) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	c := &Client{
		config: cfg,
		logger: logger.With(zap.String("component", "http_client"), zap.String("source", cfg.Source)),
		tracer: observability.NewConnectorTracer(cfg.Source),
		sleep:  SleepContext,
	}

	c.transport = &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: cfg.KeepAlive,
		}).DialContext,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
	if cfg.EnableHTTP2 {
		if err := http2.ConfigureTransport(c.transport); err != nil {
			c.logger.Warn("failed to configure HTTP/2", zap.Error(err))
		}
	}
	c.httpClient = &http.Client{
		Transport: c.transport,
		Timeout:   cfg.RequestTimeout,
	}

	if cfg.RateLimit > 0 {
		c.limiter = NewRateLimiter(cfg.RateLimit, cfg.RateBurst)
	}

	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches rawURL with query parameters.
func (c *Client) Get(ctx context.Context, rawURL string, query url.Values) (*Response, error) {
	req := NewRequest(http.MethodGet, rawURL)
	if query != nil {
		req.Query = query
	}
	return c.Fetch(ctx, req)
}

// Fetch performs req with authentication, rate limiting and the retry policy.
// A non-2xx final status is returned together with a typed error wrapping
// *StatusError.
func (c *Client) Fetch(ctx context.Context, req *Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	target, err := req.FullURL()
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.StartSpan(ctx, "fetch",
		attribute.String("http.method", req.Method),
		attribute.String("http.url", redactURL(target)),
	)

	policy := c.config.Retry
	policy.OnRetry = func(attempt int, delay time.Duration, resp *Response, err error) {
		reason := "transport"
		fields := []zap.Field{
			zap.String("method", req.Method),
			zap.String("url", redactURL(target)),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		}
		if resp != nil {
			reason = strconv.Itoa(resp.StatusCode)
			fields = append(fields, zap.Int("status", resp.StatusCode))
		}
		if err != nil {
			fields = append(fields, zap.Error(err))
		}
		c.metrics.Retry(reason)
		c.logger.Warn("retrying request", fields...)
	}

	resp, err := Retry(ctx, policy, c.sleep, func(ctx context.Context) (*Response, error) {
		return c.attempt(ctx, req, target)
	})
	if resp != nil {
		span.SetAttribute("http.status_code", resp.StatusCode)
		span.SetAttribute("http.retries", resp.Retries)
	}
	span.End(err)
	return resp, err
}

func (c *Client) attempt(ctx context.Context, req *Request, target string) (*Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, Permanent(errors.Wrap(err, errors.ErrorTypeRateLimit, "rate limiter wait failed"))
		}
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, Permanent(errors.Wrap(err, errors.ErrorTypeValidation, "failed to build request"))
	}
	for k, vs := range c.config.Header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	for k, vs := range req.Header {
		httpReq.Header.Del(k)
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" && c.config.UserAgent != "" {
		httpReq.Header.Set("User-Agent", c.config.UserAgent)
	}

	auth := req.Auth
	if auth == nil {
		auth = c.auth
	}
	if auth != nil {
		if err := auth.Apply(ctx, httpReq); err != nil {
			return nil, Permanent(errors.Wrap(err, errors.ErrorTypeAuthentication, "failed to authenticate request"))
		}
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.metrics.Request(0, time.Since(start))
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(httpResp.Body)
	c.metrics.Request(httpResp.StatusCode, time.Since(start))
	if err != nil {
		return nil, err
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       data,
		Request:    req,
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	if c.transport != nil {
		c.transport.CloseIdleConnections()
	}
	return nil
}

var secretParams = []string{"api_token", "api_key", "token", "access_token", "key", "secret"}

// redactURL hides credentials passed as query parameters.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	q := u.Query()
	changed := false
	for _, p := range secretParams {
		if q.Has(p) {
			q.Set(p, "REDACTED")
			changed = true
		}
	}
	if u.User != nil {
		u.User = url.User("REDACTED")
		changed = true
	}
	if !changed {
		return raw
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
