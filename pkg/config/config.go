package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ajitpratap0/nebula-connectors/pkg/logger"
)

// BaseConfig is the configuration shared by every source connector.
// Connector-specific knobs go in SourceConfig.Properties.
type BaseConfig struct {
	// Name identifies the source instance; it scopes the persisted state
	Name string `yaml:"name" json:"name"`
	// Type selects the connector implementation (e.g. "slack", "kafka")
	Type string `yaml:"type" json:"type"`

	Performance PerformanceConfig `yaml:"performance" json:"performance"`
	Timeouts    TimeoutConfig     `yaml:"timeouts" json:"timeouts"`
	Reliability ReliabilityConfig `yaml:"reliability" json:"reliability"`
	Security    SecurityConfig    `yaml:"security" json:"security"`
}

// PerformanceConfig controls page sizes and fan-out.
type PerformanceConfig struct {
	// PageSize is the number of items requested per page (0 = connector default)
	PageSize int `yaml:"page_size" json:"page_size"`
	// BatchSize bounds fan-out batches and Kafka read batches
	BatchSize int `yaml:"batch_size" json:"batch_size"`
	// MaxConcurrency limits concurrent requests inside a batch
	MaxConcurrency int `yaml:"max_concurrency" json:"max_concurrency"`
	// Workers is the number of windows fetched in parallel for parallel-safe
	// streams. The default of 1 reads windows sequentially.
	Workers int `yaml:"workers" json:"workers"`
}

// TimeoutConfig contains timeout settings.
type TimeoutConfig struct {
	// Request timeout for a single HTTP attempt
	Request time.Duration `yaml:"request" json:"request"`
	// Connection timeout for dialing
	Connection time.Duration `yaml:"connection" json:"connection"`
}

// ReliabilityConfig configures the retry policy and rate limiting of the
// HTTP fetch layer.
type ReliabilityConfig struct {
	// RetryAttempts is the maximum number of attempts per request
	RetryAttempts int `yaml:"retry_attempts" json:"retry_attempts"`
	// RetryDelay is the initial backoff delay
	RetryDelay time.Duration `yaml:"retry_delay" json:"retry_delay"`
	// MaxRetryDelay caps the backoff delay
	MaxRetryDelay time.Duration `yaml:"max_retry_delay" json:"max_retry_delay"`
	// RetryStatusCodes are retried for idempotent methods
	RetryStatusCodes []int `yaml:"retry_status_codes" json:"retry_status_codes"`
	// ForceRetryStatusCodes are retried for every method
	ForceRetryStatusCodes []int `yaml:"force_retry_status_codes" json:"force_retry_status_codes"`
	// RateLimitPerSec limits requests per second (0 = unlimited)
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
	// RateBurst is the limiter burst size
	RateBurst int `yaml:"rate_burst" json:"rate_burst"`
}

// SecurityConfig contains authentication settings.
type SecurityConfig struct {
	// AuthType overrides the connector's default authentication method
	AuthType string `yaml:"auth_type" json:"auth_type"`
	// Credentials stores secrets (use ${ENV} substitution in files)
	Credentials map[string]string `yaml:"credentials" json:"credentials"`
}

// IncrementalConfig bounds the range a source reads.
type IncrementalConfig struct {
	// StartDate is the initial cursor value when no state exists
	StartDate string `yaml:"start_date" json:"start_date"`
	// EndDate makes the run a bounded backfill; empty means "now"
	EndDate string `yaml:"end_date" json:"end_date"`
	// WindowSpan is the maximum span of a single windowed request
	WindowSpan time.Duration `yaml:"window_span" json:"window_span"`
}

// SourceConfig is the full configuration of one source.
type SourceConfig struct {
	BaseConfig `yaml:",inline" json:",inline"`

	// Streams selects the resources to run; empty runs the defaults
	Streams     []string          `yaml:"streams" json:"streams"`
	Incremental IncrementalConfig `yaml:"incremental" json:"incremental"`
	Properties  map[string]string `yaml:"properties" json:"properties"`
}

// StateConfig selects the cursor state store.
type StateConfig struct {
	// Driver is one of memory, bolt, postgres
	Driver string `yaml:"driver" json:"driver"`
	// Path is the bbolt file path
	Path string `yaml:"path" json:"path"`
	// DSN is the postgres connection string
	DSN string `yaml:"dsn" json:"dsn"`
}

// DestinationConfig selects where records are written.
type DestinationConfig struct {
	Type string `yaml:"type" json:"type"`
	Path string `yaml:"path" json:"path"`
	// Compression is none, gzip, zstd, lz4, snappy or s2
	Compression string `yaml:"compression" json:"compression"`
	BufferSize  int    `yaml:"buffer_size" json:"buffer_size"`
}

// MetricsConfig configures the prometheus endpoint.
type MetricsConfig struct {
	Addr string `yaml:"addr" json:"addr"`
}

// TracingConfig configures otel tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled" json:"enabled"`
	SampleRate float64 `yaml:"sample_rate" json:"sample_rate"`
}

// PipelineConfig is the top-level configuration file.
type PipelineConfig struct {
	Name        string            `yaml:"name" json:"name"`
	Sources     []SourceConfig    `yaml:"sources" json:"sources"`
	State       StateConfig       `yaml:"state" json:"state"`
	Destination DestinationConfig `yaml:"destination" json:"destination"`
	Log         logger.Config     `yaml:"log" json:"log"`
	Metrics     MetricsConfig     `yaml:"metrics" json:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing" json:"tracing"`
}

// NewBaseConfig creates a new BaseConfig with sensible defaults.
func NewBaseConfig(name, connectorType string) *BaseConfig {
	b := &BaseConfig{Name: name, Type: connectorType}
	b.ApplyDefaults()
	return b
}

// NewSourceConfig creates a SourceConfig with defaults applied.
func NewSourceConfig(name, connectorType string) *SourceConfig {
	return &SourceConfig{
		BaseConfig: *NewBaseConfig(name, connectorType),
		Properties: make(map[string]string),
	}
}

// ApplyDefaults fills zero values. Explicit settings are kept.
func (bc *BaseConfig) ApplyDefaults() {
	if bc.Performance.BatchSize <= 0 {
		bc.Performance.BatchSize = 1000
	}
	if bc.Performance.MaxConcurrency <= 0 {
		bc.Performance.MaxConcurrency = 10
	}
	if bc.Performance.Workers <= 0 {
		bc.Performance.Workers = 1
	}
	if bc.Timeouts.Request <= 0 {
		bc.Timeouts.Request = 60 * time.Second
	}
	if bc.Timeouts.Connection <= 0 {
		bc.Timeouts.Connection = 10 * time.Second
	}
	if bc.Reliability.RetryAttempts <= 0 {
		bc.Reliability.RetryAttempts = 12
	}
	if bc.Reliability.RetryDelay <= 0 {
		bc.Reliability.RetryDelay = time.Second
	}
	if bc.Reliability.MaxRetryDelay <= 0 {
		bc.Reliability.MaxRetryDelay = time.Minute
	}
	if bc.Security.Credentials == nil {
		bc.Security.Credentials = make(map[string]string)
	}
}

// Validate validates the configuration for correctness.
func (bc *BaseConfig) Validate() error {
	if bc.Name == "" {
		return fmt.Errorf("name is required")
	}
	if bc.Type == "" {
		return fmt.Errorf("type is required")
	}
	if bc.Performance.PageSize < 0 {
		return fmt.Errorf("page_size cannot be negative")
	}
	if bc.Reliability.RetryAttempts < 0 {
		return fmt.Errorf("retry_attempts cannot be negative")
	}
	if bc.Reliability.RateLimitPerSec < 0 {
		return fmt.Errorf("rate_limit_per_sec cannot be negative")
	}
	if bc.Reliability.MaxRetryDelay > 0 && bc.Reliability.RetryDelay > bc.Reliability.MaxRetryDelay {
		return fmt.Errorf("retry_delay cannot exceed max_retry_delay")
	}
	return nil
}

// Validate checks the source configuration, including the incremental range.
func (sc *SourceConfig) Validate() error {
	if err := sc.BaseConfig.Validate(); err != nil {
		return fmt.Errorf("source %q: %w", sc.Name, err)
	}
	start, err := sc.StartTime()
	if err != nil {
		return fmt.Errorf("source %q: %w", sc.Name, err)
	}
	end, err := sc.EndTime()
	if err != nil {
		return fmt.Errorf("source %q: %w", sc.Name, err)
	}
	if !start.IsZero() && !end.IsZero() && end.Before(start) {
		return fmt.Errorf("source %q: end_date is before start_date", sc.Name)
	}
	if sc.Incremental.WindowSpan < 0 {
		return fmt.Errorf("source %q: window_span cannot be negative", sc.Name)
	}
	return nil
}

// Credential returns a required credential.
func (sc *SourceConfig) Credential(key string) (string, error) {
	if v := strings.TrimSpace(sc.Security.Credentials[key]); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("%s is required", key)
}

// OptionalCredential returns a credential or "".
func (sc *SourceConfig) OptionalCredential(key string) string {
	return strings.TrimSpace(sc.Security.Credentials[key])
}

// Property returns a property or def.
func (sc *SourceConfig) Property(key, def string) string {
	if v, ok := sc.Properties[key]; ok && v != "" {
		return v
	}
	return def
}

// PropertyList splits a comma-separated property, trimming blanks.
func (sc *SourceConfig) PropertyList(key string) []string {
	raw := sc.Properties[key]
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// PropertyInt parses an integer property.
func (sc *SourceConfig) PropertyInt(key string, def int) (int, error) {
	raw := sc.Properties[key]
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("property %s: %w", key, err)
	}
	return n, nil
}

// PropertyBool parses a boolean property.
func (sc *SourceConfig) PropertyBool(key string, def bool) (bool, error) {
	raw := sc.Properties[key]
	if raw == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("property %s: %w", key, err)
	}
	return b, nil
}

// PageSize returns the configured page size or def.
func (sc *SourceConfig) PageSize(def int) int {
	if sc.Performance.PageSize > 0 {
		return sc.Performance.PageSize
	}
	return def
}

// StartTime parses Incremental.StartDate; zero when unset.
func (sc *SourceConfig) StartTime() (time.Time, error) {
	return ParseTime(sc.Incremental.StartDate)
}

// EndTime parses Incremental.EndDate; zero when unset.
func (sc *SourceConfig) EndTime() (time.Time, error) {
	return ParseTime(sc.Incremental.EndDate)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTime accepts RFC3339 timestamps and plain dates (UTC).
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: expected YYYY-MM-DD or RFC3339", s)
}

// Validate checks the whole pipeline file.
func (pc *PipelineConfig) Validate() error {
	if len(pc.Sources) == 0 {
		return fmt.Errorf("at least one source is required")
	}
	seen := make(map[string]bool, len(pc.Sources))
	for i := range pc.Sources {
		src := &pc.Sources[i]
		if err := src.Validate(); err != nil {
			return err
		}
		if seen[src.Name] {
			return fmt.Errorf("duplicate source name %q", src.Name)
		}
		seen[src.Name] = true
	}
	switch pc.State.Driver {
	case "", "memory":
	case "bolt":
		if pc.State.Path == "" {
			return fmt.Errorf("state.path is required for the bolt driver")
		}
	case "postgres":
		if pc.State.DSN == "" {
			return fmt.Errorf("state.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown state driver %q", pc.State.Driver)
	}
	return nil
}

// ApplyDefaults fills defaults on every source.
func (pc *PipelineConfig) ApplyDefaults() {
	for i := range pc.Sources {
		pc.Sources[i].ApplyDefaults()
		if pc.Sources[i].Properties == nil {
			pc.Sources[i].Properties = make(map[string]string)
		}
	}
	if pc.Destination.Type == "" {
		pc.Destination.Type = "jsonl"
	}
	if pc.Destination.Path == "" {
		pc.Destination.Path = "./output"
	}
}

// Source returns the source with the given name.
func (pc *PipelineConfig) Source(name string) (*SourceConfig, bool) {
	for i := range pc.Sources {
		if pc.Sources[i].Name == name {
			return &pc.Sources[i], true
		}
	}
	return nil, false
}
