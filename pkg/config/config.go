// Package config defines the dispatcher's option surface and how it
// is assembled: built-in defaults overlaid with environment variable
// overrides, validated before any component is constructed.
package config

import (
	"fmt"
	"time"

	dispatcherrors "github.com/dispatchkit/dispatchkit/pkg/errors"
)

// Config is the full set of tunables a Coordinator accepts. Field
// names track the spec's external option names.
type Config struct {
	MaxConcurrentRequests int
	MaxQueueSize          int
	QueueItemTTL          time.Duration
	DLQMaxSize            int

	RateLimitPerSecond float64
	RateLimitBurst     int

	RetryCount     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	CacheEnabled    bool
	CacheTTL        time.Duration
	CacheMaxEntries int
	// CacheableStatuses overrides which status codes are eligible for
	// caching; nil means the default (200-299 only, 3xx excluded).
	CacheableStatuses []int

	BreakerFailureThreshold int
	BreakerTimeout          time.Duration
	BreakerHalfOpenMaxCalls int
	BreakerProbeRequired    int // success threshold to close from half-open

	QueuePersistPath string
	DLQPersistPath   string

	MonitorCollectInterval  time.Duration
	MonitorDegradedRate     float64
	MonitorUnhealthyRate    float64
	MonitorFailureWindow    int

	PrometheusEnabled bool
	PrometheusAddr    string
}

// Default returns the spec's suggested defaults.
func Default() Config {
	return Config{
		MaxConcurrentRequests: 50,
		MaxQueueSize:          20000,
		QueueItemTTL:          5 * time.Minute,
		DLQMaxSize:            5000,

		RateLimitPerSecond: 100,
		RateLimitBurst:     20,

		RetryCount:     5,
		RetryBaseDelay: 200 * time.Millisecond,
		RetryMaxDelay:  60 * time.Second,

		CacheEnabled:    true,
		CacheTTL:        time.Minute,
		CacheMaxEntries: 10000,

		BreakerFailureThreshold: 5,
		BreakerTimeout:          30 * time.Second,
		BreakerHalfOpenMaxCalls: 1,
		BreakerProbeRequired:    2,

		MonitorCollectInterval: 5 * time.Second,
		MonitorDegradedRate:    0.2,
		MonitorUnhealthyRate:   0.5,
		MonitorFailureWindow:   200,
	}
}

// Validate reports the first invalid field it finds, wrapped in a
// DispatchError so callers can match on ErrInvalidConfig with errors.Is.
func (c Config) Validate() error {
	var field string
	switch {
	case c.MaxConcurrentRequests <= 0:
		field = "max_concurrent_requests must be positive"
	case c.MaxQueueSize < 0:
		field = "max_queue_size must not be negative"
	case c.DLQMaxSize < 0:
		field = "dlq_max_size must not be negative"
	case c.RateLimitPerSecond <= 0:
		field = "rate_limit_per_second must be positive"
	case c.RetryCount < 0:
		field = "retry_count must not be negative"
	case c.RetryBaseDelay <= 0:
		field = "retry_base_delay must be positive"
	case c.RetryMaxDelay < c.RetryBaseDelay:
		field = "retry_max_delay must be >= retry_base_delay"
	case c.CacheMaxEntries <= 0 && c.CacheEnabled:
		field = "cache_max_entries must be positive when cache is enabled"
	case c.BreakerFailureThreshold <= 0:
		field = "breaker_failure_threshold must be positive"
	case c.BreakerTimeout <= 0:
		field = "breaker_timeout must be positive"
	case c.MonitorDegradedRate <= 0 || c.MonitorDegradedRate > 1:
		field = "monitor_degraded_rate must be in (0,1]"
	case c.MonitorUnhealthyRate < c.MonitorDegradedRate || c.MonitorUnhealthyRate > 1:
		field = "monitor_unhealthy_rate must be >= degraded rate and <= 1"
	default:
		return nil
	}
	return dispatcherrors.New("INVALID_CONFIG", field).
		WithCause(dispatcherrors.ErrInvalidConfig).
		WithSeverity(dispatcherrors.SeverityCritical)
}

// ApplyEnv overlays any keys EnvSource finds onto c, returning the
// merged Config. Unknown keys are ignored rather than rejected, since
// an EnvSource may carry variables unrelated to this process.
func (c Config) ApplyEnv(e *EnvSource) (Config, error) {
	overrides, err := e.Load()
	if err != nil {
		return c, err
	}

	for key, value := range overrides {
		if err := applyField(&c, key, value); err != nil {
			return c, err
		}
	}
	return c, nil
}

func applyField(c *Config, key string, value any) error {
	switch key {
	case "max_concurrent_requests":
		return setInt(&c.MaxConcurrentRequests, key, value)
	case "max_queue_size":
		return setInt(&c.MaxQueueSize, key, value)
	case "queue_item_ttl_seconds":
		return setDurationSeconds(&c.QueueItemTTL, key, value)
	case "dlq_max_size":
		return setInt(&c.DLQMaxSize, key, value)
	case "rate_limit_per_second":
		return setFloat(&c.RateLimitPerSecond, key, value)
	case "retry_count":
		return setInt(&c.RetryCount, key, value)
	case "retry_base_delay_seconds":
		return setDurationSeconds(&c.RetryBaseDelay, key, value)
	case "retry_max_delay_seconds":
		return setDurationSeconds(&c.RetryMaxDelay, key, value)
	case "cache_enabled":
		return setBool(&c.CacheEnabled, key, value)
	case "cache_ttl_seconds":
		return setDurationSeconds(&c.CacheTTL, key, value)
	case "cache_max_entries":
		return setInt(&c.CacheMaxEntries, key, value)
	case "breaker_failure_threshold":
		return setInt(&c.BreakerFailureThreshold, key, value)
	case "breaker_timeout_seconds":
		return setDurationSeconds(&c.BreakerTimeout, key, value)
	case "breaker_half_open_max_calls":
		return setInt(&c.BreakerHalfOpenMaxCalls, key, value)
	case "breaker_probe_required":
		return setInt(&c.BreakerProbeRequired, key, value)
	case "queue_persist_path":
		if s, ok := value.(string); ok {
			c.QueuePersistPath = s
		}
	case "dlq_persist_path":
		if s, ok := value.(string); ok {
			c.DLQPersistPath = s
		}
	case "prometheus_enabled":
		return setBool(&c.PrometheusEnabled, key, value)
	case "prometheus_addr":
		if s, ok := value.(string); ok {
			c.PrometheusAddr = s
		}
	}
	return nil
}

func setInt(dst *int, key string, value any) error {
	switch v := value.(type) {
	case int64:
		*dst = int(v)
	case int:
		*dst = v
	default:
		return &EnvSourceError{Key: key, Err: fmt.Errorf("expected integer, got %T", value)}
	}
	return nil
}

func setFloat(dst *float64, key string, value any) error {
	switch v := value.(type) {
	case float64:
		*dst = v
	case int64:
		*dst = float64(v)
	default:
		return &EnvSourceError{Key: key, Err: fmt.Errorf("expected number, got %T", value)}
	}
	return nil
}

func setBool(dst *bool, key string, value any) error {
	b, ok := value.(bool)
	if !ok {
		return &EnvSourceError{Key: key, Err: fmt.Errorf("expected bool, got %T", value)}
	}
	*dst = b
	return nil
}

func setDurationSeconds(dst *time.Duration, key string, value any) error {
	switch v := value.(type) {
	case int64:
		*dst = time.Duration(v) * time.Second
	case float64:
		*dst = time.Duration(v * float64(time.Second))
	case time.Duration:
		*dst = v
	default:
		return &EnvSourceError{Key: key, Err: fmt.Errorf("expected duration-as-seconds, got %T", value)}
	}
	return nil
}
