package analysis

import "time"

// Priority orders jobs and their items in the work queue. Four tiers;
// within a tier FIFO holds.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Tier maps the priority to its queue tier index, urgent first.
func (p Priority) Tier() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// IsValid checks if the Priority is a known tier.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// RetryPolicy bounds per-item retries of retryable failures.
type RetryPolicy struct {
	// MaxRetries is the number of re-attempts after the first try.
	// An always-failing retryable item is attempted MaxRetries+1 times.
	MaxRetries int `json:"max_retries"`

	// BackoffBase is the first retry delay; doubled per attempt, capped
	// by the engine's retry delay ceiling.
	BackoffBase time.Duration `json:"backoff_base"`
}

// CacheOptions control content-cache participation for a job.
type CacheOptions struct {
	Enabled bool          `json:"enabled"`
	TTL     time.Duration `json:"ttl"`
}

// Options is the per-job execution configuration.
type Options struct {
	// Parallel disables concurrent item execution when false
	// (MaxConcurrent is treated as 1).
	Parallel bool `json:"parallel"`

	// MaxConcurrent bounds in-flight items of this job. Defaults to 5 and
	// is clamped to the admission policy's plan limit at submission.
	MaxConcurrent int `json:"max_concurrent"`

	RetryPolicy RetryPolicy  `json:"retry_policy"`
	Priority    Priority     `json:"priority"`
	Cache       CacheOptions `json:"cache"`

	// ItemTimeout bounds a single Analyzer call. Timeout follows the
	// retryable path.
	ItemTimeout time.Duration `json:"item_timeout"`
}

const (
	DefaultMaxConcurrent = 5
	DefaultMaxRetries    = 3
	DefaultBackoffBase   = 500 * time.Millisecond
	DefaultItemTimeout   = 60 * time.Second
	DefaultCacheTTL      = 24 * time.Hour
)

// ApplyDefaults fills unset fields with engine defaults.
func (o *Options) ApplyDefaults() {
	if o.MaxConcurrent <= 0 {
		o.MaxConcurrent = DefaultMaxConcurrent
	}
	// 0 means unset; a negative value requests no retries explicitly.
	if o.RetryPolicy.MaxRetries == 0 {
		o.RetryPolicy.MaxRetries = DefaultMaxRetries
	} else if o.RetryPolicy.MaxRetries < 0 {
		o.RetryPolicy.MaxRetries = 0
	}
	if o.RetryPolicy.BackoffBase <= 0 {
		o.RetryPolicy.BackoffBase = DefaultBackoffBase
	}
	if !o.Priority.IsValid() {
		o.Priority = PriorityNormal
	}
	if o.ItemTimeout <= 0 {
		o.ItemTimeout = DefaultItemTimeout
	}
	if o.Cache.Enabled && o.Cache.TTL <= 0 {
		o.Cache.TTL = DefaultCacheTTL
	}
}
