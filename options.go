package hmon

import "time"

const (
	// DefaultFactCacheTTL is the read-time TTL for cached fact values (spec §3).
	DefaultFactCacheTTL = 5 * time.Minute
	// DefaultCommandTimeout is used when a correlated command's caller omits
	// an explicit timeout (spec §3/§4.7).
	DefaultCommandTimeout = 30 * time.Second
)

// OrchestratorOptions holds runtime settings for an Orchestrator. Zero
// value yields sane defaults via newOrchestratorOptions(); callers modify it
// through functional Options.
type OrchestratorOptions struct {
	retryPolicy           RetryPolicy
	factCacheTTL          time.Duration
	defaultCommandTimeout time.Duration
	logger                Logger
	metrics               Metrics
}

// Option configures an Orchestrator at construction time.
type Option func(*OrchestratorOptions)

func newOrchestratorOptions(opts []Option) *OrchestratorOptions {
	o := &OrchestratorOptions{
		retryPolicy:           DefaultRetryPolicy,
		factCacheTTL:          DefaultFactCacheTTL,
		defaultCommandTimeout: DefaultCommandTimeout,
		logger:                DiscardLogger(),
		metrics:               NewDefaultMetrics(),
	}
	for _, apply := range opts {
		apply(o)
	}
	return o
}

// WithRetryPolicy overrides the jittered exponential backoff used by dialer
// supervisors when reconnecting.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *OrchestratorOptions) { o.retryPolicy = p }
}

// WithFactCacheTTL overrides how long a cached fact value remains valid
// before a read reports it as absent.
func WithFactCacheTTL(d time.Duration) Option {
	return func(o *OrchestratorOptions) {
		if d > 0 {
			o.factCacheTTL = d
		}
	}
}

// WithDefaultCommandTimeout overrides the timeout applied to correlated
// commands whose caller does not supply one explicitly.
func WithDefaultCommandTimeout(d time.Duration) Option {
	return func(o *OrchestratorOptions) {
		if d > 0 {
			o.defaultCommandTimeout = d
		}
	}
}

// WithLogger sets the structured logger used for lifecycle, protocol, and
// retry diagnostics. Defaults to DiscardLogger.
func WithLogger(l Logger) Option {
	return func(o *OrchestratorOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics sets a custom Metrics implementation for tracking fleet
// statistics. Defaults to DefaultMetrics.
func WithMetrics(m Metrics) Option {
	return func(o *OrchestratorOptions) {
		if m != nil {
			o.metrics = m
		}
	}
}
