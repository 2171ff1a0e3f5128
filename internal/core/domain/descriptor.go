package domain

import "time"

// ProviderKind distinguishes stateless REST backends from session-based
// clients that must be pooled and used by one request at a time.
type ProviderKind string

const (
	KindAPIBased ProviderKind = "api_based"
	KindPooled   ProviderKind = "pooled"
)

// InstanceState is the lifecycle state of a single provider instance.
type InstanceState string

const (
	StateInactive     InstanceState = "inactive"
	StateInitializing InstanceState = "initializing"
	StateActive       InstanceState = "active"
	StateBusy         InstanceState = "busy"
	StateError        InstanceState = "error"
	StateRateLimited  InstanceState = "rate_limited"
	StateAuthRequired InstanceState = "auth_required"
)

// AdmissionPolicy decides what happens when a pool has no active instance.
type AdmissionPolicy string

const (
	// AdmissionFailFast rejects the request immediately with PoolExhausted.
	AdmissionFailFast AdmissionPolicy = "fail_fast"
	// AdmissionBlock waits up to the configured acquire timeout for a checkin.
	AdmissionBlock AdmissionPolicy = "block"
)

// ProviderDescriptor is the static catalog entry for a provider.
// Immutable after registration.
type ProviderDescriptor struct {
	Name    string            `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	Kind    ProviderKind      `json:"kind" yaml:"kind" mapstructure:"kind" validate:"required,oneof=api_based pooled"`
	Driver  string            `json:"driver" yaml:"driver" mapstructure:"driver" validate:"required"`
	BaseURL string            `json:"base_url" yaml:"base_url" mapstructure:"base_url"`
	APIKey  string            `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	Model   string            `json:"model" yaml:"model" mapstructure:"model"`
	Config  map[string]string `json:"config" yaml:"config" mapstructure:"config"`
	Enabled bool              `json:"enabled" yaml:"enabled" mapstructure:"enabled"`

	// Pooled providers only
	MinSize int `json:"min_size" yaml:"min_size" mapstructure:"min_size"`
	MaxSize int `json:"max_size" yaml:"max_size" mapstructure:"max_size"`
}

// PoolSettings tunes the autoscaler and admission control of one pool.
type PoolSettings struct {
	ScaleUpThreshold   float64         `json:"scale_up_threshold" yaml:"scale_up_threshold" mapstructure:"scale_up_threshold"`
	ScaleDownThreshold float64         `json:"scale_down_threshold" yaml:"scale_down_threshold" mapstructure:"scale_down_threshold"`
	Cooldown           time.Duration   `json:"cooldown" yaml:"cooldown" mapstructure:"cooldown"`
	SampleInterval     time.Duration   `json:"sample_interval" yaml:"sample_interval" mapstructure:"sample_interval"`
	Admission          AdmissionPolicy `json:"admission" yaml:"admission" mapstructure:"admission"`
	AcquireTimeout     time.Duration   `json:"acquire_timeout" yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	FailureThreshold   int             `json:"failure_threshold" yaml:"failure_threshold" mapstructure:"failure_threshold"`
}

// DefaultPoolSettings returns settings suitable for session-backed pools
// where client construction is expensive.
func DefaultPoolSettings() PoolSettings {
	return PoolSettings{
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
		Cooldown:           5 * time.Minute,
		SampleInterval:     5 * time.Second,
		Admission:          AdmissionFailFast,
		AcquireTimeout:     10 * time.Second,
		FailureThreshold:   3,
	}
}

// RoutingConfig is the mutable routing policy. The router reads it on every
// request; the admin API may replace it at runtime.
type RoutingConfig struct {
	DefaultRoute    string `json:"default_route" yaml:"default_route" mapstructure:"default_route"`
	FallbackEnabled bool   `json:"fallback_enabled" yaml:"fallback_enabled" mapstructure:"fallback_enabled"`
	LoadBalancing   string `json:"load_balancing" yaml:"load_balancing" mapstructure:"load_balancing"`
}

// PoolStatus is the admin-facing snapshot of one pool.
type PoolStatus struct {
	Provider  string                `json:"provider"`
	Size      int                   `json:"size"`
	BusyCount int                   `json:"busy_count"`
	States    map[InstanceState]int `json:"states"`
}
