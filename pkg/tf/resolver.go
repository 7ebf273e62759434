package tf

import (
	"context"
	"time"

	"github.com/teslashibe/go-fiducial/pkg/spatial"
)

// Resolver defaults.
const (
	DefaultTimeout      = 500 * time.Millisecond
	DefaultPollInterval = 10 * time.Millisecond
)

// History is the transform store a Resolver reads from. *Buffer implements it.
type History interface {
	Lookup(target, source string, at time.Time) (TransformStamped, error)
	Wait(ctx context.Context, target, source string, at time.Time, timeout, poll time.Duration) error
}

// ResolverConfig bounds how long Resolve may block.
type ResolverConfig struct {
	Timeout      time.Duration `yaml:"timeout" json:"timeout"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`

	// LookupLatest ignores the requested time and uses the newest data.
	LookupLatest bool `yaml:"lookup_latest" json:"lookup_latest"`
}

// DefaultResolverConfig returns a 500ms budget polled every 10ms.
func DefaultResolverConfig() ResolverConfig {
	return ResolverConfig{
		Timeout:      DefaultTimeout,
		PollInterval: DefaultPollInterval,
	}
}

// Resolver looks up reference→target transforms with a bounded wait.
type Resolver struct {
	history History
	config  ResolverConfig
}

// NewResolver creates a resolver over history. Zero durations take defaults.
func NewResolver(history History, cfg ResolverConfig) *Resolver {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Resolver{history: history, config: cfg}
}

// Config returns the effective configuration.
func (r *Resolver) Config() ResolverConfig {
	return r.config
}

// Resolve returns the pose of target in reference at time at.
//
// Equal frames resolve to the identity without touching the history. Any other
// failure comes back as *UnavailableError; callers decide whether to degrade.
func (r *Resolver) Resolve(ctx context.Context, reference, target string, at time.Time) (spatial.Transform, error) {
	if reference == target {
		return spatial.Identity(), nil
	}
	if r.config.LookupLatest {
		at = time.Time{}
	}

	fail := func(err error) (spatial.Transform, error) {
		return spatial.Identity(), &UnavailableError{Reference: reference, Target: target, At: at, Err: err}
	}

	if err := r.history.Wait(ctx, reference, target, at, r.config.Timeout, r.config.PollInterval); err != nil {
		return fail(err)
	}
	ts, err := r.history.Lookup(reference, target, at)
	if err != nil {
		return fail(err)
	}
	if err := ts.Transform.Validate(); err != nil {
		return fail(err)
	}
	return ts.Transform, nil
}
