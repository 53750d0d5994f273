// Package ratelimit enforces fixed-window request and byte budgets per org.
package ratelimit

import (
	"context"
	"time"

	"github.com/ComUnity/insight-service/internal/apperr"
	"github.com/ComUnity/insight-service/internal/util/logger"
)

const (
	DimensionRequests = "requests"
	DimensionBytes    = "bytes"

	DefaultHardCap = 10000
)

// Plan is a per-window budget. BytesPerWindow <= 0 disables the byte counter.
type Plan struct {
	Name              string        `yaml:"name"`
	RequestsPerWindow int64         `yaml:"requests_per_window"`
	BytesPerWindow    int64         `yaml:"bytes_per_window"`
	Window            time.Duration `yaml:"window"`
}

// DefaultPlans mirror the commercial tiers.
func DefaultPlans() map[string]Plan {
	return map[string]Plan{
		"free":       {Name: "free", RequestsPerWindow: 60, BytesPerWindow: 16 << 20, Window: time.Minute},
		"standard":   {Name: "standard", RequestsPerWindow: 600, BytesPerWindow: 128 << 20, Window: time.Minute},
		"enterprise": {Name: "enterprise", RequestsPerWindow: 6000, Window: time.Minute},
	}
}

type Config struct {
	Plans       map[string]Plan
	DefaultPlan string
	HardCap     int64
}

// Decision is a backend verdict for one request.
type Decision struct {
	Allowed   bool
	Dimension string
	ResetAt   time.Time
}

// Backend holds counters. Take checks both counters before incrementing either,
// so a denied request consumes nothing.
type Backend interface {
	Take(ctx context.Context, key string, plan Plan, weight int64, now time.Time) (Decision, error)
}

type Limiter struct {
	backend  Backend
	fallback Backend
	cfg      Config
	now      func() time.Time
}

type Option func(*Limiter)

func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithFallback sets the backend used when the primary errors.
func WithFallback(b Backend) Option {
	return func(l *Limiter) { l.fallback = b }
}

func New(backend Backend, cfg Config, opts ...Option) *Limiter {
	if len(cfg.Plans) == 0 {
		cfg.Plans = DefaultPlans()
	}
	if cfg.DefaultPlan == "" {
		cfg.DefaultPlan = "free"
	}
	if cfg.HardCap <= 0 {
		cfg.HardCap = DefaultHardCap
	}
	l := &Limiter{backend: backend, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(l)
	}
	return l
}

// PlanFor resolves a plan by name and applies an org-level per-minute override.
func (l *Limiter) PlanFor(name string, overridePerMinute int) Plan {
	p, ok := l.cfg.Plans[name]
	if !ok {
		p, ok = l.cfg.Plans[l.cfg.DefaultPlan]
		if !ok {
			p = Plan{Name: l.cfg.DefaultPlan, RequestsPerWindow: 60, Window: time.Minute}
		}
	}
	if p.Window <= 0 {
		p.Window = time.Minute
	}
	if overridePerMinute > 0 {
		p.RequestsPerWindow = int64(overridePerMinute) * int64(p.Window) / int64(time.Minute)
		if p.RequestsPerWindow < 1 {
			p.RequestsPerWindow = 1
		}
	}
	if p.RequestsPerWindow > l.cfg.HardCap {
		p.RequestsPerWindow = l.cfg.HardCap
	}
	if p.RequestsPerWindow < 1 {
		p.RequestsPerWindow = 1
	}
	return p
}

// Allow charges one request of weight bytes against the org's plan.
func (l *Limiter) Allow(ctx context.Context, orgID, plan string, weight int64) error {
	return l.AllowPlan(ctx, orgID, l.PlanFor(plan, 0), weight)
}

// AllowPlan charges against an already resolved plan.
func (l *Limiter) AllowPlan(ctx context.Context, orgID string, plan Plan, weight int64) error {
	now := l.now()
	d, err := l.backend.Take(ctx, orgID, plan, weight, now)
	if err != nil {
		if l.fallback == nil {
			logger.Errorf("[RateLimiter] Backend failure for org %s: %v", orgID, err)
			return apperr.Internal("rate_limit", err)
		}
		logger.Warnf("[RateLimiter] Backend failure for org %s, using local fallback: %v", orgID, err)
		d, err = l.fallback.Take(ctx, orgID, plan, weight, now)
		if err != nil {
			return apperr.Internal("rate_limit", err)
		}
	}
	if d.Allowed {
		return nil
	}

	limit := plan.RequestsPerWindow
	if d.Dimension == DimensionBytes {
		limit = plan.BytesPerWindow
	}
	return &apperr.RateLimitError{
		OrgID:      orgID,
		Plan:       plan.Name,
		Dimension:  d.Dimension,
		Limit:      limit,
		Window:     plan.Window,
		RetryAfter: retryAfter(d.ResetAt, now),
	}
}

func windowStart(now time.Time, window time.Duration) time.Time {
	return now.Truncate(window)
}

func retryAfter(reset, now time.Time) time.Duration {
	d := reset.Sub(now)
	if d < time.Second {
		return time.Second
	}
	// whole seconds for the Retry-After header
	return (d + time.Second - 1).Truncate(time.Second)
}
