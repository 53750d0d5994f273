// Package replay rejects stale timestamps and reused nonces.
package replay

import (
	"context"
	"time"

	"github.com/ComUnity/insight-service/internal/apperr"
	"github.com/ComUnity/insight-service/internal/util/logger"
)

const (
	DefaultWindow  = 300 * time.Second
	DefaultMaxSkew = 300 * time.Second
)

// Identity scopes nonces. Nonces from different identities never collide.
type Identity struct {
	OrgID    string
	DeviceID string
}

func (i Identity) String() string {
	return i.OrgID + "/" + i.DeviceID
}

// Store records nonces. Reserve is a single atomic check-and-record: it returns
// false when an unexpired record for (identity, nonce) already exists.
type Store interface {
	Reserve(ctx context.Context, id Identity, nonce string, now, expiresAt time.Time) (bool, error)
	Purge(ctx context.Context, now time.Time) (int, error)
}

type Config struct {
	Window  time.Duration
	MaxSkew time.Duration
}

// Guard applies the freshness and uniqueness rules in front of a Store.
type Guard struct {
	store   Store
	window  time.Duration
	maxSkew time.Duration
	now     func() time.Time
}

type Option func(*Guard)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(store Store, cfg Config, opts ...Option) *Guard {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	// a nonce must outlive the period in which its timestamp is still acceptable
	if cfg.Window < cfg.MaxSkew {
		cfg.Window = cfg.MaxSkew
	}
	g := &Guard{store: store, window: cfg.Window, maxSkew: cfg.MaxSkew, now: time.Now}
	for _, o := range opts {
		o(g)
	}
	return g
}

func (g *Guard) Window() time.Duration  { return g.window }
func (g *Guard) MaxSkew() time.Duration { return g.maxSkew }

// Check validates ts against the skew window and records the nonce. Store
// failures are internal errors; the request is never admitted on failure.
func (g *Guard) Check(ctx context.Context, id Identity, nonce string, ts time.Time) error {
	if nonce == "" {
		return &apperr.ReplayError{Reason: "missing_nonce"}
	}
	now := g.now()
	skew := now.Sub(ts)
	if skew > g.maxSkew {
		return &apperr.ReplayError{Reason: "stale_timestamp", Detail: "timestamp older than " + g.maxSkew.String()}
	}
	if -skew > g.maxSkew {
		return &apperr.ReplayError{Reason: "future_timestamp", Detail: "timestamp ahead by more than " + g.maxSkew.String()}
	}

	ok, err := g.store.Reserve(ctx, id, nonce, now, ts.Add(g.window))
	if err != nil {
		logger.Errorf("[ReplayGuard] Nonce store failure for %s: %v", id, err)
		return apperr.Internal("replay_reserve", err)
	}
	if !ok {
		logger.Warnf("[ReplayGuard] Nonce reuse rejected for %s", id)
		return &apperr.ReplayError{Reason: "nonce_reused"}
	}
	return nil
}

// Sweep removes expired records. It runs from the scheduler, never inline.
func (g *Guard) Sweep(ctx context.Context) (int, error) {
	n, err := g.store.Purge(ctx, g.now())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Debugf("[ReplayGuard] Purged %d expired nonces", n)
	}
	return n, nil
}
