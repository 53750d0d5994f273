// Package ingest runs the admission chain and the insight engine for one
// signed batch. Every admission check runs before anything is written.
package ingest

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/ComUnity/insight-service/internal/apperr"
	"github.com/ComUnity/insight-service/internal/baseline"
	"github.com/ComUnity/insight-service/internal/dedup"
	"github.com/ComUnity/insight-service/internal/lifecycle"
	"github.com/ComUnity/insight-service/internal/metrics"
	"github.com/ComUnity/insight-service/internal/models"
	"github.com/ComUnity/insight-service/internal/orglock"
	"github.com/ComUnity/insight-service/internal/ratelimit"
	"github.com/ComUnity/insight-service/internal/replay"
	"github.com/ComUnity/insight-service/internal/repository"
	"github.com/ComUnity/insight-service/internal/sanitize"
	"github.com/ComUnity/insight-service/internal/scoring"
	"github.com/ComUnity/insight-service/internal/signing"
	"github.com/ComUnity/insight-service/internal/telemetry"
	"github.com/ComUnity/insight-service/internal/util/logger"
	"github.com/ComUnity/insight-service/internal/validate"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const DefaultMaxBodyBytes = 512 << 10

var tracer = otel.Tracer("github.com/ComUnity/insight-service/internal/ingest")

type Config struct {
	MaxBodyBytes      int64
	LockWait          time.Duration
	MaxObservationAge time.Duration
	MaxFutureSkew     time.Duration
}

// Deps are the collaborators of a Pipeline. Publisher and Metrics are optional.
type Deps struct {
	Store     repository.Store
	Verifier  *signing.Verifier
	Replay    *replay.Guard
	Limiter   *ratelimit.Limiter
	Validator *validate.SchemaValidator
	Sanitizer *sanitize.Sanitizer
	Baseline  *baseline.Model
	Scorer    *scoring.Scorer
	Dedup     *dedup.Engine
	Lifecycle *lifecycle.Manager
	Locker    orglock.Locker
	Publisher telemetry.Publisher
	Metrics   *metrics.Metrics
}

// Result is what the agent learns about an accepted batch.
type Result struct {
	Accepted   int       `json:"accepted"`
	Rejected   int       `json:"rejected"`
	ServerTime time.Time `json:"server_time"`
}

type Pipeline struct {
	Deps
	cfg Config
	now func() time.Time
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func New(deps Deps, cfg Config, opts ...Option) *Pipeline {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.LockWait <= 0 {
		cfg.LockWait = 2 * time.Second
	}
	if cfg.MaxObservationAge <= 0 {
		cfg.MaxObservationAge = 7 * 24 * time.Hour
	}
	if cfg.MaxFutureSkew <= 0 {
		cfg.MaxFutureSkew = 5 * time.Minute
	}
	if deps.Publisher == nil {
		deps.Publisher = telemetry.Nop{}
	}
	if deps.Dedup == nil {
		deps.Dedup = dedup.NewEngine()
	}
	p := &Pipeline{Deps: deps, cfg: cfg, now: time.Now}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pipeline) MaxBodyBytes() int64 { return p.cfg.MaxBodyBytes }

// admitted is a batch that passed every admission check.
type admitted struct {
	org   *models.Org
	hdr   signing.RequestHeaders
	batch models.Batch
	size  int64
}

// Ingest admits and processes one batch. Errors belong to the apperr taxonomy.
func (p *Pipeline) Ingest(ctx context.Context, header http.Header, body io.Reader) (res Result, err error) {
	start := p.now()
	ctx, span := tracer.Start(ctx, "ingest.batch")
	defer span.End()

	var (
		hdr  signing.RequestHeaders
		size int64
		obs  int
	)
	defer func() {
		p.finish(span, hdr, size, obs, res, err, p.now().Sub(start))
	}()

	raw, err := p.readBody(ctx, body)
	size = int64(len(raw))
	if err != nil {
		return Result{}, err
	}

	a, err := p.admit(ctx, header, raw)
	hdr = a.hdr
	if err != nil {
		return Result{}, err
	}
	obs = len(a.batch.Observations)
	span.SetAttributes(
		attribute.String("org.id", a.org.ID),
		attribute.String("device.id", a.hdr.DeviceID),
		attribute.Int("batch.observations", obs),
	)

	now := p.now().UTC()
	if err := p.process(ctx, a, now); err != nil {
		return Result{}, err
	}
	return Result{Accepted: obs, ServerTime: now}, nil
}

// readBody enforces the size cap before any signature work.
func (p *Pipeline) readBody(ctx context.Context, body io.Reader) ([]byte, error) {
	var raw []byte
	err := p.stage(ctx, "read_body", func(context.Context) error {
		var err error
		raw, err = io.ReadAll(io.LimitReader(body, p.cfg.MaxBodyBytes+1))
		if err != nil {
			return &apperr.ValidationError{Reason: "unreadable_body", Detail: err.Error()}
		}
		if int64(len(raw)) > p.cfg.MaxBodyBytes {
			return &apperr.PayloadTooLargeError{Size: int64(len(raw)), Limit: p.cfg.MaxBodyBytes}
		}
		return nil
	})
	return raw, err
}

func (p *Pipeline) admit(ctx context.Context, header http.Header, raw []byte) (admitted, error) {
	var a admitted
	a.size = int64(len(raw))

	hdr, missing, ok := signing.ParseHeaders(header)
	a.hdr = hdr
	if !ok {
		return a, &apperr.AuthenticationError{Reason: "missing_header", Detail: missing}
	}

	err := p.stage(ctx, "org_lookup", func(ctx context.Context) error {
		org, err := p.Store.GetOrg(ctx, hdr.OrgID)
		if errors.Is(err, repository.ErrNotFound) {
			return &apperr.AuthenticationError{Reason: "unknown_identity", Detail: "org " + hdr.OrgID}
		}
		if err != nil {
			return apperr.Internal("org_lookup", err)
		}
		if !org.Active {
			return &apperr.AuthenticationError{Reason: "org_inactive", Detail: "org " + hdr.OrgID}
		}
		a.org = org
		return nil
	})
	if err != nil {
		return a, err
	}

	var value any
	err = p.stage(ctx, "decode", func(context.Context) error {
		var err error
		value, err = signing.Decode(raw)
		if err != nil {
			return &apperr.ValidationError{Reason: "malformed_body", Detail: err.Error()}
		}
		return nil
	})
	if err != nil {
		return a, err
	}

	err = p.stage(ctx, "verify", func(ctx context.Context) error {
		if err := p.checkSecretPin(ctx, a.org); err != nil {
			return err
		}
		return p.Verifier.Verify(ctx, hdr.OrgID, hdr.DeviceID, value, hdr.Signature)
	})
	if err != nil {
		return a, err
	}

	if err := p.checkIdentity(hdr, value); err != nil {
		return a, err
	}

	err = p.stage(ctx, "replay", func(ctx context.Context) error {
		return p.Replay.Check(ctx, replay.Identity{OrgID: hdr.OrgID, DeviceID: hdr.DeviceID}, hdr.Nonce, hdr.Timestamp)
	})
	if err != nil {
		return a, err
	}

	err = p.stage(ctx, "rate_limit", func(ctx context.Context) error {
		plan := p.Limiter.PlanFor(a.org.Plan, a.org.RateLimitPerMinute)
		return p.Limiter.AllowPlan(ctx, a.org.ID, plan, a.size)
	})
	if err != nil {
		return a, err
	}

	err = p.stage(ctx, "validate", func(context.Context) error {
		b, err := p.Validator.Batch(raw, value)
		if err != nil {
			return err
		}
		if err := p.checkObservedRange(b); err != nil {
			return err
		}
		a.batch = b
		return nil
	})
	if err != nil {
		return a, err
	}

	_ = p.stage(ctx, "sanitize", func(context.Context) error {
		a.batch = p.Sanitizer.Batch(a.batch)
		return nil
	})
	return a, nil
}

// checkSecretPin rejects a resolved secret that differs from the hash pinned
// in the org registry.
func (p *Pipeline) checkSecretPin(ctx context.Context, org *models.Org) error {
	if org.SecretHash == "" {
		return nil
	}
	got, err := p.Verifier.SecretHash(ctx, org.ID)
	if err != nil {
		// Verify reports the lookup failure with the right classification
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(org.SecretHash)) != 1 {
		logger.Warnf("[Pipeline] Signing secret for org %s does not match the pinned hash", org.ID)
		return &apperr.AuthenticationError{Reason: "secret_mismatch"}
	}
	return nil
}

// checkIdentity binds the signed body to the request headers.
func (p *Pipeline) checkIdentity(hdr signing.RequestHeaders, value any) error {
	obj, ok := value.(map[string]any)
	if !ok {
		return &apperr.ValidationError{Reason: "malformed_body", Detail: "body must be an object"}
	}
	for field, want := range map[string]string{"org_id": hdr.OrgID, "device_id": hdr.DeviceID, "nonce": hdr.Nonce} {
		if got, _ := obj[field].(string); got != want {
			return &apperr.AuthenticationError{Reason: "identity_mismatch", Detail: field}
		}
	}
	sentRaw, _ := obj["sent_at"].(string)
	sentAt, err := time.Parse(time.RFC3339Nano, sentRaw)
	if err != nil {
		return &apperr.ValidationError{Reason: "schema", Field: "/sent_at", Detail: "sent_at must be RFC3339"}
	}
	if diff := sentAt.Sub(hdr.Timestamp).Abs(); diff > p.Replay.MaxSkew() {
		return &apperr.AuthenticationError{Reason: "identity_mismatch", Detail: "sent_at"}
	}
	return nil
}

func (p *Pipeline) checkObservedRange(b models.Batch) error {
	now := p.now()
	oldest := now.Add(-p.cfg.MaxObservationAge)
	newest := now.Add(p.cfg.MaxFutureSkew)
	for i, o := range b.Observations {
		if o.ObservedAt.Before(oldest) || o.ObservedAt.After(newest) {
			return &apperr.ValidationError{
				Reason: "observed_at_out_of_range",
				Field:  fmt.Sprintf("/observations/%d/observed_at", i),
			}
		}
	}
	return nil
}

// dayGroup is the slice of a batch that lands on one UTC day.
type dayGroup struct {
	day  time.Time
	obs  []models.Observation
	snap *baseline.Snapshot
}

func groupByDay(obs []models.Observation, now time.Time) []*dayGroup {
	byDay := make(map[int64]*dayGroup)
	for _, o := range obs {
		ts := o.ObservedAt
		if ts.IsZero() || ts.After(now) {
			ts = now
		}
		d := models.DayOf(ts)
		g, ok := byDay[d.Unix()]
		if !ok {
			g = &dayGroup{day: d}
			byDay[d.Unix()] = g
		}
		g.obs = append(g.obs, o)
	}
	out := make([]*dayGroup, 0, len(byDay))
	for _, g := range byDay {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].day.Before(out[j].day) })
	return out
}

// process scores an admitted batch and persists the results atomically under
// the org lock.
func (p *Pipeline) process(ctx context.Context, a admitted, now time.Time) error {
	orgID := a.org.ID
	lockStart := time.Now()
	var unlock orglock.Unlock
	err := p.stage(ctx, "org_lock", func(ctx context.Context) error {
		var err error
		unlock, err = p.Locker.Acquire(ctx, orgID, p.cfg.LockWait)
		return err
	})
	waited := time.Since(lockStart)
	p.Metrics.ObserveLockWait(waited)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &apperr.BusyError{OrgID: orgID, Waited: waited}
	}
	if err != nil {
		return apperr.Internal("org_lock", err)
	}
	defer unlock()

	groups := groupByDay(a.batch.Observations, now)
	err = p.stage(ctx, "baseline", func(ctx context.Context) error {
		for _, g := range groups {
			snap, err := p.Baseline.Snapshot(ctx, orgID, g.day)
			if err != nil {
				return apperr.Internal("baseline", err)
			}
			g.snap = snap
		}
		return nil
	})
	if err != nil {
		return err
	}

	var changes []dedup.Change
	err = p.stage(ctx, "persist", func(ctx context.Context) error {
		var err error
		changes, err = p.persist(ctx, a, groups, now)
		if errors.Is(err, repository.ErrConflict) {
			// an insight changed status under us; the nonce is spent so rerun once
			logger.Debugf("[Pipeline] Persist conflict for org %s, retrying", orgID)
			changes, err = p.persist(ctx, a, groups, now)
		}
		return err
	})
	if err != nil {
		return err
	}

	for _, g := range groups {
		p.Baseline.Invalidate(orgID, g.day)
	}
	p.Baseline.MarkActive(orgID, now)

	for _, ch := range changes {
		typ := telemetry.EventInsightMerged
		if ch.Created {
			typ = telemetry.EventInsightCreated
		}
		ins := ch.Insight
		p.Publisher.Publish(telemetry.NewInsightEvent(typ, &ins, now))
		p.Metrics.InsightChanged(ch.Created, string(ins.Severity))
	}
	return nil
}

func (p *Pipeline) persist(ctx context.Context, a admitted, groups []*dayGroup, now time.Time) ([]dedup.Change, error) {
	orgID := a.org.ID
	batchKey := a.batch.Key()

	tx, err := p.Store.Begin(ctx)
	if err != nil {
		return nil, apperr.Internal("begin", err)
	}
	defer func() { _ = tx.Rollback() }()

	known, err := tx.KnownSubjects(ctx, orgID, scoring.SubjectsOf(a.batch.Observations))
	if err != nil {
		return nil, apperr.Internal("inventory", err)
	}
	inv := scoring.NewInventory(known)

	var changes []dedup.Change
	for _, g := range groups {
		prior, _, err := tx.DayTotals(ctx, orgID, g.day, batchKey)
		if err != nil {
			return nil, apperr.Internal("day_totals", err)
		}
		res := p.Scorer.Score(scoring.Input{
			OrgID:        orgID,
			DeviceID:     a.hdr.DeviceID,
			Day:          g.day,
			Observations: g.obs,
			Prior:        prior,
			Inventory:    inv,
			Snapshot:     g.snap,
			Now:          now,
		})

		applied, err := p.Dedup.Apply(ctx, tx, orgID, res.Candidates, now)
		if err != nil {
			return nil, apperr.Internal("dedup", err)
		}
		changes = append(changes, applied...)

		err = tx.PutContribution(ctx, models.Contribution{
			OrgID:    orgID,
			Day:      g.day,
			BatchKey: batchKey,
			DeviceID: a.hdr.DeviceID,
			Metrics:  res.Metrics,
			Severity: res.Severity,
			Recorded: now,
		})
		if err != nil {
			return nil, apperr.Internal("contribution", err)
		}
		if _, err := p.Lifecycle.RecomputeDay(ctx, tx, orgID, g.day, g.snap, now); err != nil {
			return nil, apperr.Internal("daily_metric", err)
		}
		p.Metrics.DailyMetricUpserted()
	}

	if added := inv.Added(); len(added) > 0 {
		if err := tx.AddSubjects(ctx, orgID, added, groups[0].day); err != nil {
			return nil, apperr.Internal("inventory", err)
		}
	}
	err = tx.TouchDevice(ctx, models.Device{
		OrgID:        orgID,
		DeviceID:     a.hdr.DeviceID,
		AgentVersion: a.batch.AgentVersion,
		FirstSeen:    now,
		LastSeen:     now,
	})
	if err != nil {
		return nil, apperr.Internal("device", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, apperr.Internal("commit", err)
	}
	return changes, nil
}

// stage runs fn in a child span and records its latency.
func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, "ingest."+name)
	defer span.End()
	start := time.Now()
	err := fn(ctx)
	p.Metrics.ObserveStage(name, time.Since(start))
	if err != nil {
		span.SetStatus(codes.Error, apperr.Reason(err))
	}
	return err
}

// finish logs, counts and audits the outcome of one request.
func (p *Pipeline) finish(span trace.Span, hdr signing.RequestHeaders, size int64, obs int, res Result, err error, d time.Duration) {
	outcome := "accepted"
	reason := apperr.Reason(err)
	resp := apperr.HTTP(err)
	status := http.StatusAccepted
	switch {
	case err == nil:
	case apperr.IsClientError(err):
		outcome = "rejected"
		status = resp.Status
		logger.Warnf("[Pipeline] Rejected batch org=%s device=%s reason=%s: %v", hdr.OrgID, hdr.DeviceID, reason, err)
	default:
		var busy *apperr.BusyError
		outcome = "failed"
		status = resp.Status
		if errors.As(err, &busy) {
			logger.Warnf("[Pipeline] Org %s busy after %s", hdr.OrgID, busy.Waited)
		} else {
			logger.Errorf("[Pipeline] Ingest failed org=%s device=%s: %v", hdr.OrgID, hdr.DeviceID, err)
		}
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
	}
	span.SetAttributes(attribute.String("ingest.outcome", outcome), attribute.String("ingest.reason", reason))

	p.Metrics.ObserveIngest(outcome, reason, d, res.Accepted)
	code := ""
	if err != nil {
		code = resp.Code
	}
	p.Publisher.Publish(telemetry.IngestAuditEvent{
		Timestamp:    p.now().UTC(),
		EventID:      uuid.NewString(),
		OrgID:        hdr.OrgID,
		DeviceID:     hdr.DeviceID,
		Outcome:      outcome,
		Code:         code,
		Reason:       reason,
		Status:       status,
		Bytes:        size,
		Observations: obs,
		DurationMs:   d.Milliseconds(),
	})
}
