// Package baseline derives per-org expected behavior from DailyMetric history.
package baseline

import (
	"context"
	"fmt"
	"time"

	"github.com/ComUnity/insight-service/internal/models"
	"github.com/ComUnity/insight-service/internal/util/logger"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultWindowDays     = 14
	DefaultMinHistoryDays = 7
	DefaultSpreadFloor    = 1.0
	// RiskLookbackDays bounds the rolling max used for risk normalization.
	RiskLookbackDays = 30
)

// HistoryReader loads persisted DailyMetric rows for org with from <= day <= to,
// ascending by day.
type HistoryReader interface {
	DailyHistory(ctx context.Context, orgID string, from, to time.Time) ([]models.DailyMetric, error)
}

// VersionedReader also reports a cheap freshness token for a range. Only
// versioned readers get cached windows; a cached window is reused only while
// its token still matches the store, so every replica sees the same rows.
type VersionedReader interface {
	HistoryReader
	DailyHistoryVersion(ctx context.Context, orgID string, from, to time.Time) (models.HistoryVersion, error)
}

type Config struct {
	WindowDays     int
	MinHistoryDays int
	SpreadFloor    float64
	CacheSize      int
	CacheTTL       time.Duration
	ActiveOrgs     int
	ActiveTTL      time.Duration
}

// Expectation is the baseline for one metric on one day.
type Expectation struct {
	Metric    string  `json:"metric"`
	Center    float64 `json:"center"`
	Spread    float64 `json:"spread"`
	Samples   int     `json:"samples"`
	ColdStart bool    `json:"cold_start"`
}

// Delta is an observation measured against its Expectation. Deviation is zero
// on cold start; Raw always carries the unclamped normalized value.
type Delta struct {
	Expectation
	Observed  float64 `json:"observed"`
	Raw       float64 `json:"raw"`
	Deviation float64 `json:"deviation"`
}

type cacheKey struct {
	org string
	day int64
}

type cachedWindow struct {
	rows    []models.DailyMetric
	version models.HistoryVersion
}

// Model computes expectations from history. Safe for concurrent use.
type Model struct {
	reader HistoryReader
	cfg    Config
	cache  *expirable.LRU[cacheKey, cachedWindow]
	active *expirable.LRU[string, time.Time]
}

func NewModel(reader HistoryReader, cfg Config) *Model {
	if cfg.WindowDays <= 0 {
		cfg.WindowDays = DefaultWindowDays
	}
	if cfg.MinHistoryDays <= 0 {
		cfg.MinHistoryDays = DefaultMinHistoryDays
	}
	if cfg.SpreadFloor <= 0 {
		cfg.SpreadFloor = DefaultSpreadFloor
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 4096
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 10 * time.Minute
	}
	if cfg.ActiveOrgs <= 0 {
		cfg.ActiveOrgs = 1024
	}
	if cfg.ActiveTTL <= 0 {
		cfg.ActiveTTL = time.Hour
	}
	return &Model{
		reader: reader,
		cfg:    cfg,
		cache:  expirable.NewLRU[cacheKey, cachedWindow](cfg.CacheSize, nil, cfg.CacheTTL),
		active: expirable.NewLRU[string, time.Time](cfg.ActiveOrgs, nil, cfg.ActiveTTL),
	}
}

func (m *Model) Config() Config { return m.cfg }

func (m *Model) lookbackDays() int {
	if m.cfg.WindowDays > RiskLookbackDays {
		return m.cfg.WindowDays
	}
	return RiskLookbackDays
}

// history returns rows strictly before day within the lookback, as
// currently persisted.
func (m *Model) history(ctx context.Context, orgID string, day time.Time) ([]models.DailyMetric, error) {
	day = models.DayOf(day)
	from := day.AddDate(0, 0, -m.lookbackDays())
	to := day.AddDate(0, 0, -1)

	vr, ok := m.reader.(VersionedReader)
	if !ok {
		return m.load(ctx, orgID, from, to)
	}
	version, err := vr.DailyHistoryVersion(ctx, orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("check baseline history: %w", err)
	}
	key := cacheKey{org: orgID, day: day.Unix()}
	if w, ok := m.cache.Get(key); ok && w.version.Equal(version) {
		return w.rows, nil
	}
	rows, err := m.load(ctx, orgID, from, to)
	if err != nil {
		return nil, err
	}
	// a write racing the load leaves rows newer than version; the next
	// check then misses and reloads
	m.cache.Add(key, cachedWindow{rows: rows, version: version})
	return rows, nil
}

func (m *Model) load(ctx context.Context, orgID string, from, to time.Time) ([]models.DailyMetric, error) {
	rows, err := m.reader.DailyHistory(ctx, orgID, from, to)
	if err != nil {
		return nil, fmt.Errorf("load baseline history: %w", err)
	}
	return rows, nil
}

// Snapshot is a consistent view of one org's baseline for one day, taken once
// per batch so every metric is scored against the same history.
type Snapshot struct {
	OrgID        string
	Day          time.Time
	Expectations map[string]Expectation
	// History holds prior rows within the risk lookback, ascending.
	History     []models.DailyMetric
	spreadFloor float64
}

// Snapshot loads history for org before day and derives every metric's expectation.
func (m *Model) Snapshot(ctx context.Context, orgID string, day time.Time) (*Snapshot, error) {
	day = models.DayOf(day)
	rows, err := m.history(ctx, orgID, day)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		OrgID:        orgID,
		Day:          day,
		Expectations: make(map[string]Expectation, len(models.MetricNames)),
		History:      rows,
		spreadFloor:  m.cfg.SpreadFloor,
	}
	for _, metric := range models.MetricNames {
		snap.Expectations[metric] = m.expect(rows, metric, day)
	}
	return snap, nil
}

// expect derives an Expectation from rows. Days between the first row inside
// the window and day that have no row count as zero.
func (m *Model) expect(rows []models.DailyMetric, metric string, day time.Time) Expectation {
	windowStart := day.AddDate(0, 0, -m.cfg.WindowDays)
	byDay := make(map[int64]float64)
	var first time.Time
	for _, r := range rows {
		d := models.DayOf(r.Day)
		if d.Before(windowStart) || !d.Before(day) {
			continue
		}
		if first.IsZero() || d.Before(first) {
			first = d
		}
		byDay[d.Unix()] = float64(r.MetricCounts.Get(metric))
	}

	exp := Expectation{Metric: metric}
	if first.IsZero() {
		exp.ColdStart = true
		return exp
	}
	var samples []float64
	for d := first; d.Before(day); d = d.AddDate(0, 0, 1) {
		samples = append(samples, byDay[d.Unix()])
	}
	exp.Samples = len(samples)
	exp.Center = Median(samples)
	exp.Spread = MAD(samples, exp.Center)
	exp.ColdStart = exp.Samples < m.cfg.MinHistoryDays
	return exp
}

// Delta measures observed against the snapshot's expectation for metric.
func (s *Snapshot) Delta(metric string, observed float64) Delta {
	exp, ok := s.Expectations[metric]
	if !ok {
		exp = Expectation{Metric: metric, ColdStart: true}
	}
	d := Delta{Expectation: exp, Observed: observed}
	d.Raw = Normalize(observed, exp.Center, exp.Spread, s.spreadFloor)
	if !exp.ColdStart {
		d.Deviation = d.Raw
	}
	return d
}

// Expected returns center and spread for metric on day.
func (m *Model) Expected(ctx context.Context, orgID, metric string, day time.Time) (Expectation, error) {
	snap, err := m.Snapshot(ctx, orgID, day)
	if err != nil {
		return Expectation{}, err
	}
	return snap.Expectations[metric], nil
}

// Delta returns the normalized deviation of observed for metric on day.
func (m *Model) Delta(ctx context.Context, orgID, metric string, day time.Time, observed float64) (Delta, error) {
	snap, err := m.Snapshot(ctx, orgID, day)
	if err != nil {
		return Delta{}, err
	}
	return snap.Delta(metric, observed), nil
}

// Invalidate drops cached windows that include changedDay for org. Windows
// for changedDay itself only cover earlier days and stay valid.
func (m *Model) Invalidate(orgID string, changedDay time.Time) {
	changed := models.DayOf(changedDay).Unix()
	for _, k := range m.cache.Keys() {
		if k.org == orgID && k.day > changed {
			m.cache.Remove(k)
		}
	}
}

// MarkActive records that org ingested recently so Refresh keeps it warm.
func (m *Model) MarkActive(orgID string, at time.Time) {
	m.active.Add(orgID, at)
}

// ActiveOrgs lists orgs seen within the active TTL.
func (m *Model) ActiveOrgs() []string {
	return m.active.Keys()
}

// Refresh reloads history for every active org for day. Errors are logged per
// org and the first one is returned after all orgs were attempted.
func (m *Model) Refresh(ctx context.Context, day time.Time) (int, error) {
	day = models.DayOf(day)
	var firstErr error
	warmed := 0
	for _, org := range m.active.Keys() {
		if ctx.Err() != nil {
			return warmed, ctx.Err()
		}
		m.cache.Remove(cacheKey{org: org, day: day.Unix()})
		if _, err := m.history(ctx, org, day); err != nil {
			logger.Warnf("[Baseline] Refresh failed for org %s: %v", org, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		warmed++
	}
	return warmed, firstErr
}
