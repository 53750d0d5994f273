// Package scoring turns classified observations and baseline deltas into
// candidate insights, day risk scores and drivers. Everything here is a pure
// function of its inputs.
package scoring

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ComUnity/insight-service/internal/baseline"
	"github.com/ComUnity/insight-service/internal/models"
)

const (
	DefaultWarnDeviation        = 2.0
	DefaultHighDeviation        = 4.0
	DefaultMediumConfidenceDays = 7
	DefaultHighConfidenceDays   = 14
	DefaultMaxDrivers           = 4
	DefaultRiskFloor            = 30
)

// Insight types and sources.
const (
	TypeAuthAnomaly     = "auth_anomaly"
	TypeNetworkExposure = "network_exposure"
	TypeProcessAnomaly  = "process_anomaly"
	TypeSuspiciousExec  = "suspicious_exec"

	SourceAuth    = "auth"
	SourceNetwork = "network"
	SourceProcess = "process"
)

// Weights convert severity counts into raw risk.
type Weights struct {
	Info int `yaml:"info"`
	Warn int `yaml:"warn"`
	High int `yaml:"high"`
}

type Config struct {
	WarnDeviation        float64  `yaml:"warn_deviation"`
	HighDeviation        float64  `yaml:"high_deviation"`
	MediumConfidenceDays int      `yaml:"medium_confidence_days"`
	HighConfidenceDays   int      `yaml:"high_confidence_days"`
	Weights              Weights  `yaml:"weights"`
	MaxDrivers           int      `yaml:"max_drivers"`
	RiskFloor            int      `yaml:"risk_floor"`
	SuspiciousMarkers    []string `yaml:"suspicious_markers"`
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.WarnDeviation <= 0 {
		c.WarnDeviation = DefaultWarnDeviation
	}
	if c.HighDeviation <= 0 {
		c.HighDeviation = DefaultHighDeviation
	}
	if c.MediumConfidenceDays <= 0 {
		c.MediumConfidenceDays = DefaultMediumConfidenceDays
	}
	if c.HighConfidenceDays <= 0 {
		c.HighConfidenceDays = DefaultHighConfidenceDays
	}
	if c.Weights == (Weights{}) {
		c.Weights = Weights{Info: 1, Warn: 3, High: 8}
	}
	if c.MaxDrivers <= 0 {
		c.MaxDrivers = DefaultMaxDrivers
	}
	if c.RiskFloor <= 0 {
		c.RiskFloor = DefaultRiskFloor
	}
	if len(c.SuspiciousMarkers) == 0 {
		c.SuspiciousMarkers = DefaultSuspiciousMarkers
	}
	return c
}

// SeverityFor buckets an upward deviation: below warn is info, below high is
// warn, anything else high. Negative deviations are info.
func SeverityFor(deviation, warn, high float64) models.Severity {
	switch {
	case deviation >= high:
		return models.SeverityHigh
	case deviation >= warn:
		return models.SeverityWarn
	default:
		return models.SeverityInfo
	}
}

// ConfidenceFor maps history depth to confidence. Cold start is always low.
func ConfidenceFor(samples int, coldStart bool, mediumDays, highDays int) models.Confidence {
	switch {
	case coldStart || samples < mediumDays:
		return models.ConfidenceLow
	case samples < highDays:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceHigh
	}
}

// Drivers ranks non-zero deltas by absolute size, ties by metric name, and
// keeps at most max of them (max <= 0 keeps all).
func Drivers(deltas map[string]float64, max int) []models.Driver {
	out := make([]models.Driver, 0, len(deltas))
	for name, v := range deltas {
		if v == 0 {
			continue
		}
		out = append(out, models.Driver{Factor: name, Contribution: v})
	}
	sort.Slice(out, func(i, j int) bool {
		ai, aj := math.Abs(out[i].Contribution), math.Abs(out[j].Contribution)
		if ai != aj {
			return ai > aj
		}
		return out[i].Factor < out[j].Factor
	})
	if max > 0 && len(out) > max {
		out = out[:max]
	}
	return out
}

// RawRisk is the weighted severity sum.
func RawRisk(c models.SeverityCounts, w Weights) int {
	return c.Info*w.Info + c.Warn*w.Warn + c.High*w.High
}

// RiskDenominator is the larger of floor and the highest raw risk among the
// prior days and today.
func RiskDenominator(rawToday int, history []models.DailyMetric, w Weights, floor int) int {
	maxRaw := rawToday
	for _, h := range history {
		if r := RawRisk(h.SeverityCounts, w); r > maxRaw {
			maxRaw = r
		}
	}
	if maxRaw < floor {
		return floor
	}
	return maxRaw
}

// NormalizeRisk scales raw into 0..100.
func NormalizeRisk(raw, denominator int) int {
	if denominator <= 0 || raw <= 0 {
		return 0
	}
	score := int(math.Round(float64(raw) / float64(denominator) * 100))
	if score > 100 {
		return 100
	}
	return score
}

// RiskScore scores a day's severity counts against the prior history.
func RiskScore(counts models.SeverityCounts, history []models.DailyMetric, cfg Config) int {
	cfg = cfg.WithDefaults()
	raw := RawRisk(counts, cfg.Weights)
	return NormalizeRisk(raw, RiskDenominator(raw, history, cfg.Weights, cfg.RiskFloor))
}

// Candidate is a not yet deduplicated insight.
type Candidate struct {
	InsightType string
	Source      string
	DeviceID    string
	Metric      string
	Severity    models.Severity
	Confidence  models.Confidence
	Title       string
	Explanation string
	ActionText  string
	Evidence    map[string]any
	TS          time.Time
}

// Input is one batch's observations for one day.
type Input struct {
	OrgID        string
	DeviceID     string
	Day          time.Time
	Observations []models.Observation
	// Prior holds the day's totals from other batches.
	Prior     models.MetricCounts
	Inventory *Inventory
	Snapshot  *baseline.Snapshot
	Now       time.Time
}

// Result is what a batch contributes to a day.
type Result struct {
	Day        time.Time
	Candidates []Candidate
	Metrics    models.MetricCounts
	Severity   models.SeverityCounts
	Deltas     map[string]baseline.Delta
}

// Rollup is a day's derived risk view.
type Rollup struct {
	RiskScore      int
	BaselineDeltas map[string]float64
	Drivers        []models.Driver
}

type Scorer struct {
	cfg Config
}

func NewScorer(cfg Config) *Scorer {
	return &Scorer{cfg: cfg.WithDefaults()}
}

func (s *Scorer) Config() Config { return s.cfg }

// Score classifies the input and emits one candidate per signal. Severity
// comes from the day's total for the signal's metric, including this batch.
func (s *Scorer) Score(in Input) Result {
	inv := in.Inventory
	if inv == nil {
		inv = NewInventory(nil)
	}
	c := Classify(in.Observations, inv, s.cfg.SuspiciousMarkers)
	res := Result{
		Day:     models.DayOf(in.Day),
		Metrics: c.Counts,
		Deltas:  make(map[string]baseline.Delta, len(models.MetricNames)),
	}
	for _, metric := range models.MetricNames {
		if c.Counts.Get(metric) == 0 {
			continue
		}
		observed := float64(in.Prior.Get(metric) + c.Counts.Get(metric))
		res.Deltas[metric] = s.delta(in.Snapshot, metric, observed)
	}

	for _, sig := range c.Signals {
		d := res.Deltas[sig.Metric]
		sev := models.SeverityInfo
		if !d.ColdStart {
			sev = SeverityFor(d.Deviation, s.cfg.WarnDeviation, s.cfg.HighDeviation)
		}
		cand := s.candidate(in, sig, d)
		cand.Severity = sev
		cand.Confidence = ConfidenceFor(d.Samples, d.ColdStart, s.cfg.MediumConfidenceDays, s.cfg.HighConfidenceDays)
		res.Severity.Inc(sev)
		res.Candidates = append(res.Candidates, cand)
	}
	return res
}

// Rollup derives risk, baseline deltas and drivers from a day's totals.
func (s *Scorer) Rollup(metrics models.MetricCounts, sev models.SeverityCounts, snap *baseline.Snapshot) Rollup {
	r := Rollup{BaselineDeltas: make(map[string]float64, len(models.MetricNames))}
	var history []models.DailyMetric
	if snap != nil {
		history = snap.History
	}
	for _, metric := range models.MetricNames {
		d := s.delta(snap, metric, float64(metrics.Get(metric)))
		r.BaselineDeltas[metric] = round(d.Deviation, 3)
	}
	r.Drivers = Drivers(r.BaselineDeltas, s.cfg.MaxDrivers)
	r.RiskScore = RiskScore(sev, history, s.cfg)
	return r
}

func (s *Scorer) delta(snap *baseline.Snapshot, metric string, observed float64) baseline.Delta {
	if snap == nil {
		return baseline.Delta{
			Expectation: baseline.Expectation{Metric: metric, ColdStart: true},
			Observed:    observed,
			Raw:         observed,
		}
	}
	return snap.Delta(metric, observed)
}

func (s *Scorer) candidate(in Input, sig Signal, d baseline.Delta) Candidate {
	o := sig.Observation
	ts := o.ObservedAt
	if ts.IsZero() || (!in.Now.IsZero() && ts.After(in.Now)) {
		ts = in.Now
	}
	ev := map[string]any{
		"device_id":       in.DeviceID,
		"metric":          sig.Metric,
		"kind":            string(o.Kind),
		"observed":        d.Observed,
		"baseline_center": round(d.Center, 3),
		"baseline_spread": round(d.Spread, 3),
		"deviation":       round(d.Raw, 3),
		"samples":         d.Samples,
		"cold_start":      d.ColdStart,
	}
	c := Candidate{DeviceID: in.DeviceID, Metric: sig.Metric, TS: ts, Evidence: ev}

	switch sig.Metric {
	case models.MetricFailedLogins:
		c.InsightType, c.Source = TypeAuthAnomaly, SourceAuth
		user := o.Attr("username")
		ev["username"] = user
		if m := o.Attr("method"); m != "" {
			ev["method"] = m
		}
		if ip := o.Attr("ip"); ip != "" {
			ev["remote_ip"] = ip
		}
		if user == "" {
			user = "unknown user"
		}
		c.Title = fmt.Sprintf("Failed login for %s on %s", user, in.DeviceID)
		c.ActionText = ActionFailedLogins
	case models.MetricNewListeners:
		c.InsightType, c.Source = TypeNetworkExposure, SourceNetwork
		ev["listener"] = sig.Subject
		if p := o.Attr("process_name"); p != "" {
			ev["process_name"] = p
		}
		if p := o.Attr("protocol"); p != "" {
			ev["protocol"] = p
		}
		c.Title = fmt.Sprintf("New listening port %s on %s", sig.Subject, in.DeviceID)
		c.ActionText = ActionListeners
	case models.MetricNewProcesses:
		c.InsightType, c.Source = TypeProcessAnomaly, SourceProcess
		ev["process_name"] = o.Attr("process_name")
		ev["exe"] = o.Attr("exe")
		c.Title = fmt.Sprintf("New process %s on %s", displayName(o), in.DeviceID)
		c.ActionText = ActionProcesses
	case models.MetricSuspiciousExecs:
		c.InsightType, c.Source = TypeSuspiciousExec, SourceProcess
		ev["process_name"] = o.Attr("process_name")
		ev["exe"] = o.Attr("exe")
		c.Title = fmt.Sprintf("Execution from temporary path %s on %s", o.Attr("exe"), in.DeviceID)
		c.ActionText = ActionSuspicious
	}
	c.Explanation = s.explain(sig.Metric, d)
	return c
}

func (s *Scorer) explain(metric string, d baseline.Delta) string {
	if d.ColdStart {
		return fmt.Sprintf("%s reached %.0f today. Only %d days of history exist, so severity stays at info until a baseline is established.",
			metric, d.Observed, d.Samples)
	}
	return fmt.Sprintf("%s reached %.0f today against a %d-day median of %.1f (spread %.1f), %.1f deviations from baseline. Severity rule: info below %.1f, warn from %.1f, high from %.1f deviations.",
		metric, d.Observed, d.Samples, d.Center, d.Spread, d.Deviation,
		s.cfg.WarnDeviation, s.cfg.WarnDeviation, s.cfg.HighDeviation)
}

func displayName(o models.Observation) string {
	if n := o.Attr("process_name"); n != "" {
		return n
	}
	return o.Attr("exe")
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// Recommendation texts, in priority order.
const (
	ActionFailedLogins = "Review failed login bursts and enforce MFA where missing."
	ActionListeners    = "Validate newly exposed listening ports and close unneeded services."
	ActionSuspicious   = "Investigate binaries running from temporary paths."
	ActionProcesses    = "Reconcile new process inventory against approved software baseline."
	ActionNewChanges   = "Validate high-severity changes introduced since yesterday."
	ActionMaintain     = "Maintain current hardening baseline and monitor for drift."
	MaxRecommendations = 3
)

// Recommendations returns guidance for a day, at most MaxRecommendations.
func Recommendations(m models.MetricCounts, topDriver string, newChanges bool) []string {
	var out []string
	if m.FailedLogins > 0 {
		out = append(out, ActionFailedLogins)
	}
	if m.NewListeners > 0 {
		out = append(out, ActionListeners)
	}
	if m.SuspiciousExecs > 0 {
		out = append(out, ActionSuspicious)
	}
	if topDriver == models.MetricNewProcesses {
		out = append(out, ActionProcesses)
	}
	if newChanges {
		out = append(out, ActionNewChanges)
	}
	if len(out) == 0 {
		out = append(out, ActionMaintain)
	}
	if len(out) > MaxRecommendations {
		out = out[:MaxRecommendations]
	}
	return out
}
