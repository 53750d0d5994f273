// Package lifecycle owns insight status changes and the DailyMetric rollup.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ComUnity/insight-service/internal/baseline"
	"github.com/ComUnity/insight-service/internal/models"
	"github.com/ComUnity/insight-service/internal/repository"
	"github.com/ComUnity/insight-service/internal/scoring"
	"github.com/ComUnity/insight-service/internal/telemetry"
	"github.com/ComUnity/insight-service/internal/util/logger"
)

var ErrInvalidTransition = errors.New("invalid insight status transition")

const (
	BriefLookbackDays = 7
	MaxAnomalies      = 5
)

// allowed lists the operator moves. Nothing returns to open.
var allowed = map[models.InsightStatus][]models.InsightStatus{
	models.StatusOpen: {models.StatusAck, models.StatusClosed},
	models.StatusAck:  {models.StatusClosed},
}

func CanTransition(from, to models.InsightStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Manager struct {
	store  repository.Store
	scorer *scoring.Scorer
	pub    telemetry.Publisher
	now    func() time.Time
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func NewManager(store repository.Store, scorer *scoring.Scorer, pub telemetry.Publisher, opts ...Option) *Manager {
	if pub == nil {
		pub = telemetry.Nop{}
	}
	m := &Manager{store: store, scorer: scorer, pub: pub, now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Transition moves insight id to status to on behalf of actor. A concurrent
// change is re-read once before giving up.
func (m *Manager) Transition(ctx context.Context, orgID string, id int64, to models.InsightStatus, actor string) (*models.Insight, error) {
	if !to.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, to)
	}
	var lastErr error
	for attempt := 0; attempt < 2; attempt++ {
		cur, err := m.store.GetInsight(ctx, orgID, id)
		if err != nil {
			return nil, fmt.Errorf("load insight %d: %w", id, err)
		}
		if !CanTransition(cur.Status, to) {
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, cur.Status, to)
		}
		now := m.now().UTC()
		updated, err := m.store.UpdateInsightStatus(ctx, orgID, id, cur.Status, to, now)
		if errors.Is(err, repository.ErrConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("update insight %d: %w", id, err)
		}

		ev := telemetry.NewInsightEvent(telemetry.EventInsightStatusChanged, updated, now)
		ev.PreviousStatus = string(cur.Status)
		ev.Actor = actor
		m.pub.Publish(ev)
		logger.Infof("[Lifecycle] Insight %d in org %s moved %s -> %s by %s", id, orgID, cur.Status, to, actor)
		return updated, nil
	}
	return nil, fmt.Errorf("update insight %d: %w", id, lastErr)
}

// RecomputeDay rebuilds the (org, day) DailyMetric from the day's
// contributions inside tx. The stored updated_at never moves backwards.
func (m *Manager) RecomputeDay(ctx context.Context, tx repository.Tx, orgID string, day time.Time, snap *baseline.Snapshot, now time.Time) (*models.DailyMetric, error) {
	day = models.DayOf(day)
	metrics, sev, err := tx.DayTotals(ctx, orgID, day, "")
	if err != nil {
		return nil, fmt.Errorf("day totals: %w", err)
	}
	roll := m.scorer.Rollup(metrics, sev, snap)
	row := &models.DailyMetric{
		OrgID:          orgID,
		Day:            day,
		RiskScore:      roll.RiskScore,
		SeverityCounts: sev,
		MetricCounts:   metrics,
		BaselineDeltas: roll.BaselineDeltas,
		Drivers:        roll.Drivers,
		UpdatedAt:      now.UTC(),
	}
	stored, err := tx.UpsertDailyMetric(ctx, row)
	if err != nil {
		return nil, fmt.Errorf("upsert daily metric: %w", err)
	}
	return stored, nil
}

// Brief summarizes day for org. A day without a row reads as all zeros.
func (m *Manager) Brief(ctx context.Context, orgID string, day time.Time) (*models.DailyBrief, error) {
	day = models.DayOf(day)
	row, err := m.store.GetDailyMetric(ctx, orgID, day)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		row = &models.DailyMetric{OrgID: orgID, Day: day}
	case err != nil:
		return nil, fmt.Errorf("load daily metric: %w", err)
	}

	history, err := m.store.DailyHistory(ctx, orgID, day.AddDate(0, 0, -BriefLookbackDays), day.AddDate(0, 0, -1))
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	avg := 0.0
	if len(history) > 0 {
		sum := 0
		for _, h := range history {
			sum += h.RiskScore
		}
		avg = float64(sum) / float64(len(history))
	}

	topDriver := ""
	if len(row.Drivers) > 0 {
		topDriver = row.Drivers[0].Factor
	}

	open, err := m.store.ListInsights(ctx, orgID, repository.InsightFilter{
		Status:       models.StatusOpen,
		LastSeenFrom: day,
		LastSeenTo:   day.AddDate(0, 0, 1),
		Limit:        repository.MaxPageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}

	anomalies := m.baselineAnomalies(row)
	seen := make(map[string]bool)
	newChanges := false
	for _, ins := range open {
		if ins.Severity.Rank() < models.SeverityWarn.Rank() {
			continue
		}
		if !ins.FirstSeen.Before(day) {
			newChanges = true
		}
		if len(anomalies) < MaxAnomalies && !seen[ins.Title] {
			seen[ins.Title] = true
			anomalies = append(anomalies, ins.Title)
		}
	}

	return &models.DailyBrief{
		OrgID:              orgID,
		Day:                day,
		RiskScore:          row.RiskScore,
		DeltaVs7dAvg:       math.Round((float64(row.RiskScore)-avg)*100) / 100,
		TopDriver:          topDriver,
		Anomalies:          anomalies,
		RecommendedActions: scoring.Recommendations(row.MetricCounts, topDriver, newChanges),
	}, nil
}

// baselineAnomalies names metrics whose deviation reached the warn threshold.
func (m *Manager) baselineAnomalies(row *models.DailyMetric) []string {
	warn := m.scorer.Config().WarnDeviation
	out := []string{}
	for _, metric := range models.MetricNames {
		if d := row.BaselineDeltas[metric]; d >= warn {
			out = append(out, fmt.Sprintf("%s: %.1f deviations above baseline", metric, d))
		}
	}
	return out
}
