package repository

import (
	"context"
	"testing"
	"time"

	"github.com/ComUnity/insight-service/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func newInsight(org, fp string) *models.Insight {
	return &models.Insight{
		OrgID:       org,
		DeviceID:    "d1",
		TS:          t0,
		InsightType: "auth_anomaly",
		Source:      "auth",
		Severity:    models.SeverityWarn,
		Confidence:  models.ConfidenceHigh,
		Title:       "Failed login for root on d1",
		Evidence:    map[string]any{"username": "root"},
		Fingerprint: fp,
		Status:      models.StatusOpen,
		FirstSeen:   t0,
		LastSeen:    t0,
		Count:       1,
		UpdatedAt:   t0,
	}
}

func TestMemoryStore_TxIsolationAndCommit(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	ins := newInsight("acme", "fp1")
	require.NoError(t, tx.InsertInsight(ctx, ins))
	assert.Equal(t, int64(1), ins.ID)

	// staged writes are visible inside the tx only
	found, err := tx.FindOpenInsight(ctx, "acme", "fp1")
	require.NoError(t, err)
	assert.Equal(t, ins.ID, found.ID)
	_, err = s.GetInsight(ctx, "acme", ins.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// a second open insight for the same fingerprint conflicts
	assert.ErrorIs(t, tx.InsertInsight(ctx, newInsight("acme", "fp1")), ErrConflict)

	require.NoError(t, tx.Commit())
	got, err := s.GetInsight(ctx, "acme", ins.ID)
	require.NoError(t, err)
	assert.Equal(t, "root", got.Evidence["username"])
	assert.ErrorIs(t, tx.Commit(), errTxDone)
}

func TestMemoryStore_RollbackLeavesNothing(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx, err := s.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.InsertInsight(ctx, newInsight("acme", "fp1")))
	require.NoError(t, tx.PutContribution(ctx, models.Contribution{OrgID: "acme", Day: t0, BatchKey: "b1", Metrics: models.MetricCounts{FailedLogins: 1}}))
	_, err = tx.UpsertDailyMetric(ctx, &models.DailyMetric{OrgID: "acme", Day: t0, UpdatedAt: t0})
	require.NoError(t, err)
	require.NoError(t, tx.Rollback())

	list, err := s.ListInsights(ctx, "acme", InsightFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
	_, err = s.GetDailyMetric(ctx, "acme", t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_CommitConflict(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	a, _ := s.Begin(ctx)
	b, _ := s.Begin(ctx)
	require.NoError(t, a.InsertInsight(ctx, newInsight("acme", "fp1")))
	require.NoError(t, b.InsertInsight(ctx, newInsight("acme", "fp1")))
	require.NoError(t, a.Commit())
	assert.ErrorIs(t, b.Commit(), ErrConflict)

	open, err := s.ListInsights(ctx, "acme", InsightFilter{Status: models.StatusOpen})
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestMemoryStore_MergeLosesToStatusChange(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	ins := newInsight("acme", "fp1")
	require.NoError(t, tx.InsertInsight(ctx, ins))
	require.NoError(t, tx.Commit())

	merge, _ := s.Begin(ctx)
	found, err := merge.FindOpenInsight(ctx, "acme", "fp1")
	require.NoError(t, err)
	found.Count++
	require.NoError(t, merge.UpdateInsight(ctx, found))

	_, err = s.UpdateInsightStatus(ctx, "acme", ins.ID, models.StatusOpen, models.StatusClosed, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.ErrorIs(t, merge.Commit(), ErrConflict)

	got, err := s.GetInsight(ctx, "acme", ins.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, got.Status)
	assert.Equal(t, 1, got.Count)

	// the rerun opens a fresh insight
	retry, _ := s.Begin(ctx)
	_, err = retry.FindOpenInsight(ctx, "acme", "fp1")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, retry.InsertInsight(ctx, newInsight("acme", "fp1")))
	require.NoError(t, retry.Commit())
	open, err := s.ListInsights(ctx, "acme", InsightFilter{Status: models.StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.NotEqual(t, ins.ID, open[0].ID)
}

func TestMemoryStore_DailyHistoryVersion(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	day := models.DayOf(t0)

	v, err := s.DailyHistoryVersion(ctx, "acme", day.AddDate(0, 0, -7), day)
	require.NoError(t, err)
	assert.Zero(t, v.Rows)

	tx, _ := s.Begin(ctx)
	_, err = tx.UpsertDailyMetric(ctx, &models.DailyMetric{OrgID: "acme", Day: day.AddDate(0, 0, -1), UpdatedAt: t0})
	require.NoError(t, err)
	_, err = tx.UpsertDailyMetric(ctx, &models.DailyMetric{OrgID: "acme", Day: day.AddDate(0, 0, -9), UpdatedAt: t0.Add(time.Hour)})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	v, err = s.DailyHistoryVersion(ctx, "acme", day.AddDate(0, 0, -7), day)
	require.NoError(t, err)
	assert.True(t, v.Equal(models.HistoryVersion{Rows: 1, LastUpdate: t0}))

	tx, _ = s.Begin(ctx)
	_, err = tx.UpsertDailyMetric(ctx, &models.DailyMetric{OrgID: "acme", Day: day.AddDate(0, 0, -1), UpdatedAt: t0.Add(2 * time.Hour)})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	after, err := s.DailyHistoryVersion(ctx, "acme", day.AddDate(0, 0, -7), day)
	require.NoError(t, err)
	assert.False(t, after.Equal(v))
}

func TestMemoryStore_DayTotalsAndUpsert(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.PutContribution(ctx, models.Contribution{OrgID: "acme", Day: t0, BatchKey: "b1",
		Metrics: models.MetricCounts{FailedLogins: 3}, Severity: models.SeverityCounts{Warn: 3}}))
	require.NoError(t, tx.PutContribution(ctx, models.Contribution{OrgID: "acme", Day: t0.Add(time.Hour), BatchKey: "b2",
		Metrics: models.MetricCounts{FailedLogins: 1}, Severity: models.SeverityCounts{High: 1}}))
	// replacing b2 does not double count
	require.NoError(t, tx.PutContribution(ctx, models.Contribution{OrgID: "acme", Day: t0, BatchKey: "b2",
		Metrics: models.MetricCounts{FailedLogins: 1}, Severity: models.SeverityCounts{High: 1}}))
	require.NoError(t, tx.Commit())

	tx, _ = s.Begin(ctx)
	m, sev, err := tx.DayTotals(ctx, "acme", t0, "")
	require.NoError(t, err)
	assert.Equal(t, 4, m.FailedLogins)
	assert.Equal(t, models.SeverityCounts{High: 1, Warn: 3}, sev)

	m, _, err = tx.DayTotals(ctx, "acme", t0, "b2")
	require.NoError(t, err)
	assert.Equal(t, 3, m.FailedLogins)

	later := t0.Add(time.Hour)
	row, err := tx.UpsertDailyMetric(ctx, &models.DailyMetric{OrgID: "acme", Day: t0, RiskScore: 40, UpdatedAt: later})
	require.NoError(t, err)
	assert.Equal(t, later, row.UpdatedAt)
	// an older clock never moves updated_at back
	row, err = tx.UpsertDailyMetric(ctx, &models.DailyMetric{OrgID: "acme", Day: t0, RiskScore: 41, UpdatedAt: t0})
	require.NoError(t, err)
	assert.Equal(t, later, row.UpdatedAt)
	assert.Equal(t, 41, row.RiskScore)
	require.NoError(t, tx.Commit())

	hist, err := s.DailyHistory(ctx, "acme", t0.AddDate(0, 0, -1), t0)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, models.DayOf(t0), hist[0].Day)
}

func TestMemoryStore_StatusAndReopen(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	tx, _ := s.Begin(ctx)
	first := newInsight("acme", "fp1")
	require.NoError(t, tx.InsertInsight(ctx, first))
	require.NoError(t, tx.Commit())

	_, err := s.UpdateInsightStatus(ctx, "acme", first.ID, models.StatusAck, models.StatusClosed, t0)
	assert.ErrorIs(t, err, ErrConflict)
	_, err = s.UpdateInsightStatus(ctx, "globex", first.ID, models.StatusOpen, models.StatusClosed, t0)
	assert.ErrorIs(t, err, ErrNotFound)

	closed, err := s.UpdateInsightStatus(ctx, "acme", first.ID, models.StatusOpen, models.StatusClosed, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, closed.Status)

	// the fingerprint can open again once closed
	tx, _ = s.Begin(ctx)
	_, err = tx.FindOpenInsight(ctx, "acme", "fp1")
	assert.ErrorIs(t, err, ErrNotFound)
	second := newInsight("acme", "fp1")
	require.NoError(t, tx.InsertInsight(ctx, second))
	require.NoError(t, tx.Commit())
	assert.Greater(t, second.ID, first.ID)
}

func TestMemoryStore_ListFilters(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	tx, _ := s.Begin(ctx)
	for i, fp := range []string{"a", "b", "c", "d"} {
		ins := newInsight("acme", fp)
		if i%2 == 1 {
			ins.DeviceID = "d2"
			ins.Severity = models.SeverityHigh
		}
		ins.LastSeen = t0.Add(time.Duration(i) * time.Hour)
		require.NoError(t, tx.InsertInsight(ctx, ins))
	}
	require.NoError(t, tx.InsertInsight(ctx, newInsight("globex", "a")))
	require.NoError(t, tx.Commit())

	all, err := s.ListInsights(ctx, "acme", InsightFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, int64(4), all[0].ID)

	page, err := s.ListInsights(ctx, "acme", InsightFilter{Limit: 2, BeforeID: 4})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, []int64{3, 2}, []int64{page[0].ID, page[1].ID})

	d2, err := s.ListInsights(ctx, "acme", InsightFilter{DeviceID: "d2", Severity: models.SeverityHigh})
	require.NoError(t, err)
	assert.Len(t, d2, 2)

	window, err := s.ListInsights(ctx, "acme", InsightFilter{LastSeenFrom: t0.Add(time.Hour), LastSeenTo: t0.Add(3 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, window, 2)
}

func TestMemoryStore_SubjectsAndDevices(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	l := models.Subject{Kind: models.SubjectListener, Key: "*:22"}
	p := models.Subject{Kind: models.SubjectProcess, Key: "nc|/tmp/nc"}

	tx, _ := s.Begin(ctx)
	require.NoError(t, tx.AddSubjects(ctx, "acme", []models.Subject{l}, t0))
	require.NoError(t, tx.TouchDevice(ctx, models.Device{OrgID: "acme", DeviceID: "d1", AgentVersion: "1.0", LastSeen: t0}))
	require.NoError(t, tx.Commit())

	tx, _ = s.Begin(ctx)
	known, err := tx.KnownSubjects(ctx, "acme", []models.Subject{l, p})
	require.NoError(t, err)
	assert.Equal(t, []models.Subject{l}, known)
	known, err = tx.KnownSubjects(ctx, "globex", []models.Subject{l})
	require.NoError(t, err)
	assert.Empty(t, known)
	require.NoError(t, tx.TouchDevice(ctx, models.Device{OrgID: "acme", DeviceID: "d1", AgentVersion: "1.1", LastSeen: t0.Add(time.Hour)}))
	require.NoError(t, tx.Commit())

	d, err := s.GetDevice(ctx, "acme", "d1")
	require.NoError(t, err)
	assert.Equal(t, t0, d.FirstSeen)
	assert.Equal(t, t0.Add(time.Hour), d.LastSeen)
	assert.Equal(t, "1.1", d.AgentVersion)
}

func TestMemoryStore_Orgs(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	_, err := s.GetOrg(ctx, "acme")
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.UpsertOrg(ctx, &models.Org{ID: "acme", Plan: "standard", Active: true}))
	o, err := s.GetOrg(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, "standard", o.Plan)
	assert.False(t, o.CreatedAt.IsZero())
	assert.Error(t, s.UpsertOrg(ctx, &models.Org{}))
}

func TestInsightFilter_PageLimit(t *testing.T) {
	assert.Equal(t, DefaultPageSize, InsightFilter{}.PageLimit())
	assert.Equal(t, MaxPageSize, InsightFilter{Limit: 10000}.PageLimit())
	assert.Equal(t, 7, InsightFilter{Limit: 7}.PageLimit())
}
