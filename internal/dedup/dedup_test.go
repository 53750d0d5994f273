package dedup

import (
	"context"
	"testing"
	"time"

	"github.com/ComUnity/insight-service/internal/models"
	"github.com/ComUnity/insight-service/internal/repository"
	"github.com/ComUnity/insight-service/internal/scoring"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func failedLogin(user string, ts time.Time, sev models.Severity) scoring.Candidate {
	return scoring.Candidate{
		InsightType: scoring.TypeAuthAnomaly,
		Source:      scoring.SourceAuth,
		DeviceID:    "d1",
		Metric:      models.MetricFailedLogins,
		Severity:    sev,
		Confidence:  models.ConfidenceMedium,
		Title:       "Failed login for " + user + " on d1",
		Explanation: "explained at " + ts.String(),
		Evidence: map[string]any{
			"device_id": "d1",
			"metric":    models.MetricFailedLogins,
			"username":  user,
			"observed":  float64(ts.Minute()),
		},
		TS: ts,
	}
}

func TestFingerprint_Stability(t *testing.T) {
	a := failedLogin("root", t0, models.SeverityInfo)
	b := failedLogin("root", t0.Add(time.Hour), models.SeverityHigh)
	b.Title = "something else entirely"

	assert.Equal(t, Fingerprint("acme", a), Fingerprint("acme", b))
	assert.Len(t, Fingerprint("acme", a), 64)

	assert.NotEqual(t, Fingerprint("acme", a), Fingerprint("globex", a))
	assert.NotEqual(t, Fingerprint("acme", a), Fingerprint("acme", failedLogin("admin", t0, models.SeverityInfo)))

	c := a
	c.Source = "network"
	assert.NotEqual(t, Fingerprint("acme", a), Fingerprint("acme", c))
}

func TestFingerprint_FallbackKeys(t *testing.T) {
	c := scoring.Candidate{
		InsightType: "persistence",
		Source:      "process",
		Evidence:    map[string]any{"mechanism": "launchd", "name": "com.evil", "nested": map[string]any{"x": 1}},
	}
	assert.Equal(t, []string{"mechanism", "name"}, keysFor(c.InsightType, c.Evidence))
	fp := Fingerprint("acme", c)
	c.Evidence["nested"] = map[string]any{"x": 2}
	assert.Equal(t, fp, Fingerprint("acme", c))

	withStable := map[string]any{"port": "22", "mechanism": "x"}
	assert.Equal(t, []string{"port"}, keysFor("other", withStable))
}

func TestMerge(t *testing.T) {
	first := failedLogin("root", t0, models.SeverityWarn)
	ins := NewInsight("acme", "fp", first, t0)
	assert.Equal(t, 1, ins.Count)
	assert.Equal(t, models.StatusOpen, ins.Status)
	assert.Equal(t, t0, ins.FirstSeen)

	second := failedLogin("root", t0.Add(5*time.Minute), models.SeverityInfo)
	second.Confidence = models.ConfidenceHigh
	merged := Merge(ins, second, t0.Add(6*time.Minute))
	assert.Equal(t, 2, merged.Count)
	assert.Equal(t, t0, merged.FirstSeen)
	assert.Equal(t, t0.Add(5*time.Minute), merged.LastSeen)
	assert.Equal(t, models.SeverityWarn, merged.Severity, "severity never drops")
	assert.Equal(t, models.ConfidenceHigh, merged.Confidence)
	assert.Equal(t, 5.0, merged.Evidence["observed"])
	assert.Equal(t, 1, ins.Count, "input untouched")

	// an out of order candidate never moves last_seen back
	late := Merge(merged, failedLogin("root", t0.Add(time.Minute), models.SeverityInfo), t0.Add(7*time.Minute))
	assert.Equal(t, t0.Add(5*time.Minute), late.LastSeen)
}

func TestEngine_TwoObservationsOneInsight(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	e := NewEngine()

	tx, err := store.Begin(ctx)
	require.NoError(t, err)
	changes, err := e.Apply(ctx, tx, "acme", []scoring.Candidate{
		failedLogin("root", t0, models.SeverityInfo),
		failedLogin("root", t0.Add(2*time.Minute), models.SeverityInfo),
		failedLogin("admin", t0, models.SeverityInfo),
	}, t0.Add(3*time.Minute))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	require.Len(t, changes, 3)
	assert.True(t, changes[0].Created)
	assert.False(t, changes[1].Created)
	assert.True(t, changes[2].Created)

	open, err := store.ListInsights(ctx, "acme", repository.InsightFilter{Status: models.StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 2)
	var root models.Insight
	for _, ins := range open {
		if ins.Evidence["username"] == "root" {
			root = ins
		}
	}
	assert.Equal(t, 2, root.Count)
	assert.Equal(t, t0, root.FirstSeen)
	assert.Equal(t, t0.Add(2*time.Minute), root.LastSeen)
}

func TestEngine_ClosedFingerprintReopens(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	e := NewEngine()

	tx, _ := store.Begin(ctx)
	changes, err := e.Apply(ctx, tx, "acme", []scoring.Candidate{failedLogin("root", t0, models.SeverityInfo)}, t0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	_, err = store.UpdateInsightStatus(ctx, "acme", changes[0].Insight.ID, models.StatusOpen, models.StatusClosed, t0)
	require.NoError(t, err)

	tx, _ = store.Begin(ctx)
	again, err := e.Apply(ctx, tx, "acme", []scoring.Candidate{failedLogin("root", t0.Add(time.Hour), models.SeverityInfo)}, t0.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.True(t, again[0].Created)
	assert.NotEqual(t, changes[0].Insight.ID, again[0].Insight.ID)
}

// racingTx simulates another writer opening the fingerprint between this
// transaction's lookup and insert.
type racingTx struct {
	repository.Tx
	store   *repository.MemoryStore
	raced   bool
	inserts int
}

func (r *racingTx) InsertInsight(ctx context.Context, ins *models.Insight) error {
	r.inserts++
	if !r.raced {
		r.raced = true
		other, _ := r.store.Begin(ctx)
		winner := *ins
		if err := other.InsertInsight(ctx, &winner); err != nil {
			return err
		}
		if err := other.Commit(); err != nil {
			return err
		}
		return repository.ErrConflict
	}
	return r.Tx.InsertInsight(ctx, ins)
}

func TestEngine_ConflictRetriedAsMerge(t *testing.T) {
	store := repository.NewMemoryStore()
	ctx := context.Background()
	inner, _ := store.Begin(ctx)
	tx := &racingTx{Tx: inner, store: store}

	changes, err := NewEngine().Apply(ctx, tx, "acme", []scoring.Candidate{failedLogin("root", t0, models.SeverityInfo)}, t0)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	require.Len(t, changes, 1)
	assert.False(t, changes[0].Created)
	assert.Equal(t, 2, changes[0].Insight.Count)
	assert.Equal(t, 1, tx.inserts)

	open, err := store.ListInsights(ctx, "acme", repository.InsightFilter{Status: models.StatusOpen})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, 2, open[0].Count)
}
