package worker

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ComUnity/insight-service/internal/baseline"
	"github.com/ComUnity/insight-service/internal/metrics"
	"github.com/ComUnity/insight-service/internal/replay"
	"github.com/ComUnity/insight-service/internal/repository"
	"github.com/ComUnity/insight-service/internal/retention"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_NonceSweep(t *testing.T) {
	now := time.Date(2026, 3, 20, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := replay.NewMemoryStore()
	guard := replay.NewGuard(store, replay.Config{}, replay.WithClock(clock))
	require.NoError(t, guard.Check(context.Background(), replay.Identity{OrgID: "acme", DeviceID: "d1"}, "nonce-0000000001", now))
	require.Equal(t, 1, store.Len())

	m := metrics.New("test")
	s := NewScheduler(m, NonceSweep(guard, time.Hour))

	require.NoError(t, s.RunNow(context.Background(), TaskNonceSweep))
	assert.Equal(t, 1, store.Len())

	now = now.Add(guard.Window() + time.Second)
	require.NoError(t, s.RunNow(context.Background(), TaskNonceSweep))
	assert.Zero(t, store.Len())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.WorkerRuns.WithLabelValues(TaskNonceSweep, "ok")))
}

func TestScheduler_BaselineRefresh(t *testing.T) {
	model := baseline.NewModel(repository.NewMemoryStore(), baseline.Config{})
	model.MarkActive("acme", time.Now())
	model.MarkActive("globex", time.Now())

	m := metrics.New("test")
	s := NewScheduler(m, BaselineRefresh(model, time.Minute, nil))
	require.NoError(t, s.RunNow(context.Background(), TaskBaselineRefresh))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerRuns.WithLabelValues(TaskBaselineRefresh, "ok")))
}

func TestScheduler_Retention(t *testing.T) {
	store := repository.NewMemoryStore()
	mgr := retention.NewManager(store, retention.Config{Contributions: 35 * 24 * time.Hour})
	m := metrics.New("test")
	s := NewScheduler(m, Retention(mgr, time.Hour))

	require.NoError(t, s.RunNow(context.Background(), TaskRetention))
	assert.Equal(t, int64(1), mgr.Stats().Executions)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerRuns.WithLabelValues(TaskRetention, "ok")))
}

func TestScheduler_LoopsUntilStopped(t *testing.T) {
	var runs atomic.Int32
	s := NewScheduler(nil, Task{
		Name:     "tick",
		Interval: 5 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	s.Start(context.Background())
	s.Start(context.Background())
	assert.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()

	stopped := runs.Load()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, stopped, runs.Load())
	s.Stop()
}

func TestScheduler_ErrorsAndPanics(t *testing.T) {
	m := metrics.New("test")
	boom := errors.New("boom")
	s := NewScheduler(m,
		Task{Name: "fails", Interval: time.Hour, Run: func(context.Context) error { return boom }},
		Task{Name: "panics", Interval: time.Hour, Run: func(context.Context) error { panic("bad state") }},
		Task{Name: "disabled", Interval: 0, Run: func(context.Context) error { return nil }},
	)
	assert.Equal(t, []string{"fails", "panics"}, s.Tasks())

	assert.ErrorIs(t, s.RunNow(context.Background(), "fails"), boom)
	err := s.RunNow(context.Background(), "panics")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad state")
	assert.ErrorIs(t, s.RunNow(context.Background(), "disabled"), ErrUnknownTask)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerRuns.WithLabelValues("fails", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WorkerRuns.WithLabelValues("panics", "error")))
}
