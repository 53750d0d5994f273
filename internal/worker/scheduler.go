// Package worker runs periodic maintenance off the request path.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ComUnity/insight-service/internal/baseline"
	"github.com/ComUnity/insight-service/internal/metrics"
	"github.com/ComUnity/insight-service/internal/replay"
	"github.com/ComUnity/insight-service/internal/retention"
	"github.com/ComUnity/insight-service/internal/util/logger"
)

const (
	TaskNonceSweep      = "nonce_sweep"
	TaskBaselineRefresh = "baseline_refresh"
	TaskRetention       = "retention"
)

var ErrUnknownTask = errors.New("unknown task")

// Task is one periodic job. Run must return when ctx is done.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// NonceSweep purges expired replay records.
func NonceSweep(g *replay.Guard, interval time.Duration) Task {
	return Task{
		Name:     TaskNonceSweep,
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := g.Sweep(ctx)
			return err
		},
	}
}

// BaselineRefresh rewarms today's history windows for recently active orgs.
func BaselineRefresh(m *baseline.Model, interval time.Duration, now func() time.Time) Task {
	if now == nil {
		now = time.Now
	}
	return Task{
		Name:     TaskBaselineRefresh,
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := m.Refresh(ctx, now())
			if n > 0 {
				logger.Debugf("[Scheduler] Refreshed baselines for %d orgs", n)
			}
			return err
		},
	}
}

// Retention runs every retention policy.
func Retention(m *retention.Manager, interval time.Duration) Task {
	return Task{
		Name:     TaskRetention,
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := m.Run(ctx)
			return err
		},
	}
}

// Scheduler runs each task on its own ticker. A slow task never delays another.
type Scheduler struct {
	tasks   []Task
	metrics *metrics.Metrics

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func NewScheduler(m *metrics.Metrics, tasks ...Task) *Scheduler {
	s := &Scheduler{metrics: m}
	for _, t := range tasks {
		if t.Interval <= 0 || t.Run == nil {
			logger.Warnf("[Scheduler] Task %s disabled (interval %s)", t.Name, t.Interval)
			continue
		}
		s.tasks = append(s.tasks, t)
	}
	return s
}

// Tasks lists the scheduled task names.
func (s *Scheduler) Tasks() []string {
	out := make([]string, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t.Name)
	}
	return out
}

func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.running = true
	for _, t := range s.tasks {
		s.wg.Add(1)
		go s.loop(ctx, t)
	}
	logger.Infof("[Scheduler] Started %d tasks", len(s.tasks))
}

// Stop cancels every loop and waits for in-flight runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()
	s.wg.Wait()
	logger.Infof("[Scheduler] Stopped")
}

// RunNow executes the named task once on the caller's goroutine.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	for _, t := range s.tasks {
		if t.Name == name {
			return s.run(ctx, t)
		}
	}
	return fmt.Errorf("%w: %s", ErrUnknownTask, name)
}

func (s *Scheduler) loop(ctx context.Context, t Task) {
	defer s.wg.Done()
	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = s.run(ctx, t)
		}
	}
}

func (s *Scheduler) run(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Errorf("[Scheduler] Task %s failed: %v", t.Name, err)
		}
		s.metrics.WorkerRun(t.Name, err)
	}()
	return t.Run(ctx)
}
