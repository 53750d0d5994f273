// Package retention ages out per-batch contributions and devices that have
// stopped reporting. Insights and daily metrics are kept forever.
package retention

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ComUnity/insight-service/internal/metrics"
	"github.com/ComUnity/insight-service/internal/repository"
	"github.com/ComUnity/insight-service/internal/util/logger"
	"github.com/google/uuid"
)

const historySize = 64

// Config holds one retention period per category. A zero period keeps the
// category forever.
type Config struct {
	Contributions   time.Duration
	InactiveDevices time.Duration
	DryRun          bool
}

// Policy ages out one category.
type Policy struct {
	Category string        `json:"category"`
	Period   time.Duration `json:"period"`
}

func (c Config) Policies() []Policy {
	var out []Policy
	for _, p := range []Policy{
		{repository.PurgeContributions, c.Contributions},
		{repository.PurgeInactiveDevices, c.InactiveDevices},
	} {
		if p.Period > 0 {
			out = append(out, p)
		}
	}
	return out
}

// ExecutionStatus is the outcome of one policy run.
type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
)

type Execution struct {
	ID        uuid.UUID       `json:"id"`
	Category  string          `json:"category"`
	Cutoff    time.Time       `json:"cutoff"`
	StartedAt time.Time       `json:"started_at"`
	Duration  time.Duration   `json:"duration"`
	Status    ExecutionStatus `json:"status"`
	Records   int64           `json:"records"`
	DryRun    bool            `json:"dry_run"`
	Error     string          `json:"error,omitempty"`
}

type Stats struct {
	Executions       int64      `json:"executions"`
	FailedExecutions int64      `json:"failed_executions"`
	RecordsDeleted   int64      `json:"records_deleted"`
	RecordsMatched   int64      `json:"records_matched"`
	LastExecution    *time.Time `json:"last_execution,omitempty"`
}

// Manager runs the configured policies against a repository.
type Manager struct {
	repo     repository.RetentionRepository
	policies []Policy
	dryRun   bool
	metrics  *metrics.Metrics
	now      func() time.Time

	mu      sync.RWMutex
	stats   Stats
	history []Execution
}

type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

func NewManager(repo repository.RetentionRepository, cfg Config, opts ...Option) *Manager {
	m := &Manager{
		repo:     repo,
		policies: cfg.Policies(),
		dryRun:   cfg.DryRun,
		now:      time.Now,
	}
	for _, o := range opts {
		o(m)
	}
	logger.Infof("[Retention] %d policies loaded (dry run: %t)", len(m.policies), m.dryRun)
	return m
}

func (m *Manager) Policies() []Policy {
	return append([]Policy(nil), m.policies...)
}

// Run executes every policy once. A failing policy does not stop the rest;
// their errors are joined.
func (m *Manager) Run(ctx context.Context) ([]Execution, error) {
	now := m.now().UTC()
	out := make([]Execution, 0, len(m.policies))
	var errs []error
	for _, p := range m.policies {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		exec := m.execute(ctx, p, now)
		if exec.Status == StatusFailed {
			errs = append(errs, fmt.Errorf("retention %s: %s", p.Category, exec.Error))
		}
		out = append(out, exec)
	}
	return out, errors.Join(errs...)
}

func (m *Manager) execute(ctx context.Context, p Policy, now time.Time) Execution {
	exec := Execution{
		ID:        uuid.New(),
		Category:  p.Category,
		Cutoff:    now.Add(-p.Period),
		StartedAt: now,
		DryRun:    m.dryRun,
		Status:    StatusCompleted,
	}
	started := time.Now()
	n, err := m.repo.PurgeBefore(ctx, p.Category, exec.Cutoff, m.dryRun)
	exec.Duration = time.Since(started)
	exec.Records = n
	if err != nil {
		exec.Status = StatusFailed
		exec.Error = err.Error()
		logger.Errorf("[Retention] %s before %s failed: %v", p.Category, exec.Cutoff.Format(time.RFC3339), err)
	} else if n > 0 {
		verb := "Purged"
		if m.dryRun {
			verb = "Would purge"
		}
		logger.Infof("[Retention] %s %d %s rows older than %s", verb, n, p.Category, exec.Cutoff.Format(time.RFC3339))
	}
	m.metrics.RetentionPurged(p.Category, n, m.dryRun)
	m.record(exec)
	return exec
}

func (m *Manager) record(e Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stats.Executions++
	switch {
	case e.Status == StatusFailed:
		m.stats.FailedExecutions++
	case e.DryRun:
		m.stats.RecordsMatched += e.Records
	default:
		m.stats.RecordsDeleted += e.Records
	}
	at := e.StartedAt
	m.stats.LastExecution = &at
	m.history = append(m.history, e)
	if len(m.history) > historySize {
		m.history = m.history[len(m.history)-historySize:]
	}
}

func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stats
}

// History returns recent executions, oldest first.
func (m *Manager) History() []Execution {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Execution(nil), m.history...)
}
