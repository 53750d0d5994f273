package repository

import (
	"context"
	"errors"
	"time"

	"github.com/ComUnity/insight-service/internal/models"
)

var (
	ErrNotFound = errors.New("not found")
	// ErrConflict reports a lost race: a second open insight for a fingerprint,
	// or a status change against a row that moved underneath.
	ErrConflict = errors.New("conflict")
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

// InsightFilter selects insights for one org, newest first. BeforeID is a
// keyset cursor: only ids strictly below it are returned.
type InsightFilter struct {
	DeviceID string
	Status   models.InsightStatus
	Severity models.Severity
	// LastSeenFrom/LastSeenTo bound last_seen as [from, to).
	LastSeenFrom time.Time
	LastSeenTo   time.Time
	BeforeID     int64
	Limit        int
}

// PageLimit clamps Limit into 1..MaxPageSize.
func (f InsightFilter) PageLimit() int {
	switch {
	case f.Limit <= 0:
		return DefaultPageSize
	case f.Limit > MaxPageSize:
		return MaxPageSize
	}
	return f.Limit
}

// Tx is one ingest's unit of work. Nothing written through a Tx is visible to
// readers until Commit; Rollback after Commit is a no-op.
type Tx interface {
	// FindOpenInsight returns the open insight for fingerprint, locked for
	// update, or ErrNotFound.
	FindOpenInsight(ctx context.Context, orgID, fingerprint string) (*models.Insight, error)
	// InsertInsight assigns ins.ID. ErrConflict when an open insight already
	// holds the fingerprint; the Tx stays usable.
	InsertInsight(ctx context.Context, ins *models.Insight) error
	UpdateInsight(ctx context.Context, ins *models.Insight) error

	KnownSubjects(ctx context.Context, orgID string, subjects []models.Subject) ([]models.Subject, error)
	AddSubjects(ctx context.Context, orgID string, subjects []models.Subject, day time.Time) error

	// DayTotals sums the day's contributions, skipping excludeBatch.
	DayTotals(ctx context.Context, orgID string, day time.Time, excludeBatch string) (models.MetricCounts, models.SeverityCounts, error)
	PutContribution(ctx context.Context, c models.Contribution) error
	// UpsertDailyMetric writes m keeping updated_at monotonic and returns the
	// stored row.
	UpsertDailyMetric(ctx context.Context, m *models.DailyMetric) (*models.DailyMetric, error)

	TouchDevice(ctx context.Context, d models.Device) error

	Commit() error
	Rollback() error
}

// OrgRepository is the tenant registry.
type OrgRepository interface {
	GetOrg(ctx context.Context, orgID string) (*models.Org, error)
	UpsertOrg(ctx context.Context, org *models.Org) error
	GetDevice(ctx context.Context, orgID, deviceID string) (*models.Device, error)
}

// InsightRepository serves the read and operator side.
type InsightRepository interface {
	GetInsight(ctx context.Context, orgID string, id int64) (*models.Insight, error)
	ListInsights(ctx context.Context, orgID string, f InsightFilter) ([]models.Insight, error)
	// UpdateInsightStatus moves id from -> to. ErrNotFound for an unknown id,
	// ErrConflict when the row is no longer in from.
	UpdateInsightStatus(ctx context.Context, orgID string, id int64, from, to models.InsightStatus, at time.Time) (*models.Insight, error)
}

// MetricsRepository reads DailyMetric rows.
type MetricsRepository interface {
	GetDailyMetric(ctx context.Context, orgID string, day time.Time) (*models.DailyMetric, error)
	// DailyHistory returns rows with from <= day <= to, ascending.
	DailyHistory(ctx context.Context, orgID string, from, to time.Time) ([]models.DailyMetric, error)
	// DailyHistoryVersion summarizes the rows DailyHistory would return.
	DailyHistoryVersion(ctx context.Context, orgID string, from, to time.Time) (models.HistoryVersion, error)
}

// Store is everything the service persists.
type Store interface {
	OrgRepository
	InsightRepository
	MetricsRepository
	RetentionRepository
	Begin(ctx context.Context) (Tx, error)
	Ping(ctx context.Context) error
	Close() error
}
