package repository

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ComUnity/insight-service/internal/models"
	"github.com/ComUnity/insight-service/internal/util/logger"
	"github.com/lib/pq"
)

//go:embed schema.sql
var Schema string

const uniqueViolation = "23505"

// PoolConfig tunes the database/sql pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// PostgresStore implements Store on PostgreSQL or CockroachDB via lib/pq.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps db. Zero pool fields keep the defaults below.
func NewPostgresStore(db *sql.DB, pool PoolConfig) *PostgresStore {
	if pool.MaxOpenConns <= 0 {
		pool.MaxOpenConns = 50
	}
	if pool.MaxIdleConns <= 0 {
		pool.MaxIdleConns = 10
	}
	if pool.ConnMaxLifetime <= 0 {
		pool.ConnMaxLifetime = 5 * time.Minute
	}
	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB { return s.db }

func (s *PostgresStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *PostgresStore) Close() error { return s.db.Close() }

// EnsureSchema applies schema.sql. Every statement is idempotent.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation
}

// ---- orgs and devices ----

func (s *PostgresStore) GetOrg(ctx context.Context, orgID string) (*models.Org, error) {
	const q = `
SELECT id, name, plan, active, rate_limit_per_minute, secret_hash, created_at
FROM orgs WHERE id = $1`
	var o models.Org
	err := s.db.QueryRowContext(ctx, q, orgID).Scan(
		&o.ID, &o.Name, &o.Plan, &o.Active, &o.RateLimitPerMinute, &o.SecretHash, &o.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get org: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) UpsertOrg(ctx context.Context, org *models.Org) error {
	const q = `
INSERT INTO orgs (id, name, plan, active, rate_limit_per_minute, secret_hash)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (id) DO UPDATE
SET name = EXCLUDED.name,
    plan = EXCLUDED.plan,
    active = EXCLUDED.active,
    rate_limit_per_minute = EXCLUDED.rate_limit_per_minute,
    secret_hash = EXCLUDED.secret_hash
RETURNING created_at`
	err := s.db.QueryRowContext(ctx, q,
		org.ID, org.Name, org.Plan, org.Active, org.RateLimitPerMinute, org.SecretHash,
	).Scan(&org.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert org: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDevice(ctx context.Context, orgID, deviceID string) (*models.Device, error) {
	const q = `
SELECT org_id, device_id, agent_version, first_seen, last_seen
FROM devices WHERE org_id = $1 AND device_id = $2`
	var d models.Device
	err := s.db.QueryRowContext(ctx, q, orgID, deviceID).Scan(
		&d.OrgID, &d.DeviceID, &d.AgentVersion, &d.FirstSeen, &d.LastSeen,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get device: %w", err)
	}
	return &d, nil
}

// ---- insights ----

const insightColumns = `id, org_id, device_id, ts, insight_type, source, severity, confidence,
title, explanation, evidence, action_text, fingerprint, status, first_seen, last_seen, count, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInsight(row rowScanner) (*models.Insight, error) {
	var (
		ins      models.Insight
		evidence []byte
	)
	if err := row.Scan(
		&ins.ID, &ins.OrgID, &ins.DeviceID, &ins.TS, &ins.InsightType, &ins.Source,
		&ins.Severity, &ins.Confidence, &ins.Title, &ins.Explanation, &evidence,
		&ins.ActionText, &ins.Fingerprint, &ins.Status, &ins.FirstSeen, &ins.LastSeen,
		&ins.Count, &ins.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &ins.Evidence); err != nil {
			return nil, fmt.Errorf("decode evidence: %w", err)
		}
	}
	return &ins, nil
}

func (s *PostgresStore) GetInsight(ctx context.Context, orgID string, id int64) (*models.Insight, error) {
	q := `SELECT ` + insightColumns + ` FROM insights WHERE org_id = $1 AND id = $2`
	ins, err := scanInsight(s.db.QueryRowContext(ctx, q, orgID, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get insight: %w", err)
	}
	return ins, nil
}

// buildInsightQuery renders f into a keyset-paginated SELECT.
func buildInsightQuery(orgID string, f InsightFilter) (string, []any) {
	where := []string{"org_id = $1"}
	args := []any{orgID}
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.DeviceID != "" {
		add("device_id = $%d", f.DeviceID)
	}
	if f.Status != "" {
		add("status = $%d", string(f.Status))
	}
	if f.Severity != "" {
		add("severity = $%d", string(f.Severity))
	}
	if !f.LastSeenFrom.IsZero() {
		add("last_seen >= $%d", f.LastSeenFrom.UTC())
	}
	if !f.LastSeenTo.IsZero() {
		add("last_seen < $%d", f.LastSeenTo.UTC())
	}
	if f.BeforeID > 0 {
		add("id < $%d", f.BeforeID)
	}
	args = append(args, f.PageLimit())
	q := fmt.Sprintf(`SELECT %s FROM insights WHERE %s ORDER BY id DESC LIMIT $%d`,
		insightColumns, strings.Join(where, " AND "), len(args))
	return q, args
}

func (s *PostgresStore) ListInsights(ctx context.Context, orgID string, f InsightFilter) ([]models.Insight, error) {
	q, args := buildInsightQuery(orgID, f)
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var out []models.Insight
	for rows.Next() {
		ins, err := scanInsight(rows)
		if err != nil {
			return nil, fmt.Errorf("scan insight: %w", err)
		}
		out = append(out, *ins)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdateInsightStatus(ctx context.Context, orgID string, id int64, from, to models.InsightStatus, at time.Time) (*models.Insight, error) {
	q := `
UPDATE insights
SET status = $4, updated_at = GREATEST(updated_at, $5)
WHERE org_id = $1 AND id = $2 AND status = $3
RETURNING ` + insightColumns
	ins, err := scanInsight(s.db.QueryRowContext(ctx, q, orgID, id, string(from), string(to), at.UTC()))
	if err == nil {
		return ins, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("update insight status: %w", err)
	}
	// distinguish a missing row from one that already moved
	if _, getErr := s.GetInsight(ctx, orgID, id); getErr != nil {
		return nil, getErr
	}
	return nil, fmt.Errorf("insight %d no longer %s: %w", id, from, ErrConflict)
}

// ---- daily metrics ----

const metricColumns = `org_id, day, risk_score, high_count, warn_count, info_count,
failed_logins, new_listeners, new_processes, suspicious_execs, baseline_deltas, drivers, updated_at`

func scanMetric(row rowScanner) (*models.DailyMetric, error) {
	var (
		m             models.DailyMetric
		deltas, drvrs []byte
	)
	if err := row.Scan(
		&m.OrgID, &m.Day, &m.RiskScore, &m.High, &m.Warn, &m.Info,
		&m.FailedLogins, &m.NewListeners, &m.NewProcesses, &m.SuspiciousExecs,
		&deltas, &drvrs, &m.UpdatedAt,
	); err != nil {
		return nil, err
	}
	m.Day = models.DayOf(m.Day)
	if len(deltas) > 0 {
		if err := json.Unmarshal(deltas, &m.BaselineDeltas); err != nil {
			return nil, fmt.Errorf("decode baseline_deltas: %w", err)
		}
	}
	if len(drvrs) > 0 {
		if err := json.Unmarshal(drvrs, &m.Drivers); err != nil {
			return nil, fmt.Errorf("decode drivers: %w", err)
		}
	}
	return &m, nil
}

func (s *PostgresStore) GetDailyMetric(ctx context.Context, orgID string, day time.Time) (*models.DailyMetric, error) {
	q := `SELECT ` + metricColumns + ` FROM daily_metrics WHERE org_id = $1 AND day = $2`
	m, err := scanMetric(s.db.QueryRowContext(ctx, q, orgID, models.DayOf(day)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get daily metric: %w", err)
	}
	return m, nil
}

func (s *PostgresStore) DailyHistory(ctx context.Context, orgID string, from, to time.Time) ([]models.DailyMetric, error) {
	q := `SELECT ` + metricColumns + `
FROM daily_metrics WHERE org_id = $1 AND day >= $2 AND day <= $3 ORDER BY day ASC`
	rows, err := s.db.QueryContext(ctx, q, orgID, models.DayOf(from), models.DayOf(to))
	if err != nil {
		return nil, fmt.Errorf("daily history: %w", err)
	}
	defer rows.Close()
	var out []models.DailyMetric
	for rows.Next() {
		m, err := scanMetric(rows)
		if err != nil {
			return nil, fmt.Errorf("scan daily metric: %w", err)
		}
		out = append(out, *m)
	}
	return out, rows.Err()
}

// ---- transactions ----

func (s *PostgresStore) DailyHistoryVersion(ctx context.Context, orgID string, from, to time.Time) (models.HistoryVersion, error) {
	var (
		v    models.HistoryVersion
		last sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
SELECT count(*), max(updated_at) FROM daily_metrics
WHERE org_id = $1 AND day >= $2 AND day <= $3`, orgID, models.DayOf(from), models.DayOf(to)).Scan(&v.Rows, &last)
	if err != nil {
		return v, fmt.Errorf("daily history version: %w", err)
	}
	if last.Valid {
		v.LastUpdate = last.Time
	}
	return v, nil
}

func (s *PostgresStore) Begin(ctx context.Context) (Tx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) FindOpenInsight(ctx context.Context, orgID, fingerprint string) (*models.Insight, error) {
	q := `SELECT ` + insightColumns + `
FROM insights WHERE org_id = $1 AND fingerprint = $2 AND status = 'open'
FOR UPDATE`
	ins, err := scanInsight(t.tx.QueryRowContext(ctx, q, orgID, fingerprint))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find open insight: %w", err)
	}
	return ins, nil
}

// InsertInsight runs under a savepoint so a unique violation leaves the
// surrounding transaction usable for the merge retry.
func (t *pgTx) InsertInsight(ctx context.Context, ins *models.Insight) error {
	evidence, err := json.Marshal(ins.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `SAVEPOINT insight_insert`); err != nil {
		return fmt.Errorf("savepoint: %w", err)
	}
	const q = `
INSERT INTO insights (org_id, device_id, ts, insight_type, source, severity, confidence,
  title, explanation, evidence, action_text, fingerprint, status, first_seen, last_seen, count, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
RETURNING id`
	err = t.tx.QueryRowContext(ctx, q,
		ins.OrgID, ins.DeviceID, ins.TS.UTC(), ins.InsightType, ins.Source, string(ins.Severity),
		string(ins.Confidence), ins.Title, ins.Explanation, evidence, ins.ActionText,
		ins.Fingerprint, string(ins.Status), ins.FirstSeen.UTC(), ins.LastSeen.UTC(), ins.Count,
		ins.UpdatedAt.UTC(),
	).Scan(&ins.ID)
	if err != nil {
		if _, rbErr := t.tx.ExecContext(ctx, `ROLLBACK TO SAVEPOINT insight_insert`); rbErr != nil {
			logger.Warnf("[PostgresStore] Rollback to savepoint failed: %v", rbErr)
		}
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert insight: %w", err)
	}
	if _, err := t.tx.ExecContext(ctx, `RELEASE SAVEPOINT insight_insert`); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateInsight(ctx context.Context, ins *models.Insight) error {
	evidence, err := json.Marshal(ins.Evidence)
	if err != nil {
		return fmt.Errorf("encode evidence: %w", err)
	}
	const q = `
UPDATE insights
SET severity = $3, confidence = $4, title = $5, explanation = $6, evidence = $7,
    action_text = $8, last_seen = GREATEST(last_seen, $9), count = $10,
    updated_at = GREATEST(updated_at, $11)
WHERE org_id = $1 AND id = $2`
	res, err := t.tx.ExecContext(ctx, q,
		ins.OrgID, ins.ID, string(ins.Severity), string(ins.Confidence), ins.Title,
		ins.Explanation, evidence, ins.ActionText, ins.LastSeen.UTC(), ins.Count, ins.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("update insight: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *pgTx) KnownSubjects(ctx context.Context, orgID string, subjects []models.Subject) ([]models.Subject, error) {
	if len(subjects) == 0 {
		return nil, nil
	}
	kinds := make([]string, len(subjects))
	keys := make([]string, len(subjects))
	want := make(map[models.Subject]struct{}, len(subjects))
	for i, s := range subjects {
		kinds[i], keys[i] = s.Kind, s.Key
		want[s] = struct{}{}
	}
	const q = `
SELECT kind, key FROM subject_inventory
WHERE org_id = $1 AND kind = ANY($2) AND key = ANY($3)`
	rows, err := t.tx.QueryContext(ctx, q, orgID, pq.Array(kinds), pq.Array(keys))
	if err != nil {
		return nil, fmt.Errorf("known subjects: %w", err)
	}
	defer rows.Close()
	var out []models.Subject
	for rows.Next() {
		var s models.Subject
		if err := rows.Scan(&s.Kind, &s.Key); err != nil {
			return nil, fmt.Errorf("scan subject: %w", err)
		}
		// kind/key ANY pairs over-match across the cross product
		if _, ok := want[s]; ok {
			out = append(out, s)
		}
	}
	return out, rows.Err()
}

func (t *pgTx) AddSubjects(ctx context.Context, orgID string, subjects []models.Subject, day time.Time) error {
	if len(subjects) == 0 {
		return nil
	}
	args := make([]any, 0, len(subjects)*3+2)
	args = append(args, orgID, models.DayOf(day))
	values := make([]string, 0, len(subjects))
	for _, s := range subjects {
		n := len(args)
		values = append(values, fmt.Sprintf("($1, $%d, $%d, $2)", n+1, n+2))
		args = append(args, s.Kind, s.Key)
	}
	q := `INSERT INTO subject_inventory (org_id, kind, key, first_day) VALUES ` +
		strings.Join(values, ", ") + ` ON CONFLICT (org_id, kind, key) DO NOTHING`
	if _, err := t.tx.ExecContext(ctx, q, args...); err != nil {
		return fmt.Errorf("add subjects: %w", err)
	}
	return nil
}

func (t *pgTx) DayTotals(ctx context.Context, orgID string, day time.Time, excludeBatch string) (models.MetricCounts, models.SeverityCounts, error) {
	const q = `
SELECT COALESCE(SUM(failed_logins), 0), COALESCE(SUM(new_listeners), 0),
       COALESCE(SUM(new_processes), 0), COALESCE(SUM(suspicious_execs), 0),
       COALESCE(SUM(high_count), 0), COALESCE(SUM(warn_count), 0), COALESCE(SUM(info_count), 0)
FROM contributions
WHERE org_id = $1 AND day = $2 AND batch_key <> $3`
	var (
		m   models.MetricCounts
		sev models.SeverityCounts
	)
	err := t.tx.QueryRowContext(ctx, q, orgID, models.DayOf(day), excludeBatch).Scan(
		&m.FailedLogins, &m.NewListeners, &m.NewProcesses, &m.SuspiciousExecs,
		&sev.High, &sev.Warn, &sev.Info,
	)
	if err != nil {
		return m, sev, fmt.Errorf("day totals: %w", err)
	}
	return m, sev, nil
}

func (t *pgTx) PutContribution(ctx context.Context, c models.Contribution) error {
	const q = `
INSERT INTO contributions (org_id, day, batch_key, device_id, failed_logins, new_listeners,
  new_processes, suspicious_execs, high_count, warn_count, info_count, recorded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
ON CONFLICT (org_id, day, batch_key) DO UPDATE
SET failed_logins = EXCLUDED.failed_logins,
    new_listeners = EXCLUDED.new_listeners,
    new_processes = EXCLUDED.new_processes,
    suspicious_execs = EXCLUDED.suspicious_execs,
    high_count = EXCLUDED.high_count,
    warn_count = EXCLUDED.warn_count,
    info_count = EXCLUDED.info_count,
    recorded_at = EXCLUDED.recorded_at`
	_, err := t.tx.ExecContext(ctx, q,
		c.OrgID, models.DayOf(c.Day), c.BatchKey, c.DeviceID,
		c.Metrics.FailedLogins, c.Metrics.NewListeners, c.Metrics.NewProcesses, c.Metrics.SuspiciousExecs,
		c.Severity.High, c.Severity.Warn, c.Severity.Info, c.Recorded.UTC(),
	)
	if err != nil {
		return fmt.Errorf("put contribution: %w", err)
	}
	return nil
}

// UpsertDailyMetric replaces the day's totals; updated_at never moves back.
func (t *pgTx) UpsertDailyMetric(ctx context.Context, m *models.DailyMetric) (*models.DailyMetric, error) {
	deltas, err := json.Marshal(m.BaselineDeltas)
	if err != nil {
		return nil, fmt.Errorf("encode baseline_deltas: %w", err)
	}
	drivers := m.Drivers
	if drivers == nil {
		drivers = []models.Driver{}
	}
	drvJSON, err := json.Marshal(drivers)
	if err != nil {
		return nil, fmt.Errorf("encode drivers: %w", err)
	}
	q := `
INSERT INTO daily_metrics (org_id, day, risk_score, high_count, warn_count, info_count,
  failed_logins, new_listeners, new_processes, suspicious_execs, baseline_deltas, drivers, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (org_id, day) DO UPDATE
SET risk_score = EXCLUDED.risk_score,
    high_count = EXCLUDED.high_count,
    warn_count = EXCLUDED.warn_count,
    info_count = EXCLUDED.info_count,
    failed_logins = EXCLUDED.failed_logins,
    new_listeners = EXCLUDED.new_listeners,
    new_processes = EXCLUDED.new_processes,
    suspicious_execs = EXCLUDED.suspicious_execs,
    baseline_deltas = EXCLUDED.baseline_deltas,
    drivers = EXCLUDED.drivers,
    updated_at = GREATEST(daily_metrics.updated_at, EXCLUDED.updated_at)
RETURNING ` + metricColumns
	row, err := scanMetric(t.tx.QueryRowContext(ctx, q,
		m.OrgID, models.DayOf(m.Day), m.RiskScore, m.High, m.Warn, m.Info,
		m.FailedLogins, m.NewListeners, m.NewProcesses, m.SuspiciousExecs,
		deltas, drvJSON, m.UpdatedAt.UTC(),
	))
	if err != nil {
		return nil, fmt.Errorf("upsert daily metric: %w", err)
	}
	return row, nil
}

func (t *pgTx) TouchDevice(ctx context.Context, d models.Device) error {
	const q = `
INSERT INTO devices (org_id, device_id, agent_version, first_seen, last_seen)
VALUES ($1, $2, $3, $4, $4)
ON CONFLICT (org_id, device_id) DO UPDATE
SET agent_version = CASE
      WHEN EXCLUDED.agent_version <> '' THEN EXCLUDED.agent_version
      ELSE devices.agent_version
    END,
    last_seen = GREATEST(devices.last_seen, EXCLUDED.last_seen)`
	if _, err := t.tx.ExecContext(ctx, q, d.OrgID, d.DeviceID, d.AgentVersion, d.LastSeen.UTC()); err != nil {
		return fmt.Errorf("touch device: %w", err)
	}
	return nil
}

func (t *pgTx) Commit() error {
	if err := t.tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback() error {
	err := t.tx.Rollback()
	if errors.Is(err, sql.ErrTxDone) {
		return nil
	}
	return err
}
