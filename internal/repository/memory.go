package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ComUnity/insight-service/internal/models"
)

type dayKey struct {
	org string
	day int64
}

type contribKey struct {
	org   string
	day   int64
	batch string
}

type subjectKey struct {
	org string
	models.Subject
}

type deviceKey struct {
	org    string
	device string
}

type openKey struct {
	org         string
	fingerprint string
}

// MemoryStore keeps everything in process. Transactions stage writes and
// apply them under the store lock at Commit.
type MemoryStore struct {
	mu            sync.RWMutex
	nextID        int64
	orgs          map[string]models.Org
	devices       map[deviceKey]models.Device
	insights      map[int64]*models.Insight
	open          map[openKey]int64
	metrics       map[dayKey]*models.DailyMetric
	contributions map[contribKey]models.Contribution
	subjects      map[subjectKey]time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:          make(map[string]models.Org),
		devices:       make(map[deviceKey]models.Device),
		insights:      make(map[int64]*models.Insight),
		open:          make(map[openKey]int64),
		metrics:       make(map[dayKey]*models.DailyMetric),
		contributions: make(map[contribKey]models.Contribution),
		subjects:      make(map[subjectKey]time.Time),
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

func (s *MemoryStore) GetOrg(_ context.Context, orgID string) (*models.Org, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orgs[orgID]
	if !ok {
		return nil, ErrNotFound
	}
	return &o, nil
}

func (s *MemoryStore) UpsertOrg(_ context.Context, org *models.Org) error {
	if org == nil || org.ID == "" {
		return errors.New("org id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *org
	if prev, ok := s.orgs[org.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	s.orgs[org.ID] = cp
	return nil
}

func (s *MemoryStore) GetDevice(_ context.Context, orgID, deviceID string) (*models.Device, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.devices[deviceKey{orgID, deviceID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &d, nil
}

func (s *MemoryStore) GetInsight(_ context.Context, orgID string, id int64) (*models.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ins, ok := s.insights[id]
	if !ok || ins.OrgID != orgID {
		return nil, ErrNotFound
	}
	return ins.Clone(), nil
}

func (s *MemoryStore) ListInsights(_ context.Context, orgID string, f InsightFilter) ([]models.Insight, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Insight
	for _, ins := range s.insights {
		if ins.OrgID != orgID || !matches(ins, f) {
			continue
		}
		out = append(out, *ins.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit := f.PageLimit(); len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func matches(ins *models.Insight, f InsightFilter) bool {
	switch {
	case f.DeviceID != "" && ins.DeviceID != f.DeviceID:
		return false
	case f.Status != "" && ins.Status != f.Status:
		return false
	case f.Severity != "" && ins.Severity != f.Severity:
		return false
	case !f.LastSeenFrom.IsZero() && ins.LastSeen.Before(f.LastSeenFrom):
		return false
	case !f.LastSeenTo.IsZero() && !ins.LastSeen.Before(f.LastSeenTo):
		return false
	case f.BeforeID > 0 && ins.ID >= f.BeforeID:
		return false
	}
	return true
}

func (s *MemoryStore) UpdateInsightStatus(_ context.Context, orgID string, id int64, from, to models.InsightStatus, at time.Time) (*models.Insight, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ins, ok := s.insights[id]
	if !ok || ins.OrgID != orgID {
		return nil, ErrNotFound
	}
	if ins.Status != from {
		return nil, fmt.Errorf("insight %d is %s: %w", id, ins.Status, ErrConflict)
	}
	if from == models.StatusOpen {
		delete(s.open, openKey{ins.OrgID, ins.Fingerprint})
	}
	ins.Status = to
	if at.After(ins.UpdatedAt) {
		ins.UpdatedAt = at
	}
	return ins.Clone(), nil
}

func (s *MemoryStore) GetDailyMetric(_ context.Context, orgID string, day time.Time) (*models.DailyMetric, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.metrics[dayKey{orgID, models.DayOf(day).Unix()}]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (s *MemoryStore) DailyHistory(_ context.Context, orgID string, from, to time.Time) ([]models.DailyMetric, error) {
	from, to = models.DayOf(from), models.DayOf(to)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DailyMetric
	for k, m := range s.metrics {
		if k.org != orgID || m.Day.Before(from) || m.Day.After(to) {
			continue
		}
		out = append(out, *m.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.Before(out[j].Day) })
	return out, nil
}

func (s *MemoryStore) DailyHistoryVersion(_ context.Context, orgID string, from, to time.Time) (models.HistoryVersion, error) {
	from, to = models.DayOf(from), models.DayOf(to)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var v models.HistoryVersion
	for k, m := range s.metrics {
		if k.org != orgID || m.Day.Before(from) || m.Day.After(to) {
			continue
		}
		v.Rows++
		if m.UpdatedAt.After(v.LastUpdate) {
			v.LastUpdate = m.UpdatedAt
		}
	}
	return v, nil
}

func (s *MemoryStore) Begin(context.Context) (Tx, error) {
	return &memTx{
		s:             s,
		insights:      make(map[int64]*models.Insight),
		contributions: make(map[contribKey]models.Contribution),
		metrics:       make(map[dayKey]*models.DailyMetric),
		subjects:      make(map[subjectKey]time.Time),
		devices:       make(map[deviceKey]models.Device),
		read:          make(map[int64]readMark),
	}, nil
}

var errTxDone = errors.New("transaction already finished")

type memTx struct {
	s             *MemoryStore
	done          bool
	insights      map[int64]*models.Insight
	contributions map[contribKey]models.Contribution
	metrics       map[dayKey]*models.DailyMetric
	subjects      map[subjectKey]time.Time
	devices       map[deviceKey]models.Device
	// read holds the stored state of insights this tx based writes on.
	read map[int64]readMark
}

type readMark struct {
	status    models.InsightStatus
	updatedAt time.Time
}

// markRead records ins as the base for later writes. Caller holds s.mu.
func (t *memTx) markRead(ins *models.Insight) {
	if _, ok := t.read[ins.ID]; !ok {
		t.read[ins.ID] = readMark{status: ins.Status, updatedAt: ins.UpdatedAt}
	}
}

func (t *memTx) FindOpenInsight(_ context.Context, orgID, fingerprint string) (*models.Insight, error) {
	if t.done {
		return nil, errTxDone
	}
	for _, ins := range t.insights {
		if ins.OrgID == orgID && ins.Fingerprint == fingerprint && ins.Status == models.StatusOpen {
			return ins.Clone(), nil
		}
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	id, ok := t.s.open[openKey{orgID, fingerprint}]
	if !ok {
		return nil, ErrNotFound
	}
	if staged, ok := t.insights[id]; ok {
		if staged.Status != models.StatusOpen {
			return nil, ErrNotFound
		}
		return staged.Clone(), nil
	}
	stored := t.s.insights[id]
	t.markRead(stored)
	return stored.Clone(), nil
}

func (t *memTx) InsertInsight(ctx context.Context, ins *models.Insight) error {
	if t.done {
		return errTxDone
	}
	if ins.Status == models.StatusOpen {
		if _, err := t.FindOpenInsight(ctx, ins.OrgID, ins.Fingerprint); err == nil {
			return ErrConflict
		}
	}
	t.s.mu.Lock()
	t.s.nextID++
	ins.ID = t.s.nextID
	t.s.mu.Unlock()
	t.insights[ins.ID] = ins.Clone()
	return nil
}

func (t *memTx) UpdateInsight(_ context.Context, ins *models.Insight) error {
	if t.done {
		return errTxDone
	}
	if _, staged := t.insights[ins.ID]; !staged {
		t.s.mu.RLock()
		stored, ok := t.s.insights[ins.ID]
		if ok {
			t.markRead(stored)
		}
		t.s.mu.RUnlock()
		if !ok {
			return ErrNotFound
		}
	}
	t.insights[ins.ID] = ins.Clone()
	return nil
}

func (t *memTx) KnownSubjects(_ context.Context, orgID string, subjects []models.Subject) ([]models.Subject, error) {
	if t.done {
		return nil, errTxDone
	}
	t.s.mu.RLock()
	defer t.s.mu.RUnlock()
	var out []models.Subject
	for _, sub := range subjects {
		k := subjectKey{orgID, sub}
		_, staged := t.subjects[k]
		_, stored := t.s.subjects[k]
		if staged || stored {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (t *memTx) AddSubjects(_ context.Context, orgID string, subjects []models.Subject, day time.Time) error {
	if t.done {
		return errTxDone
	}
	for _, sub := range subjects {
		k := subjectKey{orgID, sub}
		if _, ok := t.subjects[k]; !ok {
			t.subjects[k] = models.DayOf(day)
		}
	}
	return nil
}

func (t *memTx) DayTotals(_ context.Context, orgID string, day time.Time, excludeBatch string) (models.MetricCounts, models.SeverityCounts, error) {
	if t.done {
		return models.MetricCounts{}, models.SeverityCounts{}, errTxDone
	}
	d := models.DayOf(day).Unix()
	merged := make(map[contribKey]models.Contribution)
	t.s.mu.RLock()
	for k, c := range t.s.contributions {
		if k.org == orgID && k.day == d {
			merged[k] = c
		}
	}
	t.s.mu.RUnlock()
	for k, c := range t.contributions {
		if k.org == orgID && k.day == d {
			merged[k] = c
		}
	}
	var m models.MetricCounts
	var sev models.SeverityCounts
	for k, c := range merged {
		if k.batch == excludeBatch {
			continue
		}
		m = m.Plus(c.Metrics)
		sev = sev.Plus(c.Severity)
	}
	return m, sev, nil
}

func (t *memTx) PutContribution(_ context.Context, c models.Contribution) error {
	if t.done {
		return errTxDone
	}
	c.Day = models.DayOf(c.Day)
	t.contributions[contribKey{c.OrgID, c.Day.Unix(), c.BatchKey}] = c
	return nil
}

func (t *memTx) UpsertDailyMetric(_ context.Context, m *models.DailyMetric) (*models.DailyMetric, error) {
	if t.done {
		return nil, errTxDone
	}
	row := m.Clone()
	row.Day = models.DayOf(row.Day)
	k := dayKey{row.OrgID, row.Day.Unix()}
	prev := t.metrics[k]
	if prev == nil {
		t.s.mu.RLock()
		prev = t.s.metrics[k]
		t.s.mu.RUnlock()
	}
	if prev != nil && prev.UpdatedAt.After(row.UpdatedAt) {
		row.UpdatedAt = prev.UpdatedAt
	}
	t.metrics[k] = row
	return row.Clone(), nil
}

func (t *memTx) TouchDevice(_ context.Context, d models.Device) error {
	if t.done {
		return errTxDone
	}
	t.devices[deviceKey{d.OrgID, d.DeviceID}] = d
	return nil
}

// Commit applies staged writes atomically. A staged open insight whose
// fingerprint was opened by another committed transaction fails the whole
// commit with ErrConflict.
func (t *memTx) Commit() error {
	if t.done {
		return errTxDone
	}
	t.done = true
	s := t.s
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, mark := range t.read {
		cur, ok := s.insights[id]
		if !ok || cur.Status != mark.status || !cur.UpdatedAt.Equal(mark.updatedAt) {
			return fmt.Errorf("insight %d changed since read: %w", id, ErrConflict)
		}
	}
	for id, ins := range t.insights {
		if ins.Status != models.StatusOpen {
			continue
		}
		if holder, ok := s.open[openKey{ins.OrgID, ins.Fingerprint}]; ok && holder != id {
			return ErrConflict
		}
	}
	for id, ins := range t.insights {
		if prev, ok := s.insights[id]; ok && prev.Status == models.StatusOpen && ins.Status != models.StatusOpen {
			delete(s.open, openKey{prev.OrgID, prev.Fingerprint})
		}
		s.insights[id] = ins
		if ins.Status == models.StatusOpen {
			s.open[openKey{ins.OrgID, ins.Fingerprint}] = id
		}
	}
	for k, c := range t.contributions {
		s.contributions[k] = c
	}
	for k, m := range t.metrics {
		if prev, ok := s.metrics[k]; ok && prev.UpdatedAt.After(m.UpdatedAt) {
			m.UpdatedAt = prev.UpdatedAt
		}
		s.metrics[k] = m
	}
	for k, day := range t.subjects {
		if _, ok := s.subjects[k]; !ok {
			s.subjects[k] = day
		}
	}
	for k, d := range t.devices {
		if prev, ok := s.devices[k]; ok {
			d.FirstSeen = prev.FirstSeen
			if prev.LastSeen.After(d.LastSeen) {
				d.LastSeen = prev.LastSeen
			}
		}
		if d.FirstSeen.IsZero() {
			d.FirstSeen = d.LastSeen
		}
		s.devices[k] = d
	}
	return nil
}

func (t *memTx) Rollback() error {
	t.done = true
	return nil
}
