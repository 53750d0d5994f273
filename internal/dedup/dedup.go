// Package dedup fingerprints candidate insights and folds repeats into the
// org's open insight for that fingerprint.
package dedup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ComUnity/insight-service/internal/models"
	"github.com/ComUnity/insight-service/internal/repository"
	"github.com/ComUnity/insight-service/internal/scoring"
	"github.com/ComUnity/insight-service/internal/signing"
	"github.com/ComUnity/insight-service/internal/util/logger"
)

// FingerprintKeys lists, per insight type, the evidence fields that identify
// "the same" finding.
var FingerprintKeys = map[string][]string{
	scoring.TypeAuthAnomaly:     {"device_id", "metric", "username"},
	scoring.TypeNetworkExposure: {"device_id", "metric", "listener"},
	scoring.TypeProcessAnomaly:  {"device_id", "metric", "process_name", "exe"},
	scoring.TypeSuspiciousExec:  {"device_id", "metric", "exe"},
}

// stableEvidenceKeys are used for types without an entry in FingerprintKeys.
var stableEvidenceKeys = []string{
	"process_name", "exe", "pid", "ip", "port", "username",
	"event_type", "listener", "metric", "classification", "change",
}

// keysFor picks the fingerprint fields for a candidate.
func keysFor(insightType string, evidence map[string]any) []string {
	if keys, ok := FingerprintKeys[insightType]; ok {
		return keys
	}
	var keys []string
	for _, k := range stableEvidenceKeys {
		if _, ok := evidence[k]; ok {
			keys = append(keys, k)
		}
	}
	if len(keys) > 0 {
		return keys
	}
	for k, v := range evidence {
		switch v.(type) {
		case nil, string, bool, int, int64, float64:
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys
}

// Fingerprint hashes org, type, source and the ordered identity evidence.
// Title, explanation and timestamps never take part.
func Fingerprint(orgID string, c scoring.Candidate) string {
	keys := keysFor(c.InsightType, c.Evidence)
	pairs := make([]any, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, []any{k, c.Evidence[k]})
	}
	payload := map[string]any{
		"org_id":       orgID,
		"insight_type": c.InsightType,
		"source":       c.Source,
		"evidence":     pairs,
	}
	canonical, err := signing.Canonicalize(payload)
	if err != nil {
		// evidence holds a type canonical JSON cannot express; fall back to
		// its string form so the hash stays deterministic
		canonical = []byte(fmt.Sprintf("%s|%s|%s|%v", orgID, c.InsightType, c.Source, pairs))
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:])
}

// NewInsight opens a fresh insight for c.
func NewInsight(orgID, fingerprint string, c scoring.Candidate, now time.Time) *models.Insight {
	ts := c.TS
	if ts.IsZero() {
		ts = now
	}
	return &models.Insight{
		OrgID:       orgID,
		DeviceID:    c.DeviceID,
		TS:          now,
		InsightType: c.InsightType,
		Source:      c.Source,
		Severity:    c.Severity,
		Confidence:  c.Confidence,
		Title:       c.Title,
		Explanation: c.Explanation,
		Evidence:    models.CloneEvidence(c.Evidence),
		ActionText:  c.ActionText,
		Fingerprint: fingerprint,
		Status:      models.StatusOpen,
		FirstSeen:   ts,
		LastSeen:    ts,
		Count:       1,
		UpdatedAt:   now,
	}
}

// Merge folds c into a copy of existing: count+1, last_seen advanced to c.TS,
// evidence and explanation refreshed, severity and confidence only raised.
func Merge(existing *models.Insight, c scoring.Candidate, now time.Time) *models.Insight {
	out := existing.Clone()
	out.Count++
	ts := c.TS
	if ts.IsZero() {
		ts = now
	}
	if ts.After(out.LastSeen) {
		out.LastSeen = ts
	}
	if c.Evidence != nil {
		out.Evidence = models.CloneEvidence(c.Evidence)
	}
	if c.Explanation != "" {
		out.Explanation = c.Explanation
	}
	if c.Severity.Rank() > out.Severity.Rank() {
		out.Severity = c.Severity
	}
	if c.Confidence.Rank() > out.Confidence.Rank() {
		out.Confidence = c.Confidence
	}
	if now.After(out.UpdatedAt) {
		out.UpdatedAt = now
	}
	return out
}

// Change is one insight touched by Apply.
type Change struct {
	Insight models.Insight
	Created bool
}

// Engine applies candidates inside the caller's transaction. Callers hold the
// org's serialization point; the open-fingerprint unique index backs it up.
type Engine struct{}

func NewEngine() *Engine { return &Engine{} }

// Apply merges or creates one insight per candidate. A unique conflict on
// insert means a concurrent writer opened the fingerprint first; the
// candidate is retried once as a merge.
func (e *Engine) Apply(ctx context.Context, tx repository.Tx, orgID string, cands []scoring.Candidate, now time.Time) ([]Change, error) {
	changes := make([]Change, 0, len(cands))
	for _, c := range cands {
		fp := Fingerprint(orgID, c)
		ch, err := e.applyOne(ctx, tx, orgID, fp, c, now)
		if errors.Is(err, repository.ErrConflict) {
			logger.Debugf("[Dedup] Open insight race for org %s, retrying as merge", orgID)
			ch, err = e.applyOne(ctx, tx, orgID, fp, c, now)
		}
		if err != nil {
			return nil, fmt.Errorf("apply candidate %s: %w", c.InsightType, err)
		}
		changes = append(changes, ch)
	}
	return changes, nil
}

func (e *Engine) applyOne(ctx context.Context, tx repository.Tx, orgID, fp string, c scoring.Candidate, now time.Time) (Change, error) {
	existing, err := tx.FindOpenInsight(ctx, orgID, fp)
	switch {
	case err == nil:
		merged := Merge(existing, c, now)
		if err := tx.UpdateInsight(ctx, merged); err != nil {
			return Change{}, err
		}
		return Change{Insight: *merged}, nil
	case errors.Is(err, repository.ErrNotFound):
		ins := NewInsight(orgID, fp, c, now)
		if err := tx.InsertInsight(ctx, ins); err != nil {
			return Change{}, err
		}
		return Change{Insight: *ins, Created: true}, nil
	default:
		return Change{}, err
	}
}
