package telemetry

import (
	"sync"
	"time"

	"github.com/ComUnity/insight-service/internal/models"
	"github.com/google/uuid"
)

// Insight event types.
const (
	EventInsightCreated       = "insight.created"
	EventInsightMerged        = "insight.merged"
	EventInsightStatusChanged = "insight.status_changed"
)

// InsightEvent announces a change to a persisted insight. Evidence is not
// carried; consumers read the insight through the API.
type InsightEvent struct {
	Timestamp      time.Time `json:"@timestamp"`
	EventID        string    `json:"event_id"`
	Type           string    `json:"type"`
	OrgID          string    `json:"org_id"`
	DeviceID       string    `json:"device_id,omitempty"`
	InsightID      int64     `json:"insight_id"`
	InsightType    string    `json:"insight_type"`
	Fingerprint    string    `json:"fingerprint"`
	Severity       string    `json:"severity"`
	Confidence     string    `json:"confidence"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	Count          int       `json:"count"`
	Actor          string    `json:"actor,omitempty"`
}

func NewInsightEvent(typ string, ins *models.Insight, at time.Time) InsightEvent {
	return InsightEvent{
		Timestamp:   at.UTC(),
		EventID:     uuid.NewString(),
		Type:        typ,
		OrgID:       ins.OrgID,
		DeviceID:    ins.DeviceID,
		InsightID:   ins.ID,
		InsightType: ins.InsightType,
		Fingerprint: ins.Fingerprint,
		Severity:    string(ins.Severity),
		Confidence:  string(ins.Confidence),
		Status:      string(ins.Status),
		Count:       ins.Count,
	}
}

// IngestAuditEvent records one admission decision. It never carries the body,
// signature or secret material.
type IngestAuditEvent struct {
	Timestamp    time.Time `json:"@timestamp"`
	EventID      string    `json:"event_id"`
	OrgID        string    `json:"org_id,omitempty"`
	DeviceID     string    `json:"device_id,omitempty"`
	Outcome      string    `json:"outcome"`
	Code         string    `json:"code,omitempty"`
	Reason       string    `json:"reason"`
	Status       int       `json:"status"`
	Bytes        int64     `json:"bytes"`
	Observations int       `json:"observations"`
	DurationMs   int64     `json:"duration_ms"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(ev any)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(any) {}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []any
}

func (r *Recorder) Publish(ev any) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *Recorder) Events() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.events...)
}

// InsightEvents returns recorded insight events of typ, or all when typ is "".
func (r *Recorder) InsightEvents(typ string) []InsightEvent {
	var out []InsightEvent
	for _, ev := range r.Events() {
		if ie, ok := ev.(InsightEvent); ok && (typ == "" || ie.Type == typ) {
			out = append(out, ie)
		}
	}
	return out
}

func (r *Recorder) IngestEvents() []IngestAuditEvent {
	var out []IngestAuditEvent
	for _, ev := range r.Events() {
		if ae, ok := ev.(IngestAuditEvent); ok {
			out = append(out, ae)
		}
	}
	return out
}
