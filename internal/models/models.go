package models

import (
	"encoding/json"
	"time"
)

// ObservationKind is the discriminator selecting an observation's attribute schema.
type ObservationKind string

const (
	KindProcessStart            ObservationKind = "process_start"
	KindListenerOpen            ObservationKind = "listener_open"
	KindAuthAttempt             ObservationKind = "auth_attempt"
	KindPersistenceRegistration ObservationKind = "persistence_registration"
	KindFileChange              ObservationKind = "file_change"
)

// Observation is one normalized fact reported by an agent.
type Observation struct {
	Kind       ObservationKind   `json:"kind"`
	Attributes map[string]string `json:"attributes"`
	ObservedAt time.Time         `json:"observed_at"`
}

// Attr returns the named attribute or "".
func (o Observation) Attr(name string) string {
	if o.Attributes == nil {
		return ""
	}
	return o.Attributes[name]
}

// Batch is one signed submission. It only lives for the duration of an ingest call.
type Batch struct {
	OrgID        string        `json:"org_id"`
	DeviceID     string        `json:"device_id"`
	AgentVersion string        `json:"agent_version"`
	SentAt       time.Time     `json:"sent_at"`
	Nonce        string        `json:"nonce"`
	Observations []Observation `json:"observations"`
}

// Key identifies a batch for idempotent bookkeeping.
func (b Batch) Key() string {
	return b.OrgID + "|" + b.DeviceID + "|" + b.Nonce
}

type Severity string

const (
	SeverityInfo Severity = "info"
	SeverityWarn Severity = "warn"
	SeverityHigh Severity = "high"
)

// Rank orders severities: info < warn < high.
func (s Severity) Rank() int {
	switch s {
	case SeverityHigh:
		return 2
	case SeverityWarn:
		return 1
	default:
		return 0
	}
}

func (s Severity) Valid() bool {
	return s == SeverityInfo || s == SeverityWarn || s == SeverityHigh
}

type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 2
	case ConfidenceMedium:
		return 1
	default:
		return 0
	}
}

type InsightStatus string

const (
	StatusOpen   InsightStatus = "open"
	StatusAck    InsightStatus = "ack"
	StatusClosed InsightStatus = "closed"
)

func (s InsightStatus) Valid() bool {
	return s == StatusOpen || s == StatusAck || s == StatusClosed
}

// Insight is a persistent deduplicated finding.
type Insight struct {
	ID          int64          `json:"id"`
	OrgID       string         `json:"org_id"`
	DeviceID    string         `json:"device_id"`
	TS          time.Time      `json:"ts"`
	InsightType string         `json:"insight_type"`
	Source      string         `json:"source"`
	Severity    Severity       `json:"severity"`
	Confidence  Confidence     `json:"confidence"`
	Title       string         `json:"title"`
	Explanation string         `json:"explanation"`
	Evidence    map[string]any `json:"evidence"`
	ActionText  string         `json:"action_text"`
	Fingerprint string         `json:"fingerprint"`
	Status      InsightStatus  `json:"status"`
	FirstSeen   time.Time      `json:"first_seen"`
	LastSeen    time.Time      `json:"last_seen"`
	Count       int            `json:"count"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Clone returns a deep copy; evidence values are JSON-shaped.
func (i *Insight) Clone() *Insight {
	if i == nil {
		return nil
	}
	cp := *i
	cp.Evidence = CloneEvidence(i.Evidence)
	return &cp
}

// CloneEvidence deep copies a JSON-shaped map.
func CloneEvidence(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		out := make(map[string]any, len(in))
		for k, v := range in {
			out[k] = v
		}
		return out
	}
	var out map[string]any
	_ = json.Unmarshal(b, &out)
	return out
}

// Driver is a named factor and its contribution to a day's risk.
type Driver struct {
	Factor       string  `json:"factor"`
	Contribution float64 `json:"contribution"`
}

// Metric names tracked per org and day.
const (
	MetricFailedLogins    = "failed_logins"
	MetricNewListeners    = "new_listeners"
	MetricNewProcesses    = "new_processes"
	MetricSuspiciousExecs = "suspicious_execs"
)

// MetricNames lists tracked metrics in a fixed order.
var MetricNames = []string{
	MetricFailedLogins,
	MetricNewListeners,
	MetricNewProcesses,
	MetricSuspiciousExecs,
}

// MetricCounts are the per-day behavioral counters.
type MetricCounts struct {
	FailedLogins    int `json:"failed_logins"`
	NewListeners    int `json:"new_listeners"`
	NewProcesses    int `json:"new_processes"`
	SuspiciousExecs int `json:"suspicious_execs"`
}

func (m MetricCounts) Get(metric string) int {
	switch metric {
	case MetricFailedLogins:
		return m.FailedLogins
	case MetricNewListeners:
		return m.NewListeners
	case MetricNewProcesses:
		return m.NewProcesses
	case MetricSuspiciousExecs:
		return m.SuspiciousExecs
	}
	return 0
}

func (m *MetricCounts) Inc(metric string, n int) {
	switch metric {
	case MetricFailedLogins:
		m.FailedLogins += n
	case MetricNewListeners:
		m.NewListeners += n
	case MetricNewProcesses:
		m.NewProcesses += n
	case MetricSuspiciousExecs:
		m.SuspiciousExecs += n
	}
}

func (m MetricCounts) Plus(o MetricCounts) MetricCounts {
	return MetricCounts{
		FailedLogins:    m.FailedLogins + o.FailedLogins,
		NewListeners:    m.NewListeners + o.NewListeners,
		NewProcesses:    m.NewProcesses + o.NewProcesses,
		SuspiciousExecs: m.SuspiciousExecs + o.SuspiciousExecs,
	}
}

// SeverityCounts tallies candidate insights by severity.
type SeverityCounts struct {
	High int `json:"high_count"`
	Warn int `json:"warn_count"`
	Info int `json:"info_count"`
}

func (s *SeverityCounts) Inc(sev Severity) {
	switch sev {
	case SeverityHigh:
		s.High++
	case SeverityWarn:
		s.Warn++
	default:
		s.Info++
	}
}

func (s SeverityCounts) Plus(o SeverityCounts) SeverityCounts {
	return SeverityCounts{High: s.High + o.High, Warn: s.Warn + o.Warn, Info: s.Info + o.Info}
}

// HistoryVersion identifies the state of a range of DailyMetric rows. Rows
// are never deleted and updated_at never moves back, so any write to the
// range changes Rows or LastUpdate.
type HistoryVersion struct {
	Rows       int
	LastUpdate time.Time
}

func (v HistoryVersion) Equal(o HistoryVersion) bool {
	return v.Rows == o.Rows && v.LastUpdate.Equal(o.LastUpdate)
}

// DailyMetric is the per-(org, day) rollup.
type DailyMetric struct {
	OrgID     string    `json:"org_id"`
	Day       time.Time `json:"day"`
	RiskScore int       `json:"risk_score"`
	SeverityCounts
	MetricCounts
	BaselineDeltas map[string]float64 `json:"baseline_deltas"`
	Drivers        []Driver           `json:"drivers"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

func (d *DailyMetric) Clone() *DailyMetric {
	if d == nil {
		return nil
	}
	cp := *d
	if d.BaselineDeltas != nil {
		cp.BaselineDeltas = make(map[string]float64, len(d.BaselineDeltas))
		for k, v := range d.BaselineDeltas {
			cp.BaselineDeltas[k] = v
		}
	}
	cp.Drivers = append([]Driver(nil), d.Drivers...)
	return &cp
}

// Contribution is what a single batch added to a day. Day totals are the sum
// of contributions, keyed by batch so retries never double count.
type Contribution struct {
	OrgID    string
	Day      time.Time
	BatchKey string
	DeviceID string
	Metrics  MetricCounts
	Severity SeverityCounts
	Recorded time.Time
}

// Org is a tenant registered to send telemetry.
type Org struct {
	ID                 string    `json:"id"`
	Name               string    `json:"name"`
	Plan               string    `json:"plan"`
	Active             bool      `json:"active"`
	RateLimitPerMinute int       `json:"rate_limit_per_minute"`
	SecretHash         string    `json:"-"`
	CreatedAt          time.Time `json:"created_at"`
}

// Device is an agent install within an org.
type Device struct {
	OrgID        string    `json:"org_id"`
	DeviceID     string    `json:"device_id"`
	AgentVersion string    `json:"agent_version"`
	FirstSeen    time.Time `json:"first_seen"`
	LastSeen     time.Time `json:"last_seen"`
}

// DailyBrief summarizes a day for dashboards.
type DailyBrief struct {
	OrgID              string    `json:"org_id"`
	Day                time.Time `json:"day"`
	RiskScore          int       `json:"risk_score"`
	DeltaVs7dAvg       float64   `json:"delta_vs_7d_avg"`
	TopDriver          string    `json:"top_driver"`
	Anomalies          []string  `json:"anomalies"`
	RecommendedActions []string  `json:"recommended_actions"`
}

// DayOf truncates t to its UTC calendar day.
func DayOf(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}

// DayString formats a day as YYYY-MM-DD.
func DayString(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// ParseDay parses YYYY-MM-DD as a UTC day.
func ParseDay(s string) (time.Time, error) {
	return time.ParseInLocation("2006-01-02", s, time.UTC)
}

// Subject kinds tracked in an org's inventory.
const (
	SubjectListener = "listener"
	SubjectProcess  = "process"
)

// Subject is an inventory entry: a listener (ip:port) or a process (name|exe).
type Subject struct {
	Kind string `json:"kind"`
	Key  string `json:"key"`
}
