package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	cfg "github.com/ComUnity/insight-service/internal/config"
	"github.com/ComUnity/insight-service/internal/models"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	closed bool
}

func (f *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return nil
}

func (f *fakeWriter) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

func (f *fakeWriter) messages() []kafka.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]kafka.Message(nil), f.msgs...)
}

func sampleInsight() *models.Insight {
	return &models.Insight{
		ID: 7, OrgID: "acme", DeviceID: "d1", InsightType: "auth_anomaly", Fingerprint: "fp",
		Severity: models.SeverityHigh, Confidence: models.ConfidenceHigh, Status: models.StatusOpen, Count: 2,
	}
}

func TestEventShipper_RoutesByTypeAndKeysByOrg(t *testing.T) {
	insights, ingest := &fakeWriter{}, &fakeWriter{}
	s := newEventShipper(cfg.KafkaConfig{Enabled: true, QueueCapacity: 10}, insights, ingest)
	s.Start()

	s.Publish(NewInsightEvent(EventInsightMerged, sampleInsight(), time.Now()))
	s.Publish(IngestAuditEvent{OrgID: "globex", Outcome: "rejected", Reason: "nonce_reused", Status: 409})
	s.Publish("ignored")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)

	im := insights.messages()
	require.Len(t, im, 1)
	assert.Equal(t, "acme", string(im[0].Key))
	var got InsightEvent
	require.NoError(t, json.Unmarshal(im[0].Value, &got))
	assert.Equal(t, EventInsightMerged, got.Type)
	assert.Equal(t, int64(7), got.InsightID)
	assert.Equal(t, 2, got.Count)
	assert.NotEmpty(t, got.EventID)

	am := ingest.messages()
	require.Len(t, am, 1)
	assert.Equal(t, "globex", string(am[0].Key))
	assert.Contains(t, string(am[0].Value), `"reason":"nonce_reused"`)

	assert.True(t, insights.closed)
	assert.True(t, ingest.closed)
}

func TestEventShipper_DropsOnBackpressure(t *testing.T) {
	s := newEventShipper(cfg.KafkaConfig{Enabled: true, QueueCapacity: 1}, &fakeWriter{}, &fakeWriter{})
	var drops []string
	s.OnDrop(func(kind string) { drops = append(drops, kind) })

	// not started, so the queue never drains
	ev := NewInsightEvent(EventInsightCreated, sampleInsight(), time.Now())
	s.Publish(ev)
	s.Publish(ev)
	s.Publish(IngestAuditEvent{})
	assert.Equal(t, uint64(2), s.Dropped())
	assert.Equal(t, []string{EventInsightCreated, "ingest.audit"}, drops)
	s.Stop(context.Background())
}

func TestEventShipper_DisabledIsInert(t *testing.T) {
	s, err := NewEventShipper(cfg.KafkaConfig{})
	require.NoError(t, err)
	s.Start()
	s.Publish(IngestAuditEvent{})
	s.Stop(context.Background())
	assert.Zero(t, s.Dropped())

	_, err = NewEventShipper(cfg.KafkaConfig{Enabled: true})
	assert.Error(t, err)
}

func TestRecorder(t *testing.T) {
	var r Recorder
	r.Publish(NewInsightEvent(EventInsightCreated, sampleInsight(), time.Now()))
	r.Publish(NewInsightEvent(EventInsightStatusChanged, sampleInsight(), time.Now()))
	r.Publish(IngestAuditEvent{Outcome: "accepted"})
	assert.Len(t, r.Events(), 3)
	assert.Len(t, r.InsightEvents(""), 2)
	assert.Len(t, r.InsightEvents(EventInsightStatusChanged), 1)
	assert.Len(t, r.IngestEvents(), 1)
}
