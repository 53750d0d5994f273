package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ComUnity/insight-service/internal/baseline"
	"github.com/ComUnity/insight-service/internal/config"
	"github.com/ComUnity/insight-service/internal/ingest"
	"github.com/ComUnity/insight-service/internal/lifecycle"
	"github.com/ComUnity/insight-service/internal/metrics"
	"github.com/ComUnity/insight-service/internal/middleware"
	"github.com/ComUnity/insight-service/internal/models"
	"github.com/ComUnity/insight-service/internal/orglock"
	"github.com/ComUnity/insight-service/internal/ratelimit"
	"github.com/ComUnity/insight-service/internal/replay"
	"github.com/ComUnity/insight-service/internal/repository"
	"github.com/ComUnity/insight-service/internal/sanitize"
	"github.com/ComUnity/insight-service/internal/scoring"
	"github.com/ComUnity/insight-service/internal/secrets"
	"github.com/ComUnity/insight-service/internal/signing"
	"github.com/ComUnity/insight-service/internal/telemetry"
	"github.com/ComUnity/insight-service/internal/util"
	"github.com/ComUnity/insight-service/internal/validate"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	today = time.Date(2026, 3, 20, 0, 0, 0, 0, time.UTC)
	noon  = today.Add(12 * time.Hour)
)

const (
	acmeSecret = "acme-signing-secret"
	jwtSecret  = "operator-secret-0123456789"
)

type server struct {
	t       *testing.T
	store   *repository.MemoryStore
	jwt     *util.JWTManager
	metrics *metrics.Metrics
	rec     *telemetry.Recorder
	h       http.Handler
}

func newServer(t *testing.T) *server {
	t.Helper()
	clock := func() time.Time { return noon }
	s := &server{t: t, store: repository.NewMemoryStore(), metrics: metrics.New("test"), rec: &telemetry.Recorder{}}
	ctx := context.Background()
	require.NoError(t, s.store.UpsertOrg(ctx, &models.Org{ID: "acme", Name: "Acme", Plan: "free", Active: true}))
	require.NoError(t, s.store.UpsertOrg(ctx, &models.Org{ID: "globex", Name: "Globex", Plan: "free", Active: true}))

	validator, err := validate.NewSchemaValidator()
	require.NoError(t, err)
	scorer := scoring.NewScorer(scoring.Config{})
	manager := lifecycle.NewManager(s.store, scorer, s.rec, lifecycle.WithClock(clock))
	pipeline := ingest.New(ingest.Deps{
		Store:     s.store,
		Verifier:  signing.NewVerifier(secrets.NewStaticStore(map[string]string{"acme": acmeSecret})),
		Replay:    replay.NewGuard(replay.NewMemoryStore(), replay.Config{}, replay.WithClock(clock)),
		Limiter:   ratelimit.New(ratelimit.NewMemoryBackend(), ratelimit.Config{Plans: ratelimit.DefaultPlans(), DefaultPlan: "free"}, ratelimit.WithClock(clock)),
		Validator: validator,
		Sanitizer: sanitize.New(sanitize.Config{}),
		Baseline:  baseline.NewModel(s.store, baseline.Config{}),
		Scorer:    scorer,
		Lifecycle: manager,
		Locker:    orglock.NewMemoryLocker(),
		Publisher: s.rec,
		Metrics:   s.metrics,
	}, ingest.Config{LockWait: 50 * time.Millisecond}, ingest.WithClock(clock))

	s.jwt, err = util.NewJWTManager(util.JWTConfig{Secret: jwtSecret, Issuer: "insight", Audience: "insight-api"})
	require.NoError(t, err)

	health := NewHealthHandler("test", "v0.0.1").
		Register(&StoreHealthChecker{Store: s.store, Backend: "memory"}, true)
	s.h = NewRouter(RouterDeps{
		Ingest:   NewIngestHandler(pipeline),
		Insights: NewInsightHandler(s.store, manager, clock),
		Health:   health,
		Metrics:  s.metrics,
		Auth:     s.jwt,
		TLS:      middleware.DefaultTLSConfig(),
	})
	return s
}

func (s *server) token(role string, orgs ...string) string {
	s.t.Helper()
	tok, err := s.jwt.Issue(role+"@acme", role, orgs)
	require.NoError(s.t, err)
	return tok
}

func (s *server) do(method, path, token string, body io.Reader) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, req)
	return rec
}

// seedInsights inserts open insights for acme; ids are assigned in order.
func (s *server) seedInsights(n int, sev models.Severity) []int64 {
	s.t.Helper()
	ctx := context.Background()
	tx, err := s.store.Begin(ctx)
	require.NoError(s.t, err)
	var ids []int64
	for i := 0; i < n; i++ {
		ins := &models.Insight{
			OrgID: "acme", DeviceID: "d1", TS: noon, InsightType: scoring.TypeAuthAnomaly,
			Severity: sev, Confidence: models.ConfidenceHigh, Title: "Failed logins spiked",
			Fingerprint: uuid.NewString(), Status: models.StatusOpen,
			FirstSeen: noon.Add(-time.Hour), LastSeen: noon, Count: 1, UpdatedAt: noon,
		}
		require.NoError(s.t, tx.InsertInsight(ctx, ins))
		ids = append(ids, ins.ID)
	}
	require.NoError(s.t, tx.Commit())
	return ids
}

type apiError struct {
	Error errorBody `json:"error"`
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func signedRequest(t *testing.T, secret string, b models.Batch) *http.Request {
	t.Helper()
	body, err := json.Marshal(b)
	require.NoError(t, err)
	sig, err := signing.SignBody([]byte(secret), body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/ingest", bytes.NewReader(body))
	for k, v := range signing.SignedHeaders(b.OrgID, b.DeviceID, b.SentAt, b.Nonce, sig) {
		req.Header[k] = v
	}
	req.Header.Set("Content-Type", "application/json")
	return req
}

func acmeBatch() models.Batch {
	return models.Batch{
		OrgID: "acme", DeviceID: "d1", AgentVersion: "1.4.2", Nonce: uuid.NewString(), SentAt: noon,
		Observations: []models.Observation{{
			Kind:       models.KindListenerOpen,
			Attributes: map[string]string{"port": "2222", "protocol": "tcp", "process_name": "sshd"},
			ObservedAt: noon.Add(-time.Minute),
		}},
	}
}

func TestIngest_AcceptedAndRejected(t *testing.T) {
	s := newServer(t)

	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, signedRequest(t, acmeSecret, acmeBatch()))
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	res := decode[ingest.Result](t, rec)
	assert.Equal(t, 1, res.Accepted)
	assert.Equal(t, noon, res.ServerTime)
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	s.h.ServeHTTP(rec, signedRequest(t, "not-the-secret", acmeBatch()))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	e := decode[apiError](t, rec)
	assert.Equal(t, "authentication_failed", e.Error.Code)
	assert.Equal(t, http.StatusUnauthorized, e.Error.Status)

	replayed := acmeBatch()
	rec = httptest.NewRecorder()
	s.h.ServeHTTP(rec, signedRequest(t, acmeSecret, replayed))
	require.Equal(t, http.StatusAccepted, rec.Code)
	rec = httptest.NewRecorder()
	s.h.ServeHTTP(rec, signedRequest(t, acmeSecret, replayed))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "nonce_reused", decode[apiError](t, rec).Error.Reason)
}

func TestIngest_RateLimitedCarriesRetryAfter(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	require.NoError(t, s.store.UpsertOrg(ctx, &models.Org{ID: "acme", Plan: "free", Active: true, RateLimitPerMinute: 1}))

	rec := httptest.NewRecorder()
	s.h.ServeHTTP(rec, signedRequest(t, acmeSecret, acmeBatch()))
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	s.h.ServeHTTP(rec, signedRequest(t, acmeSecret, acmeBatch()))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "rate_limited", decode[apiError](t, rec).Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestInsights_ListPaginates(t *testing.T) {
	s := newServer(t)
	ids := s.seedInsights(3, models.SeverityHigh)
	viewer := s.token(util.RoleViewer, "acme")

	rec := s.do(http.MethodGet, "/v1/orgs/acme/insights?limit=2", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	page := decode[insightPage](t, rec)
	require.Len(t, page.Insights, 2)
	assert.Equal(t, ids[2], page.Insights[0].ID)
	assert.Equal(t, ids[1], page.Insights[1].ID)
	require.NotEmpty(t, page.NextCursor)

	rec = s.do(http.MethodGet, "/v1/orgs/acme/insights?limit=2&cursor="+page.NextCursor, viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page = decode[insightPage](t, rec)
	require.Len(t, page.Insights, 1)
	assert.Equal(t, ids[0], page.Insights[0].ID)
	assert.Empty(t, page.NextCursor)

	rec = s.do(http.MethodGet, "/v1/orgs/acme/insights?severity=info", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[insightPage](t, rec).Insights)
}

func TestInsights_ListBadParams(t *testing.T) {
	s := newServer(t)
	viewer := s.token(util.RoleViewer, "acme")
	for _, q := range []string{"status=pending", "severity=critical", "limit=0", "limit=501", "cursor=abc"} {
		rec := s.do(http.MethodGet, "/v1/orgs/acme/insights?"+q, viewer, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, CodeInvalidRequest, decode[apiError](t, rec).Error.Code, q)
	}
}

func TestInsights_UnknownOrg(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/v1/orgs/initech/insights", s.token(util.RoleOperator, util.AllOrgs), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decode[apiError](t, rec).Error.Code)
}

func TestInsights_Transition(t *testing.T) {
	s := newServer(t)
	ids := s.seedInsights(1, models.SeverityHigh)
	path := "/v1/orgs/acme/insights/" + jsonID(ids[0]) + "/status"
	operator := s.token(util.RoleOperator, "acme")

	rec := s.do(http.MethodPost, path, s.token(util.RoleViewer, "acme"), strings.NewReader(`{"status":"ack"}`))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = s.do(http.MethodPost, path, operator, strings.NewReader(`{"status":"ack"}`))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	ins := decode[models.Insight](t, rec)
	assert.Equal(t, models.StatusAck, ins.Status)

	events := s.rec.InsightEvents(telemetry.EventInsightStatusChanged)
	require.Len(t, events, 1)
	assert.Equal(t, "operator@acme", events[0].Actor)
	assert.Equal(t, string(models.StatusOpen), events[0].PreviousStatus)

	rec = s.do(http.MethodPost, path, operator, strings.NewReader(`{"status":"open"}`))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, CodeInvalidTransition, decode[apiError](t, rec).Error.Code)

	rec = s.do(http.MethodPost, path, operator, strings.NewReader(`{"status":"closed"}`))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(http.MethodPost, "/v1/orgs/acme/insights/9999/status", operator, strings.NewReader(`{"status":"ack"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = s.do(http.MethodPost, path, operator, strings.NewReader(`{"state":"ack"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = s.do(http.MethodPost, "/v1/orgs/acme/insights/x/status", operator, strings.NewReader(`{"status":"ack"}`))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestInsights_TransitionIsOrgScoped(t *testing.T) {
	s := newServer(t)
	ids := s.seedInsights(1, models.SeverityHigh)
	rec := s.do(http.MethodPost, "/v1/orgs/globex/insights/"+jsonID(ids[0])+"/status",
		s.token(util.RoleOperator, "globex"), strings.NewReader(`{"status":"ack"}`))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInsights_MetricsRange(t *testing.T) {
	s := newServer(t)
	ctx := context.Background()
	tx, err := s.store.Begin(ctx)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		_, err := tx.UpsertDailyMetric(ctx, &models.DailyMetric{
			OrgID: "acme", Day: today.AddDate(0, 0, -i), RiskScore: 10 * (i + 1), UpdatedAt: noon,
		})
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit())
	viewer := s.token(util.RoleViewer, "acme")

	rec := s.do(http.MethodGet, "/v1/orgs/acme/metrics", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	got := decode[metricsRange](t, rec)
	assert.Equal(t, "2026-02-19", got.From)
	assert.Equal(t, "2026-03-20", got.To)
	require.Len(t, got.Days, 3)
	assert.Equal(t, 30, got.Days[0].RiskScore)

	rec = s.do(http.MethodGet, "/v1/orgs/acme/metrics?from=2026-03-19&to=2026-03-19", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got = decode[metricsRange](t, rec)
	require.Len(t, got.Days, 1)
	assert.Equal(t, 20, got.Days[0].RiskScore)

	for _, q := range []string{"from=2026-03-20&to=2026-03-01", "from=2025-01-01&to=2026-03-20", "from=yesterday"} {
		rec = s.do(http.MethodGet, "/v1/orgs/acme/metrics?"+q, viewer, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestInsights_Brief(t *testing.T) {
	s := newServer(t)
	s.seedInsights(1, models.SeverityHigh)
	viewer := s.token(util.RoleViewer, "acme")

	rec := s.do(http.MethodGet, "/v1/orgs/acme/brief", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	brief := decode[models.DailyBrief](t, rec)
	assert.Equal(t, today, brief.Day)
	assert.Equal(t, []string{"Failed logins spiked"}, brief.Anomalies)
	assert.LessOrEqual(t, len(brief.RecommendedActions), 3)

	rec = s.do(http.MethodGet, "/v1/orgs/acme/brief?day=2026-03-01", viewer, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	brief = decode[models.DailyBrief](t, rec)
	assert.Zero(t, brief.RiskScore)
	assert.Empty(t, brief.Anomalies)

	rec = s.do(http.MethodGet, "/v1/orgs/acme/brief?day=03/01/2026", viewer, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type downPinger struct{}

func (downPinger) Ping(context.Context) error { return errors.New("connection refused") }

func TestHealth(t *testing.T) {
	s := newServer(t)

	rec := s.do(http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[HealthResponse](t, rec)
	assert.Equal(t, HealthStatusHealthy, resp.Status)
	assert.Equal(t, 1, resp.Summary.HealthyChecks)

	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/ready", "", nil).Code)
	assert.Equal(t, http.StatusOK, s.do(http.MethodGet, "/live", "", nil).Code)

	rec = s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "test_")

	h := NewHealthHandler("production", "v0.0.1").
		Register(&StoreHealthChecker{Store: downPinger{}}, true).
		Register(&ApplicationHealthChecker{Config: &config.Config{Env: "production"}}, false)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp = decode[HealthResponse](t, rec)
	assert.Equal(t, HealthStatusUnhealthy, resp.Checks["database"].Status)
	assert.Equal(t, HealthStatusDegraded, resp.Checks["application"].Status)

	rec = httptest.NewRecorder()
	h.ReadinessHandler(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}

func TestRouter_UnknownRoute(t *testing.T) {
	s := newServer(t)
	rec := s.do(http.MethodGet, "/v2/nothing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, decode[apiError](t, rec).Error.Code)
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "1", retryAfterSeconds(0))
	assert.Equal(t, "1", retryAfterSeconds(200*time.Millisecond))
	assert.Equal(t, "3", retryAfterSeconds(2100*time.Millisecond))
}

func jsonID(id int64) string {
	b, _ := json.Marshal(id)
	return string(b)
}
