package middleware

import (
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ComUnity/insight-service/internal/metrics"
	"github.com/ComUnity/insight-service/internal/util"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "operator-secret-0123456789"

func newJWT(t *testing.T) *util.JWTManager {
	t.Helper()
	j, err := util.NewJWTManager(util.JWTConfig{Secret: testSecret, Issuer: "insight", Audience: "insight-api"})
	require.NoError(t, err)
	return j
}

func operatorRouter(v TokenValidator, m *metrics.Metrics) http.Handler {
	r := chi.NewRouter()
	r.Use(RequestAudit(m))
	r.Route("/v1/orgs/{orgID}", func(r chi.Router) {
		r.Use(OperatorAuth(v), OrgScope)
		r.Get("/insights", func(w http.ResponseWriter, r *http.Request) {
			c, _ := OperatorFromContext(r.Context())
			_, _ = w.Write([]byte(c.Subject))
		})
		r.With(RequireOperator).Post("/insights/{insightID}/status", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		})
	})
	return r
}

func do(h http.Handler, method, path, token string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorReason(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error struct {
			Reason string `json:"reason"`
			Status int    `json:"status"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, rec.Code, body.Error.Status)
	return body.Error.Reason
}

func TestOperatorAuth(t *testing.T) {
	j := newJWT(t)
	m := metrics.New("test")
	h := operatorRouter(j, m)

	viewer, err := j.Issue("ana@acme", util.RoleViewer, []string{"acme"})
	require.NoError(t, err)
	operator, err := j.Issue("ops@acme", util.RoleOperator, []string{"acme"})
	require.NoError(t, err)
	global, err := j.Issue("sre", util.RoleOperator, []string{util.AllOrgs})
	require.NoError(t, err)

	rec := do(h, http.MethodGet, "/v1/orgs/acme/insights", viewer)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ana@acme", rec.Body.String())

	rec = do(h, http.MethodGet, "/v1/orgs/globex/insights", viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "org_scope", errorReason(t, rec))

	rec = do(h, http.MethodGet, "/v1/orgs/globex/insights", global)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(h, http.MethodPost, "/v1/orgs/acme/insights/1/status", viewer)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "role", errorReason(t, rec))

	rec = do(h, http.MethodPost, "/v1/orgs/acme/insights/1/status", operator)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(h, http.MethodGet, "/v1/orgs/acme/insights", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "missing_token", errorReason(t, rec))

	rec = do(h, http.MethodGet, "/v1/orgs/acme/insights", viewer+"x")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "invalid_token", errorReason(t, rec))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/v1/orgs/{orgID}/insights", "2xx")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues(http.MethodGet, "/v1/orgs/{orgID}/insights", "4xx")))
}

func TestOperatorAuth_ExpiredAndForeignTokens(t *testing.T) {
	j := newJWT(t)
	h := operatorRouter(j, nil)

	old := j.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	expired, err := old.Issue("ana@acme", util.RoleViewer, []string{"acme"})
	require.NoError(t, err)
	rec := do(h, http.MethodGet, "/v1/orgs/acme/insights", expired)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "token_expired", errorReason(t, rec))

	other, err := util.NewJWTManager(util.JWTConfig{Secret: "another-secret-abcdef", Issuer: "insight", Audience: "insight-api"})
	require.NoError(t, err)
	foreign, err := other.Issue("ana@acme", util.RoleViewer, []string{"acme"})
	require.NoError(t, err)
	rec = do(h, http.MethodGet, "/v1/orgs/acme/insights", foreign)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	wrongAud, err := util.NewJWTManager(util.JWTConfig{Secret: testSecret, Issuer: "insight", Audience: "elsewhere"})
	require.NoError(t, err)
	tok, err := wrongAud.Issue("ana@acme", util.RoleViewer, []string{"acme"})
	require.NoError(t, err)
	rec = do(h, http.MethodGet, "/v1/orgs/acme/insights", tok)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestOperatorAuth_Disabled(t *testing.T) {
	h := operatorRouter(nil, nil)
	rec := do(h, http.MethodPost, "/v1/orgs/acme/insights/1/status", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(h, http.MethodGet, "/v1/orgs/acme/insights", "")
	assert.Equal(t, "local", rec.Body.String())
}

func TestTLSEnhancer(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
	cfg := DefaultTLSConfig()
	cfg.ForceRedirect = true
	h := TLSEnhancer(cfg)(ok)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://api.example.com:8080/v1/orgs/acme/brief", nil))
	assert.Equal(t, http.StatusPermanentRedirect, rec.Code)
	assert.Equal(t, "https://api.example.com/v1/orgs/acme/brief", rec.Header().Get("Location"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "http://api.example.com/ingest", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Empty(t, rec.Header().Get("Strict-Transport-Security"))
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	req := httptest.NewRequest(http.MethodPost, "https://api.example.com/ingest", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "max-age=63072000; includeSubDomains", rec.Header().Get("Strict-Transport-Security"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "http://10.0.0.1/health", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
