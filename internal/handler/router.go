package handler

import (
	"net/http"
	"time"

	"github.com/ComUnity/insight-service/internal/metrics"
	"github.com/ComUnity/insight-service/internal/middleware"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RouterDeps holds everything NewRouter mounts. Nil Metrics disables
// /metrics; nil Auth runs the operator API without bearer tokens.
type RouterDeps struct {
	Ingest         *IngestHandler
	Insights       *InsightHandler
	Health         *HealthHandler
	Metrics        *metrics.Metrics
	MetricsPath    string
	Auth           middleware.TokenValidator
	TLS            middleware.TLSConfig
	RequestTimeout time.Duration
}

func NewRouter(d RouterDeps) http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID, chimw.RealIP, chimw.Recoverer)
	r.Use(middleware.TLSEnhancer(d.TLS))
	r.Use(middleware.RequestAudit(d.Metrics))
	if d.RequestTimeout > 0 {
		r.Use(chimw.Timeout(d.RequestTimeout))
	}

	if d.Health != nil {
		r.Get("/health", d.Health.ServeHTTP)
		r.Get("/ready", d.Health.ReadinessHandler)
		r.Get("/live", d.Health.LivenessHandler)
	}
	if d.Metrics != nil {
		path := d.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, d.Metrics.Handler())
	}

	r.Method(http.MethodPost, "/ingest", d.Ingest)

	r.Route("/v1/orgs/{"+middleware.OrgParam+"}", func(rt chi.Router) {
		rt.Use(middleware.OperatorAuth(d.Auth), middleware.OrgScope)
		rt.Get("/insights", d.Insights.List)
		rt.With(middleware.RequireOperator).Post("/insights/{insightID}/status", d.Insights.UpdateStatus)
		rt.Get("/metrics", d.Insights.Metrics)
		rt.Get("/brief", d.Insights.Brief)
	})

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusNotFound, CodeNotFound, "route", "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, CodeInvalidRequest, "method", "method not allowed")
	})
	return r
}
