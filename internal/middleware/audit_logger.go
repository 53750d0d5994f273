package middleware

import (
	"net/http"
	"time"

	"github.com/ComUnity/insight-service/internal/metrics"
	"github.com/ComUnity/insight-service/internal/util/logger"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
)

// RequestAudit logs one line per request and counts it by route pattern.
// Bodies, query strings and credentials are never logged.
func RequestAudit(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &wrapWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)

			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil {
				if p := rc.RoutePattern(); p != "" {
					route = p
				}
			}
			m.HTTPRequest(r.Method, route, ww.status)

			subject := ""
			if c, ok := OperatorFromContext(r.Context()); ok {
				subject = c.Subject
			}
			args := []any{
				"method", r.Method,
				"route", route,
				"status", ww.status,
				"latency_ms", time.Since(start).Milliseconds(),
				"request_id", chimw.GetReqID(r.Context()),
			}
			if subject != "" {
				args = append(args, "operator", subject)
			}
			if ww.status >= http.StatusInternalServerError {
				logger.Warnw("request_audit", args...)
				return
			}
			logger.Debugw("request_audit", args...)
		})
	}
}

type wrapWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *wrapWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *wrapWriter) Write(b []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(b)
}
