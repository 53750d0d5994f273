package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ComUnity/insight-service/internal/client"
	"github.com/ComUnity/insight-service/internal/config"
	"github.com/ComUnity/insight-service/internal/util/logger"
)

var startTime = time.Now()

type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

const checkTimeout = 3 * time.Second

// HealthResponse is the /health body.
type HealthResponse struct {
	Status      HealthStatus           `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Version     string                 `json:"version,omitempty"`
	Environment string                 `json:"environment"`
	Uptime      string                 `json:"uptime"`
	Checks      map[string]CheckResult `json:"checks,omitempty"`
	Summary     HealthSummary          `json:"summary"`
}

type HealthSummary struct {
	TotalChecks     int `json:"total_checks"`
	HealthyChecks   int `json:"healthy_checks"`
	DegradedChecks  int `json:"degraded_checks"`
	UnhealthyChecks int `json:"unhealthy_checks"`
}

type CheckResult struct {
	Status    HealthStatus   `json:"status"`
	Message   string         `json:"message,omitempty"`
	Error     string         `json:"error,omitempty"`
	Latency   string         `json:"latency,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// HealthChecker is one entry in the health registry.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

// HealthHandler serves /health, /ready and /live over a checker registry.
type HealthHandler struct {
	env      string
	version  string
	checkers []HealthChecker
	critical map[string]bool
}

func NewHealthHandler(env, version string) *HealthHandler {
	return &HealthHandler{env: env, version: version, critical: make(map[string]bool)}
}

// Register adds a checker. Critical checkers gate /ready.
func (h *HealthHandler) Register(c HealthChecker, critical bool) *HealthHandler {
	h.checkers = append(h.checkers, c)
	if critical {
		h.critical[c.Name()] = true
	}
	logger.Debugf("[Health] Registered checker %s (critical=%t)", c.Name(), critical)
	return h
}

func (h *HealthHandler) run(ctx context.Context, c HealthChecker) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	start := time.Now()
	res := c.Check(ctx)
	res.Latency = time.Since(start).String()
	res.Timestamp = time.Now().UTC()
	return res
}

// ServeHTTP handles /health.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:      HealthStatusHealthy,
		Timestamp:   time.Now().UTC(),
		Version:     h.version,
		Environment: h.env,
		Uptime:      time.Since(startTime).String(),
		Checks:      make(map[string]CheckResult, len(h.checkers)),
	}

	for _, c := range h.checkers {
		res := h.run(r.Context(), c)
		resp.Checks[c.Name()] = res
		resp.Summary.TotalChecks++
		switch res.Status {
		case HealthStatusHealthy:
			resp.Summary.HealthyChecks++
		case HealthStatusDegraded:
			resp.Summary.DegradedChecks++
			if resp.Status != HealthStatusUnhealthy {
				resp.Status = HealthStatusDegraded
			}
		default:
			resp.Summary.UnhealthyChecks++
			resp.Status = HealthStatusUnhealthy
		}
	}

	code := http.StatusOK
	if resp.Status == HealthStatusUnhealthy {
		code = http.StatusServiceUnavailable
		logger.Warnf("[Health] Unhealthy: %d of %d checks failing", resp.Summary.UnhealthyChecks, resp.Summary.TotalChecks)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		logger.Errorf("[Health] Encode response: %v", err)
	}
}

// ReadinessHandler handles /ready. Only critical checkers are consulted.
func (h *HealthHandler) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	for _, c := range h.checkers {
		if !h.critical[c.Name()] {
			continue
		}
		if res := h.run(r.Context(), c); res.Status == HealthStatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			fmt.Fprintf(w, "not ready - %s: %s\n", c.Name(), res.Error)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}

// LivenessHandler handles /live.
func (h *HealthHandler) LivenessHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "live - uptime: %s\n", time.Since(startTime).String())
}

// Pinger is satisfied by repository.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StoreHealthChecker pings the insight store.
type StoreHealthChecker struct {
	Store   Pinger
	Backend string
}

func (s *StoreHealthChecker) Name() string { return "database" }

func (s *StoreHealthChecker) Check(ctx context.Context) CheckResult {
	meta := map[string]any{"backend": s.Backend}
	if err := s.Store.Ping(ctx); err != nil {
		logger.Errorf("[Health] Store ping: %v", err)
		return CheckResult{Status: HealthStatusUnhealthy, Error: fmt.Sprintf("ping failed: %v", err), Metadata: meta}
	}
	return CheckResult{Status: HealthStatusHealthy, Message: "store reachable", Metadata: meta}
}

// RedisHealthChecker pings the shared Redis client. An open circuit reads as degraded.
type RedisHealthChecker struct {
	Client *client.RedisClient
}

func (r *RedisHealthChecker) Name() string { return "redis" }

func (r *RedisHealthChecker) Check(ctx context.Context) CheckResult {
	stats := r.Client.Stats()
	meta := map[string]any{
		"circuit_breaker": r.Client.CircuitBreakerState(),
		"commands":        stats.Commands,
		"errors":          stats.Errors,
		"timeouts":        stats.Timeouts,
	}
	if r.Client.CircuitBreakerState() == "open" {
		return CheckResult{Status: HealthStatusDegraded, Message: "circuit breaker open", Metadata: meta}
	}
	if err := r.Client.HealthCheck(ctx); err != nil {
		logger.Errorf("[Health] Redis ping: %v", err)
		return CheckResult{Status: HealthStatusUnhealthy, Error: fmt.Sprintf("ping failed: %v", err), Metadata: meta}
	}
	return CheckResult{Status: HealthStatusHealthy, Message: "redis reachable", Metadata: meta}
}

// ApplicationHealthChecker reports configuration that is legal but unsafe.
type ApplicationHealthChecker struct {
	Config *config.Config
}

func (a *ApplicationHealthChecker) Name() string { return "application" }

func (a *ApplicationHealthChecker) Check(context.Context) CheckResult {
	c := a.Config
	meta := map[string]any{
		"environment":     c.Env,
		"port":            c.Port,
		"replay_backend":  c.Replay.Backend,
		"ratelimit":       c.RateLimit.Backend,
		"secrets_backend": c.Secrets.Backend,
		"orgs":            len(c.Orgs),
	}
	if strings.EqualFold(c.Env, "production") {
		if !c.Auth.Enabled {
			return CheckResult{Status: HealthStatusDegraded, Message: "operator auth disabled in production", Metadata: meta}
		}
		if c.Replay.Backend == config.BackendMemory && c.OrgLock.Backend == config.BackendMemory {
			return CheckResult{Status: HealthStatusDegraded, Message: "replay and lock state are process local", Metadata: meta}
		}
	}
	return CheckResult{Status: HealthStatusHealthy, Message: "configuration valid", Metadata: meta}
}
