package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/ComUnity/insight-service/internal/lifecycle"
	"github.com/ComUnity/insight-service/internal/middleware"
	"github.com/ComUnity/insight-service/internal/models"
	"github.com/ComUnity/insight-service/internal/repository"
	"github.com/ComUnity/insight-service/internal/util/logger"
	"github.com/go-chi/chi/v5"
)

const (
	DefaultMetricsRangeDays = 30
	MaxMetricsRangeDays     = 366
)

// InsightHandler serves the operator read and transition API.
type InsightHandler struct {
	store     repository.Store
	lifecycle *lifecycle.Manager
	now       func() time.Time
}

func NewInsightHandler(store repository.Store, lc *lifecycle.Manager, now func() time.Time) *InsightHandler {
	if now == nil {
		now = time.Now
	}
	return &InsightHandler{store: store, lifecycle: lc, now: now}
}

type insightPage struct {
	Insights   []models.Insight `json:"insights"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type statusRequest struct {
	Status models.InsightStatus `json:"status"`
}

type metricsRange struct {
	OrgID string               `json:"org_id"`
	From  string               `json:"from"`
	To    string               `json:"to"`
	Days  []models.DailyMetric `json:"days"`
}

// org resolves the {orgID} path param. Unknown orgs are answered with 404.
func (h *InsightHandler) org(w http.ResponseWriter, r *http.Request) (string, bool) {
	orgID := chi.URLParam(r, middleware.OrgParam)
	if _, err := h.store.GetOrg(r.Context(), orgID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSONError(w, http.StatusNotFound, CodeNotFound, "org", "unknown org")
			return "", false
		}
		logger.Errorf("[InsightAPI] Load org %s: %v", orgID, err)
		writeAppError(w, err)
		return "", false
	}
	return orgID, true
}

// List handles GET /v1/orgs/{orgID}/insights.
func (h *InsightHandler) List(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.org(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := repository.InsightFilter{DeviceID: q.Get("device")}
	if s := q.Get("status"); s != "" {
		f.Status = models.InsightStatus(s)
		if !f.Status.Valid() {
			writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "status", "unknown status "+strconv.Quote(s))
			return
		}
	}
	if s := q.Get("severity"); s != "" {
		f.Severity = models.Severity(s)
		if !f.Severity.Valid() {
			writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "severity", "unknown severity "+strconv.Quote(s))
			return
		}
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > repository.MaxPageSize {
			writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "limit",
				"limit must be between 1 and "+strconv.Itoa(repository.MaxPageSize))
			return
		}
		f.Limit = n
	}
	if s := q.Get("cursor"); s != "" {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil || id <= 0 {
			writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "cursor", "malformed cursor")
			return
		}
		f.BeforeID = id
	}

	items, err := h.store.ListInsights(r.Context(), orgID, f)
	if err != nil {
		logger.Errorf("[InsightAPI] List insights for org %s: %v", orgID, err)
		writeAppError(w, err)
		return
	}
	page := insightPage{Insights: items}
	if page.Insights == nil {
		page.Insights = []models.Insight{}
	}
	if len(items) == f.PageLimit() {
		page.NextCursor = strconv.FormatInt(items[len(items)-1].ID, 10)
	}
	writeJSON(w, http.StatusOK, page)
}

// UpdateStatus handles POST /v1/orgs/{orgID}/insights/{insightID}/status.
func (h *InsightHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.org(w, r)
	if !ok {
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "insightID"), 10, 64)
	if err != nil || id <= 0 {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "insight_id", "malformed insight id")
		return
	}
	var req statusRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "body", "body must be {\"status\": \"ack\"|\"closed\"}")
		return
	}

	actor := "unknown"
	if c, ok := middleware.OperatorFromContext(r.Context()); ok {
		actor = c.Subject
	}
	updated, err := h.lifecycle.Transition(r.Context(), orgID, id, req.Status, actor)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, updated)
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, CodeInvalidTransition, "status", err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, CodeNotFound, "insight", "unknown insight")
	case errors.Is(err, repository.ErrConflict):
		writeJSONError(w, http.StatusConflict, CodeInvalidTransition, "concurrent_update", "insight changed concurrently, retry")
	default:
		logger.Errorf("[InsightAPI] Transition insight %d in org %s: %v", id, orgID, err)
		writeAppError(w, err)
	}
}

// Metrics handles GET /v1/orgs/{orgID}/metrics.
func (h *InsightHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.org(w, r)
	if !ok {
		return
	}
	to := models.DayOf(h.now())
	from := to.AddDate(0, 0, -(DefaultMetricsRangeDays - 1))
	q := r.URL.Query()
	var err error
	if s := q.Get("to"); s != "" {
		if to, err = models.ParseDay(s); err != nil {
			writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "to", "to must be YYYY-MM-DD")
			return
		}
		if q.Get("from") == "" {
			from = to.AddDate(0, 0, -(DefaultMetricsRangeDays - 1))
		}
	}
	if s := q.Get("from"); s != "" {
		if from, err = models.ParseDay(s); err != nil {
			writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "from", "from must be YYYY-MM-DD")
			return
		}
	}
	if from.After(to) {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "range", "from is after to")
		return
	}
	if to.Sub(from) >= MaxMetricsRangeDays*24*time.Hour {
		writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "range",
			"range exceeds "+strconv.Itoa(MaxMetricsRangeDays)+" days")
		return
	}

	days, err := h.store.DailyHistory(r.Context(), orgID, from, to)
	if err != nil {
		logger.Errorf("[InsightAPI] Daily history for org %s: %v", orgID, err)
		writeAppError(w, err)
		return
	}
	if days == nil {
		days = []models.DailyMetric{}
	}
	writeJSON(w, http.StatusOK, metricsRange{
		OrgID: orgID,
		From:  models.DayString(from),
		To:    models.DayString(to),
		Days:  days,
	})
}

// Brief handles GET /v1/orgs/{orgID}/brief.
func (h *InsightHandler) Brief(w http.ResponseWriter, r *http.Request) {
	orgID, ok := h.org(w, r)
	if !ok {
		return
	}
	day := models.DayOf(h.now())
	if s := r.URL.Query().Get("day"); s != "" {
		d, err := models.ParseDay(s)
		if err != nil {
			writeJSONError(w, http.StatusBadRequest, CodeInvalidRequest, "day", "day must be YYYY-MM-DD")
			return
		}
		day = d
	}
	brief, err := h.lifecycle.Brief(r.Context(), orgID, day)
	if err != nil {
		logger.Errorf("[InsightAPI] Brief for org %s on %s: %v", orgID, models.DayString(day), err)
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, brief)
}
