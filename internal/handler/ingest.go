package handler

import (
	"net/http"

	"github.com/ComUnity/insight-service/internal/ingest"
)

// IngestHandler serves POST /ingest.
type IngestHandler struct {
	pipeline *ingest.Pipeline
}

func NewIngestHandler(p *ingest.Pipeline) *IngestHandler {
	return &IngestHandler{pipeline: p}
}

// ServeHTTP reads at most MaxBodyBytes+1 bytes; larger bodies are refused
// before any signature work.
func (h *IngestHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	res, err := h.pipeline.Ingest(r.Context(), r.Header, r.Body)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}
