package scheduler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Handler provides HTTP endpoints for the renewal scheduler.
type Handler struct {
	scheduler *RenewalScheduler
}

// NewHandler creates a new scheduler HTTP handler.
func NewHandler(scheduler *RenewalScheduler) *Handler {
	return &Handler{scheduler: scheduler}
}

// RegisterRoutes registers scheduler API routes on the given mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/renewals/history", h.history)
	mux.HandleFunc("POST /api/v1/renewals/run", h.runNow)
	mux.HandleFunc("GET /api/v1/renewals/schedule", h.schedule)
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	recs := h.scheduler.History(limit)
	writeJSON(w, http.StatusOK, map[string]any{"items": recs, "total": len(recs)})
}

func (h *Handler) runNow(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Now *time.Time `json:"now"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	var now time.Time
	if body.Now != nil {
		now = *body.Now
	}
	rec := h.scheduler.RunNow(r.Context(), now)
	status := http.StatusOK
	switch rec.Status {
	case RunStatusSkipped:
		status = http.StatusConflict
	case RunStatusFailed:
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, rec)
}

func (h *Handler) schedule(w http.ResponseWriter, r *http.Request) {
	count := 5
	if v := r.URL.Query().Get("count"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 20 {
			count = n
		}
	}
	last, next := h.scheduler.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"schedule":  h.scheduler.Schedule(),
		"last_run":  last,
		"next_run":  next,
		"next_runs": h.scheduler.NextRuns(time.Now(), count),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
