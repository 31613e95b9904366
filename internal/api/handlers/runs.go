package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/api/middleware"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/jobs"
	"github.com/dvloznov/finance-elt/internal/scheduler"
	"github.com/dvloznov/finance-elt/internal/statestore"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// maxBackfillDays bounds a single backfill request.
const maxBackfillDays = 366

// RunService is the part of the scheduler the API reads from directly.
type RunService interface {
	Status(ctx context.Context, date civil.Date) (*domain.RunDetail, error)
	List(ctx context.Context, filter statestore.RunFilter) ([]*domain.Run, error)
	Abort(ctx context.Context, date civil.Date) error
}

// RunsHandler handles run endpoints. Runs are started asynchronously through
// the request queue.
type RunsHandler struct {
	runs      RunService
	publisher jobs.Publisher
	log       zerolog.Logger
}

// NewRunsHandler creates a new runs handler.
func NewRunsHandler(runs RunService, publisher jobs.Publisher, log zerolog.Logger) *RunsHandler {
	return &RunsHandler{runs: runs, publisher: publisher, log: log}
}

// ListRuns handles GET /api/runs
func (h *RunsHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var filter statestore.RunFilter

	if s := q.Get("status"); s != "" {
		filter.Status = domain.RunStatus(s)
	}
	for name, dst := range map[string]*civil.Date{"from": &filter.From, "to": &filter.To} {
		if s := q.Get(name); s != "" {
			d, err := domain.ParseLogicalDate(s)
			if err != nil {
				middleware.WriteError(w, http.StatusBadRequest, err.Error())
				return
			}
			*dst = d
		}
	}
	for name, dst := range map[string]*int{"limit": &filter.Limit, "offset": &filter.Offset} {
		if s := q.Get(name); s != "" {
			n, err := strconv.Atoi(s)
			if err != nil || n < 0 {
				middleware.WriteError(w, http.StatusBadRequest, "Invalid "+name)
				return
			}
			*dst = n
		}
	}
	if filter.Limit == 0 {
		filter.Limit = 50
	}

	runs, err := h.runs.List(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list runs")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list runs")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"runs":  runs,
		"count": len(runs),
	})
}

// GetRun handles GET /api/runs/{date}
func (h *RunsHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}

	detail, err := h.runs.Status(r.Context(), date)
	if errors.Is(err, statestore.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "No run for "+date.String())
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("logical_date", date.String()).Msg("Failed to get run")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get run")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, detail)
}

// TriggerRun handles POST /api/runs/{date}
func (h *RunsHandler) TriggerRun(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, jobs.ModeRun)
}

// RetryRun handles POST /api/runs/{date}/retry
func (h *RunsHandler) RetryRun(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, jobs.ModeRetry)
}

// RerunRun handles POST /api/runs/{date}/rerun
func (h *RunsHandler) RerunRun(w http.ResponseWriter, r *http.Request) {
	h.enqueue(w, r, jobs.ModeRerun)
}

func (h *RunsHandler) enqueue(w http.ResponseWriter, r *http.Request, mode jobs.Mode) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}

	req := &jobs.RunRequest{LogicalDate: date, Mode: mode}
	if mode == jobs.ModeRun {
		req.Trigger = domain.TriggerManual
	}
	if err := h.publisher.Publish(r.Context(), req); err != nil {
		h.log.Error().Err(err).Str("logical_date", date.String()).Msg("Failed to enqueue run request")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue run request")
		return
	}

	h.log.Info().
		Str("request_id", req.ID).
		Str("logical_date", date.String()).
		Str("mode", string(mode)).
		Msg("Run request enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"request_id":   req.ID,
		"logical_date": date.String(),
		"mode":         string(mode),
		"status":       string(jobs.StatusPending),
	})
}

// AbortRun handles POST /api/runs/{date}/abort
func (h *RunsHandler) AbortRun(w http.ResponseWriter, r *http.Request) {
	date, ok := dateParam(w, r)
	if !ok {
		return
	}

	err := h.runs.Abort(r.Context(), date)
	if errors.Is(err, scheduler.ErrNoActiveRun) {
		middleware.WriteError(w, http.StatusConflict, "No active run for "+date.String())
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("logical_date", date.String()).Msg("Failed to abort run")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to abort run")
		return
	}

	middleware.WriteJSON(w, http.StatusAccepted, map[string]string{
		"logical_date": date.String(),
		"status":       "aborting",
	})
}

// Backfill handles POST /api/backfill
func (h *RunsHandler) Backfill(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Start string `json:"start"`
		End   string `json:"end"`
		Force bool   `json:"force"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	start, err := domain.ParseLogicalDate(body.Start)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	end := start
	if body.End != "" {
		if end, err = domain.ParseLogicalDate(body.End); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	dates, err := scheduler.DateRange(start, end)
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(dates) > maxBackfillDays {
		middleware.WriteError(w, http.StatusBadRequest, "Backfill range is limited to "+strconv.Itoa(maxBackfillDays)+" days")
		return
	}

	req := &jobs.RunRequest{
		LogicalDate: start,
		EndDate:     end,
		Mode:        jobs.ModeBackfill,
		Trigger:     domain.TriggerBackfill,
		Force:       body.Force,
	}
	if err := h.publisher.Publish(r.Context(), req); err != nil {
		h.log.Error().Err(err).Str("start", start.String()).Str("end", end.String()).Msg("Failed to enqueue backfill request")
		middleware.WriteError(w, http.StatusServiceUnavailable, "Failed to enqueue backfill")
		return
	}

	h.log.Info().
		Str("request_id", req.ID).
		Str("start", start.String()).
		Str("end", end.String()).
		Bool("force", body.Force).
		Int("dates", len(dates)).
		Msg("Backfill enqueued")

	middleware.WriteJSON(w, http.StatusAccepted, map[string]interface{}{
		"request_id": req.ID,
		"start":      start.String(),
		"end":        end.String(),
		"dates":      len(dates),
		"status":     string(jobs.StatusPending),
	})
}

func dateParam(w http.ResponseWriter, r *http.Request) (civil.Date, bool) {
	date, err := domain.ParseLogicalDate(mux.Vars(r)["date"])
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return civil.Date{}, false
	}
	return date, true
}
