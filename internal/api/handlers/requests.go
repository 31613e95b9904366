package handlers

import (
	"errors"
	"net/http"

	"github.com/dvloznov/finance-elt/internal/api/middleware"
	"github.com/dvloznov/finance-elt/internal/jobs"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// RequestsHandler handles run request endpoints.
type RequestsHandler struct {
	store jobs.Store
	log   zerolog.Logger
}

// NewRequestsHandler creates a new requests handler.
func NewRequestsHandler(store jobs.Store, log zerolog.Logger) *RequestsHandler {
	return &RequestsHandler{store: store, log: log}
}

// GetRequest handles GET /api/requests/{id}
func (h *RequestsHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	req, err := h.store.Get(r.Context(), id)
	if errors.Is(err, jobs.ErrNotFound) {
		middleware.WriteError(w, http.StatusNotFound, "Request not found")
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("request_id", id).Msg("Failed to get request")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to get request")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, req)
}

// ListRequests handles GET /api/requests
func (h *RequestsHandler) ListRequests(w http.ResponseWriter, r *http.Request) {
	filter := jobs.Filter{Status: jobs.Status(r.URL.Query().Get("status")), Limit: 100}

	reqs, err := h.store.List(r.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list requests")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list requests")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"requests": reqs,
		"count":    len(reqs),
	})
}
