// Package api exposes the operator HTTP surface.
package api

import (
	"time"

	"github.com/dvloznov/finance-elt/internal/api/handlers"
	"github.com/dvloznov/finance-elt/internal/api/middleware"
	"github.com/dvloznov/finance-elt/internal/jobs"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Deps are the services the routes are bound to.
type Deps struct {
	Runs      handlers.RunService
	Publisher jobs.Publisher
	Requests  jobs.Store

	// NextRun reports the next cron tick on /health. Optional.
	NextRun func() time.Time

	// Token guards every route but /health. Empty disables auth.
	Token string
}

// NewRouter wires handlers and middleware.
func NewRouter(deps Deps, log zerolog.Logger) *mux.Router {
	runs := handlers.NewRunsHandler(deps.Runs, deps.Publisher, log)
	requests := handlers.NewRequestsHandler(deps.Requests, log)

	r := mux.NewRouter()
	r.Use(middleware.Recovery(log))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(log))
	r.Use(middleware.CORS)
	r.Use(middleware.Auth(deps.Token))

	r.HandleFunc("/health", handlers.Health(deps.NextRun)).Methods("GET")

	r.HandleFunc("/api/runs", runs.ListRuns).Methods("GET")
	r.HandleFunc("/api/runs/{date}", runs.GetRun).Methods("GET")
	r.HandleFunc("/api/runs/{date}", runs.TriggerRun).Methods("POST")
	r.HandleFunc("/api/runs/{date}/retry", runs.RetryRun).Methods("POST")
	r.HandleFunc("/api/runs/{date}/rerun", runs.RerunRun).Methods("POST")
	r.HandleFunc("/api/runs/{date}/abort", runs.AbortRun).Methods("POST")
	r.HandleFunc("/api/backfill", runs.Backfill).Methods("POST")

	r.HandleFunc("/api/requests", requests.ListRequests).Methods("GET")
	r.HandleFunc("/api/requests/{id}", requests.GetRequest).Methods("GET")

	return r
}
