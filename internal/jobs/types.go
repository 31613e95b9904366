// Package jobs carries run requests from the cron ticker, the operator API
// and the CLI to a bounded pool of workers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
)

var (
	// ErrNotFound is returned when a request does not exist.
	ErrNotFound = errors.New("request not found")

	// ErrQueueFull is returned by Publish when no request slot is free.
	ErrQueueFull = errors.New("run queue is full")
)

// Mode selects what a worker does for a request.
type Mode string

const (
	// ModeRun starts a run unless the date already succeeded (scheduled ticks)
	// or unconditionally (manual triggers), see RunRequest.Trigger.
	ModeRun Mode = "run"
	// ModeRetry resumes the latest run, re-executing only unfinished steps.
	ModeRetry Mode = "retry"
	// ModeRerun starts a fresh full run.
	ModeRerun Mode = "rerun"
	// ModeBackfill runs LogicalDate through EndDate in order, skipping dates that
	// already succeeded unless forced.
	ModeBackfill Mode = "backfill"
)

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeRun, ModeRetry, ModeRerun, ModeBackfill:
		return m, nil
	default:
		return "", fmt.Errorf("unsupported mode %q", s)
	}
}

// Status represents the current status of a request.
type Status string

const (
	// StatusPending indicates the request is waiting for a worker.
	StatusPending Status = "pending"
	// StatusRunning indicates a worker is executing the run.
	StatusRunning Status = "running"
	// StatusCompleted indicates the run reached a terminal state.
	StatusCompleted Status = "completed"
	// StatusFailed indicates the run could not be started or finished.
	StatusFailed Status = "failed"
)

// RunRequest asks for a run of one logical date, or of a date range for backfills.
type RunRequest struct {
	// ID is the unique identifier for this request.
	ID string `json:"request_id"`

	LogicalDate civil.Date     `json:"logical_date"`
	Mode        Mode           `json:"mode"`
	Trigger     domain.Trigger `json:"trigger"`

	// EndDate is the last date of a backfill range. Zero means LogicalDate only.
	EndDate civil.Date `json:"end_date,omitempty"`

	// Force reruns a backfill date that already succeeded.
	Force bool `json:"force,omitempty"`

	// Status is the current status of the request.
	Status Status `json:"status"`

	// RunID and RunStatus describe the run the request produced.
	RunID     string           `json:"run_id,omitempty"`
	RunStatus domain.RunStatus `json:"run_status,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Error contains the reason the request failed.
	Error string `json:"error,omitempty"`
}

// Publisher enqueues run requests.
type Publisher interface {
	// Publish enqueues a request for asynchronous processing.
	Publish(ctx context.Context, req *RunRequest) error

	// Close closes the publisher and releases resources.
	Close() error
}

// Consumer processes run requests.
type Consumer interface {
	// Start begins consuming requests. The handler is called for each request.
	Start(ctx context.Context, handler Handler) error

	// Stop stops consuming and waits for in-flight requests to complete.
	Stop(ctx context.Context) error
}

// Handler executes a request and returns the run it produced.
type Handler func(ctx context.Context, req *RunRequest) (*domain.Run, error)

// Store tracks request state so the API can report on queued work.
type Store interface {
	// Save saves or updates a request.
	Save(ctx context.Context, req *RunRequest) error

	// Get retrieves a request by ID.
	Get(ctx context.Context, id string) (*RunRequest, error)

	// List retrieves requests with optional filtering, newest first.
	List(ctx context.Context, filter Filter) ([]*RunRequest, error)
}

// Filter defines filtering criteria for listing requests.
type Filter struct {
	// LogicalDate filters requests by date.
	LogicalDate civil.Date

	// Status filters requests by status.
	Status Status

	// Limit limits the number of results.
	Limit int

	// Offset for pagination.
	Offset int
}
