// Package statestore persists Run and StepExecution records outside the process,
// so any instance can inspect or resume a run.
package statestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
)

var (
	// ErrNotFound is returned when a run does not exist.
	ErrNotFound = errors.New("run not found")

	// ErrRunTerminal is returned when writing to a run that has already finished.
	ErrRunTerminal = errors.New("run is terminal")
)

// MaxErrorDetail bounds persisted error details.
const MaxErrorDetail = 2000

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Status domain.RunStatus
	From   civil.Date
	To     civil.Date
	Limit  int
	Offset int
}

// Matches reports whether run passes the filter's predicates.
func (f RunFilter) Matches(run *domain.Run) bool {
	if f.Status != "" && run.Status != f.Status {
		return false
	}
	if f.From.IsValid() && run.LogicalDate.Before(f.From) {
		return false
	}
	if f.To.IsValid() && run.LogicalDate.After(f.To) {
		return false
	}
	return true
}

// Store is implemented by the memory, Postgres and BigQuery backends.
type Store interface {
	// CreateRun inserts a new run.
	CreateRun(ctx context.Context, run *domain.Run) error

	// UpdateRun overwrites a non-terminal run. Updating a terminal run fails with ErrRunTerminal.
	UpdateRun(ctx context.Context, run *domain.Run) error

	// GetRun fetches a run by id.
	GetRun(ctx context.Context, runID string) (*domain.Run, error)

	// LatestRun returns the highest-attempt run for a logical date.
	LatestRun(ctx context.Context, date civil.Date) (*domain.Run, error)

	// ListRuns returns runs newest logical date first, then highest attempt first.
	ListRuns(ctx context.Context, filter RunFilter) ([]*domain.Run, error)

	// SaveStep upserts a step execution keyed by (run id, step name).
	SaveStep(ctx context.Context, step *domain.StepExecution) error

	// ListSteps returns the step executions of a run ordered by step name.
	ListSteps(ctx context.Context, runID string) ([]*domain.StepExecution, error)
}

// Detail fetches a run and its steps.
func Detail(ctx context.Context, s Store, run *domain.Run) (*domain.RunDetail, error) {
	steps, err := s.ListSteps(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("Detail: %w", err)
	}
	return &domain.RunDetail{Run: run, Steps: steps}, nil
}

// Sanitize truncates error details before they are persisted.
func Sanitize(run *domain.Run) {
	run.ErrorDetail = failure.Truncate(run.ErrorDetail, MaxErrorDetail)
}

// SanitizeStep truncates error details before they are persisted.
func SanitizeStep(step *domain.StepExecution) {
	step.ErrorDetail = failure.Truncate(step.ErrorDetail, MaxErrorDetail)
}
