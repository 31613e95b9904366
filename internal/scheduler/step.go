package scheduler

import (
	"context"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
)

// Step is a single unit of work in a run's DAG. Implementations must be
// idempotent: executing a step twice for the same logical date leaves the
// same end state as executing it once.
type Step interface {
	Name() string
	Execute(ctx context.Context, rc *RunContext) error
}

// RunContext carries run identity and the in-process outputs steps hand to
// their dependents.
type RunContext struct {
	RunID       string
	LogicalDate civil.Date

	mu         sync.RWMutex
	outputs    map[string]any
	assertions map[string][]domain.AssertionResult
}

// NewRunContext creates an empty context for a run.
func NewRunContext(runID string, date civil.Date) *RunContext {
	return &RunContext{
		RunID:       runID,
		LogicalDate: date,
		outputs:     make(map[string]any),
		assertions:  make(map[string][]domain.AssertionResult),
	}
}

// Put stores an output under key.
func (rc *RunContext) Put(key string, v any) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.outputs[key] = v
}

// Get fetches an output.
func (rc *RunContext) Get(key string) (any, bool) {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	v, ok := rc.outputs[key]
	return v, ok
}

// RecordAssertions attaches assertion results to a step's execution record.
func (rc *RunContext) RecordAssertions(step string, results []domain.AssertionResult) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.assertions[step] = append([]domain.AssertionResult(nil), results...)
}

// Assertions returns the results recorded for step.
func (rc *RunContext) Assertions(step string) []domain.AssertionResult {
	rc.mu.RLock()
	defer rc.mu.RUnlock()
	return rc.assertions[step]
}

// StepFunc adapts a function to the Step interface.
type StepFunc struct {
	StepName string
	Fn       func(ctx context.Context, rc *RunContext) error
}

func (s StepFunc) Name() string { return s.StepName }

func (s StepFunc) Execute(ctx context.Context, rc *RunContext) error { return s.Fn(ctx, rc) }
