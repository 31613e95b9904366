// Package memory is an in-process statestore.Store for tests and single-instance runs.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/statestore"
)

// Store keeps runs and steps in maps. Values are copied on the way in and
// out so callers cannot mutate stored state. Data is lost on restart.
type Store struct {
	mu    sync.RWMutex
	runs  map[string]*domain.Run
	steps map[string]map[string]*domain.StepExecution
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		runs:  make(map[string]*domain.Run),
		steps: make(map[string]map[string]*domain.StepExecution),
	}
}

// CreateRun implements statestore.Store.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	if run.ID == "" {
		return fmt.Errorf("CreateRun: run ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("CreateRun: run %s already exists", run.ID)
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

// UpdateRun implements statestore.Store.
func (s *Store) UpdateRun(ctx context.Context, run *domain.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.runs[run.ID]
	if !ok {
		return fmt.Errorf("UpdateRun %s: %w", run.ID, statestore.ErrNotFound)
	}
	if existing.Status.Terminal() {
		return fmt.Errorf("UpdateRun %s: %w", run.ID, statestore.ErrRunTerminal)
	}
	s.runs[run.ID] = copyRun(run)
	return nil
}

// GetRun implements statestore.Store.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[runID]
	if !ok {
		return nil, fmt.Errorf("GetRun %s: %w", runID, statestore.ErrNotFound)
	}
	return copyRun(run), nil
}

// LatestRun implements statestore.Store.
func (s *Store) LatestRun(ctx context.Context, date civil.Date) (*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *domain.Run
	for _, run := range s.runs {
		if run.LogicalDate != date {
			continue
		}
		if latest == nil || run.Attempt > latest.Attempt {
			latest = run
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("LatestRun %s: %w", date, statestore.ErrNotFound)
	}
	return copyRun(latest), nil
}

// ListRuns implements statestore.Store.
func (s *Store) ListRuns(ctx context.Context, filter statestore.RunFilter) ([]*domain.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*domain.Run{}
	for _, run := range s.runs {
		if filter.Matches(run) {
			result = append(result, copyRun(run))
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].LogicalDate != result[j].LogicalDate {
			return result[i].LogicalDate.After(result[j].LogicalDate)
		}
		return result[i].Attempt > result[j].Attempt
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*domain.Run{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// SaveStep implements statestore.Store.
func (s *Store) SaveStep(ctx context.Context, step *domain.StepExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[step.RunID]
	if !ok {
		return fmt.Errorf("SaveStep %s: %w", step.RunID, statestore.ErrNotFound)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("SaveStep %s/%s: %w", step.RunID, step.StepName, statestore.ErrRunTerminal)
	}

	byName, ok := s.steps[step.RunID]
	if !ok {
		byName = make(map[string]*domain.StepExecution)
		s.steps[step.RunID] = byName
	}
	byName[step.StepName] = copyStep(step)
	return nil
}

// ListSteps implements statestore.Store.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]*domain.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*domain.StepExecution{}
	for _, step := range s.steps[runID] {
		result = append(result, copyStep(step))
	}
	sort.Slice(result, func(i, j int) bool { return result[i].StepName < result[j].StepName })
	return result, nil
}

func copyRun(run *domain.Run) *domain.Run {
	c := *run
	return &c
}

func copyStep(step *domain.StepExecution) *domain.StepExecution {
	c := *step
	if step.Assertions != nil {
		c.Assertions = append([]domain.AssertionResult(nil), step.Assertions...)
	}
	return &c
}

var _ statestore.Store = (*Store)(nil)
