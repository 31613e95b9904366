package inmemory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/dvloznov/finance-elt/internal/jobs"
)

// Store is an in-memory implementation of jobs.Store.
// It is safe for concurrent use. Data is lost on service restart; the runs
// themselves live in the state store.
type Store struct {
	mu       sync.RWMutex
	requests map[string]*jobs.RunRequest
}

// NewStore creates a new in-memory request store.
func NewStore() *Store {
	return &Store{
		requests: make(map[string]*jobs.RunRequest),
	}
}

// Save implements the jobs.Store interface.
func (s *Store) Save(ctx context.Context, req *jobs.RunRequest) error {
	if req.ID == "" {
		return fmt.Errorf("Save: request ID is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Copy so later mutations by the queue do not leak in.
	c := *req
	s.requests[req.ID] = &c
	return nil
}

// Get implements the jobs.Store interface.
func (s *Store) Get(ctx context.Context, id string) (*jobs.RunRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	req, exists := s.requests[id]
	if !exists {
		return nil, fmt.Errorf("Get %s: %w", id, jobs.ErrNotFound)
	}
	c := *req
	return &c, nil
}

// List implements the jobs.Store interface.
func (s *Store) List(ctx context.Context, filter jobs.Filter) ([]*jobs.RunRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []*jobs.RunRequest{}
	for _, req := range s.requests {
		if filter.LogicalDate.IsValid() && req.LogicalDate != filter.LogicalDate {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		c := *req
		result = append(result, &c)
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID < result[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []*jobs.RunRequest{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(result) {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Ensure Store implements jobs.Store.
var _ jobs.Store = (*Store)(nil)
