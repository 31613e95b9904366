package inmemory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dvloznov/finance-elt/internal/jobs"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/google/uuid"
)

// Queue is an in-memory implementation of jobs.Publisher and jobs.Consumer.
// It uses a buffered channel for distribution and is safe for concurrent use.
// Each worker runs one request at a time, so the worker count bounds the
// number of concurrent runs.
type Queue struct {
	reqChan   chan *jobs.RunRequest
	closeChan chan struct{}
	wg        sync.WaitGroup
	mu        sync.RWMutex
	store     jobs.Store
	workers   int
	closed    bool
}

// NewQueue creates a new in-memory queue.
// bufferSize determines how many requests can wait before Publish blocks.
func NewQueue(bufferSize, workers int, store jobs.Store) *Queue {
	if workers < 1 {
		workers = 1
	}
	return &Queue{
		reqChan:   make(chan *jobs.RunRequest, bufferSize),
		closeChan: make(chan struct{}),
		store:     store,
		workers:   workers,
	}
}

// Publish implements the jobs.Publisher interface. It never waits for a free
// slot: a full buffer fails the request with jobs.ErrQueueFull.
func (q *Queue) Publish(ctx context.Context, req *jobs.RunRequest) error {
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.closed {
		return fmt.Errorf("Publish: queue is closed")
	}

	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	if req.Status == "" {
		req.Status = jobs.StatusPending
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now().UTC()
	}

	if q.store != nil {
		if err := q.store.Save(ctx, req); err != nil {
			return fmt.Errorf("Publish: save request: %w", err)
		}
	}

	select {
	case q.reqChan <- req:
		return nil
	case <-q.closeChan:
		return fmt.Errorf("Publish: queue is closed")
	default:
	}

	completed := time.Now().UTC()
	req.Status = jobs.StatusFailed
	req.CompletedAt = &completed
	req.Error = jobs.ErrQueueFull.Error()
	q.save(ctx, req)
	return fmt.Errorf("Publish %s: %w", req.ID, jobs.ErrQueueFull)
}

// Start implements the jobs.Consumer interface.
func (q *Queue) Start(ctx context.Context, handler jobs.Handler) error {
	q.mu.RLock()
	if q.closed {
		q.mu.RUnlock()
		return fmt.Errorf("Start: queue is closed")
	}
	q.mu.RUnlock()

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(ctx, handler)
	}
	return nil
}

func (q *Queue) worker(ctx context.Context, handler jobs.Handler) {
	defer q.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.closeChan:
			return
		case req := <-q.reqChan:
			if req == nil {
				return
			}
			q.process(ctx, req, handler)
		}
	}
}

// process executes a single request. Step-level retries happen inside the
// run, so failed requests are not re-enqueued.
func (q *Queue) process(ctx context.Context, req *jobs.RunRequest, handler jobs.Handler) {
	log := logger.FromContext(ctx).With().
		Str("request_id", req.ID).
		Str("logical_date", req.LogicalDate.String()).
		Str("mode", string(req.Mode)).
		Logger()

	req.Status = jobs.StatusRunning
	now := time.Now().UTC()
	req.StartedAt = &now
	q.save(ctx, req)

	run, err := handler(ctx, req)

	completedAt := time.Now().UTC()
	req.CompletedAt = &completedAt
	if run != nil {
		req.RunID = run.ID
		req.RunStatus = run.Status
	}

	if err != nil {
		req.Status = jobs.StatusFailed
		req.Error = err.Error()
		log.Error().Err(err).Msg("Run request failed")
	} else {
		req.Status = jobs.StatusCompleted
		req.Error = ""
		log.Info().Str("run_id", req.RunID).Str("run_status", string(req.RunStatus)).Msg("Run request completed")
	}
	q.save(ctx, req)
}

func (q *Queue) save(ctx context.Context, req *jobs.RunRequest) {
	if q.store == nil {
		return
	}
	if err := q.store.Save(context.WithoutCancel(ctx), req); err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("request_id", req.ID).Msg("Failed to save run request")
	}
}

// Stop implements the jobs.Consumer interface.
// It stops the queue and waits for in-flight requests to complete.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.closeChan)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close implements the jobs.Publisher interface.
func (q *Queue) Close() error {
	return q.Stop(context.Background())
}

// Ensure Queue implements both interfaces.
var _ jobs.Publisher = (*Queue)(nil)
var _ jobs.Consumer = (*Queue)(nil)
