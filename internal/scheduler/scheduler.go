package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/notify"
	"github.com/dvloznov/finance-elt/internal/statestore"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
)

var (
	// ErrRunInProgress is returned when a logical date already has an active run.
	ErrRunInProgress = errors.New("run already in progress for logical date")

	// ErrNoActiveRun is returned by Abort when nothing is running for the date.
	ErrNoActiveRun = errors.New("no active run for logical date")

	// ErrNothingToRetry is returned by Retry when the latest run succeeded.
	ErrNothingToRetry = errors.New("latest run already succeeded")
)

// Options configures a Scheduler.
type Options struct {
	// Schedule is a standard five-field cron expression evaluated in UTC.
	Schedule string

	// LogicalDateLag is subtracted from the tick time to derive the logical date.
	LogicalDateLag time.Duration

	// RunTimeout bounds a single run. Zero means no limit.
	RunTimeout time.Duration

	// OnTick receives the logical date of every cron tick. When nil the
	// scheduler triggers the run itself in a new goroutine.
	OnTick func(date civil.Date)
}

type activeRun struct {
	runID  string
	cancel context.CancelFunc
}

// Scheduler owns the run lifecycle for logical dates: creating runs, executing
// their graph and recording the outcome.
type Scheduler struct {
	store    statestore.Store
	executor *Executor
	graph    *Graph
	notifier notify.Notifier
	opts     Options

	cron *cron.Cron

	mu     sync.Mutex
	active map[civil.Date]activeRun

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// persistPolicy retries run record writes that would otherwise leave a run
// stuck in a non-terminal state.
var persistPolicy = RetryPolicy{
	MaxAttempts:    5,
	InitialBackoff: 500 * time.Millisecond,
	MaxBackoff:     10 * time.Second,
	Multiplier:     2.0,
}

// New creates a Scheduler. A nil notifier disables notifications.
func New(store statestore.Store, executor *Executor, graph *Graph, notifier notify.Notifier, opts Options) *Scheduler {
	return &Scheduler{
		store:    store,
		executor: executor,
		graph:    graph,
		notifier: notifier,
		opts:     opts,
		active:   make(map[civil.Date]activeRun),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Graph returns the step graph runs execute.
func (s *Scheduler) Graph() *Graph {
	return s.graph
}

// LogicalDateFor derives the logical date a tick at t processes.
func LogicalDateFor(t time.Time, lag time.Duration) civil.Date {
	return civil.DateOf(t.UTC().Add(-lag))
}

// Start registers the cron schedule and starts ticking.
func (s *Scheduler) Start(ctx context.Context) error {
	log := logger.FromContext(ctx)

	c := cron.New(cron.WithLocation(time.UTC))
	_, err := c.AddFunc(s.opts.Schedule, func() {
		date := LogicalDateFor(s.now(), s.opts.LogicalDateLag)
		log.Info().Str("logical_date", date.String()).Msg("Cron tick")

		if s.opts.OnTick != nil {
			s.opts.OnTick(date)
			return
		}
		go func() {
			if _, err := s.Trigger(ctx, date, domain.TriggerScheduled); err != nil {
				log.Error().Err(err).Str("logical_date", date.String()).Msg("Scheduled run failed to start")
			}
		}()
	})
	if err != nil {
		return fmt.Errorf("Start: invalid schedule %q: %w", s.opts.Schedule, err)
	}

	s.cron = c
	c.Start()
	log.Info().Str("schedule", s.opts.Schedule).Msg("Scheduler started")
	return nil
}

// Stop stops the cron ticker and waits for a tick in progress to return.
func (s *Scheduler) Stop() {
	if s.cron != nil {
		<-s.cron.Stop().Done()
	}
}

// Next returns the next scheduled tick, or the zero time when not started.
func (s *Scheduler) Next() time.Time {
	if s.cron == nil {
		return time.Time{}
	}
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// Trigger starts a full run for date. Scheduled and backfill triggers are
// no-ops when the latest run for the date already succeeded, and return that
// run. Manual triggers always run.
func (s *Scheduler) Trigger(ctx context.Context, date civil.Date, trigger domain.Trigger) (*domain.Run, error) {
	if trigger == domain.TriggerScheduled || trigger == domain.TriggerBackfill {
		latest, err := s.latest(ctx, date)
		if err != nil {
			return nil, err
		}
		if latest != nil && latest.Status == domain.RunSucceeded {
			log := logger.FromContext(ctx)
			log.Info().
				Str("logical_date", date.String()).
				Str("run_id", latest.ID).
				Msg("Logical date already succeeded, skipping")
			return latest, nil
		}
	}
	return s.run(ctx, date, trigger, nil)
}

// Rerun starts a fresh full run for date regardless of earlier outcomes.
func (s *Scheduler) Rerun(ctx context.Context, date civil.Date) (*domain.Run, error) {
	return s.run(ctx, date, domain.TriggerManual, nil)
}

// Retry resumes the latest run for date: steps that succeeded are carried
// over and only the rest are queued again.
func (s *Scheduler) Retry(ctx context.Context, date civil.Date) (*domain.Run, error) {
	latest, err := s.store.LatestRun(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("Retry: %w", err)
	}
	if latest.Status == domain.RunSucceeded {
		return nil, fmt.Errorf("Retry %s: %w", date, ErrNothingToRetry)
	}
	if !latest.Status.Terminal() && s.Active(date) {
		return nil, fmt.Errorf("Retry %s: %w", date, ErrRunInProgress)
	}

	prior, err := s.store.ListSteps(ctx, latest.ID)
	if err != nil {
		return nil, fmt.Errorf("Retry: list steps: %w", err)
	}
	return s.run(ctx, date, domain.TriggerRetry, ResumePlan(s.graph, prior))
}

// Backfill triggers every date in [start, end] in order. With force each date
// reruns even if it already succeeded. It stops at the first error.
func (s *Scheduler) Backfill(ctx context.Context, start, end civil.Date, force bool) ([]*domain.Run, error) {
	dates, err := DateRange(start, end)
	if err != nil {
		return nil, fmt.Errorf("Backfill: %w", err)
	}

	runs := make([]*domain.Run, 0, len(dates))
	for _, date := range dates {
		var run *domain.Run
		if force {
			run, err = s.run(ctx, date, domain.TriggerBackfill, nil)
		} else {
			run, err = s.Trigger(ctx, date, domain.TriggerBackfill)
		}
		if err != nil {
			return runs, fmt.Errorf("Backfill %s: %w", date, err)
		}
		runs = append(runs, run)
	}
	return runs, nil
}

// DateRange expands [start, end] into consecutive dates.
func DateRange(start, end civil.Date) ([]civil.Date, error) {
	if !start.IsValid() || !end.IsValid() {
		return nil, fmt.Errorf("invalid date range %s..%s", start, end)
	}
	if end.Before(start) {
		return nil, fmt.Errorf("end %s is before start %s", end, start)
	}
	var dates []civil.Date
	for d := start; !d.After(end); d = d.AddDays(1) {
		dates = append(dates, d)
	}
	return dates, nil
}

// Abort cancels the active run for date.
func (s *Scheduler) Abort(ctx context.Context, date civil.Date) error {
	s.mu.Lock()
	active, ok := s.active[date]
	s.mu.Unlock()
	if !ok || active.cancel == nil {
		return fmt.Errorf("Abort %s: %w", date, ErrNoActiveRun)
	}

	log := logger.FromContext(ctx)

	log.Warn().
		Str("logical_date", date.String()).
		Str("run_id", active.runID).
		Msg("Aborting run")
	active.cancel()
	return nil
}

// Active reports whether date has a run in flight in this process.
func (s *Scheduler) Active(date civil.Date) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.active[date]
	return ok
}

// Status returns the latest run for date with its steps.
func (s *Scheduler) Status(ctx context.Context, date civil.Date) (*domain.RunDetail, error) {
	run, err := s.store.LatestRun(ctx, date)
	if err != nil {
		return nil, fmt.Errorf("Status: %w", err)
	}
	return statestore.Detail(ctx, s.store, run)
}

// List returns runs matching filter.
func (s *Scheduler) List(ctx context.Context, filter statestore.RunFilter) ([]*domain.Run, error) {
	runs, err := s.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("List: %w", err)
	}
	return runs, nil
}

// RecoverInterrupted fails runs left non-terminal by a previous process so
// they can be retried.
func (s *Scheduler) RecoverInterrupted(ctx context.Context) (int, error) {
	log := logger.FromContext(ctx)
	recovered := 0

	for _, status := range []domain.RunStatus{domain.RunPending, domain.RunRunning} {
		runs, err := s.store.ListRuns(ctx, statestore.RunFilter{Status: status})
		if err != nil {
			return recovered, fmt.Errorf("RecoverInterrupted: %w", err)
		}
		for _, run := range runs {
			if s.Active(run.LogicalDate) {
				continue
			}

			if err := s.interrupt(ctx, run, "interrupted by restart"); err != nil {
				return recovered, fmt.Errorf("RecoverInterrupted: %w", err)
			}

			log.Warn().Str("run_id", run.ID).Str("logical_date", run.LogicalDate.String()).Msg("Marked interrupted run as failed")
			recovered++
		}
	}
	return recovered, nil
}

// interrupt records a run that no process is executing any more as
// FAILED/Cancelled, together with its unfinished steps.
func (s *Scheduler) interrupt(ctx context.Context, run *domain.Run, detail string) error {
	steps, err := s.store.ListSteps(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("list steps: %w", err)
	}
	ended := s.now().UTC()
	for _, step := range steps {
		if step.Status.Terminal() {
			continue
		}
		if step.Status == domain.StepRunning {
			step.Status = domain.StepFailed
			step.EndedAt = &ended
		} else {
			step.Status = domain.StepSkipped
		}
		step.ErrorKind = string(failure.Cancelled)
		step.ErrorDetail = detail
		if err := s.store.SaveStep(ctx, step); err != nil {
			return fmt.Errorf("save step: %w", err)
		}
	}

	run.Status = domain.RunFailed
	run.EndedAt = &ended
	run.ErrorKind = string(failure.Cancelled)
	run.ErrorDetail = detail
	if err := s.updateRun(ctx, run); err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	return nil
}

// updateRun writes run, retrying with backoff. A run that is already terminal
// in the store counts as written.
func (s *Scheduler) updateRun(ctx context.Context, run *domain.Run) error {
	var err error
	for attempt := 1; attempt <= persistPolicy.Attempts(); attempt++ {
		err = s.store.UpdateRun(ctx, run)
		if err == nil || (run.Status.Terminal() && errors.Is(err, statestore.ErrRunTerminal)) {
			return nil
		}
		if attempt == persistPolicy.Attempts() {
			break
		}
		log := logger.FromContext(ctx)
		log.Warn().Err(err).Str("run_id", run.ID).Int("attempt", attempt).Msg("Failed to persist run, retrying")
		if serr := s.sleep(ctx, persistPolicy.Backoff(attempt)); serr != nil {
			break
		}
	}
	return err
}

func (s *Scheduler) latest(ctx context.Context, date civil.Date) (*domain.Run, error) {
	run, err := s.store.LatestRun(ctx, date)
	if errors.Is(err, statestore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest run: %w", err)
	}
	return run, nil
}

// reserve claims the single active slot for date.
func (s *Scheduler) reserve(date civil.Date, runID string, cancel context.CancelFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, busy := s.active[date]; busy {
		return fmt.Errorf("%s: %w", date, ErrRunInProgress)
	}
	s.active[date] = activeRun{runID: runID, cancel: cancel}
	return nil
}

func (s *Scheduler) release(date civil.Date) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, date)
}

// run creates a new attempt for date and executes it to completion.
func (s *Scheduler) run(ctx context.Context, date civil.Date, trigger domain.Trigger, carried map[string]*domain.StepExecution) (*domain.Run, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if s.opts.RunTimeout > 0 {
		var timeoutCancel context.CancelFunc
		runCtx, timeoutCancel = context.WithTimeout(runCtx, s.opts.RunTimeout)
		defer timeoutCancel()
	}

	runID := uuid.New().String()
	if err := s.reserve(date, runID, cancel); err != nil {
		return nil, err
	}
	defer s.release(date)

	latest, err := s.latest(ctx, date)
	if err != nil {
		return nil, err
	}
	attempt := 1
	if latest != nil {
		// The slot is ours, so a non-terminal latest run has no live executor.
		if !latest.Status.Terminal() {
			if err := s.interrupt(ctx, latest, "interrupted before completion"); err != nil {
				return nil, fmt.Errorf("%s: %w", date, err)
			}
			log := logger.FromContext(ctx)
			log.Warn().Str("run_id", latest.ID).Str("logical_date", date.String()).Msg("Marked stale run as failed")
		}
		attempt = latest.Attempt + 1
	}

	run := &domain.Run{
		ID:          runID,
		LogicalDate: date,
		Status:      domain.RunPending,
		Trigger:     trigger,
		Attempt:     attempt,
		CreatedAt:   s.now().UTC(),
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}

	runCtx = logger.ForRun(runCtx, run.ID, date.String())
	log := logger.FromContext(runCtx)

	started := s.now().UTC()
	run.Status = domain.RunRunning
	run.StartedAt = &started
	if err := s.updateRun(ctx, run); err != nil {
		run.Status = domain.RunFailed
		run.EndedAt = &started
		run.ErrorKind = string(failure.Internal)
		run.ErrorDetail = "run could not be started: " + err.Error()
		if ferr := s.updateRun(context.WithoutCancel(ctx), run); ferr != nil {
			log.Error().Err(ferr).Msg("Failed to record run that could not start")
		}
		return nil, fmt.Errorf("start run: %w", err)
	}
	log.Info().
		Str("trigger", string(trigger)).
		Int("attempt", attempt).
		Int("carried_steps", len(carried)).
		Msg("Run started")

	rc := NewRunContext(run.ID, date)
	steps := s.executor.Execute(runCtx, rc, s.graph, carried)

	outcome := Summarize(s.graph, steps)
	if err := runCtx.Err(); err != nil {
		outcome.Status = domain.RunFailed
		outcome.ErrorKind = string(failure.Cancelled)
		if errors.Is(err, context.DeadlineExceeded) {
			outcome.ErrorDetail = fmt.Sprintf("run timeout %s exceeded", s.opts.RunTimeout)
		} else {
			outcome.ErrorDetail = "run aborted"
		}
	}

	ended := s.now().UTC()
	run.Status = outcome.Status
	run.EndedAt = &ended
	run.FailedStep = outcome.FailedStep
	run.ErrorKind = outcome.ErrorKind
	run.ErrorDetail = outcome.ErrorDetail
	statestore.Sanitize(run)

	// The caller's context may already be cancelled; the outcome must still land.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.updateRun(persistCtx, run); err != nil {
		return run, fmt.Errorf("finish run: %w", err)
	}

	event := log.Info()
	if run.Status != domain.RunSucceeded {
		event = log.Warn().
			Str("failed_step", run.FailedStep).
			Str("error_kind", run.ErrorKind).
			Str("error_detail", run.ErrorDetail)
	}
	event.Str("status", string(run.Status)).Dur("duration", ended.Sub(started)).Msg("Run finished")

	if run.Status != domain.RunSucceeded && s.notifier != nil {
		detail := &domain.RunDetail{Run: run}
		for _, name := range s.graph.Order() {
			detail.Steps = append(detail.Steps, steps[name])
		}
		if err := s.notifier.Notify(persistCtx, notify.FromRun(detail)); err != nil {
			log.Error().Err(err).Msg("Failed to send run notification")
		}
	}

	return run, nil
}
