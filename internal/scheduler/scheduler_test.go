package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/notify"
	"github.com/dvloznov/finance-elt/internal/statestore"
	"github.com/dvloznov/finance-elt/internal/statestore/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type notifications struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (n *notifications) Notify(ctx context.Context, note notify.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.got = append(n.got, note)
	return nil
}

func newTestScheduler(t *testing.T, g *Graph, opts Options) (*Scheduler, *memory.Store, *notifications) {
	t.Helper()
	store := memory.NewStore()
	e := NewExecutor(store, 2)
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	sink := &notifications{}
	s := New(store, e, g, sink, opts)
	s.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return s, store, sink
}

// flakyStore fails terminal run updates a fixed number of times.
type flakyStore struct {
	*memory.Store

	mu               sync.Mutex
	terminalFailures int
	updateCalls      int
}

func (f *flakyStore) UpdateRun(ctx context.Context, run *domain.Run) error {
	f.mu.Lock()
	f.updateCalls++
	if run.Status.Terminal() && f.terminalFailures != 0 {
		if f.terminalFailures > 0 {
			f.terminalFailures--
		}
		f.mu.Unlock()
		return errors.New("store unavailable")
	}
	f.mu.Unlock()
	return f.Store.UpdateRun(ctx, run)
}

func newFlakyScheduler(t *testing.T, g *Graph, terminalFailures int) (*Scheduler, *flakyStore, *[]time.Duration) {
	t.Helper()
	store := &flakyStore{Store: memory.NewStore(), terminalFailures: terminalFailures}
	e := NewExecutor(store, 2)
	e.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	s := New(store, e, g, nil, Options{})
	var waits []time.Duration
	s.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	return s, store, &waits
}

func TestSchedulerRunSucceeds(t *testing.T) {
	rec := newRecorder()
	g, err := NewGraph(
		&Node{Step: rec.step("extract", nil), Ephemeral: true},
		&Node{Step: rec.step("stage", nil), Upstream: []string{"extract"}},
	)
	require.NoError(t, err)

	s, store, sink := newTestScheduler(t, g, Options{})
	run, err := s.Trigger(context.Background(), testDate, domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, 1, run.Attempt)
	assert.NotNil(t, run.StartedAt)
	assert.NotNil(t, run.EndedAt)
	assert.Empty(t, sink.got)

	detail, err := s.Status(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, run.ID, detail.Run.ID)
	assert.Len(t, detail.Steps, 2)

	err = store.UpdateRun(context.Background(), run)
	assert.ErrorIs(t, err, statestore.ErrRunTerminal)

	// A scheduled tick for a date that already succeeded does nothing.
	again, err := s.Trigger(context.Background(), testDate, domain.TriggerScheduled)
	require.NoError(t, err)
	assert.Equal(t, run.ID, again.ID)
	assert.Equal(t, 1, rec.count("extract"))

	rerun, err := s.Rerun(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, 2, rerun.Attempt)
	assert.Equal(t, 2, rec.count("extract"))
}

func TestSchedulerPartialSuccessNotifies(t *testing.T) {
	g, err := NewGraph(
		&Node{Step: noop("load")},
		&Node{Step: StepFunc{StepName: "validate_stg_transactions", Fn: func(ctx context.Context, rc *RunContext) error {
			return failure.New(failure.AssertionFailure, "Validate", "2 duplicate transaction_id")
		}}, Upstream: []string{"load"}},
		&Node{Step: noop("mart_daily_spend"), Upstream: []string{"validate_stg_transactions"}},
		&Node{Step: noop("mart_merchant_spend"), Upstream: []string{"load"}},
	)
	require.NoError(t, err)

	s, _, sink := newTestScheduler(t, g, Options{})
	run, err := s.Trigger(context.Background(), testDate, domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.RunPartiallySucceeded, run.Status)
	assert.Equal(t, "validate_stg_transactions", run.FailedStep)
	assert.Equal(t, string(failure.AssertionFailure), run.ErrorKind)

	require.Len(t, sink.got, 1)
	assert.Equal(t, run.ID, sink.got[0].RunID)
	assert.Equal(t, "2 duplicate transaction_id", sink.got[0].ErrorDetail)
	assert.Equal(t, []string{"mart_daily_spend"}, sink.got[0].Skipped)
}

func TestSchedulerRetryResumesFailedSteps(t *testing.T) {
	rec := newRecorder()
	g, err := NewGraph(
		&Node{Step: rec.step("extract", nil), Ephemeral: true},
		&Node{Step: rec.step("stage", nil), Upstream: []string{"extract"}},
		&Node{Step: rec.step("load", func(call int) error {
			if call == 1 {
				return failure.New(failure.SchemaMismatch, "Load", "amount: want NUMERIC")
			}
			return nil
		}), Upstream: []string{"stage"}},
	)
	require.NoError(t, err)

	s, _, _ := newTestScheduler(t, g, Options{})
	first, err := s.Trigger(context.Background(), testDate, domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, first.Status)
	assert.Equal(t, "load", first.FailedStep)

	second, err := s.Retry(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, second.Status)
	assert.Equal(t, domain.TriggerRetry, second.Trigger)
	assert.Equal(t, 2, second.Attempt)

	// extract and stage are carried over; only load runs again.
	assert.Equal(t, 1, rec.count("extract"))
	assert.Equal(t, 1, rec.count("stage"))
	assert.Equal(t, 2, rec.count("load"))

	_, err = s.Retry(context.Background(), testDate)
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func TestSchedulerRetryRequeuesEphemeralSteps(t *testing.T) {
	rec := newRecorder()
	g, err := NewGraph(
		&Node{Step: rec.step("extract", nil), Ephemeral: true},
		&Node{Step: rec.step("stage", func(call int) error {
			if call == 1 {
				return failure.New(failure.PermissionDenied, "Stage", "403")
			}
			return nil
		}), Upstream: []string{"extract"}},
	)
	require.NoError(t, err)

	s, _, _ := newTestScheduler(t, g, Options{})
	_, err = s.Trigger(context.Background(), testDate, domain.TriggerManual)
	require.NoError(t, err)

	run, err := s.Retry(context.Background(), testDate)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, 2, rec.count("extract"))
}

func TestSchedulerAbortAndRunInProgress(t *testing.T) {
	started := make(chan struct{})
	g, err := NewGraph(&Node{Step: StepFunc{StepName: "load", Fn: func(ctx context.Context, rc *RunContext) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}}})
	require.NoError(t, err)

	s, _, sink := newTestScheduler(t, g, Options{})
	ctx := context.Background()

	assert.ErrorIs(t, s.Abort(ctx, testDate), ErrNoActiveRun)

	type result struct {
		run *domain.Run
		err error
	}
	done := make(chan result, 1)
	go func() {
		run, err := s.Trigger(ctx, testDate, domain.TriggerManual)
		done <- result{run, err}
	}()
	<-started

	_, err = s.Trigger(ctx, testDate, domain.TriggerManual)
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.True(t, s.Active(testDate))

	require.NoError(t, s.Abort(ctx, testDate))
	res := <-done
	require.NoError(t, res.err)

	assert.Equal(t, domain.RunFailed, res.run.Status)
	assert.Equal(t, string(failure.Cancelled), res.run.ErrorKind)
	assert.Equal(t, "run aborted", res.run.ErrorDetail)
	assert.False(t, s.Active(testDate))
	assert.Len(t, sink.got, 1)
}

func TestSchedulerRunTimeout(t *testing.T) {
	g, err := NewGraph(&Node{Step: StepFunc{StepName: "load", Fn: func(ctx context.Context, rc *RunContext) error {
		<-ctx.Done()
		return ctx.Err()
	}}})
	require.NoError(t, err)

	s, _, _ := newTestScheduler(t, g, Options{RunTimeout: 10 * time.Millisecond})
	run, err := s.Trigger(context.Background(), testDate, domain.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, string(failure.Cancelled), run.ErrorKind)
	assert.Contains(t, run.ErrorDetail, "timeout")
}

func TestSchedulerBackfill(t *testing.T) {
	rec := newRecorder()
	g, err := NewGraph(&Node{Step: rec.step("load", nil)})
	require.NoError(t, err)

	s, _, _ := newTestScheduler(t, g, Options{})
	ctx := context.Background()
	start := civil.Date{Year: 2024, Month: 2, Day: 28}
	end := civil.Date{Year: 2024, Month: 3, Day: 2}

	runs, err := s.Backfill(ctx, start, end, false)
	require.NoError(t, err)
	require.Len(t, runs, 4)
	assert.Equal(t, civil.Date{Year: 2024, Month: 2, Day: 29}, runs[1].LogicalDate)
	assert.Equal(t, domain.TriggerBackfill, runs[0].Trigger)
	assert.Equal(t, 4, rec.count("load"))

	// Succeeded dates are skipped unless forced.
	_, err = s.Backfill(ctx, start, end, false)
	require.NoError(t, err)
	assert.Equal(t, 4, rec.count("load"))

	runs, err = s.Backfill(ctx, start, start, true)
	require.NoError(t, err)
	assert.Equal(t, 2, runs[0].Attempt)
	assert.Equal(t, 5, rec.count("load"))

	_, err = s.Backfill(ctx, end, start, false)
	assert.Error(t, err)

	listed, err := s.List(ctx, statestore.RunFilter{From: start, To: start})
	require.NoError(t, err)
	assert.Len(t, listed, 2)
	assert.Equal(t, 2, listed[0].Attempt)
}

func TestSchedulerRecoverInterrupted(t *testing.T) {
	g, err := NewGraph(&Node{Step: noop("load")})
	require.NoError(t, err)

	s, store, _ := newTestScheduler(t, g, Options{})
	ctx := context.Background()

	started := time.Now()
	require.NoError(t, store.CreateRun(ctx, &domain.Run{
		ID: "stale", LogicalDate: testDate, Status: domain.RunRunning, Attempt: 1, StartedAt: &started,
	}))
	require.NoError(t, store.SaveStep(ctx, &domain.StepExecution{RunID: "stale", StepName: "load", Status: domain.StepRunning}))

	n, err := s.RecoverInterrupted(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	run, err := store.GetRun(ctx, "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, string(failure.Cancelled), run.ErrorKind)

	retried, err := s.Retry(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, retried.Status)
	assert.Equal(t, 2, retried.Attempt)
}

func TestLogicalDateFor(t *testing.T) {
	tick := time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC)
	assert.Equal(t, testDate, LogicalDateFor(tick, 24*time.Hour))
	assert.Equal(t, civil.Date{Year: 2024, Month: 3, Day: 2}, LogicalDateFor(tick, 0))
}

func TestSchedulerStartRejectsBadSchedule(t *testing.T) {
	g, err := NewGraph(&Node{Step: noop("load")})
	require.NoError(t, err)

	s, _, _ := newTestScheduler(t, g, Options{Schedule: "not a cron"})
	assert.Error(t, s.Start(context.Background()))

	s, _, _ = newTestScheduler(t, g, Options{Schedule: "0 2 * * *"})
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop()
	assert.Equal(t, 2, s.Next().UTC().Hour())
}

func TestDateRange(t *testing.T) {
	dates, err := DateRange(testDate, testDate.AddDays(2))
	require.NoError(t, err)
	assert.Len(t, dates, 3)

	_, err = DateRange(civil.Date{}, testDate)
	assert.True(t, err != nil && !errors.Is(err, ErrRunInProgress))
}

func TestSchedulerRetriesFinalRunUpdate(t *testing.T) {
	g, err := NewGraph(&Node{Step: noop("load")})
	require.NoError(t, err)

	s, store, waits := newFlakyScheduler(t, g, 1)
	ctx := context.Background()

	run, err := s.Trigger(ctx, testDate, domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, []time.Duration{500 * time.Millisecond}, *waits)

	stored, err := store.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, stored.Status)
	assert.False(t, s.Active(testDate))
}

func TestSchedulerRecoversRunLeftNonTerminal(t *testing.T) {
	rec := newRecorder()
	g, err := NewGraph(
		&Node{Step: rec.step("stage", nil)},
		&Node{Step: rec.step("load", nil), Upstream: []string{"stage"}},
	)
	require.NoError(t, err)

	// Every terminal write fails, so the first run stays RUNNING in the store.
	s, store, waits := newFlakyScheduler(t, g, -1)
	ctx := context.Background()

	first, err := s.Trigger(ctx, testDate, domain.TriggerManual)
	require.ErrorContains(t, err, "finish run: store unavailable")
	assert.Len(t, *waits, persistPolicy.Attempts()-1)
	assert.False(t, s.Active(testDate))

	stuck, err := store.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunRunning, stuck.Status)

	// Once the store recovers the date is usable again without a restart.
	store.mu.Lock()
	store.terminalFailures = 0
	store.mu.Unlock()

	second, err := s.Retry(ctx, testDate)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, second.Status)
	assert.Equal(t, 2, second.Attempt)
	assert.Equal(t, 1, rec.count("stage"), "succeeded steps of the stale run are carried over")

	old, err := store.GetRun(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RunFailed, old.Status)
	assert.Equal(t, string(failure.Cancelled), old.ErrorKind)
	assert.Equal(t, "interrupted before completion", old.ErrorDetail)

	third, err := s.Trigger(ctx, testDate, domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 3, third.Attempt)
}
