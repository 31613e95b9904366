package jobs

import (
	"context"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/scheduler"
	"github.com/dvloznov/finance-elt/internal/statestore/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerHandler(t *testing.T) {
	calls := 0
	g, err := scheduler.NewGraph(&scheduler.Node{Step: scheduler.StepFunc{
		StepName: "load",
		Fn: func(ctx context.Context, rc *scheduler.RunContext) error {
			calls++
			return nil
		},
	}})
	require.NoError(t, err)

	store := memory.NewStore()
	s := scheduler.New(store, scheduler.NewExecutor(store, 1), g, nil, scheduler.Options{})
	handle := SchedulerHandler(s)
	ctx := context.Background()
	date := civil.Date{Year: 2024, Month: 3, Day: 1}

	run, err := handle(ctx, &RunRequest{LogicalDate: date, Mode: ModeRun, Trigger: domain.TriggerScheduled})
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)

	// Already succeeded: scheduled and backfill requests are no-ops.
	again, err := handle(ctx, &RunRequest{LogicalDate: date, Mode: ModeBackfill})
	require.NoError(t, err)
	assert.Equal(t, run.ID, again.ID)
	assert.Equal(t, 1, calls)

	forced, err := handle(ctx, &RunRequest{LogicalDate: date, Mode: ModeBackfill, Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, forced.Attempt)

	rerun, err := handle(ctx, &RunRequest{LogicalDate: date, Mode: ModeRerun})
	require.NoError(t, err)
	assert.Equal(t, 3, rerun.Attempt)
	assert.Equal(t, 3, calls)

	_, err = handle(ctx, &RunRequest{LogicalDate: date, Mode: ModeRetry})
	assert.ErrorIs(t, err, scheduler.ErrNothingToRetry)

	_, err = handle(ctx, &RunRequest{LogicalDate: date, Mode: "sideways"})
	assert.Error(t, err)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("retry")
	require.NoError(t, err)
	assert.Equal(t, ModeRetry, m)

	_, err = ParseMode("RETRY")
	assert.Error(t, err)
}

func TestSchedulerHandlerBackfillsRange(t *testing.T) {
	var loaded []civil.Date
	g, err := scheduler.NewGraph(&scheduler.Node{Step: scheduler.StepFunc{
		StepName: "load",
		Fn: func(ctx context.Context, rc *scheduler.RunContext) error {
			loaded = append(loaded, rc.LogicalDate)
			return nil
		},
	}})
	require.NoError(t, err)

	store := memory.NewStore()
	s := scheduler.New(store, scheduler.NewExecutor(store, 1), g, nil, scheduler.Options{})
	handle := SchedulerHandler(s)
	ctx := context.Background()
	start := civil.Date{Year: 2024, Month: 2, Day: 28}

	run, err := handle(ctx, &RunRequest{LogicalDate: start, EndDate: start.AddDays(2), Mode: ModeBackfill})
	require.NoError(t, err)
	assert.Equal(t, start.AddDays(2), run.LogicalDate)
	assert.Equal(t, []civil.Date{start, start.AddDays(1), start.AddDays(2)}, loaded)

	_, err = handle(ctx, &RunRequest{LogicalDate: start, EndDate: start.AddDays(-1), Mode: ModeBackfill})
	assert.Error(t, err)
}
