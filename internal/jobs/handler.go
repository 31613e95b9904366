package jobs

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/scheduler"
)

// SchedulerHandler executes requests against a scheduler.
func SchedulerHandler(s *scheduler.Scheduler) Handler {
	return func(ctx context.Context, req *RunRequest) (*domain.Run, error) {
		switch req.Mode {
		case ModeRun:
			trigger := req.Trigger
			if trigger == "" {
				trigger = domain.TriggerManual
			}
			return s.Trigger(ctx, req.LogicalDate, trigger)
		case ModeRetry:
			return s.Retry(ctx, req.LogicalDate)
		case ModeRerun:
			return s.Rerun(ctx, req.LogicalDate)
		case ModeBackfill:
			end := req.EndDate
			if end.IsZero() {
				end = req.LogicalDate
			}
			runs, err := s.Backfill(ctx, req.LogicalDate, end, req.Force)
			if err != nil {
				return nil, err
			}
			return runs[len(runs)-1], nil
		default:
			return nil, fmt.Errorf("unsupported mode %q", req.Mode)
		}
	}
}
