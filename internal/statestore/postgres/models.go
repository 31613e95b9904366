package postgres

import (
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/uptrace/bun"
)

type runDB struct {
	bun.BaseModel `bun:"table:pipeline_runs,alias:r"`

	RunID       string     `bun:"run_id,pk"`
	LogicalDate time.Time  `bun:"logical_date,type:date,notnull"`
	Status      string     `bun:"status,notnull"`
	Trigger     string     `bun:"trigger,notnull"`
	Attempt     int        `bun:"attempt,notnull"`
	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	StartedAt   *time.Time `bun:"started_at"`
	EndedAt     *time.Time `bun:"ended_at"`
	FailedStep  string     `bun:"failed_step"`
	ErrorKind   string     `bun:"error_kind"`
	ErrorDetail string     `bun:"error_detail"`
}

type stepDB struct {
	bun.BaseModel `bun:"table:step_executions,alias:s"`

	RunID       string                   `bun:"run_id,pk"`
	StepName    string                   `bun:"step_name,pk"`
	Status      string                   `bun:"status,notnull"`
	Attempts    int                      `bun:"attempts,notnull"`
	StartedAt   *time.Time               `bun:"started_at"`
	EndedAt     *time.Time               `bun:"ended_at"`
	ErrorKind   string                   `bun:"error_kind"`
	ErrorDetail string                   `bun:"error_detail"`
	Assertions  []domain.AssertionResult `bun:"assertions,type:jsonb"`
	UpdatedAt   time.Time                `bun:"updated_at,notnull,default:current_timestamp"`
}

func runFromApp(run *domain.Run) *runDB {
	return &runDB{
		RunID:       run.ID,
		LogicalDate: run.LogicalDate.In(time.UTC),
		Status:      string(run.Status),
		Trigger:     string(run.Trigger),
		Attempt:     run.Attempt,
		CreatedAt:   run.CreatedAt,
		StartedAt:   run.StartedAt,
		EndedAt:     run.EndedAt,
		FailedStep:  run.FailedStep,
		ErrorKind:   run.ErrorKind,
		ErrorDetail: run.ErrorDetail,
	}
}

func (r *runDB) toRun() *domain.Run {
	return &domain.Run{
		ID:          r.RunID,
		LogicalDate: civil.DateOf(r.LogicalDate),
		Status:      domain.RunStatus(r.Status),
		Trigger:     domain.Trigger(r.Trigger),
		Attempt:     r.Attempt,
		CreatedAt:   r.CreatedAt,
		StartedAt:   r.StartedAt,
		EndedAt:     r.EndedAt,
		FailedStep:  r.FailedStep,
		ErrorKind:   r.ErrorKind,
		ErrorDetail: r.ErrorDetail,
	}
}

func stepFromApp(step *domain.StepExecution) *stepDB {
	return &stepDB{
		RunID:       step.RunID,
		StepName:    step.StepName,
		Status:      string(step.Status),
		Attempts:    step.Attempts,
		StartedAt:   step.StartedAt,
		EndedAt:     step.EndedAt,
		ErrorKind:   step.ErrorKind,
		ErrorDetail: step.ErrorDetail,
		Assertions:  step.Assertions,
		UpdatedAt:   time.Now(),
	}
}

func (s *stepDB) toStep() *domain.StepExecution {
	return &domain.StepExecution{
		RunID:       s.RunID,
		StepName:    s.StepName,
		Status:      domain.StepStatus(s.Status),
		Attempts:    s.Attempts,
		StartedAt:   s.StartedAt,
		EndedAt:     s.EndedAt,
		ErrorKind:   s.ErrorKind,
		ErrorDetail: s.ErrorDetail,
		Assertions:  s.Assertions,
	}
}
