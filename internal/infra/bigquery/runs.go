package bigquery

import (
	"encoding/json"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
)

const (
	runsTable  = "pipeline_runs"
	stepsTable = "step_executions"
)

type RunRow struct {
	RunID       string     `bigquery:"run_id"`       // REQUIRED
	LogicalDate civil.Date `bigquery:"logical_date"` // REQUIRED
	Status      string     `bigquery:"status"`       // REQUIRED
	Trigger     string     `bigquery:"trigger"`      // REQUIRED
	Attempt     int64      `bigquery:"attempt"`      // REQUIRED

	CreatedTS  time.Time              `bigquery:"created_ts"`  // REQUIRED
	StartedTS  bigquery.NullTimestamp `bigquery:"started_ts"`  // NULLABLE
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"` // NULLABLE

	FailedStep   bigquery.NullString `bigquery:"failed_step"`   // NULLABLE
	ErrorKind    bigquery.NullString `bigquery:"error_kind"`    // NULLABLE
	ErrorMessage bigquery.NullString `bigquery:"error_message"` // NULLABLE
}

type StepRow struct {
	RunID    string `bigquery:"run_id"`    // REQUIRED
	StepName string `bigquery:"step_name"` // REQUIRED
	Status   string `bigquery:"status"`    // REQUIRED
	Attempts int64  `bigquery:"attempts"`  // REQUIRED

	StartedTS  bigquery.NullTimestamp `bigquery:"started_ts"`  // NULLABLE
	FinishedTS bigquery.NullTimestamp `bigquery:"finished_ts"` // NULLABLE

	ErrorKind    bigquery.NullString `bigquery:"error_kind"`    // NULLABLE
	ErrorMessage bigquery.NullString `bigquery:"error_message"` // NULLABLE
	Assertions   bigquery.NullJSON   `bigquery:"assertions"`    // NULLABLE
}

func nullTime(t *time.Time) bigquery.NullTimestamp {
	if t == nil {
		return bigquery.NullTimestamp{}
	}
	return bigquery.NullTimestamp{Timestamp: *t, Valid: true}
}

func timePtr(t bigquery.NullTimestamp) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Timestamp
	return &v
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func (r *RunRow) toRun() *domain.Run {
	return &domain.Run{
		ID:          r.RunID,
		LogicalDate: r.LogicalDate,
		Status:      domain.RunStatus(r.Status),
		Trigger:     domain.Trigger(r.Trigger),
		Attempt:     int(r.Attempt),
		CreatedAt:   r.CreatedTS,
		StartedAt:   timePtr(r.StartedTS),
		EndedAt:     timePtr(r.FinishedTS),
		FailedStep:  r.FailedStep.StringVal,
		ErrorKind:   r.ErrorKind.StringVal,
		ErrorDetail: r.ErrorMessage.StringVal,
	}
}

func (r *StepRow) toStep() (*domain.StepExecution, error) {
	step := &domain.StepExecution{
		RunID:       r.RunID,
		StepName:    r.StepName,
		Status:      domain.StepStatus(r.Status),
		Attempts:    int(r.Attempts),
		StartedAt:   timePtr(r.StartedTS),
		EndedAt:     timePtr(r.FinishedTS),
		ErrorKind:   r.ErrorKind.StringVal,
		ErrorDetail: r.ErrorMessage.StringVal,
	}
	if r.Assertions.Valid && r.Assertions.JSONVal != "" {
		if err := json.Unmarshal([]byte(r.Assertions.JSONVal), &step.Assertions); err != nil {
			return nil, err
		}
	}
	return step, nil
}
