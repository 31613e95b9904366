package domain

import (
	"time"

	"cloud.google.com/go/civil"
)

// RunStatus is the lifecycle state of a Run.
type RunStatus string

const (
	RunPending            RunStatus = "PENDING"
	RunRunning            RunStatus = "RUNNING"
	RunSucceeded          RunStatus = "SUCCEEDED"
	RunFailed             RunStatus = "FAILED"
	RunPartiallySucceeded RunStatus = "PARTIALLY_SUCCEEDED"
)

// Terminal reports whether no further transitions are allowed.
func (s RunStatus) Terminal() bool {
	return s == RunSucceeded || s == RunFailed || s == RunPartiallySucceeded
}

// Trigger records what created a Run.
type Trigger string

const (
	TriggerScheduled Trigger = "SCHEDULED"
	TriggerManual    Trigger = "MANUAL"
	TriggerBackfill  Trigger = "BACKFILL"
	TriggerRetry     Trigger = "RETRY"
)

// Run is one invocation of the pipeline for a logical date.
// Once Status is terminal the record is never updated again.
type Run struct {
	ID          string     `json:"run_id"`
	LogicalDate civil.Date `json:"logical_date"`
	Status      RunStatus  `json:"status"`
	Trigger     Trigger    `json:"trigger"`

	// Attempt counts runs for the same logical date, starting at 1.
	Attempt int `json:"attempt"`

	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	FailedStep  string `json:"failed_step,omitempty"`
	ErrorKind   string `json:"error_kind,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`
}

// StepStatus is the lifecycle state of a StepExecution.
type StepStatus string

const (
	StepQueued    StepStatus = "QUEUED"
	StepRunning   StepStatus = "RUNNING"
	StepSucceeded StepStatus = "SUCCEEDED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// Terminal reports whether the step has finished.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// StepExecution tracks one named step within a Run across its attempts.
type StepExecution struct {
	RunID    string     `json:"run_id"`
	StepName string     `json:"step_name"`
	Status   StepStatus `json:"status"`
	Attempts int        `json:"attempts"`

	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	ErrorKind   string `json:"error_kind,omitempty"`
	ErrorDetail string `json:"error_detail,omitempty"`

	// Assertions holds validation results for validate steps.
	Assertions []AssertionResult `json:"assertions,omitempty"`
}

// RunDetail bundles a run with its step executions for status queries.
type RunDetail struct {
	Run   *Run             `json:"run"`
	Steps []*StepExecution `json:"steps"`
}
