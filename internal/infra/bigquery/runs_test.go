package bigquery

import (
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRowToRun(t *testing.T) {
	started := time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC)
	row := RunRow{
		RunID:        "r1",
		LogicalDate:  civil.Date{Year: 2024, Month: 3, Day: 1},
		Status:       "FAILED",
		Trigger:      "SCHEDULED",
		Attempt:      1,
		CreatedTS:    started,
		StartedTS:    bigquery.NullTimestamp{Timestamp: started, Valid: true},
		FailedStep:   nullString("load_raw_transactions"),
		ErrorKind:    nullString("SchemaMismatch"),
		ErrorMessage: nullString("missing transaction_id"),
	}

	run := row.toRun()
	assert.Equal(t, domain.RunFailed, run.Status)
	assert.Equal(t, started, *run.StartedAt)
	assert.Nil(t, run.EndedAt)
	assert.Equal(t, "load_raw_transactions", run.FailedStep)
}

func TestStepRowDecodesAssertions(t *testing.T) {
	row := StepRow{
		RunID:      "r1",
		StepName:   "validate_stg_transactions",
		Status:     "FAILED",
		Attempts:   1,
		Assertions: bigquery.NullJSON{JSONVal: `[{"name":"transaction_id_unique","passed":false,"violations":2}]`, Valid: true},
	}

	step, err := row.toStep()
	require.NoError(t, err)
	require.Len(t, step.Assertions, 1)
	assert.Equal(t, int64(2), step.Assertions[0].Violations)
}

func TestNullString(t *testing.T) {
	assert.False(t, nullString("").Valid)
	assert.True(t, nullString("x").Valid)
}
