package bigquery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/statestore"
	"google.golang.org/api/iterator"
)

const runColumns = `run_id, logical_date, status, trigger, attempt, created_ts, started_ts, finished_ts, failed_step, error_kind, error_message`

// RunStore keeps run and step records in BigQuery tables created by cmd/migrate.
// All writes are DML jobs, so rows are immediately visible to UPDATE and MERGE.
type RunStore struct {
	client  *bigquery.Client
	project string
	dataset string
}

// NewRunStore creates a RunStore with its own client.
func NewRunStore(ctx context.Context, project, dataset string) (*RunStore, error) {
	client, err := bigquery.NewClient(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("NewRunStore: creating client: %w", err)
	}
	return NewRunStoreWithClient(client, project, dataset), nil
}

// NewRunStoreWithClient shares an existing client.
func NewRunStoreWithClient(client *bigquery.Client, project, dataset string) *RunStore {
	return &RunStore{client: client, project: project, dataset: dataset}
}

func (s *RunStore) table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", s.project, s.dataset, name)
}

// exec runs a DML statement and returns the number of affected rows.
func (s *RunStore) exec(ctx context.Context, op, sql string, params []bigquery.QueryParameter) (int64, error) {
	q := s.client.Query(sql)
	q.Parameters = params

	job, err := q.Run(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: running query: %w", op, err)
	}

	status, err := job.Wait(ctx)
	if err != nil {
		return 0, fmt.Errorf("%s: waiting for job: %w", op, err)
	}
	if err := status.Err(); err != nil {
		return 0, fmt.Errorf("%s: job error: %w", op, err)
	}

	if status.Statistics != nil {
		if qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			return qs.NumDMLAffectedRows, nil
		}
	}
	return 0, nil
}

// CreateRun implements statestore.Store.
func (s *RunStore) CreateRun(ctx context.Context, run *domain.Run) error {
	statestore.Sanitize(run)

	sql := fmt.Sprintf(`
		INSERT %s (%s)
		VALUES (
			@run_id,
			@logical_date,
			@status,
			@trigger,
			@attempt,
			@created_ts,
			@started_ts,
			@finished_ts,
			@failed_step,
			@error_kind,
			@error_message
		)
	`, s.table(runsTable), runColumns)

	_, err := s.exec(ctx, "CreateRun", sql, runParams(run))
	return err
}

// UpdateRun implements statestore.Store.
func (s *RunStore) UpdateRun(ctx context.Context, run *domain.Run) error {
	statestore.Sanitize(run)

	sql := fmt.Sprintf(`
		UPDATE %s
		SET status = @status,
		    started_ts = @started_ts,
		    finished_ts = @finished_ts,
		    failed_step = @failed_step,
		    error_kind = @error_kind,
		    error_message = @error_message
		WHERE run_id = @run_id
		  AND status IN ('PENDING', 'RUNNING')
	`, s.table(runsTable))

	n, err := s.exec(ctx, "UpdateRun", sql, runParams(run))
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return fmt.Errorf("UpdateRun: %w", err)
		}
		return fmt.Errorf("UpdateRun %s: %w", run.ID, statestore.ErrRunTerminal)
	}
	return nil
}

// GetRun implements statestore.Store.
func (s *RunStore) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE run_id = @run_id
		LIMIT 1
	`, runColumns, s.table(runsTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "run_id", Value: runID}}

	runs, err := readRuns(ctx, "GetRun", q)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("GetRun %s: %w", runID, statestore.ErrNotFound)
	}
	return runs[0], nil
}

// LatestRun implements statestore.Store.
func (s *RunStore) LatestRun(ctx context.Context, date civil.Date) (*domain.Run, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE logical_date = @logical_date
		ORDER BY attempt DESC
		LIMIT 1
	`, runColumns, s.table(runsTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "logical_date", Value: date}}

	runs, err := readRuns(ctx, "LatestRun", q)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, fmt.Errorf("LatestRun %s: %w", date, statestore.ErrNotFound)
	}
	return runs[0], nil
}

// ListRuns implements statestore.Store.
func (s *RunStore) ListRuns(ctx context.Context, filter statestore.RunFilter) ([]*domain.Run, error) {
	where := "TRUE"
	var params []bigquery.QueryParameter

	if filter.Status != "" {
		where += " AND status = @status"
		params = append(params, bigquery.QueryParameter{Name: "status", Value: string(filter.Status)})
	}
	if filter.From.IsValid() {
		where += " AND logical_date >= @from_date"
		params = append(params, bigquery.QueryParameter{Name: "from_date", Value: filter.From})
	}
	if filter.To.IsValid() {
		where += " AND logical_date <= @to_date"
		params = append(params, bigquery.QueryParameter{Name: "to_date", Value: filter.To})
	}

	sql := fmt.Sprintf(`
		SELECT %s
		FROM %s
		WHERE %s
		ORDER BY logical_date DESC, attempt DESC
	`, runColumns, s.table(runsTable), where)
	if filter.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			sql += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	} else if filter.Offset > 0 {
		// BigQuery requires LIMIT before OFFSET.
		sql += fmt.Sprintf(" LIMIT 1000000 OFFSET %d", filter.Offset)
	}

	q := s.client.Query(sql)
	q.Parameters = params
	return readRuns(ctx, "ListRuns", q)
}

// SaveStep implements statestore.Store.
func (s *RunStore) SaveStep(ctx context.Context, step *domain.StepExecution) error {
	statestore.SanitizeStep(step)

	run, err := s.GetRun(ctx, step.RunID)
	if err != nil {
		return fmt.Errorf("SaveStep: %w", err)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("SaveStep %s/%s: %w", step.RunID, step.StepName, statestore.ErrRunTerminal)
	}

	assertions := ""
	if len(step.Assertions) > 0 {
		b, err := json.Marshal(step.Assertions)
		if err != nil {
			return fmt.Errorf("SaveStep: marshal assertions: %w", err)
		}
		assertions = string(b)
	}

	sql := fmt.Sprintf(`
		MERGE %s t
		USING (SELECT @run_id AS run_id, @step_name AS step_name) s
		ON t.run_id = s.run_id AND t.step_name = s.step_name
		WHEN MATCHED THEN
		  UPDATE SET status = @status,
		             attempts = @attempts,
		             started_ts = @started_ts,
		             finished_ts = @finished_ts,
		             error_kind = @error_kind,
		             error_message = @error_message,
		             assertions = SAFE.PARSE_JSON(NULLIF(@assertions, ''))
		WHEN NOT MATCHED THEN
		  INSERT (run_id, step_name, status, attempts, started_ts, finished_ts, error_kind, error_message, assertions)
		  VALUES (@run_id, @step_name, @status, @attempts, @started_ts, @finished_ts, @error_kind, @error_message,
		          SAFE.PARSE_JSON(NULLIF(@assertions, '')))
	`, s.table(stepsTable))

	params := []bigquery.QueryParameter{
		{Name: "run_id", Value: step.RunID},
		{Name: "step_name", Value: step.StepName},
		{Name: "status", Value: string(step.Status)},
		{Name: "attempts", Value: int64(step.Attempts)},
		{Name: "started_ts", Value: nullTime(step.StartedAt)},
		{Name: "finished_ts", Value: nullTime(step.EndedAt)},
		{Name: "error_kind", Value: nullString(step.ErrorKind)},
		{Name: "error_message", Value: nullString(step.ErrorDetail)},
		{Name: "assertions", Value: assertions},
	}

	if _, err := s.exec(ctx, "SaveStep", sql, params); err != nil {
		log := logger.FromContext(ctx)
		log.Error().
			Err(err).
			Str("run_id", step.RunID).
			Str("step", step.StepName).
			Msg("SaveStep: merge failed")
		return err
	}
	return nil
}

// ListSteps implements statestore.Store.
func (s *RunStore) ListSteps(ctx context.Context, runID string) ([]*domain.StepExecution, error) {
	q := s.client.Query(fmt.Sprintf(`
		SELECT run_id, step_name, status, attempts, started_ts, finished_ts, error_kind, error_message, assertions
		FROM %s
		WHERE run_id = @run_id
		ORDER BY step_name
	`, s.table(stepsTable)))
	q.Parameters = []bigquery.QueryParameter{{Name: "run_id", Value: runID}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListSteps: query read: %w", err)
	}

	steps := []*domain.StepExecution{}
	for {
		var r StepRow
		err := it.Next(&r)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListSteps: iterating rows: %w", err)
		}
		step, err := r.toStep()
		if err != nil {
			return nil, fmt.Errorf("ListSteps: decode assertions: %w", err)
		}
		steps = append(steps, step)
	}
	return steps, nil
}

func runParams(run *domain.Run) []bigquery.QueryParameter {
	created := run.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return []bigquery.QueryParameter{
		{Name: "run_id", Value: run.ID},
		{Name: "logical_date", Value: run.LogicalDate},
		{Name: "status", Value: string(run.Status)},
		{Name: "trigger", Value: string(run.Trigger)},
		{Name: "attempt", Value: int64(run.Attempt)},
		{Name: "created_ts", Value: created},
		{Name: "started_ts", Value: nullTime(run.StartedAt)},
		{Name: "finished_ts", Value: nullTime(run.EndedAt)},
		{Name: "failed_step", Value: nullString(run.FailedStep)},
		{Name: "error_kind", Value: nullString(run.ErrorKind)},
		{Name: "error_message", Value: nullString(run.ErrorDetail)},
	}
}

func readRuns(ctx context.Context, op string, q *bigquery.Query) ([]*domain.Run, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("%s: query read: %w", op, err)
	}

	runs := []*domain.Run{}
	for {
		var r RunRow
		err := it.Next(&r)
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%s: iterating rows: %w", op, err)
		}
		runs = append(runs, r.toRun())
	}
	return runs, nil
}

var _ statestore.Store = (*RunStore)(nil)
