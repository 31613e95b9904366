// Package postgres is a statestore.Store backed by PostgreSQL through bun.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/statestore"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/driver/pgdriver"
)

var nonTerminal = []string{string(domain.RunPending), string(domain.RunRunning)}

// Store persists runs in pipeline_runs and step executions in step_executions.
type Store struct {
	db *bun.DB
}

// NewStore opens a connection pool and creates the tables if needed.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	sqldb := sql.OpenDB(pgdriver.NewConnector(pgdriver.WithDSN(dsn)))

	db := bun.NewDB(sqldb, pgdialect.New())
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)

	store := &Store{db: db}
	if err := store.InitializeDatabase(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("NewStore: initialize database: %w", err)
	}
	return store, nil
}

// NewStoreWithDB wraps an existing bun.DB without touching the schema.
func NewStoreWithDB(db *bun.DB) *Store {
	return &Store{db: db}
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// InitializeDatabase creates tables and indexes if they do not exist.
func (s *Store) InitializeDatabase(ctx context.Context) error {
	_, err := s.db.NewCreateTable().
		Model((*runDB)(nil)).
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create pipeline_runs table: %w", err)
	}

	_, err = s.db.NewCreateTable().
		Model((*stepDB)(nil)).
		IfNotExists().
		ForeignKey(`("run_id") REFERENCES "pipeline_runs" ("run_id") ON DELETE CASCADE`).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create step_executions table: %w", err)
	}

	_, err = s.db.NewCreateIndex().
		Model((*runDB)(nil)).
		Index("idx_pipeline_runs_logical_date").
		Column("logical_date", "attempt").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create logical_date index: %w", err)
	}

	_, err = s.db.NewCreateIndex().
		Model((*runDB)(nil)).
		Index("idx_pipeline_runs_status").
		Column("status").
		IfNotExists().
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("create status index: %w", err)
	}

	return nil
}

// CreateRun implements statestore.Store.
func (s *Store) CreateRun(ctx context.Context, run *domain.Run) error {
	statestore.Sanitize(run)
	if _, err := s.db.NewInsert().Model(runFromApp(run)).Exec(ctx); err != nil {
		return fmt.Errorf("CreateRun: %w", err)
	}
	return nil
}

// UpdateRun implements statestore.Store. The status guard in the WHERE clause
// makes the terminal check and the write a single statement.
func (s *Store) UpdateRun(ctx context.Context, run *domain.Run) error {
	statestore.Sanitize(run)
	row := runFromApp(run)

	res, err := s.db.NewUpdate().
		Model(row).
		ExcludeColumn("run_id", "logical_date", "attempt", "created_at").
		Where("run_id = ?", run.ID).
		Where("status IN (?)", bun.In(nonTerminal)).
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("UpdateRun: %w", err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := s.GetRun(ctx, run.ID); err != nil {
			return fmt.Errorf("UpdateRun: %w", err)
		}
		return fmt.Errorf("UpdateRun %s: %w", run.ID, statestore.ErrRunTerminal)
	}
	return nil
}

// GetRun implements statestore.Store.
func (s *Store) GetRun(ctx context.Context, runID string) (*domain.Run, error) {
	var row runDB
	err := s.db.NewSelect().
		Model(&row).
		Where("run_id = ?", runID).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("GetRun %s: %w", runID, statestore.ErrNotFound)
		}
		return nil, fmt.Errorf("GetRun: %w", err)
	}
	return row.toRun(), nil
}

// LatestRun implements statestore.Store.
func (s *Store) LatestRun(ctx context.Context, date civil.Date) (*domain.Run, error) {
	var row runDB
	err := s.db.NewSelect().
		Model(&row).
		Where("logical_date = ?", date.In(time.UTC)).
		Order("attempt DESC").
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("LatestRun %s: %w", date, statestore.ErrNotFound)
		}
		return nil, fmt.Errorf("LatestRun: %w", err)
	}
	return row.toRun(), nil
}

// ListRuns implements statestore.Store.
func (s *Store) ListRuns(ctx context.Context, filter statestore.RunFilter) ([]*domain.Run, error) {
	var rows []runDB
	query := s.db.NewSelect().
		Model(&rows).
		Order("logical_date DESC", "attempt DESC")

	if filter.Status != "" {
		query = query.Where("status = ?", string(filter.Status))
	}
	if filter.From.IsValid() {
		query = query.Where("logical_date >= ?", filter.From.In(time.UTC))
	}
	if filter.To.IsValid() {
		query = query.Where("logical_date <= ?", filter.To.In(time.UTC))
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}

	if err := query.Scan(ctx); err != nil {
		return nil, fmt.Errorf("ListRuns: %w", err)
	}

	runs := make([]*domain.Run, 0, len(rows))
	for i := range rows {
		runs = append(runs, rows[i].toRun())
	}
	return runs, nil
}

// SaveStep implements statestore.Store.
func (s *Store) SaveStep(ctx context.Context, step *domain.StepExecution) error {
	statestore.SanitizeStep(step)

	run, err := s.GetRun(ctx, step.RunID)
	if err != nil {
		return fmt.Errorf("SaveStep: %w", err)
	}
	if run.Status.Terminal() {
		return fmt.Errorf("SaveStep %s/%s: %w", step.RunID, step.StepName, statestore.ErrRunTerminal)
	}

	updateCols := []string{"status", "attempts", "started_at", "ended_at", "error_kind", "error_detail", "assertions", "updated_at"}
	query := s.db.NewInsert().
		Model(stepFromApp(step)).
		On("CONFLICT (run_id, step_name) DO UPDATE")
	for _, col := range updateCols {
		query = query.Set("? = EXCLUDED.?", bun.Ident(col), bun.Ident(col))
	}

	if _, err := query.Exec(ctx); err != nil {
		return fmt.Errorf("SaveStep: %w", err)
	}
	return nil
}

// ListSteps implements statestore.Store.
func (s *Store) ListSteps(ctx context.Context, runID string) ([]*domain.StepExecution, error) {
	var rows []stepDB
	err := s.db.NewSelect().
		Model(&rows).
		Where("run_id = ?", runID).
		Order("step_name ASC").
		Scan(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListSteps: %w", err)
	}

	steps := make([]*domain.StepExecution, 0, len(rows))
	for i := range rows {
		steps = append(steps, rows[i].toStep())
	}
	return steps, nil
}

var _ statestore.Store = (*Store)(nil)
