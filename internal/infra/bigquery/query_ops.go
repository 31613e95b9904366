package bigquery

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/warehouse"
	"google.golang.org/api/iterator"
)

// Materialize runs the compiled model SQL with @logical_date bound and writes
// the result over the destination partition.
func (w *Warehouse) Materialize(ctx context.Context, req warehouse.MaterializeRequest) (*warehouse.MaterializeResult, error) {
	q := w.client.Query(materializeSQL(req.SQL))
	q.Parameters = []bigquery.QueryParameter{
		{Name: "logical_date", Value: req.Date},
	}
	q.Dst = w.partition(req.Dest, req.Date)
	q.CreateDisposition = bigquery.CreateIfNeeded
	q.WriteDisposition = bigquery.WriteTruncate
	q.TimePartitioning = timePartitioning()
	q.Labels = map[string]string{"model": req.Model}

	job, err := q.Run(ctx)
	if err != nil {
		return nil, classify("Materialize", err, failure.ExecutionError)
	}
	if _, err := runJob(ctx, job); err != nil {
		return nil, classify("Materialize", err, failure.ExecutionError)
	}

	rows, err := w.countRows(ctx, req.Dest, req.Date)
	if err != nil {
		return nil, err
	}

	log := logger.FromContext(ctx)

	log.Info().
		Str("model", req.Model).
		Str("table", req.Dest.String()).
		Int64("rows", rows).
		Str("job_id", job.ID()).
		Msg("Model materialized")

	return &warehouse.MaterializeResult{Rows: rows}, nil
}

// materializeSQL stamps the partitioning column onto every row the model
// returns. Models never project it themselves.
func materializeSQL(sql string) string {
	return fmt.Sprintf("SELECT model.*, @%s AS %s\nFROM (\n%s\n) AS model",
		domain.LogicalDateField, domain.LogicalDateField, strings.TrimRight(strings.TrimSpace(sql), ";"))
}

// CopyPartition replaces dst's partition with src's in a single copy job.
func (w *Warehouse) CopyPartition(ctx context.Context, src, dst domain.TableRef, date civil.Date) error {
	copier := w.partition(dst, date).CopierFrom(w.partition(src, date))
	copier.CreateDisposition = bigquery.CreateIfNeeded
	copier.WriteDisposition = bigquery.WriteTruncate

	job, err := copier.Run(ctx)
	if err != nil {
		return classify("CopyPartition", err, failure.ExecutionError)
	}
	if _, err := runJob(ctx, job); err != nil {
		return classify("CopyPartition", err, failure.ExecutionError)
	}
	return nil
}

// CountViolations runs the assertion's counting query on one partition.
func (w *Warehouse) CountViolations(ctx context.Context, check warehouse.Check) (int64, error) {
	sql, params, err := violationQuery(w.qualified(check.Table), check.Assertion)
	if err != nil {
		return 0, failure.Wrap(failure.CompilationError, "CountViolations", err)
	}

	q := w.client.Query(sql)
	q.Parameters = append(params, bigquery.QueryParameter{Name: "logical_date", Value: check.Date})

	return w.readCount(ctx, "CountViolations", q)
}

func (w *Warehouse) countRows(ctx context.Context, ref domain.TableRef, date civil.Date) (int64, error) {
	q := w.client.Query(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = @logical_date", w.qualified(ref), domain.LogicalDateField))
	q.Parameters = []bigquery.QueryParameter{{Name: "logical_date", Value: date}}
	return w.readCount(ctx, "Materialize", q)
}

func (w *Warehouse) readCount(ctx context.Context, op string, q *bigquery.Query) (int64, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return 0, classify(op, err, failure.ExecutionError)
	}

	var row []bigquery.Value
	err = it.Next(&row)
	if err == iterator.Done {
		return 0, nil
	}
	if err != nil {
		return 0, classify(op, err, failure.ExecutionError)
	}
	if len(row) == 0 || row[0] == nil {
		return 0, nil
	}

	n, ok := row[0].(int64)
	if !ok {
		return 0, failure.Newf(failure.ExecutionError, op, "unexpected count type %T", row[0])
	}
	return n, nil
}
