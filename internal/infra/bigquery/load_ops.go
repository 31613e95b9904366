package bigquery

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/warehouse"
)

// Load runs a load job into the logical-date partition of the raw table.
// REPLACE truncates only that partition, and BigQuery commits the job atomically.
func (w *Warehouse) Load(ctx context.Context, req warehouse.LoadRequest) (*warehouse.LoadResult, error) {
	log := logger.FromContext(ctx)

	ctx, cancel := context.WithTimeout(ctx, w.loadTimeout)
	defer cancel()

	schema := toSchema(req.Schema)

	var src bigquery.LoadSource
	if strings.HasPrefix(req.SourceURI, "gs://") {
		ref := bigquery.NewGCSReference(req.SourceURI)
		ref.SourceFormat = bigquery.JSON
		ref.Schema = schema
		src = ref
	} else {
		rs := bigquery.NewReaderSource(bytes.NewReader(req.Data))
		rs.SourceFormat = bigquery.JSON
		rs.Schema = schema
		src = rs
	}

	loader := w.partition(req.Table, req.Date).LoaderFrom(src)
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.TimePartitioning = timePartitioning()
	loader.WriteDisposition = bigquery.WriteTruncate
	if req.Mode == domain.LoadAppend {
		loader.WriteDisposition = bigquery.WriteAppend
	}

	job, err := loader.Run(ctx)
	if err != nil {
		return nil, classifyLoad(ctx, err)
	}

	status, err := runJob(ctx, job)
	if err != nil {
		return nil, classifyLoad(ctx, err)
	}

	var rows int64
	if status.Statistics != nil {
		if ls, ok := status.Statistics.Details.(*bigquery.LoadStatistics); ok {
			rows = ls.OutputRows
		}
	}

	log.Info().
		Str("table", req.Table.String()).
		Str("partition", domain.PartitionID(req.Date)).
		Str("mode", string(req.Mode)).
		Int64("rows", rows).
		Str("job_id", job.ID()).
		Msg("Load job completed")

	return &warehouse.LoadResult{Rows: rows}, nil
}

func classifyLoad(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Wrap(failure.LoadTimeout, "Load", err)
	}
	return classify("Load", err, failure.SchemaMismatch)
}

// toSchema converts a declared schema, adding the partitioning column.
func toSchema(s domain.Schema) bigquery.Schema {
	out := make(bigquery.Schema, 0, len(s)+1)
	hasDate := false
	for _, f := range s {
		if f.Name == domain.LogicalDateField {
			hasDate = true
		}
		out = append(out, &bigquery.FieldSchema{
			Name:     f.Name,
			Type:     fieldType(f.Type),
			Required: f.Required,
		})
	}
	if !hasDate {
		out = append(out, &bigquery.FieldSchema{
			Name:     domain.LogicalDateField,
			Type:     bigquery.DateFieldType,
			Required: true,
		})
	}
	return out
}

func fieldType(t domain.FieldType) bigquery.FieldType {
	switch t {
	case domain.FieldInteger:
		return bigquery.IntegerFieldType
	case domain.FieldNumeric:
		return bigquery.NumericFieldType
	case domain.FieldFloat:
		return bigquery.FloatFieldType
	case domain.FieldBoolean:
		return bigquery.BooleanFieldType
	case domain.FieldDate:
		return bigquery.DateFieldType
	case domain.FieldTimestamp:
		return bigquery.TimestampFieldType
	default:
		return bigquery.StringFieldType
	}
}
