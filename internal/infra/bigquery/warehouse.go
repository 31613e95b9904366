package bigquery

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/warehouse"
)

const defaultLoadTimeout = 10 * time.Minute

// Options configures the BigQuery warehouse.
type Options struct {
	Project     string
	Dataset     string
	Location    string
	LoadTimeout time.Duration
}

// Warehouse runs loads, model queries, partition copies and assertion counts
// against BigQuery. It holds one shared client, which is safe for concurrent use.
type Warehouse struct {
	client      *bigquery.Client
	project     string
	dataset     string
	location    string
	loadTimeout time.Duration
}

// NewWarehouse creates a Warehouse with its own client.
func NewWarehouse(ctx context.Context, opts Options) (*Warehouse, error) {
	client, err := bigquery.NewClient(ctx, opts.Project)
	if err != nil {
		return nil, fmt.Errorf("NewWarehouse: creating client: %w", err)
	}
	if opts.Location != "" {
		client.Location = opts.Location
	}
	return NewWarehouseWithClient(client, opts), nil
}

// NewWarehouseWithClient wraps an existing client.
func NewWarehouseWithClient(client *bigquery.Client, opts Options) *Warehouse {
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = defaultLoadTimeout
	}
	return &Warehouse{
		client:      client,
		project:     opts.Project,
		dataset:     opts.Dataset,
		location:    opts.Location,
		loadTimeout: opts.LoadTimeout,
	}
}

// Client exposes the shared client so the run store can reuse it.
func (w *Warehouse) Client() *bigquery.Client {
	return w.client
}

// Close closes the BigQuery client connection.
func (w *Warehouse) Close() error {
	if w.client != nil {
		return w.client.Close()
	}
	return nil
}

// partition addresses one daily partition through the table$YYYYMMDD decorator.
func (w *Warehouse) partition(ref domain.TableRef, date civil.Date) *bigquery.Table {
	project := ref.Project
	if project == "" {
		project = w.project
	}
	return w.client.DatasetInProject(project, ref.Dataset).Table(ref.Table + "$" + domain.PartitionID(date))
}

func (w *Warehouse) qualified(ref domain.TableRef) string {
	if ref.Project == "" {
		ref.Project = w.project
	}
	return "`" + ref.String() + "`"
}

func timePartitioning() *bigquery.TimePartitioning {
	return &bigquery.TimePartitioning{
		Type:  bigquery.DayPartitioningType,
		Field: domain.LogicalDateField,
	}
}

// runJob waits for a job and surfaces its terminal error.
func runJob(ctx context.Context, job *bigquery.Job) (*bigquery.JobStatus, error) {
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if err := status.Err(); err != nil {
		return status, err
	}
	return status, nil
}

var _ warehouse.Warehouse = (*Warehouse)(nil)
