// Package warehouse defines the operations the pipeline needs from a data warehouse.
package warehouse

import (
	"context"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
)

// LoadRequest loads one staged artifact into a date partition of a raw table.
type LoadRequest struct {
	// SourceURI is where the artifact lives. Backends that can read the
	// object store directly use it, others fall back to Data.
	SourceURI string
	Data      []byte

	Table  domain.TableRef
	Date   civil.Date
	Mode   domain.LoadMode
	Schema domain.Schema
}

// LoadResult reports what a load wrote.
type LoadResult struct {
	Rows int64
}

// MaterializeRequest runs a compiled model and replaces Dest's partition for Date.
type MaterializeRequest struct {
	Model string
	SQL   string
	Date  civil.Date
	Dest  domain.TableRef

	// Refs maps every ref name used by the model to the table it resolved to.
	Refs map[string]domain.TableRef
}

// MaterializeResult reports what a materialization wrote.
type MaterializeResult struct {
	Rows int64
}

// Check is one assertion evaluated against a table partition.
type Check struct {
	Assertion domain.Assertion
	Table     domain.TableRef
	Date      civil.Date
}

// Warehouse is implemented by the BigQuery backend and the in-memory test warehouse.
// Every partition write is atomic: readers see the old or the new partition, never a mix.
type Warehouse interface {
	Load(ctx context.Context, req LoadRequest) (*LoadResult, error)
	Materialize(ctx context.Context, req MaterializeRequest) (*MaterializeResult, error)
	CopyPartition(ctx context.Context, src, dst domain.TableRef, date civil.Date) error
	CountViolations(ctx context.Context, check Check) (int64, error)
}
