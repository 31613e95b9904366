package transform

import (
	"context"
	"fmt"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/warehouse"
)

// Transformer materializes models into the warehouse.
type Transformer struct {
	catalog *Catalog
	wh      warehouse.Warehouse
}

// NewTransformer creates a Transformer.
func NewTransformer(catalog *Catalog, wh warehouse.Warehouse) *Transformer {
	return &Transformer{catalog: catalog, wh: wh}
}

// Catalog returns the model catalog.
func (t *Transformer) Catalog() *Catalog {
	return t.catalog
}

// Materialize compiles the model for date and replaces its destination
// partition. Gated models land in their candidate table.
func (t *Transformer) Materialize(ctx context.Context, name string, date civil.Date) (*warehouse.MaterializeResult, error) {
	compiled, err := t.catalog.Compile(name, date)
	if err != nil {
		return nil, err
	}

	dest := compiled.Model.Destination()
	log := logger.FromContext(ctx)
	log.Debug().
		Str("model", name).
		Str("destination", dest.String()).
		Str("sql", compiled.SQL).
		Msg("Materializing model")

	res, err := t.wh.Materialize(ctx, warehouse.MaterializeRequest{
		Model: name,
		SQL:   compiled.SQL,
		Date:  date,
		Dest:  dest,
		Refs:  compiled.Refs,
	})
	if err != nil {
		return nil, fmt.Errorf("Materialize %s: %w", name, err)
	}
	return res, nil
}
