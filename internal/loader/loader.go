// Package loader materializes staged artifacts as raw warehouse table partitions.
package loader

import (
	"context"
	"fmt"

	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/warehouse"
)

// ArtifactReader returns the bytes of a staged artifact.
type ArtifactReader interface {
	Read(ctx context.Context, a *domain.Artifact) ([]byte, error)
}

// Target is the raw table an artifact is loaded into.
type Target struct {
	Table  domain.TableRef
	Mode   domain.LoadMode
	Schema domain.Schema
}

// Result reports the outcome of a load.
type Result struct {
	Table domain.TableRef
	Rows  int64
	Mode  domain.LoadMode
}

// Loader validates artifacts against the declared schema and loads them.
type Loader struct {
	artifacts ArtifactReader
	wh        warehouse.Warehouse
}

// New creates a Loader.
func New(artifacts ArtifactReader, wh warehouse.Warehouse) *Loader {
	return &Loader{artifacts: artifacts, wh: wh}
}

// Load replaces or appends the artifact's logical-date partition of the target table.
// A record that does not fit the schema fails the whole load before anything is written.
func (l *Loader) Load(ctx context.Context, a *domain.Artifact, target Target) (*Result, error) {
	log := logger.FromContext(ctx)

	data, err := l.artifacts.Read(ctx, a)
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}

	records, err := CheckSchema(data, target.Schema)
	if err != nil {
		return nil, failure.Newf(failure.SchemaMismatch, "Load", "%s: %v", a.Key, err)
	}

	mode := target.Mode
	if mode == "" {
		mode = domain.LoadReplace
	}

	res, err := l.wh.Load(ctx, warehouse.LoadRequest{
		SourceURI: a.URI,
		Data:      data,
		Table:     target.Table,
		Date:      a.LogicalDate,
		Mode:      mode,
		Schema:    target.Schema,
	})
	if err != nil {
		return nil, fmt.Errorf("Load: %w", err)
	}

	log.Info().
		Str("table", target.Table.String()).
		Str("mode", string(mode)).
		Int("records", records).
		Int64("rows", res.Rows).
		Msg("Loaded artifact")

	return &Result{Table: target.Table, Rows: res.Rows, Mode: mode}, nil
}
