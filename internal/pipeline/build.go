package pipeline

import (
	"fmt"
	"sort"

	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/extract"
	"github.com/dvloznov/finance-elt/internal/loader"
	"github.com/dvloznov/finance-elt/internal/objectstore"
	"github.com/dvloznov/finance-elt/internal/quality"
	"github.com/dvloznov/finance-elt/internal/scheduler"
	"github.com/dvloznov/finance-elt/internal/stager"
	"github.com/dvloznov/finance-elt/internal/transform"
	"github.com/dvloznov/finance-elt/internal/warehouse"
)

// Backends are the external systems a pipeline runs against.
type Backends struct {
	Fetcher   extract.Fetcher
	Store     objectstore.Store
	Warehouse warehouse.Warehouse

	// Project and Dataset qualify every table the pipeline writes.
	Project string
	Dataset string
}

// Pipeline is a definition bound to backends.
type Pipeline struct {
	Definition *Definition
	Catalog    *transform.Catalog
	Graph      *scheduler.Graph
}

// Step names derived from a definition.
func ExtractStepName(source string) string { return "extract_" + source }
func StageStepName(source string) string   { return "stage_" + source }
func LoadStepName(table string) string     { return "load_" + table }
func ValidateStepName(model string) string { return "validate_" + model }

// Build binds def to backends and assembles the step graph:
// extract → stage → load → models, with a validate step after every model
// that declares assertions. A model reading a validated model waits for its
// validate step.
func Build(def *Definition, b Backends) (*Pipeline, error) {
	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}

	table := func(name string) domain.TableRef {
		return domain.TableRef{Project: b.Project, Dataset: b.Dataset, Table: name}
	}

	src := def.Source
	rawTable := table(src.Table)
	mode, _ := domain.ParseLoadMode(src.Mode)

	models := make([]*transform.Model, 0, len(def.Models))
	for _, m := range def.Models {
		models = append(models, &transform.Model{
			Name:       m.Name,
			SQL:        m.SQL,
			DependsOn:  m.DependsOn,
			Assertions: m.Assertions,
			Table:      table(m.TableName()),
		})
	}

	catalog, err := transform.NewCatalog(map[string]domain.TableRef{src.Name: rawTable}, models)
	if err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}

	stg := stager.New(b.Store)
	ld := loader.New(stg, b.Warehouse)
	tr := transform.NewTransformer(catalog, b.Warehouse)
	val := quality.NewValidator(b.Warehouse)

	extractName := ExtractStepName(src.Name)
	stageName := StageStepName(src.Name)
	loadName := LoadStepName(src.Table)

	nodes := []*scheduler.Node{
		{
			Step:      &ExtractStep{name: extractName, source: src.Name, fetcher: b.Fetcher},
			Retry:     def.RetryFor(KindExtract),
			Ephemeral: true,
		},
		{
			Step:     &StageStep{name: stageName, source: src.Name, stager: stg},
			Upstream: []string{extractName},
			Retry:    def.RetryFor(KindStage),
		},
		{
			Step: &LoadStep{
				name:   loadName,
				source: src.Name,
				loader: ld,
				lookup: stg,
				target: loader.Target{Table: rawTable, Mode: mode, Schema: src.Schema},
			},
			Upstream: []string{stageName},
			Retry:    def.RetryFor(KindLoad),
		},
	}

	// producer maps a ref name to the step whose success makes it readable.
	producer := func(ref string) string {
		if catalog.IsSource(ref) {
			return loadName
		}
		if m, ok := catalog.Model(ref); ok && m.Gated() {
			return ValidateStepName(ref)
		}
		return ref
	}

	for _, m := range models {
		deps, err := catalog.Dependencies(m.Name)
		if err != nil {
			return nil, fmt.Errorf("Build: model %s: %w", m.Name, err)
		}
		upstream := make([]string, 0, len(deps))
		for _, dep := range deps {
			upstream = append(upstream, producer(dep))
		}
		sort.Strings(upstream)

		nodes = append(nodes, &scheduler.Node{
			Step:     &TransformStep{model: m.Name, transformer: tr},
			Upstream: upstream,
			Retry:    def.RetryFor(KindTransform),
		})
		if m.Gated() {
			nodes = append(nodes, &scheduler.Node{
				Step:     &ValidateStep{name: ValidateStepName(m.Name), model: m, validator: val},
				Upstream: []string{m.Name},
				Retry:    def.RetryFor(KindValidate),
			})
		}
	}

	g, err := scheduler.NewGraph(nodes...)
	if err != nil {
		return nil, fmt.Errorf("Build: %w", err)
	}

	return &Pipeline{Definition: def, Catalog: catalog, Graph: g}, nil
}
