// Package pipeline declares the ELT pipeline (source, raw table, models,
// assertions and retry policies) and turns a declaration into the scheduler's
// step graph.
package pipeline

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/scheduler"
	"gopkg.in/yaml.v3"
)

//go:embed default_pipeline.yaml
var defaultDefinition []byte

var projectsLogicalDate = regexp.MustCompile(`(?i)\bAS\s+` + domain.LogicalDateField + `\b`)

// StepKind groups steps that share a retry policy.
type StepKind string

const (
	KindExtract   StepKind = "extract"
	KindStage     StepKind = "stage"
	KindLoad      StepKind = "load"
	KindTransform StepKind = "transform"
	KindValidate  StepKind = "validate"
)

var stepKinds = []StepKind{KindExtract, KindStage, KindLoad, KindTransform, KindValidate}

// Definition is the declarative description of one pipeline.
type Definition struct {
	Name   string                             `yaml:"name"`
	Source SourceSpec                         `yaml:"source"`
	Models []ModelSpec                        `yaml:"models"`
	Retry  map[StepKind]scheduler.RetryPolicy `yaml:"retry,omitempty"`
}

// SourceSpec describes the extracted source and the raw table it lands in.
type SourceSpec struct {
	Name   string        `yaml:"name"`
	Table  string        `yaml:"table"`
	Mode   string        `yaml:"mode,omitempty"`
	Schema domain.Schema `yaml:"schema"`
}

// ModelSpec declares one SQL model.
type ModelSpec struct {
	Name       string             `yaml:"name"`
	Table      string             `yaml:"table,omitempty"`
	SQL        string             `yaml:"sql"`
	DependsOn  []string           `yaml:"depends_on,omitempty"`
	Assertions []domain.Assertion `yaml:"assertions,omitempty"`
}

// TableName returns the model's table, defaulting to its name.
func (m ModelSpec) TableName() string {
	if m.Table != "" {
		return m.Table
	}
	return m.Name
}

// Default returns the embedded transactions pipeline.
func Default() (*Definition, error) {
	return Parse(defaultDefinition)
}

// Load reads a definition from path, or the embedded default when path is empty.
func Load(path string) (*Definition, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Load: read %s: %w", path, err)
	}
	def, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("Load %s: %w", path, err)
	}
	return def, nil
}

// Parse decodes and validates a YAML definition. Unknown keys are rejected.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("decode definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// Validate checks names, schema types, load mode, assertions and retry keys.
// Model references are checked when the graph is built.
func (d *Definition) Validate() error {
	if strings.TrimSpace(d.Source.Name) == "" {
		return errors.New("source.name is required")
	}
	if strings.TrimSpace(d.Source.Table) == "" {
		return errors.New("source.table is required")
	}
	if _, err := domain.ParseLoadMode(d.Source.Mode); err != nil {
		return fmt.Errorf("source.mode: %w", err)
	}
	if len(d.Source.Schema) == 0 {
		return errors.New("source.schema must be non-empty")
	}

	fields := make(map[string]struct{}, len(d.Source.Schema))
	for i, f := range d.Source.Schema {
		if f.Name == "" {
			return fmt.Errorf("source.schema[%d].name is required", i)
		}
		if f.Name == domain.LogicalDateField {
			return fmt.Errorf("source.schema[%d]: %s is added by the loader", i, f.Name)
		}
		if _, dup := fields[f.Name]; dup {
			return fmt.Errorf("source.schema[%d].name must be unique (duplicate %q)", i, f.Name)
		}
		fields[f.Name] = struct{}{}
		if !validFieldType(f.Type) {
			return fmt.Errorf("source.schema[%d].type unsupported: %q", i, f.Type)
		}
	}

	models := make(map[string]struct{}, len(d.Models))
	for i, m := range d.Models {
		if strings.TrimSpace(m.Name) == "" {
			return fmt.Errorf("models[%d].name is required", i)
		}
		if _, dup := models[m.Name]; dup {
			return fmt.Errorf("models[%d].name must be unique (duplicate %q)", i, m.Name)
		}
		models[m.Name] = struct{}{}
		if m.Name == d.Source.Name {
			return fmt.Errorf("models[%d].name %q shadows the source", i, m.Name)
		}
		if strings.TrimSpace(m.SQL) == "" {
			return fmt.Errorf("models[%d].sql is required", i)
		}
		if projectsLogicalDate.MatchString(m.SQL) {
			return fmt.Errorf("models[%d].sql: %s is added by the warehouse and must not be projected", i, domain.LogicalDateField)
		}
		for j, a := range m.Assertions {
			if err := a.Validate(); err != nil {
				return fmt.Errorf("models[%d].assertions[%d]: %w", i, j, err)
			}
		}
	}

	for kind, policy := range d.Retry {
		if !validStepKind(kind) {
			return fmt.Errorf("retry.%s: unknown step kind", kind)
		}
		if policy.MaxAttempts < 0 || policy.InitialBackoff < 0 || policy.MaxBackoff < 0 {
			return fmt.Errorf("retry.%s: values must not be negative", kind)
		}
	}
	return nil
}

// RetryFor returns the policy for a step kind. Unset fields fall back to
// scheduler.DefaultRetryPolicy.
func (d *Definition) RetryFor(kind StepKind) scheduler.RetryPolicy {
	p, ok := d.Retry[kind]
	if !ok {
		return scheduler.DefaultRetryPolicy
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = scheduler.DefaultRetryPolicy.MaxAttempts
	}
	if p.InitialBackoff == 0 {
		p.InitialBackoff = scheduler.DefaultRetryPolicy.InitialBackoff
	}
	if p.MaxBackoff == 0 {
		p.MaxBackoff = scheduler.DefaultRetryPolicy.MaxBackoff
	}
	if p.Multiplier == 0 {
		p.Multiplier = scheduler.DefaultRetryPolicy.Multiplier
	}
	return p
}

func validFieldType(t domain.FieldType) bool {
	switch t {
	case domain.FieldString, domain.FieldInteger, domain.FieldNumeric, domain.FieldFloat,
		domain.FieldBoolean, domain.FieldDate, domain.FieldTimestamp:
		return true
	}
	return false
}

func validStepKind(k StepKind) bool {
	for _, known := range stepKinds {
		if k == known {
			return true
		}
	}
	return false
}
