// Package transform compiles and materializes the declared SQL models.
package transform

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
)

// Model is one SQL transformation writing one table.
type Model struct {
	Name       string
	SQL        string
	DependsOn  []string
	Assertions []domain.Assertion

	// Table is where consumers read the model's validated output.
	Table domain.TableRef
}

// Gated reports whether the model is validated before publication.
func (m *Model) Gated() bool {
	return len(m.Assertions) > 0
}

// Destination is the table Materialize writes to.
func (m *Model) Destination() domain.TableRef {
	if m.Gated() {
		return m.Table.Candidate()
	}
	return m.Table
}

// Compiled is a model's SQL rendered for one logical date.
type Compiled struct {
	Model *Model
	SQL   string

	// Refs maps each ref name used by the SQL to the table it resolved to.
	Refs map[string]domain.TableRef
}

// Catalog holds source tables and models, and resolves refs between them.
type Catalog struct {
	sources map[string]domain.TableRef
	models  map[string]*Model
}

// NewCatalog validates names and builds a Catalog. Dependencies are checked
// by Compile, so cycles surface from the scheduler graph.
func NewCatalog(sources map[string]domain.TableRef, models []*Model) (*Catalog, error) {
	c := &Catalog{
		sources: make(map[string]domain.TableRef, len(sources)),
		models:  make(map[string]*Model, len(models)),
	}
	for name, ref := range sources {
		c.sources[name] = ref
	}

	for _, m := range models {
		if m.Name == "" {
			return nil, fmt.Errorf("NewCatalog: model without name")
		}
		if _, dup := c.models[m.Name]; dup {
			return nil, fmt.Errorf("NewCatalog: duplicate model %q", m.Name)
		}
		if _, clash := c.sources[m.Name]; clash {
			return nil, fmt.Errorf("NewCatalog: model %q shadows a source", m.Name)
		}
		for _, a := range m.Assertions {
			if err := a.Validate(); err != nil {
				return nil, fmt.Errorf("NewCatalog: model %q: %w", m.Name, err)
			}
		}
		c.models[m.Name] = m
	}
	return c, nil
}

// Model returns a model by name.
func (c *Catalog) Model(name string) (*Model, bool) {
	m, ok := c.models[name]
	return m, ok
}

// Models returns all models sorted by name.
func (c *Catalog) Models() []*Model {
	out := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsSource reports whether name refers to a loaded raw table.
func (c *Catalog) IsSource(name string) bool {
	_, ok := c.sources[name]
	return ok
}

func (c *Catalog) resolve(name string) (domain.TableRef, error) {
	if ref, ok := c.sources[name]; ok {
		return ref, nil
	}
	if m, ok := c.models[name]; ok {
		return m.Table, nil
	}
	return domain.TableRef{}, fmt.Errorf("unknown ref %q", name)
}

// Compile renders the model's SQL for date. {{ ref "name" }} expands to a
// quoted fully qualified table and {{ .LogicalDate }} to YYYY-MM-DD.
func (c *Catalog) Compile(name string, date civil.Date) (*Compiled, error) {
	m, ok := c.models[name]
	if !ok {
		return nil, failure.Newf(failure.CompilationError, "Compile", "unknown model %q", name)
	}

	refs := map[string]domain.TableRef{}
	funcs := template.FuncMap{
		"ref": func(ref string) (string, error) {
			t, err := c.resolve(ref)
			if err != nil {
				return "", err
			}
			refs[ref] = t
			return "`" + t.String() + "`", nil
		},
	}

	tmpl, err := template.New(m.Name).Funcs(funcs).Option("missingkey=error").Parse(m.SQL)
	if err != nil {
		return nil, failure.Wrap(failure.CompilationError, "Compile", err)
	}

	var buf bytes.Buffer
	data := struct{ LogicalDate string }{LogicalDate: date.String()}
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, failure.Wrap(failure.CompilationError, "Compile", err)
	}

	sql := strings.TrimSpace(buf.String())
	if sql == "" {
		return nil, failure.Newf(failure.CompilationError, "Compile", "model %q renders empty SQL", name)
	}

	for _, dep := range m.DependsOn {
		t, err := c.resolve(dep)
		if err != nil {
			return nil, failure.Newf(failure.CompilationError, "Compile", "model %q depends_on: %v", name, err)
		}
		if _, seen := refs[dep]; !seen {
			refs[dep] = t
		}
	}

	return &Compiled{Model: m, SQL: sql, Refs: refs}, nil
}

// Dependencies returns the sorted names (sources and models) the model reads.
func (c *Catalog) Dependencies(name string) ([]string, error) {
	compiled, err := c.Compile(name, civil.Date{Year: 1970, Month: 1, Day: 1})
	if err != nil {
		return nil, err
	}
	deps := make([]string, 0, len(compiled.Refs))
	for ref := range compiled.Refs {
		if ref == name {
			return nil, failure.Newf(failure.CompilationError, "Compile", "model %q refs itself", name)
		}
		deps = append(deps, ref)
	}
	sort.Strings(deps)
	return deps, nil
}
