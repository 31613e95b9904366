package domain

import "fmt"

// AssertionType selects the predicate an Assertion checks.
type AssertionType string

const (
	AssertUnique         AssertionType = "unique"
	AssertNotNull        AssertionType = "not_null"
	AssertNonNegative    AssertionType = "non_negative"
	AssertAcceptedValues AssertionType = "accepted_values"
	AssertExpression     AssertionType = "expression"
)

// Assertion is a named data-quality predicate over a model's output.
type Assertion struct {
	Name       string        `yaml:"name" json:"name"`
	Type       AssertionType `yaml:"type" json:"type"`
	Column     string        `yaml:"column,omitempty" json:"column,omitempty"`
	Values     []string      `yaml:"values,omitempty" json:"values,omitempty"`
	Expression string        `yaml:"expression,omitempty" json:"expression,omitempty"`
}

// Validate checks that the assertion carries the fields its type needs.
func (a Assertion) Validate() error {
	switch a.Type {
	case AssertUnique, AssertNotNull, AssertNonNegative:
		if a.Column == "" {
			return fmt.Errorf("assertion %q: %s requires column", a.Name, a.Type)
		}
	case AssertAcceptedValues:
		if a.Column == "" || len(a.Values) == 0 {
			return fmt.Errorf("assertion %q: accepted_values requires column and values", a.Name)
		}
	case AssertExpression:
		if a.Expression == "" {
			return fmt.Errorf("assertion %q: expression requires expression", a.Name)
		}
	default:
		return fmt.Errorf("assertion %q: unsupported type %q", a.Name, a.Type)
	}
	return nil
}

// DefaultName derives a name like "transaction_id_unique" when none is declared.
func (a Assertion) DefaultName() string {
	if a.Name != "" {
		return a.Name
	}
	if a.Column != "" {
		return a.Column + "_" + string(a.Type)
	}
	return string(a.Type)
}

// AssertionResult records one assertion's outcome for a run.
type AssertionResult struct {
	Name       string `json:"name"`
	Passed     bool   `json:"passed"`
	Violations int64  `json:"violations"`
	Detail     string `json:"detail,omitempty"`
}
