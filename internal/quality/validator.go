// Package quality evaluates data-quality assertions and gates publication of
// validated model output.
package quality

import (
	"context"
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/logger"
	"github.com/dvloznov/finance-elt/internal/transform"
	"github.com/dvloznov/finance-elt/internal/warehouse"
)

// Report collects the outcome of every assertion of one model.
type Report struct {
	Model     string
	Date      civil.Date
	Results   []domain.AssertionResult
	Published bool
}

// Passed reports whether every assertion passed.
func (r *Report) Passed() bool {
	for _, res := range r.Results {
		if !res.Passed {
			return false
		}
	}
	return true
}

// Failures joins the details of failed assertions.
func (r *Report) Failures() string {
	var parts []string
	for _, res := range r.Results {
		if !res.Passed {
			parts = append(parts, res.Detail)
		}
	}
	return strings.Join(parts, "; ")
}

// Validator runs a model's assertions against its candidate partition.
type Validator struct {
	wh warehouse.Warehouse
}

// NewValidator creates a Validator.
func NewValidator(wh warehouse.Warehouse) *Validator {
	return &Validator{wh: wh}
}

// Validate evaluates every assertion of m for date. When all pass the
// candidate partition is copied over the published one. When any fails the
// published partition is left untouched and an AssertionFailure is returned
// together with the report.
func (v *Validator) Validate(ctx context.Context, m *transform.Model, date civil.Date) (*Report, error) {
	log := logger.FromContext(ctx).With().Str("model", m.Name).Logger()

	report := &Report{Model: m.Name, Date: date}
	candidate := m.Destination()

	for _, a := range m.Assertions {
		n, err := v.wh.CountViolations(ctx, warehouse.Check{Assertion: a, Table: candidate, Date: date})
		if err != nil {
			return report, fmt.Errorf("Validate %s: %w", a.DefaultName(), err)
		}

		res := domain.AssertionResult{Name: a.DefaultName(), Passed: n == 0, Violations: n}
		if n > 0 {
			res.Detail = Describe(a, n)
		}
		report.Results = append(report.Results, res)

		log.Info().
			Str("assertion", res.Name).
			Bool("passed", res.Passed).
			Int64("violations", n).
			Msg("Assertion evaluated")
	}

	if !report.Passed() {
		log.Warn().Str("detail", report.Failures()).Msg("Assertions failed, previous partition kept")
		return report, failure.New(failure.AssertionFailure, "Validate", report.Failures())
	}

	if m.Gated() {
		if err := v.wh.CopyPartition(ctx, candidate, m.Table, date); err != nil {
			return report, fmt.Errorf("Validate: publish %s: %w", m.Table, err)
		}
		report.Published = true
		log.Info().Str("table", m.Table.String()).Msg("Published validated partition")
	}

	return report, nil
}

// Describe renders a violation count, e.g. "2 duplicate transaction_id".
func Describe(a domain.Assertion, n int64) string {
	switch a.Type {
	case domain.AssertUnique:
		return fmt.Sprintf("%d duplicate %s", n, a.Column)
	case domain.AssertNotNull:
		return fmt.Sprintf("%d null %s", n, a.Column)
	case domain.AssertNonNegative:
		return fmt.Sprintf("%d negative %s", n, a.Column)
	case domain.AssertAcceptedValues:
		return fmt.Sprintf("%d unaccepted %s", n, a.Column)
	default:
		return fmt.Sprintf("%d rows violate %s", n, a.DefaultName())
	}
}
