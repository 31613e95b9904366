package bigquery

import (
	"fmt"
	"regexp"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/finance-elt/internal/domain"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// violationQuery builds a single-value query counting rows that violate the
// assertion within the @logical_date partition of table.
func violationQuery(table string, a domain.Assertion) (string, []bigquery.QueryParameter, error) {
	if a.Type != domain.AssertExpression && !identPattern.MatchString(a.Column) {
		return "", nil, fmt.Errorf("invalid column name %q", a.Column)
	}

	partition := fmt.Sprintf("%s = @logical_date", domain.LogicalDateField)
	col := "`" + a.Column + "`"

	switch a.Type {
	case domain.AssertUnique:
		return fmt.Sprintf(
			"SELECT COALESCE(SUM(n), 0) FROM (SELECT COUNT(*) AS n FROM %s WHERE %s AND %s IS NOT NULL GROUP BY %s HAVING COUNT(*) > 1)",
			table, partition, col, col), nil, nil
	case domain.AssertNotNull:
		return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s AND %s IS NULL", table, partition, col), nil, nil
	case domain.AssertNonNegative:
		return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s AND %s < 0", table, partition, col), nil, nil
	case domain.AssertAcceptedValues:
		sql := fmt.Sprintf(
			"SELECT COUNT(*) FROM %s WHERE %s AND %s IS NOT NULL AND CAST(%s AS STRING) NOT IN UNNEST(@accepted_values)",
			table, partition, col, col)
		return sql, []bigquery.QueryParameter{{Name: "accepted_values", Value: a.Values}}, nil
	case domain.AssertExpression:
		if a.Expression == "" {
			return "", nil, fmt.Errorf("empty expression")
		}
		return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s AND NOT COALESCE((%s), FALSE)", table, partition, a.Expression), nil, nil
	default:
		return "", nil, fmt.Errorf("unsupported assertion type %q", a.Type)
	}
}
