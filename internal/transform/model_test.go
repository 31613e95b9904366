package transform

import (
	"context"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/warehouse"
	"github.com/dvloznov/finance-elt/internal/warehouse/memwh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDate = civil.Date{Year: 2024, Month: 3, Day: 1}

func table(name string) domain.TableRef {
	return domain.TableRef{Project: "proj", Dataset: "finance", Table: name}
}

func testCatalog(t *testing.T, models ...*Model) *Catalog {
	t.Helper()
	c, err := NewCatalog(map[string]domain.TableRef{"raw_transactions": table("raw_transactions")}, models)
	require.NoError(t, err)
	return c
}

func TestCompileResolvesRefsAndDate(t *testing.T) {
	c := testCatalog(t,
		&Model{
			Name:       "stg_transactions",
			SQL:        `SELECT * FROM {{ ref "raw_transactions" }} WHERE logical_date = @logical_date`,
			Table:      table("stg_transactions"),
			Assertions: []domain.Assertion{{Type: domain.AssertUnique, Column: "transaction_id"}},
		},
		&Model{
			Name:  "mart_daily_spend",
			SQL:   `SELECT '{{ .LogicalDate }}' AS d FROM {{ ref "stg_transactions" }}`,
			Table: table("mart_daily_spend"),
		},
	)

	compiled, err := c.Compile("mart_daily_spend", testDate)
	require.NoError(t, err)
	assert.Equal(t, "SELECT '2024-03-01' AS d FROM `proj.finance.stg_transactions`", compiled.SQL)
	assert.Equal(t, table("stg_transactions"), compiled.Refs["stg_transactions"])

	deps, err := c.Dependencies("mart_daily_spend")
	require.NoError(t, err)
	assert.Equal(t, []string{"stg_transactions"}, deps)

	stg, _ := c.Model("stg_transactions")
	assert.True(t, stg.Gated())
	assert.Equal(t, "stg_transactions__candidate", stg.Destination().Table)
}

func TestCompileDependsOn(t *testing.T) {
	c := testCatalog(t,
		&Model{Name: "a", SQL: "SELECT 1", Table: table("a")},
		&Model{Name: "b", SQL: "SELECT 2", DependsOn: []string{"a"}, Table: table("b")},
	)

	deps, err := c.Dependencies("b")
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, deps)
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		deps []string
	}{
		{"unknown ref", `SELECT * FROM {{ ref "missing" }}`, nil},
		{"malformed template", `SELECT * FROM {{ ref "raw_transactions" `, nil},
		{"unknown field", `SELECT {{ .Nope }}`, nil},
		{"empty", `   `, nil},
		{"unknown depends_on", `SELECT 1`, []string{"missing"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := testCatalog(t, &Model{Name: "m", SQL: tt.sql, DependsOn: tt.deps, Table: table("m")})
			_, err := c.Compile("m", testDate)
			require.Error(t, err)
			assert.Equal(t, failure.CompilationError, failure.KindOf(err))
		})
	}
}

func TestNewCatalogRejectsDuplicates(t *testing.T) {
	_, err := NewCatalog(nil, []*Model{{Name: "a"}, {Name: "a"}})
	assert.Error(t, err)

	_, err = NewCatalog(map[string]domain.TableRef{"a": table("a")}, []*Model{{Name: "a"}})
	assert.Error(t, err)

	_, err = NewCatalog(nil, []*Model{{Name: "a", Assertions: []domain.Assertion{{Type: domain.AssertUnique}}}})
	assert.Error(t, err)
}

func TestMaterializeWritesCandidateForGatedModels(t *testing.T) {
	ctx := context.Background()
	wh := memwh.New()
	_, err := wh.Load(ctx, warehouse.LoadRequest{
		Data:  []byte(`{"transaction_id":"t1"}` + "\n"),
		Table: table("raw_transactions"),
		Date:  testDate,
	})
	require.NoError(t, err)

	wh.RegisterModel("stg_transactions", func(ctx context.Context, in memwh.Inputs, date civil.Date) ([]memwh.Row, error) {
		return in.Rows("raw_transactions")
	})

	c := testCatalog(t, &Model{
		Name:       "stg_transactions",
		SQL:        `SELECT * FROM {{ ref "raw_transactions" }}`,
		Table:      table("stg_transactions"),
		Assertions: []domain.Assertion{{Type: domain.AssertUnique, Column: "transaction_id"}},
	})

	res, err := NewTransformer(c, wh).Materialize(ctx, "stg_transactions", testDate)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Rows)

	_, ok := wh.Partition(table("stg_transactions").Candidate(), testDate)
	assert.True(t, ok)
	_, ok = wh.Partition(table("stg_transactions"), testDate)
	assert.False(t, ok)
}

func TestMaterializeExecutionError(t *testing.T) {
	c := testCatalog(t, &Model{Name: "m", SQL: "SELECT 1", Table: table("m")})

	_, err := NewTransformer(c, memwh.New()).Materialize(context.Background(), "m", testDate)
	assert.Equal(t, failure.ExecutionError, failure.KindOf(err))
}
