package quality

import (
	"context"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/transform"
	"github.com/dvloznov/finance-elt/internal/warehouse"
	"github.com/dvloznov/finance-elt/internal/warehouse/memwh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDate = civil.Date{Year: 2024, Month: 3, Day: 1}
	stg      = &transform.Model{
		Name:  "stg_transactions",
		Table: domain.TableRef{Dataset: "finance", Table: "stg_transactions"},
		Assertions: []domain.Assertion{
			{Type: domain.AssertUnique, Column: "transaction_id"},
			{Type: domain.AssertNotNull, Column: "amount"},
		},
	}
)

func load(t *testing.T, wh *memwh.Warehouse, ref domain.TableRef, ndjson string) {
	t.Helper()
	_, err := wh.Load(context.Background(), warehouse.LoadRequest{Data: []byte(ndjson), Table: ref, Date: testDate})
	require.NoError(t, err)
}

func TestValidatePublishesOnPass(t *testing.T) {
	wh := memwh.New()
	load(t, wh, stg.Destination(), `{"transaction_id":"t1","amount":1}
{"transaction_id":"t2","amount":2}
`)

	report, err := NewValidator(wh).Validate(context.Background(), stg, testDate)
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.True(t, report.Published)
	assert.Len(t, report.Results, 2)

	rows, ok := wh.Partition(stg.Table, testDate)
	require.True(t, ok)
	assert.Len(t, rows, 2)
}

func TestValidateWithholdsOnFailure(t *testing.T) {
	wh := memwh.New()
	load(t, wh, stg.Table, `{"transaction_id":"old","amount":1}
`)
	load(t, wh, stg.Destination(), `{"transaction_id":"t1","amount":1}
{"transaction_id":"t1","amount":2}
`)

	report, err := NewValidator(wh).Validate(context.Background(), stg, testDate)
	require.Error(t, err)
	assert.Equal(t, failure.AssertionFailure, failure.KindOf(err))
	assert.Equal(t, "2 duplicate transaction_id", failure.DetailOf(err))
	assert.False(t, report.Published)
	assert.False(t, report.Results[0].Passed)
	assert.True(t, report.Results[1].Passed)

	rows, ok := wh.Partition(stg.Table, testDate)
	require.True(t, ok)
	require.Len(t, rows, 1)
	assert.Equal(t, "old", rows[0]["transaction_id"])
}

func TestValidateEmptyPartitionPasses(t *testing.T) {
	wh := memwh.New()
	load(t, wh, stg.Destination(), "")

	report, err := NewValidator(wh).Validate(context.Background(), stg, testDate)
	require.NoError(t, err)
	assert.True(t, report.Published)

	rows, ok := wh.Partition(stg.Table, testDate)
	assert.True(t, ok)
	assert.Empty(t, rows)
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "3 null amount", Describe(domain.Assertion{Type: domain.AssertNotNull, Column: "amount"}, 3))
	assert.Equal(t, "1 negative balance", Describe(domain.Assertion{Type: domain.AssertNonNegative, Column: "balance"}, 1))
	assert.Equal(t, "4 rows violate positive", Describe(domain.Assertion{Name: "positive", Type: domain.AssertExpression}, 4))
}
