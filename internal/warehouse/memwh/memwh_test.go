package memwh

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/warehouse"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testDate = civil.Date{Year: 2024, Month: 3, Day: 1}
	raw      = domain.TableRef{Dataset: "finance", Table: "raw_transactions"}
)

func ndjson(version string, n int) []byte {
	var sb strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&sb, `{"transaction_id":"t%d","version":%q}`+"\n", i, version)
	}
	return []byte(sb.String())
}

func TestLoadReplaceAndAppend(t *testing.T) {
	ctx := context.Background()
	w := New()

	_, err := w.Load(ctx, warehouse.LoadRequest{Data: ndjson("a", 3), Table: raw, Date: testDate, Mode: domain.LoadReplace})
	require.NoError(t, err)

	res, err := w.Load(ctx, warehouse.LoadRequest{Data: ndjson("b", 2), Table: raw, Date: testDate, Mode: domain.LoadReplace})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Rows)

	res, err = w.Load(ctx, warehouse.LoadRequest{Data: ndjson("c", 2), Table: raw, Date: testDate, Mode: domain.LoadAppend})
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Rows)

	other := testDate.AddDays(1)
	_, err = w.Load(ctx, warehouse.LoadRequest{Data: ndjson("d", 1), Table: raw, Date: other})
	require.NoError(t, err)

	rows, ok := w.Partition(raw, testDate)
	require.True(t, ok)
	assert.Len(t, rows, 4)
}

func TestLoadEmptyCreatesPartition(t *testing.T) {
	w := New()

	res, err := w.Load(context.Background(), warehouse.LoadRequest{Table: raw, Date: testDate})
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Rows)

	rows, ok := w.Partition(raw, testDate)
	assert.True(t, ok)
	assert.Empty(t, rows)
}

func TestReplaceIsAtomicForReaders(t *testing.T) {
	ctx := context.Background()
	w := New()
	const n = 500

	_, err := w.Load(ctx, warehouse.LoadRequest{Data: ndjson("v0", n), Table: raw, Date: testDate})
	require.NoError(t, err)

	stop := make(chan struct{})
	var readers sync.WaitGroup
	var mixed, partial int64
	var mu sync.Mutex

	for i := 0; i < 4; i++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				rows, _ := w.Partition(raw, testDate)
				versions := map[any]bool{}
				for _, r := range rows {
					versions[r["version"]] = true
				}
				mu.Lock()
				if len(rows) != n {
					partial++
				}
				if len(versions) > 1 {
					mixed++
				}
				mu.Unlock()
			}
		}()
	}

	for v := 1; v <= 50; v++ {
		_, err := w.Load(ctx, warehouse.LoadRequest{Data: ndjson(fmt.Sprintf("v%d", v), n), Table: raw, Date: testDate})
		require.NoError(t, err)
	}
	close(stop)
	readers.Wait()

	assert.Zero(t, partial)
	assert.Zero(t, mixed)
}

func TestMaterializeAndCopy(t *testing.T) {
	ctx := context.Background()
	w := New()
	_, err := w.Load(ctx, warehouse.LoadRequest{Data: ndjson("a", 3), Table: raw, Date: testDate})
	require.NoError(t, err)

	w.RegisterModel("stg", func(ctx context.Context, in Inputs, date civil.Date) ([]Row, error) {
		rows, err := in.Rows("raw_transactions")
		if err != nil {
			return nil, err
		}
		return rows[:2], nil
	})

	dest := domain.TableRef{Dataset: "finance", Table: "stg"}
	res, err := w.Materialize(ctx, warehouse.MaterializeRequest{
		Model: "stg",
		Date:  testDate,
		Dest:  dest.Candidate(),
		Refs:  map[string]domain.TableRef{"raw_transactions": raw},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Rows)

	_, ok := w.Partition(dest, testDate)
	assert.False(t, ok)

	require.NoError(t, w.CopyPartition(ctx, dest.Candidate(), dest, testDate))
	rows, ok := w.Partition(dest, testDate)
	require.True(t, ok)
	assert.Len(t, rows, 2)
	assert.Equal(t, "2024-03-01", rows[0][domain.LogicalDateField])
}

func TestMaterializeUnknownModel(t *testing.T) {
	_, err := New().Materialize(context.Background(), warehouse.MaterializeRequest{Model: "missing"})
	assert.Equal(t, failure.ExecutionError, failure.KindOf(err))
}

func TestCountViolations(t *testing.T) {
	ctx := context.Background()
	w := New()
	data := []byte(`{"transaction_id":"t1","amount":5,"currency":"GBP"}
{"transaction_id":"t1","amount":-2,"currency":"GBP"}
{"transaction_id":"t2","amount":1,"currency":"XXX"}
{"transaction_id":null,"amount":3,"currency":"EUR"}
`)
	_, err := w.Load(ctx, warehouse.LoadRequest{Data: data, Table: raw, Date: testDate})
	require.NoError(t, err)

	tests := []struct {
		assertion domain.Assertion
		want      int64
	}{
		{domain.Assertion{Type: domain.AssertUnique, Column: "transaction_id"}, 2},
		{domain.Assertion{Type: domain.AssertNotNull, Column: "transaction_id"}, 1},
		{domain.Assertion{Type: domain.AssertNonNegative, Column: "amount"}, 1},
		{domain.Assertion{Type: domain.AssertAcceptedValues, Column: "currency", Values: []string{"GBP", "EUR"}}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.assertion.DefaultName(), func(t *testing.T) {
			n, err := w.CountViolations(ctx, warehouse.Check{Assertion: tt.assertion, Table: raw, Date: testDate})
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}

	_, err = w.CountViolations(ctx, warehouse.Check{Assertion: domain.Assertion{Type: domain.AssertExpression, Expression: "amount < 100"}, Table: raw, Date: testDate})
	assert.Error(t, err)
}

func TestUniqueDistinguishesNumbersFromStrings(t *testing.T) {
	ctx := context.Background()
	w := New()
	data := []byte(`{"ref":1}
{"ref":"1"}
{"ref":"1"}
{"ref":2}
{"ref":2.0}
`)
	_, err := w.Load(ctx, warehouse.LoadRequest{Data: data, Table: raw, Date: testDate})
	require.NoError(t, err)

	n, err := w.CountViolations(ctx, warehouse.Check{
		Assertion: domain.Assertion{Type: domain.AssertUnique, Column: "ref"},
		Table:     raw,
		Date:      testDate,
	})
	require.NoError(t, err)
	// The two "1" strings and the two 2s; the number 1 stands alone.
	assert.Equal(t, int64(4), n)
	assert.NotEqual(t, uniqueKey(1), uniqueKey("1"))
	assert.Equal(t, uniqueKey(int64(3)), uniqueKey(3.0))
}

func TestInjectedFaults(t *testing.T) {
	w := New()
	boom := failure.Wrap(failure.WarehouseUnavailable, "Load", errors.New("backendError"))
	w.Inject("Load", boom)

	_, err := w.Load(context.Background(), warehouse.LoadRequest{Table: raw, Date: testDate})
	assert.ErrorIs(t, err, boom)

	_, err = w.Load(context.Background(), warehouse.LoadRequest{Table: raw, Date: testDate})
	assert.NoError(t, err)
}
