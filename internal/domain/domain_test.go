package domain

import (
	"encoding/json"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLogicalDate(t *testing.T) {
	d, err := ParseLogicalDate(" 2024-03-01 ")
	require.NoError(t, err)
	assert.Equal(t, civil.Date{Year: 2024, Month: 3, Day: 1}, d)
	assert.Equal(t, "20240301", PartitionID(d))

	_, err = ParseLogicalDate("03/01/2024")
	assert.Error(t, err)
}

func TestTableRef(t *testing.T) {
	ref := TableRef{Project: "proj", Dataset: "finance", Table: "stg_transactions"}

	assert.Equal(t, "proj.finance.stg_transactions", ref.String())
	assert.Equal(t, "proj.finance.stg_transactions__candidate", ref.Candidate().String())
	assert.Equal(t, "finance.raw", TableRef{Dataset: "finance", Table: "raw"}.String())
}

func TestParseLoadMode(t *testing.T) {
	tests := []struct {
		in      string
		want    LoadMode
		wantErr bool
	}{
		{"", LoadReplace, false},
		{"replace", LoadReplace, false},
		{"APPEND", LoadAppend, false},
		{"merge", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLoadMode(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAssertionValidate(t *testing.T) {
	assert.NoError(t, Assertion{Type: AssertUnique, Column: "transaction_id"}.Validate())
	assert.Error(t, Assertion{Type: AssertNotNull}.Validate())
	assert.Error(t, Assertion{Type: AssertAcceptedValues, Column: "currency"}.Validate())
	assert.Error(t, Assertion{Type: AssertExpression}.Validate())
	assert.Error(t, Assertion{Type: "between", Column: "amount"}.Validate())

	assert.Equal(t, "transaction_id_unique", Assertion{Type: AssertUnique, Column: "transaction_id"}.DefaultName())
	assert.Equal(t, "custom", Assertion{Name: "custom", Type: AssertUnique}.DefaultName())
}

func TestStatusTerminal(t *testing.T) {
	assert.False(t, RunRunning.Terminal())
	assert.True(t, RunPartiallySucceeded.Terminal())
	assert.False(t, StepQueued.Terminal())
	assert.True(t, StepSkipped.Terminal())
}

func TestPayloadNDJSONIsDeterministic(t *testing.T) {
	date := civil.Date{Year: 2024, Month: 3, Day: 1}
	p := &Payload{
		Source:      "transactions",
		LogicalDate: date,
		Records: []Record{
			{"transaction_id": "t1", "amount": json.Number("12.50"), "currency": "GBP"},
			{"currency": "EUR", "transaction_id": "t2", "amount": json.Number("3")},
		},
	}

	first, err := p.NDJSON()
	require.NoError(t, err)
	second, err := p.NDJSON()
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t,
		`{"amount":12.50,"currency":"GBP","logical_date":"2024-03-01","transaction_id":"t1"}`+"\n"+
			`{"amount":3,"currency":"EUR","logical_date":"2024-03-01","transaction_id":"t2"}`+"\n",
		string(first))
	assert.NotContains(t, p.Records[0], LogicalDateField)
}

func TestPayloadNDJSONEmpty(t *testing.T) {
	p := &Payload{Source: "transactions"}
	out, err := p.NDJSON()
	require.NoError(t, err)
	assert.Empty(t, out)
}
