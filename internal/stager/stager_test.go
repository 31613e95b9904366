package stager

import (
	"context"
	"errors"
	"testing"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/objectstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testDate = civil.Date{Year: 2024, Month: 3, Day: 1}

func payload(ids ...string) *domain.Payload {
	p := &domain.Payload{Source: "transactions", LogicalDate: testDate}
	for _, id := range ids {
		p.Records = append(p.Records, domain.Record{"transaction_id": id})
	}
	return p
}

func TestKeyEmbedsDate(t *testing.T) {
	assert.Equal(t, "transactions/2024-03-01.json", Key("transactions", testDate))
	assert.NotEqual(t, Key("transactions", testDate), Key("transactions", testDate.AddDays(1)))
}

func TestStageIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore("staging")
	s := New(store)

	first, err := s.Stage(ctx, payload("t1", "t2"))
	require.NoError(t, err)
	assert.True(t, first.Created)
	assert.Equal(t, "mem://staging/transactions/2024-03-01.json", first.URI)
	assert.Equal(t, 2, first.Records)

	second, err := s.Stage(ctx, payload("t1", "t2"))
	require.NoError(t, err)
	assert.False(t, second.Created)
	assert.Equal(t, first.SHA256, second.SHA256)

	assert.Equal(t, 1, store.Writes(first.Key))
	assert.Equal(t, 1, store.Len())

	data, err := s.Read(ctx, second)
	require.NoError(t, err)
	assert.Equal(t, first.Size, int64(len(data)))
}

func TestStageOverwritesChangedContent(t *testing.T) {
	ctx := context.Background()
	store := objectstore.NewMemoryStore("staging")
	s := New(store)

	first, err := s.Stage(ctx, payload("t1"))
	require.NoError(t, err)
	second, err := s.Stage(ctx, payload("t1", "t2"))
	require.NoError(t, err)

	assert.True(t, second.Created)
	assert.NotEqual(t, first.SHA256, second.SHA256)
	assert.Equal(t, 2, store.Writes(first.Key))
	assert.Equal(t, 1, store.Len())
}

func TestStageFailureLeavesNoObject(t *testing.T) {
	store := objectstore.NewMemoryStore("staging")
	store.FailNext = failure.Wrap(failure.StorageUnavailable, "Put", errors.New("503"))
	s := New(store)

	_, err := s.Stage(context.Background(), payload("t1"))
	require.Error(t, err)
	assert.Equal(t, failure.StorageUnavailable, failure.KindOf(err))
	assert.Equal(t, 0, store.Len())
}

func TestStageEmptyPayload(t *testing.T) {
	s := New(objectstore.NewMemoryStore("staging"))

	a, err := s.Stage(context.Background(), payload())
	require.NoError(t, err)
	assert.Equal(t, 0, a.Records)
	assert.Equal(t, int64(0), a.Size)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	s := New(objectstore.NewMemoryStore("staging"))

	_, err := s.Lookup(ctx, "transactions", testDate)
	require.Error(t, err)
	assert.ErrorIs(t, err, objectstore.ErrNotFound)

	staged, err := s.Stage(ctx, payload("t1"))
	require.NoError(t, err)

	found, err := s.Lookup(ctx, "transactions", testDate)
	require.NoError(t, err)
	assert.Equal(t, staged.SHA256, found.SHA256)
	assert.Equal(t, staged.URI, found.URI)

	data, err := s.Read(ctx, found)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"transaction_id":"t1"`)
}
