package pipeline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/extract"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/objectstore"
	"github.com/dvloznov/finance-elt/internal/scheduler"
	"github.com/dvloznov/finance-elt/internal/statestore/memory"
	"github.com/dvloznov/finance-elt/internal/warehouse/memwh"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var runDate = civil.Date{Year: 2024, Month: 3, Day: 1}

func txn(id, account string, amount float64, merchant, status, at string, balance float64) map[string]any {
	r := map[string]any{
		"transaction_id": id,
		"account_id":     account,
		"amount":         amount,
		"currency":       "gbp",
		"booked_at":      at,
		"status":         status,
		"balance_after":  balance,
	}
	if merchant != "" {
		r["merchant"] = merchant
		r["category"] = "shopping"
	}
	return r
}

func fixture() []map[string]any {
	return []map[string]any{
		txn("t1", "acc-1", -12.5, "Tesco", "booked", "2024-03-01T09:00:00Z", 987.5),
		txn("t2", "acc-1", -40, "Shell", "booked", "2024-03-01T12:00:00Z", 947.5),
		txn("t3", "acc-1", 2000, "", "booked", "2024-03-01T15:00:00Z", 2947.5),
		txn("t4", "acc-2", -5, "Tesco", "pending", "2024-03-01T10:00:00Z", 95),
	}
}

// api serves transaction records and can fail a number of requests first.
type api struct {
	mu       sync.Mutex
	records  []map[string]any
	failNext int
	requests int32
}

func (a *api) set(records []map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records = records
}

func (a *api) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	atomic.AddInt32(&a.requests, 1)
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failNext > 0 {
		a.failNext--
		http.Error(w, "upstream overloaded", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"transactions": a.records})
}

type harness struct {
	api   *api
	store *objectstore.MemoryStore
	wh    *memwh.Warehouse
	state *memory.Store
	pipe  *Pipeline
	sched *scheduler.Scheduler
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{
		api:   &api{records: fixture()},
		store: objectstore.NewMemoryStore("staging"),
		wh:    memwh.New(),
		state: memory.NewStore(),
	}
	server := httptest.NewServer(h.api)
	t.Cleanup(server.Close)

	client, err := extract.NewClient(extract.Options{Endpoint: server.URL, Token: "secret"})
	require.NoError(t, err)

	def, err := Default()
	require.NoError(t, err)
	fast := scheduler.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, Multiplier: 1}
	def.Retry = map[StepKind]scheduler.RetryPolicy{
		KindExtract: fast, KindStage: fast, KindLoad: fast, KindTransform: fast, KindValidate: fast,
	}

	RegisterLocalModels(h.wh)
	h.pipe, err = Build(def, Backends{Fetcher: client, Store: h.store, Warehouse: h.wh, Project: "proj", Dataset: "finance"})
	require.NoError(t, err)

	h.sched = scheduler.New(h.state, scheduler.NewExecutor(h.state, 4), h.pipe.Graph, nil, scheduler.Options{})
	return h
}

func (h *harness) run(t *testing.T) *domain.RunDetail {
	t.Helper()
	_, err := h.sched.Trigger(context.Background(), runDate, domain.TriggerManual)
	require.NoError(t, err)
	detail, err := h.sched.Status(context.Background(), runDate)
	require.NoError(t, err)
	return detail
}

func (h *harness) table(name string) domain.TableRef {
	return domain.TableRef{Project: "proj", Dataset: "finance", Table: name}
}

func stepByName(d *domain.RunDetail, name string) *domain.StepExecution {
	for _, s := range d.Steps {
		if s.StepName == name {
			return s
		}
	}
	return nil
}

func TestPipelineRunSucceeds(t *testing.T) {
	h := newHarness(t)
	d := h.run(t)

	assert.Equal(t, domain.RunSucceeded, d.Run.Status)
	assert.Len(t, d.Steps, 10)
	for _, s := range d.Steps {
		assert.Equal(t, domain.StepSucceeded, s.Status, s.StepName)
	}

	raw, ok := h.wh.Partition(h.table("raw_transactions"), runDate)
	require.True(t, ok)
	assert.Len(t, raw, 4)

	spend, ok := h.wh.Partition(h.table("mart_daily_spend"), runDate)
	require.True(t, ok)
	require.Len(t, spend, 2)
	assert.Equal(t, "acc-1", spend[0]["account_id"])
	assert.Equal(t, 52.5, spend[0]["spend"])
	assert.Equal(t, 2000.0, spend[0]["income"])

	balances, _ := h.wh.Partition(h.table("mart_balances"), runDate)
	require.Len(t, balances, 1)
	assert.Equal(t, 2947.5, balances[0]["closing_balance"])

	merchants, _ := h.wh.Partition(h.table("mart_merchant_spend"), runDate)
	require.Len(t, merchants, 2)
	assert.Equal(t, "Shell", merchants[0]["merchant"])
	assert.Equal(t, int64(1), merchants[0]["spend_rank"])

	validate := stepByName(d, "validate_stg_transactions")
	require.NotNil(t, validate)
	assert.Len(t, validate.Assertions, 4)
	for _, a := range validate.Assertions {
		assert.True(t, a.Passed, a.Name)
	}
}

func TestPipelineStepsStartAfterUpstreams(t *testing.T) {
	h := newHarness(t)
	d := h.run(t)

	for _, s := range d.Steps {
		node, ok := h.pipe.Graph.Node(s.StepName)
		require.True(t, ok)
		for _, up := range node.Upstream {
			upstream := stepByName(d, up)
			require.NotNil(t, upstream.EndedAt)
			require.NotNil(t, s.StartedAt)
			assert.False(t, s.StartedAt.Before(*upstream.EndedAt), "%s started before %s ended", s.StepName, up)
		}
	}
}

func TestPipelineDuplicateTransactionIsIsolated(t *testing.T) {
	h := newHarness(t)

	// A good run publishes stg_transactions first.
	require.Equal(t, domain.RunSucceeded, h.run(t).Run.Status)
	published, _ := h.wh.Partition(h.table("stg_transactions"), runDate)

	records := fixture()
	records = append(records, txn("t1", "acc-1", -12.5, "Tesco", "booked", "2024-03-01T09:00:00Z", 987.5))
	h.api.set(records)

	d := h.run(t)
	assert.Equal(t, domain.RunPartiallySucceeded, d.Run.Status)
	assert.Equal(t, "validate_stg_transactions", d.Run.FailedStep)
	assert.Equal(t, string(failure.AssertionFailure), d.Run.ErrorKind)
	assert.Equal(t, "2 duplicate transaction_id", d.Run.ErrorDetail)

	for _, name := range []string{"mart_daily_spend", "mart_balances"} {
		s := stepByName(d, name)
		assert.Equal(t, domain.StepSkipped, s.Status, name)
		assert.Equal(t, string(failure.UpstreamInvalid), s.ErrorKind, name)
	}
	assert.Equal(t, domain.StepSucceeded, stepByName(d, "mart_merchant_spend").Status)

	validate := stepByName(d, "validate_stg_transactions")
	assert.Equal(t, 1, validate.Attempts)
	assert.False(t, validate.Assertions[0].Passed)
	assert.Equal(t, int64(2), validate.Assertions[0].Violations)

	// The previous valid partition is still what consumers see.
	after, _ := h.wh.Partition(h.table("stg_transactions"), runDate)
	assert.Equal(t, published, after)
	candidate, _ := h.wh.Partition(h.table("stg_transactions__candidate"), runDate)
	assert.Len(t, candidate, 5)
}

func TestPipelineEmptyRecordSetSucceeds(t *testing.T) {
	h := newHarness(t)
	h.api.set([]map[string]any{})

	d := h.run(t)
	assert.Equal(t, domain.RunSucceeded, d.Run.Status)

	raw, ok := h.wh.Partition(h.table("raw_transactions"), runDate)
	assert.True(t, ok)
	assert.Empty(t, raw)

	staged, err := h.store.Get(context.Background(), "transactions/2024-03-01.json")
	require.NoError(t, err)
	assert.Empty(t, staged)
}

func TestPipelineRetriesTransientExtractFailures(t *testing.T) {
	h := newHarness(t)
	h.api.failNext = 2

	d := h.run(t)
	assert.Equal(t, domain.RunSucceeded, d.Run.Status)

	extract := stepByName(d, "extract_transactions")
	assert.Equal(t, domain.StepSucceeded, extract.Status)
	assert.Equal(t, 3, extract.Attempts)
	assert.Equal(t, int32(3), atomic.LoadInt32(&h.api.requests))
}

func TestPipelineRerunIsIdempotent(t *testing.T) {
	h := newHarness(t)
	require.Equal(t, domain.RunSucceeded, h.run(t).Run.Status)
	before := h.wh.Snapshot()

	run, err := h.sched.Rerun(context.Background(), runDate)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, 2, run.Attempt)

	assert.Equal(t, before, h.wh.Snapshot())
	assert.Equal(t, 1, h.store.Writes("transactions/2024-03-01.json"))
	assert.Equal(t, 1, h.store.Len())
}

func TestPipelineRetryLoadsStagedArtifact(t *testing.T) {
	h := newHarness(t)
	h.wh.Inject("Load", failure.New(failure.SchemaMismatch, "Load", "column amount: NUMERIC expected"))

	first := h.run(t)
	assert.Equal(t, domain.RunFailed, first.Run.Status)
	assert.Equal(t, "load_raw_transactions", first.Run.FailedStep)
	requests := atomic.LoadInt32(&h.api.requests)

	run, err := h.sched.Retry(context.Background(), runDate)
	require.NoError(t, err)
	assert.Equal(t, domain.RunSucceeded, run.Status)
	assert.Equal(t, requests, atomic.LoadInt32(&h.api.requests), "extract is carried over")

	raw, _ := h.wh.Partition(h.table("raw_transactions"), runDate)
	assert.Len(t, raw, 4)
}

func TestPipelineSchemaMismatchFailsLoad(t *testing.T) {
	h := newHarness(t)
	records := fixture()
	records[0]["amount"] = "twelve"
	h.api.set(records)

	d := h.run(t)
	assert.Equal(t, domain.RunFailed, d.Run.Status)
	assert.Equal(t, "load_raw_transactions", d.Run.FailedStep)
	assert.Equal(t, string(failure.SchemaMismatch), d.Run.ErrorKind)
	assert.Equal(t, 1, stepByName(d, "load_raw_transactions").Attempts)

	_, ok := h.wh.Partition(h.table("raw_transactions"), runDate)
	assert.False(t, ok)
}
