// Package memwh is an in-memory Warehouse for tests and local runs.
// Models are Go functions registered by name instead of SQL.
package memwh

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/finance-elt/internal/domain"
	"github.com/dvloznov/finance-elt/internal/failure"
	"github.com/dvloznov/finance-elt/internal/warehouse"
)

// Row is one table row.
type Row map[string]any

// Inputs gives a model read access to the partitions of the tables it refs.
type Inputs interface {
	Rows(ref string) ([]Row, error)
}

// ModelFunc computes a model's output rows for a logical date.
type ModelFunc func(ctx context.Context, in Inputs, date civil.Date) ([]Row, error)

type table map[civil.Date][]Row

// Warehouse holds partitioned tables in memory. It is safe for concurrent use.
type Warehouse struct {
	mu     sync.RWMutex
	tables map[string]table
	models map[string]ModelFunc

	faultsMu sync.Mutex
	faults   map[string][]error
}

// New creates an empty warehouse.
func New() *Warehouse {
	return &Warehouse{
		tables: make(map[string]table),
		models: make(map[string]ModelFunc),
		faults: make(map[string][]error),
	}
}

// RegisterModel binds a model name to its implementation.
func (w *Warehouse) RegisterModel(name string, fn ModelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.models[name] = fn
}

// Inject queues errors returned by the next calls of op ("Load", "Materialize",
// "CopyPartition", "CountViolations"), one per call.
func (w *Warehouse) Inject(op string, errs ...error) {
	w.faultsMu.Lock()
	defer w.faultsMu.Unlock()
	w.faults[op] = append(w.faults[op], errs...)
}

func (w *Warehouse) fault(op string) error {
	w.faultsMu.Lock()
	defer w.faultsMu.Unlock()
	queued := w.faults[op]
	if len(queued) == 0 {
		return nil
	}
	w.faults[op] = queued[1:]
	return queued[0]
}

// Load parses NDJSON and writes the rows to the table partition.
func (w *Warehouse) Load(ctx context.Context, req warehouse.LoadRequest) (*warehouse.LoadResult, error) {
	if err := w.fault("Load"); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, failure.Wrap(failure.LoadTimeout, "Load", err)
	}

	rows, err := decodeNDJSON(req.Data)
	if err != nil {
		return nil, failure.Wrap(failure.SchemaMismatch, "Load", err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	t := w.tableLocked(req.Table)
	if req.Mode == domain.LoadAppend {
		merged := make([]Row, 0, len(t[req.Date])+len(rows))
		merged = append(merged, t[req.Date]...)
		merged = append(merged, rows...)
		rows = merged
	}
	t[req.Date] = rows

	return &warehouse.LoadResult{Rows: int64(len(rows))}, nil
}

// Materialize runs the registered model and replaces the destination partition.
func (w *Warehouse) Materialize(ctx context.Context, req warehouse.MaterializeRequest) (*warehouse.MaterializeResult, error) {
	if err := w.fault("Materialize"); err != nil {
		return nil, err
	}

	w.mu.RLock()
	fn, ok := w.models[req.Model]
	w.mu.RUnlock()
	if !ok {
		return nil, failure.Newf(failure.ExecutionError, "Materialize", "no implementation registered for model %q", req.Model)
	}

	rows, err := fn(ctx, &inputs{w: w, refs: req.Refs, date: req.Date}, req.Date)
	if err != nil {
		if failure.KindOf(err) == failure.Internal {
			return nil, failure.Wrap(failure.ExecutionError, "Materialize", err)
		}
		return nil, err
	}

	out := make([]Row, len(rows))
	for i, r := range rows {
		c := copyRow(r)
		c[domain.LogicalDateField] = req.Date.String()
		out[i] = c
	}

	w.mu.Lock()
	w.tableLocked(req.Dest)[req.Date] = out
	w.mu.Unlock()

	return &warehouse.MaterializeResult{Rows: int64(len(out))}, nil
}

// CopyPartition replaces dst's partition with src's.
func (w *Warehouse) CopyPartition(ctx context.Context, src, dst domain.TableRef, date civil.Date) error {
	if err := w.fault("CopyPartition"); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	rows, ok := w.tables[src.String()][date]
	if !ok {
		return failure.Newf(failure.ExecutionError, "CopyPartition", "partition %s$%s not found", src, domain.PartitionID(date))
	}
	copied := make([]Row, len(rows))
	for i, r := range rows {
		copied[i] = copyRow(r)
	}
	w.tableLocked(dst)[date] = copied
	return nil
}

// CountViolations evaluates column assertions natively. Expression assertions
// need a SQL engine and are rejected.
func (w *Warehouse) CountViolations(ctx context.Context, check warehouse.Check) (int64, error) {
	if err := w.fault("CountViolations"); err != nil {
		return 0, err
	}

	rows, _ := w.Partition(check.Table, check.Date)
	a := check.Assertion

	var n int64
	switch a.Type {
	case domain.AssertUnique:
		counts := map[string]int64{}
		for _, r := range rows {
			if v, ok := r[a.Column]; ok && v != nil {
				counts[uniqueKey(v)]++
			}
		}
		for _, c := range counts {
			if c > 1 {
				n += c
			}
		}
	case domain.AssertNotNull:
		for _, r := range rows {
			if v, ok := r[a.Column]; !ok || v == nil {
				n++
			}
		}
	case domain.AssertNonNegative:
		for _, r := range rows {
			if f, ok := Float(r[a.Column]); ok && f < 0 {
				n++
			}
		}
	case domain.AssertAcceptedValues:
		accepted := map[string]bool{}
		for _, v := range a.Values {
			accepted[v] = true
		}
		for _, r := range rows {
			if v, ok := r[a.Column]; ok && v != nil && !accepted[fmt.Sprint(v)] {
				n++
			}
		}
	default:
		return 0, failure.Newf(failure.ExecutionError, "CountViolations", "assertion type %q is not supported in memory", a.Type)
	}
	return n, nil
}

// Partition returns a copy of a table partition.
func (w *Warehouse) Partition(ref domain.TableRef, date civil.Date) ([]Row, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	rows, ok := w.tables[ref.String()][date]
	if !ok {
		return nil, false
	}
	out := make([]Row, len(rows))
	for i, r := range rows {
		out[i] = copyRow(r)
	}
	return out, true
}

// Snapshot returns a deep copy of every table keyed by "table$YYYYMMDD".
func (w *Warehouse) Snapshot() map[string][]Row {
	w.mu.RLock()
	defer w.mu.RUnlock()

	out := map[string][]Row{}
	for name, t := range w.tables {
		for date, rows := range t {
			copied := make([]Row, len(rows))
			for i, r := range rows {
				copied[i] = copyRow(r)
			}
			out[name+"$"+domain.PartitionID(date)] = copied
		}
	}
	return out
}

// Tables lists table names in sorted order.
func (w *Warehouse) Tables() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.tables))
	for name := range w.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (w *Warehouse) tableLocked(ref domain.TableRef) table {
	t, ok := w.tables[ref.String()]
	if !ok {
		t = table{}
		w.tables[ref.String()] = t
	}
	return t
}

type inputs struct {
	w    *Warehouse
	refs map[string]domain.TableRef
	date civil.Date
}

func (in *inputs) Rows(ref string) ([]Row, error) {
	t, ok := in.refs[ref]
	if !ok {
		return nil, failure.Newf(failure.ExecutionError, "Materialize", "model does not ref %q", ref)
	}
	rows, _ := in.w.Partition(t, in.date)
	return rows, nil
}

func decodeNDJSON(data []byte) ([]Row, error) {
	rows := []Row{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	for dec.More() {
		var r Row
		if err := dec.Decode(&r); err != nil {
			return nil, fmt.Errorf("decode row %d: %w", len(rows), err)
		}
		rows = append(rows, r)
	}
	return rows, nil
}

func copyRow(r Row) Row {
	c := make(Row, len(r))
	for k, v := range r {
		c[k] = v
	}
	return c
}

// Float converts numeric row values, including json.Number, to float64.
func Float(v any) (float64, bool) {
	switch x := v.(type) {
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case float64:
		return x, true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// uniqueKey identifies a value for uniqueness checks. Numbers compare by
// value whatever their Go type, and never equal a string.
func uniqueKey(v any) string {
	switch x := v.(type) {
	case string:
		return "s:" + x
	case json.Number, float64, int, int64:
		if f, ok := Float(x); ok {
			return "n:" + strconv.FormatFloat(f, 'g', -1, 64)
		}
	}
	return fmt.Sprintf("%T:%v", v, v)
}

var _ warehouse.Warehouse = (*Warehouse)(nil)
