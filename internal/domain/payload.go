package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
)

// LogicalDateField is the column injected into every staged record.
const LogicalDateField = "logical_date"

// Record is one decoded upstream record. Numbers are kept as json.Number so
// amounts round-trip without float conversion.
type Record map[string]any

// Payload is the immutable result of one extraction.
type Payload struct {
	Source      string
	LogicalDate civil.Date
	Records     []Record
	FetchedAt   time.Time
}

// NDJSON renders the records one per line with the logical date injected.
// encoding/json sorts map keys, so equal records always yield equal bytes.
// An empty payload renders as zero bytes.
func (p *Payload) NDJSON() ([]byte, error) {
	var buf bytes.Buffer
	date := p.LogicalDate.String()

	for i, rec := range p.Records {
		out := make(map[string]any, len(rec)+1)
		for k, v := range rec {
			out[k] = v
		}
		out[LogicalDateField] = date

		line, err := json.Marshal(out)
		if err != nil {
			return nil, fmt.Errorf("NDJSON: record %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	return buf.Bytes(), nil
}
