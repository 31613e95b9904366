package loader

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/dvloznov/finance-elt/internal/domain"
)

var integerPattern = regexp.MustCompile(`^-?\d+$`)

// CheckSchema validates every NDJSON line against schema and returns the number
// of records. The partitioning column is always allowed.
func CheckSchema(data []byte, schema domain.Schema) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	n := 0
	for dec.More() {
		var rec map[string]any
		if err := dec.Decode(&rec); err != nil {
			return n, fmt.Errorf("record %d: %w", n+1, err)
		}
		if err := checkRecord(rec, schema); err != nil {
			return n, fmt.Errorf("record %d: %w", n+1, err)
		}
		n++
	}
	return n, nil
}

func checkRecord(rec map[string]any, schema domain.Schema) error {
	for _, f := range schema {
		v, ok := rec[f.Name]
		if !ok || v == nil {
			if f.Required {
				return fmt.Errorf("missing required field %q", f.Name)
			}
			continue
		}
		if err := checkType(f, v); err != nil {
			return err
		}
	}

	for name := range rec {
		if name == domain.LogicalDateField {
			continue
		}
		if _, ok := schema.Lookup(name); !ok {
			return fmt.Errorf("unknown field %q", name)
		}
	}
	return nil
}

func checkType(f domain.Field, v any) error {
	bad := func() error {
		return fmt.Errorf("field %q: %s value %v is not %s", f.Name, jsonKind(v), v, f.Type)
	}

	switch f.Type {
	case domain.FieldString:
		if _, ok := v.(string); !ok {
			return bad()
		}
	case domain.FieldInteger:
		switch x := v.(type) {
		case json.Number:
			if !integerPattern.MatchString(x.String()) {
				return bad()
			}
		case string:
			if !integerPattern.MatchString(x) {
				return bad()
			}
		default:
			return bad()
		}
	case domain.FieldNumeric, domain.FieldFloat:
		switch x := v.(type) {
		case json.Number:
		case string:
			if _, err := json.Number(x).Float64(); err != nil {
				return bad()
			}
		default:
			return bad()
		}
	case domain.FieldBoolean:
		if _, ok := v.(bool); !ok {
			return bad()
		}
	case domain.FieldDate:
		s, ok := v.(string)
		if !ok {
			return bad()
		}
		if _, err := time.Parse(domain.DateLayout, s); err != nil {
			return bad()
		}
	case domain.FieldTimestamp:
		s, ok := v.(string)
		if !ok {
			return bad()
		}
		if !parsesAsTimestamp(s) {
			return bad()
		}
	default:
		return fmt.Errorf("field %q: unsupported type %q", f.Name, f.Type)
	}
	return nil
}

func parsesAsTimestamp(s string) bool {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05", "2006-01-02T15:04:05"} {
		if _, err := time.Parse(layout, strings.TrimSpace(s)); err == nil {
			return true
		}
	}
	return false
}

func jsonKind(v any) string {
	switch v.(type) {
	case string:
		return "string"
	case json.Number:
		return "number"
	case bool:
		return "boolean"
	case map[string]any:
		return "object"
	case []any:
		return "array"
	default:
		return fmt.Sprintf("%T", v)
	}
}
