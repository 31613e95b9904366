package domain

import (
	"fmt"
	"strings"

	"cloud.google.com/go/civil"
)

// DateLayout is the wire format of logical dates.
const DateLayout = "2006-01-02"

// ParseLogicalDate parses a YYYY-MM-DD string.
func ParseLogicalDate(s string) (civil.Date, error) {
	d, err := civil.ParseDate(strings.TrimSpace(s))
	if err != nil {
		return civil.Date{}, fmt.Errorf("invalid logical date %q, expected YYYY-MM-DD: %w", s, err)
	}
	return d, nil
}

// PartitionID renders a logical date as a daily partition id (YYYYMMDD).
func PartitionID(d civil.Date) string {
	return fmt.Sprintf("%04d%02d%02d", d.Year, int(d.Month), d.Day)
}

// TableRef names a warehouse table.
type TableRef struct {
	Project string `json:"project,omitempty"`
	Dataset string `json:"dataset"`
	Table   string `json:"table"`
}

// String returns the fully qualified name, e.g. "proj.finance.raw_transactions".
func (t TableRef) String() string {
	if t.Project == "" {
		return t.Dataset + "." + t.Table
	}
	return t.Project + "." + t.Dataset + "." + t.Table
}

// Candidate returns the table a model is written to before its assertions pass.
func (t TableRef) Candidate() TableRef {
	t.Table = t.Table + "__candidate"
	return t
}

// LoadMode controls how a load treats existing partition contents.
type LoadMode string

const (
	LoadReplace LoadMode = "REPLACE"
	LoadAppend  LoadMode = "APPEND"
)

// ParseLoadMode accepts REPLACE or APPEND in any case. Empty means REPLACE.
func ParseLoadMode(s string) (LoadMode, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", string(LoadReplace):
		return LoadReplace, nil
	case string(LoadAppend):
		return LoadAppend, nil
	default:
		return "", fmt.Errorf("unsupported load mode %q", s)
	}
}

// FieldType is a column type in a declared table schema.
type FieldType string

const (
	FieldString    FieldType = "STRING"
	FieldInteger   FieldType = "INTEGER"
	FieldNumeric   FieldType = "NUMERIC"
	FieldFloat     FieldType = "FLOAT"
	FieldBoolean   FieldType = "BOOLEAN"
	FieldDate      FieldType = "DATE"
	FieldTimestamp FieldType = "TIMESTAMP"
)

// Field is one column of a declared schema.
type Field struct {
	Name     string    `yaml:"name" json:"name"`
	Type     FieldType `yaml:"type" json:"type"`
	Required bool      `yaml:"required" json:"required"`
}

// Schema is an ordered list of fields.
type Schema []Field

// Lookup returns the field with the given name.
func (s Schema) Lookup(name string) (Field, bool) {
	for _, f := range s {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}
