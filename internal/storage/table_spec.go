package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"catalogetl/internal/records"
)

// Mode is the table write mode.
type Mode string

const (
	Overwrite Mode = "overwrite"
	Append    Mode = "append"
)

// ColumnType is a backend-neutral column type. Backends map it to DDL.
type ColumnType string

const (
	Text      ColumnType = "text"
	TextArray ColumnType = "text[]"
)

// ColumnSpec is one nullable column.
type ColumnSpec struct {
	Name string
	Type ColumnType
}

// TableSpec describes a table to (re)create and fill.
type TableSpec struct {
	// Name may be schema-qualified ("public.master_table").
	Name    string
	Columns []ColumnSpec
}

// ColumnNames returns column names in order.
func (t TableSpec) ColumnNames() []string {
	out := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		out[i] = c.Name
	}
	return out
}

// Validate checks the spec before any SQL is built.
func (t TableSpec) Validate() error {
	if strings.TrimSpace(t.Name) == "" {
		return fmt.Errorf("table name is empty")
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("table %s: no columns", t.Name)
	}
	seen := map[string]bool{}
	for _, c := range t.Columns {
		if strings.TrimSpace(c.Name) == "" {
			return fmt.Errorf("table %s: empty column name", t.Name)
		}
		key := strings.ToLower(c.Name)
		if seen[key] {
			return fmt.Errorf("table %s: duplicate column %q", t.Name, c.Name)
		}
		seen[key] = true
		switch c.Type {
		case Text, TextArray:
		default:
			return fmt.Errorf("table %s: column %s has unsupported type %q", t.Name, c.Name, c.Type)
		}
	}
	return nil
}

// TableSpecFor maps a relation schema to a table named prefix+rel.Name.
func TableSpecFor(rel records.Relation, prefix string) TableSpec {
	cols := make([]ColumnSpec, len(rel.Schema.Fields))
	for i, f := range rel.Schema.Fields {
		typ := Text
		if f.Type == records.StringList {
			typ = TextArray
		}
		cols[i] = ColumnSpec{Name: f.Name, Type: typ}
	}
	return TableSpec{Name: prefix + rel.Name, Columns: cols}
}

// JSONText converts sequence values to their JSON text for backends without
// an array type. Other values pass through.
func JSONText(v any) (any, error) {
	switch t := v.(type) {
	case []string:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return v, nil
	}
}

// Chunk splits rows into batches that respect both a row limit and a bound
// parameter limit (rows*columns). Non-positive limits are ignored.
func Chunk(rows [][]any, columns, maxRows, maxParams int) [][][]any {
	size := len(rows)
	if maxRows > 0 && maxRows < size {
		size = maxRows
	}
	if maxParams > 0 && columns > 0 && size*columns > maxParams {
		size = maxParams / columns
	}
	if size < 1 {
		size = 1
	}
	var out [][][]any
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
