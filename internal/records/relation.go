// Package records defines the in-memory relation model shared by every stage
// of a catalog run: a named, schema-typed, positional row set.
//
// Rows are []any aligned with the schema. A nil element is a SQL NULL, a
// String field holds a string, and a StringList field holds a []string.
// Relations handed from one stage to the next are treated as immutable: a
// stage that needs a different shape builds a new Relation.
package records

import (
	"fmt"
	"strings"
)

// Type is the declared type of a field.
type Type string

const (
	String     Type = "string"
	StringList Type = "array<string>"
)

// Field is a named, typed column.
type Field struct {
	Name string
	Type Type
}

// Schema is an ordered list of fields.
type Schema struct {
	Fields []Field
}

// NewSchema builds a schema. Field names must be unique.
func NewSchema(fields ...Field) Schema {
	return Schema{Fields: append([]Field(nil), fields...)}
}

func (s Schema) Len() int { return len(s.Fields) }

// Names returns field names in order.
func (s Schema) Names() []string {
	out := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		out[i] = f.Name
	}
	return out
}

// Index returns the position of name, or -1.
func (s Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Validate checks for empty or duplicate names and unknown types.
func (s Schema) Validate() error {
	seen := make(map[string]struct{}, len(s.Fields))
	for i, f := range s.Fields {
		if strings.TrimSpace(f.Name) == "" {
			return fmt.Errorf("schema: field %d has empty name", i)
		}
		if _, dup := seen[f.Name]; dup {
			return fmt.Errorf("schema: duplicate field %q", f.Name)
		}
		seen[f.Name] = struct{}{}
		switch f.Type {
		case String, StringList:
		default:
			return fmt.Errorf("schema: field %q has unsupported type %q", f.Name, f.Type)
		}
	}
	return nil
}

func (s Schema) String() string {
	parts := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		parts[i] = f.Name + " " + string(f.Type)
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

// Row is one positional record.
type Row []any

// Relation is a named record stream with a declared schema.
type Relation struct {
	Name   string
	Schema Schema
	Rows   []Row
}

// New returns an empty relation with room for capHint rows.
func New(name string, schema Schema, capHint int) Relation {
	if capHint < 0 {
		capHint = 0
	}
	return Relation{Name: name, Schema: schema, Rows: make([]Row, 0, capHint)}
}

func (r Relation) Len() int { return len(r.Rows) }

// Column returns the index of the named field or an error naming the relation.
func (r Relation) Column(name string) (int, error) {
	i := r.Schema.Index(name)
	if i < 0 {
		return -1, fmt.Errorf("relation %s: no column %q in %s", r.Name, name, r.Schema)
	}
	return i, nil
}

// Value returns the value of column name in row i, or nil if either is out of range.
func (r Relation) Value(i int, name string) any {
	c := r.Schema.Index(name)
	if c < 0 || i < 0 || i >= len(r.Rows) {
		return nil
	}
	return r.Rows[i][c]
}

// Renamed returns a shallow copy of r carrying a different name.
func (r Relation) Renamed(name string) Relation {
	r.Name = name
	return r
}

// KeyString returns the join/dedupe key for v. Keys compare exactly, so
// "t1" and "t1 " are different identities. The second result is false for
// null keys (nil or ""), which never match.
func KeyString(v any) (string, bool) {
	switch t := v.(type) {
	case nil:
		return "", false
	case string:
		return t, t != ""
	default:
		s := fmt.Sprint(t)
		return s, s != ""
	}
}

// Strings returns v as []string when it is a sequence value.
func Strings(v any) ([]string, bool) {
	s, ok := v.([]string)
	return s, ok
}
