// Package composer implements the relational steps of a run: flattening a
// sequence field into one row per element, left outer equi-joins, column
// projection, and the master view built from them.
package composer

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"catalogetl/internal/etlerr"
	"catalogetl/internal/records"
)

// Flatten returns one row per element of the sequence field, with every
// input field copied and the element appended as field out.
//
// A null or empty sequence produces no rows for that record.
func Flatten(in records.Relation, field, out string) (records.Relation, error) {
	col, err := in.Column(field)
	if err != nil {
		return records.Relation{}, fmt.Errorf("flatten: %w", err)
	}
	if in.Schema.Fields[col].Type != records.StringList {
		return records.Relation{}, fmt.Errorf("flatten: %s.%s is %s, want %s", in.Name, field, in.Schema.Fields[col].Type, records.StringList)
	}
	if in.Schema.Index(out) >= 0 {
		return records.Relation{}, fmt.Errorf("flatten: %s already has a field %q", in.Name, out)
	}

	fields := append(append([]records.Field(nil), in.Schema.Fields...), records.Field{Name: out, Type: records.String})
	res := records.New(in.Name, records.Schema{Fields: fields}, in.Len())
	width := len(fields)

	for _, row := range in.Rows {
		elems, _ := records.Strings(row[col])
		for _, el := range elems {
			nr := make(records.Row, width)
			copy(nr, row)
			nr[width-1] = el
			res.Rows = append(res.Rows, nr)
		}
	}
	return res, nil
}

// Column selects a source field and names it in the output.
type Column struct {
	From string
	To   string
}

// Project returns a relation named name holding only cols, in that order.
// An empty To keeps the source name.
func Project(in records.Relation, name string, cols ...Column) (records.Relation, error) {
	idx := make([]int, len(cols))
	fields := make([]records.Field, len(cols))
	for i, c := range cols {
		ci, err := in.Column(c.From)
		if err != nil {
			return records.Relation{}, fmt.Errorf("project %s: %w", name, err)
		}
		to := c.To
		if to == "" {
			to = c.From
		}
		idx[i] = ci
		fields[i] = records.Field{Name: to, Type: in.Schema.Fields[ci].Type}
	}
	schema := records.Schema{Fields: fields}
	if err := schema.Validate(); err != nil {
		return records.Relation{}, fmt.Errorf("project %s: %w", name, err)
	}

	res := records.New(name, schema, in.Len())
	for _, row := range in.Rows {
		nr := make(records.Row, len(idx))
		for i, ci := range idx {
			nr[i] = row[ci]
		}
		res.Rows = append(res.Rows, nr)
	}
	return res, nil
}

// Keep is shorthand for projecting fields under their own names.
func Keep(names ...string) []Column {
	out := make([]Column, len(names))
	for i, n := range names {
		out[i] = Column{From: n}
	}
	return out
}

// JoinSpec declares a left outer equi-join.
type JoinSpec struct {
	LeftKey  string
	RightKey string

	// Qualifier prefixes every right-side field as "<Qualifier>.<name>".
	// Defaults to the right relation's name.
	Qualifier string

	// Partitions splits the probe side into contiguous chunks probed in
	// parallel. The output is identical to the serial result.
	Partitions int
}

// LeftJoin joins left to right on spec's keys.
//
// Every left row appears at least once. A left row without a match gets nil
// for every right field; a left row with several matches yields one row per
// match in right input order. Null keys never match.
//
// A key missing from either schema is an etlerr.JoinKey error, reported
// before any row is touched.
func LeftJoin(ctx context.Context, left, right records.Relation, spec JoinSpec) (records.Relation, error) {
	stage := fmt.Sprintf("join %s with %s", left.Name, right.Name)

	lk, err := left.Column(spec.LeftKey)
	if err != nil {
		return records.Relation{}, etlerr.New(etlerr.JoinKey, stage, err)
	}
	rk, err := right.Column(spec.RightKey)
	if err != nil {
		return records.Relation{}, etlerr.New(etlerr.JoinKey, stage, err)
	}

	q := spec.Qualifier
	if q == "" {
		q = right.Name
	}
	fields := append([]records.Field(nil), left.Schema.Fields...)
	for _, f := range right.Schema.Fields {
		fields = append(fields, records.Field{Name: q + "." + f.Name, Type: f.Type})
	}
	schema := records.Schema{Fields: fields}
	if err := schema.Validate(); err != nil {
		return records.Relation{}, etlerr.New(etlerr.JoinKey, stage, err)
	}

	// Build: key -> right rows in input order.
	index := make(map[string][]records.Row, right.Len())
	for _, row := range right.Rows {
		k, ok := records.KeyString(row[rk])
		if !ok {
			continue
		}
		index[k] = append(index[k], row)
	}

	lw, rw := left.Schema.Len(), right.Schema.Len()
	probe := func(rows []records.Row) []records.Row {
		out := make([]records.Row, 0, len(rows))
		for _, row := range rows {
			var matches []records.Row
			if k, ok := records.KeyString(row[lk]); ok {
				matches = index[k]
			}
			if len(matches) == 0 {
				nr := make(records.Row, lw+rw)
				copy(nr, row)
				out = append(out, nr)
				continue
			}
			for _, m := range matches {
				nr := make(records.Row, lw+rw)
				copy(nr, row)
				copy(nr[lw:], m)
				out = append(out, nr)
			}
		}
		return out
	}

	chunks := partition(left.Rows, spec.Partitions)
	results := make([][]records.Row, len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	for i, chunk := range chunks {
		i, chunk := i, chunk
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			results[i] = probe(chunk)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return records.Relation{}, err
	}

	n := 0
	for _, r := range results {
		n += len(r)
	}
	res := records.New(left.Name, schema, n)
	for _, r := range results {
		res.Rows = append(res.Rows, r...)
	}
	return res, nil
}

// partition splits rows into at most n contiguous, non-empty chunks.
func partition(rows []records.Row, n int) [][]records.Row {
	if n <= 1 || len(rows) <= 1 {
		return [][]records.Row{rows}
	}
	if n > len(rows) {
		n = len(rows)
	}
	size := (len(rows) + n - 1) / n
	out := make([][]records.Row, 0, n)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}
