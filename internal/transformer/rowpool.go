// Package transformer carries parsed rows from the parsers to the reader and
// coerces raw parsed values to their declared field types on the way.
//
// This file defines the pooled Row used on that path so a large input does not
// allocate one []any per record twice (once in the parser, once in coercion).
package transformer

import "sync"

// Row is a pooled positional record aligned with a schema's field order.
//
// Ownership contract:
//   - Exactly one goroutine owns a Row at a time; sending it on a channel
//     transfers ownership.
//   - The final consumer calls Free() once it no longer references r or r.V.
//   - On ctx cancellation a stage calls Drop() instead: a canceled drain can
//     still be reading a row that the parser would otherwise reuse.
type Row struct {
	V    []any
	Line int // 1-based line in the source where the record starts, if known
}

var rowPool sync.Pool

// GetRow returns a Row with len(V) == colCount and every element nil.
func GetRow(colCount int) *Row {
	if v := rowPool.Get(); v != nil {
		r := v.(*Row)
		if cap(r.V) < colCount {
			r.V = make([]any, colCount)
		}
		r.V = r.V[:colCount]
		for i := range r.V {
			r.V[i] = nil
		}
		r.Line = 0
		return r
	}
	return &Row{V: make([]any, colCount)}
}

// Free returns the Row to the pool.
func (r *Row) Free() {
	rowPool.Put(r)
}

// Drop discards the Row without returning it to the pool.
func (r *Row) Drop() {
	r.V = nil
	r.Line = 0
}

// HasEdgeSpace reports whether s starts or ends with a space or tab, so hot
// paths only pay for strings.TrimSpace when there is something to trim.
func HasEdgeSpace(s string) bool {
	if s == "" {
		return false
	}
	return s[0] == ' ' || s[len(s)-1] == ' ' || s[0] == '\t' || s[len(s)-1] == '\t'
}
