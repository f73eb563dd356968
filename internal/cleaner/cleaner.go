// Package cleaner deduplicates a relation by its identifier field.
package cleaner

import (
	"fmt"

	"catalogetl/internal/records"
)

// Stats counts what Clean removed.
type Stats struct {
	In         int
	Out        int
	NullIDs    int
	Duplicates int
}

// Clean returns a new relation holding at most one row per distinct non-null
// value of idField and no row whose idField is null or empty.
//
// Retention is first seen in input order; later rows with the same key are
// dropped whole. Keys compare exactly (records.KeyString). The surviving rows
// are shared with in, not copied.
func Clean(in records.Relation, idField string) (records.Relation, Stats, error) {
	col, err := in.Column(idField)
	if err != nil {
		return records.Relation{}, Stats{}, fmt.Errorf("clean: %w", err)
	}

	st := Stats{In: in.Len()}
	seen := make(map[string]struct{}, in.Len())
	out := records.New(in.Name, in.Schema, in.Len())

	for _, row := range in.Rows {
		key, ok := records.KeyString(row[col])
		if !ok {
			st.NullIDs++
			continue
		}
		if _, dup := seen[key]; dup {
			st.Duplicates++
			continue
		}
		seen[key] = struct{}{}
		out.Rows = append(out.Rows, row)
	}

	st.Out = out.Len()
	return out, st, nil
}
