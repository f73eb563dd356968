// Package probe samples a bounded prefix of each catalog input and reports
// how its columns look after coercion: how many values are null, how many
// are distinct, and whether the identifier column is unique in the sample.
//
// Probing never reads a whole input. It is meant for checking a fresh
// extract before committing to a full transform run.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"catalogetl/internal/catalog"
	"catalogetl/internal/reader"
	"catalogetl/internal/records"
)

// DefaultSampleBytes is used when Options.SampleBytes is not positive.
const DefaultSampleBytes = 20000

// distinctCapPerColumn bounds the memory used per column.
const distinctCapPerColumn = 10000

// Options control a probe.
type Options struct {
	SampleBytes int

	// Open defaults to os.Open.
	Open func(path string) (io.ReadCloser, error)
}

// Column describes one field of a sampled relation.
type Column struct {
	Name     string
	Type     records.Type
	Values   int // non-null values
	Nulls    int
	Distinct int
	Capped   bool // Distinct stopped counting at the cap
}

// Ratio is Distinct/Values, or 0 when no value was observed.
func (c Column) Ratio() float64 {
	if c.Values == 0 {
		return 0
	}
	return float64(c.Distinct) / float64(c.Values)
}

// Report is the result of probing one source.
type Report struct {
	Relation  string
	Path      string
	Truncated bool // the sample stopped before the end of the file
	Rows      int
	Malformed int
	// CoercionNulls counts fields that failed coercion and were nulled.
	CoercionNulls int
	Columns       []Column

	// DuplicateIDs counts rows whose id was already seen in the sample.
	DuplicateIDs int
}

// Probe samples every source and returns one report per source, in order.
func Probe(ctx context.Context, sources []reader.Source, opt Options) ([]Report, error) {
	out := make([]Report, 0, len(sources))
	for _, src := range sources {
		rep, err := Source(ctx, src, opt)
		if err != nil {
			return out, err
		}
		out = append(out, rep)
	}
	return out, nil
}

// Source probes a single source.
func Source(ctx context.Context, src reader.Source, opt Options) (Report, error) {
	if opt.SampleBytes <= 0 {
		opt.SampleBytes = DefaultSampleBytes
	}
	open := opt.Open
	if open == nil {
		open = func(p string) (io.ReadCloser, error) { return os.Open(p) }
	}

	sample, truncated, err := readSample(open, src.Path, opt.SampleBytes)
	if err != nil {
		return Report{}, fmt.Errorf("probe %s: %w", src.Name, err)
	}

	rel, st, err := reader.Read(ctx, src, reader.Options{
		Workers:       1,
		SkipMalformed: true,
		Open: func(string) (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(sample)), nil
		},
	})
	if err != nil {
		return Report{}, fmt.Errorf("probe %s: %w", src.Name, err)
	}

	rep := Report{
		Relation:      src.Name,
		Path:          src.Path,
		Truncated:     truncated,
		Rows:          rel.Len(),
		Malformed:     st.Malformed,
		CoercionNulls: st.CoercionNulls,
		Columns:       columnStats(rel),
	}
	rep.DuplicateIDs = duplicateIDs(rel)
	return rep, nil
}

var errNoCompleteRecord = errors.New("sample holds no complete record; raise the sample size")

// readSample returns at most n bytes from the start of path. When the file is
// longer than n, the sample is cut back to the last newline so that no
// partial record reaches the parser.
func readSample(open func(string) (io.ReadCloser, error), path string, n int) ([]byte, bool, error) {
	f, err := open(path)
	if err != nil {
		return nil, false, fmt.Errorf("open source: %w", err)
	}
	defer f.Close()

	buf, err := io.ReadAll(io.LimitReader(f, int64(n)+1))
	if err != nil {
		return nil, false, fmt.Errorf("read sample: %w", err)
	}
	if len(buf) <= n {
		return buf, false, nil
	}

	buf = buf[:n]
	i := bytes.LastIndexByte(buf, '\n')
	if i < 0 {
		return nil, true, errNoCompleteRecord
	}
	return buf[:i+1], true, nil
}

func columnStats(rel records.Relation) []Column {
	fields := rel.Schema.Fields
	cols := make([]Column, len(fields))
	sets := make([]map[string]struct{}, len(fields))
	for i, f := range fields {
		cols[i] = Column{Name: f.Name, Type: f.Type}
		sets[i] = make(map[string]struct{})
	}

	for _, row := range rel.Rows {
		for i := range fields {
			k, ok := valueKey(row[i])
			if !ok {
				cols[i].Nulls++
				continue
			}
			cols[i].Values++
			if cols[i].Capped {
				continue
			}
			sets[i][k] = struct{}{}
			if len(sets[i]) >= distinctCapPerColumn {
				cols[i].Capped = true
				sets[i] = nil
			}
		}
	}

	for i := range cols {
		if cols[i].Capped {
			cols[i].Distinct = distinctCapPerColumn
			continue
		}
		cols[i].Distinct = len(sets[i])
	}
	return cols
}

// valueKey renders a coerced value for distinct counting. Sequences count as
// one value each, keyed by their joined elements.
func valueKey(v any) (string, bool) {
	if ss, ok := records.Strings(v); ok {
		return strings.Join(ss, "\x00"), true
	}
	return records.KeyString(v)
}

func duplicateIDs(rel records.Relation) int {
	idx := rel.Schema.Index(catalog.FieldID)
	if idx < 0 {
		return 0
	}
	seen := make(map[string]struct{}, rel.Len())
	dups := 0
	for _, row := range rel.Rows {
		k, ok := records.KeyString(row[idx])
		if !ok {
			continue
		}
		if _, dup := seen[k]; dup {
			dups++
			continue
		}
		seen[k] = struct{}{}
	}
	return dups
}

// Format renders reports as a plain-text table, columns sorted by ascending
// uniqueness ratio.
func Format(reports []Report) string {
	var b strings.Builder
	for i, r := range reports {
		if i > 0 {
			b.WriteByte('\n')
		}
		writeReport(&b, r)
	}
	return strings.TrimRight(b.String(), "\n")
}

func writeReport(b *strings.Builder, r Report) {
	fmt.Fprintf(b, "%s (%s):\tsampled_rows=%d\ttruncated=%t\tmalformed=%d\tcoercion_nulls=%d\tduplicate_ids=%d\n",
		r.Relation, r.Path, r.Rows, r.Truncated, r.Malformed, r.CoercionNulls, r.DuplicateIDs)
	if r.Rows == 0 {
		b.WriteString("  no rows sampled\n")
		return
	}

	cols := append([]Column(nil), r.Columns...)
	sort.SliceStable(cols, func(i, j int) bool {
		if cols[i].Ratio() == cols[j].Ratio() {
			return cols[i].Name < cols[j].Name
		}
		return cols[i].Ratio() < cols[j].Ratio()
	})

	fmt.Fprintf(b, "  %-20s\t%-14s\t%-7s\t%-7s\t%-7s\tratio\tcapped\n", "col", "type", "unique", "rows", "nulls")
	for _, c := range cols {
		fmt.Fprintf(b, "  %-20s\t%-14s\t%-7d\t%-7d\t%-7d\t%.1f%%\t%t\n",
			c.Name, c.Type, c.Distinct, c.Values, c.Nulls, c.Ratio()*100, c.Capped)
	}
}
