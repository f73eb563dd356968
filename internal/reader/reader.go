// Package reader turns a CSV or NDJSON source into a schema-constrained
// records.Relation.
//
// The read path is the streaming stack used everywhere else in the module:
//
//	parser (csv|json) -> coerce workers -> collect
//
// Rows are re-ordered by source position before they are returned, so the
// result does not depend on the number of coerce workers.
package reader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"catalogetl/internal/config"
	"catalogetl/internal/etlerr"
	csvparser "catalogetl/internal/parser/csv"
	jsonparser "catalogetl/internal/parser/json"
	"catalogetl/internal/records"
	"catalogetl/internal/transformer"
)

// Source is one typed record stream.
type Source struct {
	Name    string
	Path    string
	Format  string // "csv" or "ndjson"
	Options config.Options
	Schema  records.Schema
}

// Options tune a read.
type Options struct {
	// Strict turns field coercion failures into a fatal Schema error.
	// Otherwise failed fields become nil. A record the parser cannot read is
	// always a fatal Ingestion error.
	Strict bool

	// SkipMalformed counts unreadable records instead of failing. It exists
	// for sampling a prefix of a file; full reads never set it.
	SkipMalformed bool

	Workers       int
	ChannelBuffer int

	// Open defaults to os.Open.
	Open func(path string) (io.ReadCloser, error)
}

// Stats describes one completed read.
type Stats struct {
	Rows          int
	CoercionNulls int
	Malformed     int
	Duration      time.Duration
}

// Read parses src and returns the relation named src.Name.
//
// Errors are *etlerr.Error values: Ingestion when the source cannot be opened
// or parsed, Schema when a strict coercion fails.
func Read(ctx context.Context, src Source, opt Options) (records.Relation, Stats, error) {
	start := time.Now()
	stage := "read " + src.Name

	if err := src.Schema.Validate(); err != nil {
		return records.Relation{}, Stats{}, etlerr.New(etlerr.Schema, stage, err)
	}
	if opt.Workers <= 0 {
		opt.Workers = 1
	}
	if opt.ChannelBuffer <= 0 {
		opt.ChannelBuffer = 256
	}
	open := opt.Open
	if open == nil {
		open = func(p string) (io.ReadCloser, error) { return os.Open(p) }
	}

	f, err := open(src.Path)
	if err != nil {
		return records.Relation{}, Stats{}, etlerr.New(etlerr.Ingestion, stage, fmt.Errorf("open source: %w", err))
	}

	columns := src.Schema.Names()

	rawCh := make(chan *transformer.Row, opt.ChannelBuffer)
	coercedCh := make(chan *transformer.Row, opt.ChannelBuffer)

	parent := ctx
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		failOnce sync.Once
		failErr  error
		nulls    atomic.Int64
		bad      atomic.Int64
	)
	fail := func(err error) {
		failOnce.Do(func() {
			failErr = err
			cancel()
		})
	}

	onParseErr := func(line int, err error) {
		if err == nil {
			return
		}
		if opt.SkipMalformed {
			bad.Add(1)
			return
		}
		fail(etlerr.New(etlerr.Ingestion, stage, fmt.Errorf("parse error at line %d: %w", line, err)))
	}

	// 1) Parser.
	var parseErr error
	var wgParser sync.WaitGroup
	wgParser.Add(1)
	go func() {
		defer wgParser.Done()
		defer close(rawCh)
		parseErr = parse(ctx, src, f, columns, rawCh, onParseErr)
	}()

	// 2) Coerce workers.
	spec := transformer.CoerceSpec{Schema: src.Schema, Strict: opt.Strict}
	onFailure := func(cf transformer.CoerceFailure) {
		if opt.Strict {
			fail(etlerr.New(etlerr.Schema, stage, cf))
			return
		}
		nulls.Add(1)
	}

	var wgWorkers sync.WaitGroup
	wgWorkers.Add(opt.Workers)
	for i := 0; i < opt.Workers; i++ {
		go func() {
			defer wgWorkers.Done()
			transformer.CoerceLoopRows(ctx, spec, rawCh, coercedCh, onFailure)
		}()
	}
	go func() {
		wgWorkers.Wait()
		close(coercedCh)
	}()

	// 3) Collect.
	type lined struct {
		line int
		row  records.Row
	}
	var collected []lined
	for r := range coercedCh {
		row := make(records.Row, len(r.V))
		copy(row, r.V)
		collected = append(collected, lined{line: r.Line, row: row})
		r.Free()
	}
	wgParser.Wait()

	if failErr != nil {
		return records.Relation{}, Stats{}, failErr
	}
	if err := parent.Err(); err != nil {
		return records.Relation{}, Stats{}, err
	}
	if parseErr != nil && !errors.Is(parseErr, context.Canceled) {
		return records.Relation{}, Stats{}, etlerr.New(etlerr.Ingestion, stage, parseErr)
	}

	sort.SliceStable(collected, func(i, j int) bool { return collected[i].line < collected[j].line })

	rel := records.New(src.Name, src.Schema, len(collected))
	for _, c := range collected {
		rel.Rows = append(rel.Rows, c.row)
	}

	return rel, Stats{
		Rows:          rel.Len(),
		CoercionNulls: int(nulls.Load()),
		Malformed:     int(bad.Load()),
		Duration:      time.Since(start),
	}, nil
}

func parse(
	ctx context.Context,
	src Source,
	f io.ReadCloser,
	columns []string,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	switch src.Format {
	case "csv":
		return csvparser.StreamCSVRows(ctx, f, columns, src.Options, out, onErr)
	case "ndjson", "json":
		defer f.Close()
		return jsonparser.StreamJSONRows(ctx, f, columns, src.Options, out, onErr)
	default:
		f.Close()
		return fmt.Errorf("unsupported format %q", src.Format)
	}
}
