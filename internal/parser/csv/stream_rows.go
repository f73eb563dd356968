package csv

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/transform"

	"catalogetl/internal/config"
	"catalogetl/internal/transformer"
)

// decodeInput wraps src so the CSV reader always sees UTF-8.
//
// The "encoding" option takes any WHATWG label ("utf-8", "windows-1252",
// "iso-8859-2", "utf-16le", ...). UTF-8 input is passed through untouched;
// its BOM is stripped from the first header cell instead.
func decodeInput(src io.Reader, label string) (io.Reader, error) {
	label = strings.ToLower(strings.TrimSpace(label))
	if label == "" || label == "utf-8" || label == "utf8" {
		return src, nil
	}
	enc, err := htmlindex.Get(label)
	if err != nil {
		return nil, fmt.Errorf("csv: unknown encoding %q: %w", label, err)
	}
	return transform.NewReader(src, enc.NewDecoder()), nil
}

// readOptions are the parser knobs read from config.Options.
type readOptions struct {
	hasHeader bool
	comma     rune
	trim      bool
	lazy      bool
	fieldsPer int
	encoding  string
	headerMap map[string]string
}

func parseOptions(opt config.Options) readOptions {
	return readOptions{
		hasHeader: opt.Bool("has_header", true),
		comma:     opt.Rune("comma", ','),
		trim:      opt.Bool("trim_space", true),
		lazy:      opt.Bool("lazy_quotes", false),
		fieldsPer: opt.Int("fields_per_record", 0),
		encoding:  opt.String("encoding", ""),
		headerMap: opt.StringMap("header_map"),
	}
}

// StreamCSVRows streams CSV records into pooled *transformer.Row objects
// aligned to the target 'columns' order.
//
// Header handling: header cells are trimmed, BOM-stripped, looked up in
// "header_map", and otherwise lower-cased with spaces turned into underscores.
// A target column missing from the header yields nil for every row; source
// columns that are not targets are ignored. Empty cells become nil.
//
// Row.Line and the line passed to onErr are physical line numbers in the
// input, so a quoted cell spanning lines does not shift later positions.
// Malformed records are reported through onErr and skipped; callers that
// treat a malformed file as fatal cancel ctx from onErr.
//
// On ctx cancellation in-flight rows are dropped, not re-pooled, because a
// downstream drain may still be reading them.
func StreamCSVRows(
	ctx context.Context,
	src io.ReadCloser,
	columns []string,
	opt config.Options,
	out chan<- *transformer.Row,
	onErr func(line int, err error),
) error {
	defer src.Close()

	ro := parseOptions(opt)
	report := func(line int, err error) {
		if onErr != nil {
			onErr(line, err)
		}
	}

	r, err := decodeInput(src, ro.encoding)
	if err != nil {
		report(0, err)
		return err
	}

	cr := csv.NewReader(r)
	cr.Comma = ro.comma
	cr.ReuseRecord = true
	cr.LazyQuotes = ro.lazy
	cr.FieldsPerRecord = -1
	if ro.fieldsPer != 0 {
		cr.FieldsPerRecord = ro.fieldsPer
	}

	colIx := make([]int, len(columns))
	for i := range colIx {
		colIx[i] = i
	}
	if ro.hasHeader {
		hdr, err := cr.Read()
		if err != nil {
			if err == io.EOF {
				err = fmt.Errorf("missing header row")
			}
			report(1, fmt.Errorf("read header: %w", err))
			return err
		}
		colIx = resolveColumns(hdr, columns, ro.headerMap)
	}

	lastLine := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		rec, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			line := lastLine + 1
			var pe *csv.ParseError
			if errors.As(err, &pe) {
				line = pe.StartLine
			}
			lastLine = line
			report(line, fmt.Errorf("csv read: %w", err))
			continue
		}
		line, _ := cr.FieldPos(0)
		lastLine = line

		row := transformer.GetRow(len(columns))
		row.Line = line
		for t := range columns {
			row.V[t] = cell(rec, colIx[t], ro.trim)
		}

		select {
		case out <- row:
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}
}

// resolveColumns maps every target column to its index in the header row,
// or -1 when the header does not carry it. The first occurrence of a
// repeated header wins.
func resolveColumns(hdr, columns []string, headerMap map[string]string) []int {
	srcToIdx := make(map[string]int, len(hdr))
	for i, h := range hdr {
		h = normalizeHeader(h, i == 0, headerMap)
		if _, dup := srcToIdx[h]; !dup {
			srcToIdx[h] = i
		}
	}

	colIx := make([]int, len(columns))
	for t, target := range columns {
		colIx[t] = -1
		if si, ok := srcToIdx[target]; ok {
			colIx[t] = si
		}
	}
	return colIx
}

func normalizeHeader(h string, first bool, headerMap map[string]string) string {
	if first {
		h = strings.TrimPrefix(h, "\ufeff")
	}
	if transformer.HasEdgeSpace(h) {
		h = strings.TrimSpace(h)
	}
	if mapped, ok := headerMap[h]; ok {
		return mapped
	}
	return strings.ReplaceAll(strings.ToLower(h), " ", "_")
}

// cell returns rec[i] as a row value: nil when the column is absent or the
// cell is empty.
func cell(rec []string, i int, trim bool) any {
	if i < 0 || i >= len(rec) {
		return nil
	}
	v := rec[i]
	if trim && transformer.HasEdgeSpace(v) {
		v = strings.TrimSpace(v)
	}
	if v == "" {
		return nil
	}
	return v
}
