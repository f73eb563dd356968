package json

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"catalogetl/internal/config"
	"catalogetl/internal/transformer"
)

// Layouts understood by StreamJSONRows.
const (
	LayoutRecords = "records"
	LayoutKeyed   = "keyed"
)

// StreamJSONRows decodes a JSON stream from r and sends one *transformer.Row
// per record to out, aligned to columns.
//
// Accepted input (any mix, concatenated or newline-delimited):
//   - a JSON object: one record, or with layout "keyed" one record per member
//     in key order
//   - a JSON array of objects: one record per element, nulls skipped
//   - with option "envelope": the array stored under that key of a root object
//
// Options:
//   - layout: "records" (default) or "keyed"
//   - key_field / value_field: target columns for the keyed layout
//     (default "id" and "recommendations")
//   - envelope: key of the array-of-records inside a root object
//   - header_map: source key -> target column
//
// Arrays are kept as []any and numbers as json.Number; coercion happens
// downstream. Line is the 1-based record ordinal.
//
// A decode error is fatal: it is reported through onParseErr and returned,
// since the decoder cannot resynchronise.
func StreamJSONRows(
	ctx context.Context,
	r io.Reader,
	columns []string,
	parserOpts config.Options,
	out chan<- *transformer.Row,
	onParseErr func(line int, err error),
) error {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	layout := strings.ToLower(parserOpts.String("layout", LayoutRecords))
	envelope := parserOpts.String("envelope", "")
	rev := reverseHeaderMap(parserOpts.StringMap("header_map"))

	keyIx, valIx := -1, -1
	if layout == LayoutKeyed {
		keyIx = indexOf(columns, parserOpts.String("key_field", "id"))
		valIx = indexOf(columns, parserOpts.String("value_field", "recommendations"))
		if keyIx < 0 || valIx < 0 {
			return fmt.Errorf("json: keyed layout needs key_field and value_field among columns %v", columns)
		}
	} else if layout != LayoutRecords {
		return fmt.Errorf("json: unknown layout %q", layout)
	}

	line := 0
	fail := func(err error) error {
		if onParseErr != nil {
			onParseErr(line+1, err)
		}
		return err
	}

	send := func(row *transformer.Row) error {
		select {
		case out <- row:
			return nil
		case <-ctx.Done():
			row.Drop()
			return ctx.Err()
		}
	}

	emitRecord := func(obj map[string]any) error {
		line++
		row := transformer.GetRow(len(columns))
		row.Line = line
		recordToRow(obj, columns, rev, row.V)
		return send(row)
	}

	emitKeyed := func(obj map[string]any) error {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			line++
			row := transformer.GetRow(len(columns))
			row.Line = line
			row.V[keyIx] = k
			row.V[valIx] = obj[k]
			if err := send(row); err != nil {
				return err
			}
		}
		return nil
	}

	emit := emitRecord
	if layout == LayoutKeyed {
		emit = emitKeyed
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		tok, err := dec.Token()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fail(fmt.Errorf("json: read token: %w", err))
		}

		d, ok := tok.(json.Delim)
		if !ok {
			return fail(fmt.Errorf("json: unsupported top-level value %T (want object or array)", tok))
		}

		switch d {
		case '[':
			if err := streamArray(ctx, dec, emit); err != nil {
				return fail(err)
			}
		case '{':
			if envelope != "" {
				if err := streamEnvelope(ctx, dec, envelope, emit); err != nil {
					return fail(err)
				}
				continue
			}
			obj, err := readObjectBody(dec)
			if err != nil {
				return fail(err)
			}
			if err := emit(obj); err != nil {
				return err
			}
		default:
			return fail(fmt.Errorf("json: unexpected delimiter %q", d))
		}
	}
}

// streamArray emits each object of the current array, after '[' has been
// consumed, and consumes the closing ']'.
func streamArray(ctx context.Context, dec *json.Decoder, emit func(map[string]any) error) error {
	for dec.More() {
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("json: decode array element: %w", err)
		}
		if raw == nil {
			continue
		}
		obj, ok := raw.(map[string]any)
		if !ok {
			return fmt.Errorf("json: array element not an object (got %T)", raw)
		}
		if err := emit(obj); err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return expectDelim(dec, ']')
}

// streamEnvelope walks a root object, streaming the array under key and
// skipping every other member.
func streamEnvelope(ctx context.Context, dec *json.Decoder, key string, emit func(map[string]any) error) error {
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return fmt.Errorf("json: read object key: %w", err)
		}
		k, _ := kt.(string)
		if k != key {
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return fmt.Errorf("json: skip member %q: %w", k, err)
			}
			continue
		}
		if err := expectDelim(dec, '['); err != nil {
			return fmt.Errorf("json: envelope %q: %w", key, err)
		}
		if err := streamArray(ctx, dec, emit); err != nil {
			return err
		}
	}
	return expectDelim(dec, '}')
}

// readObjectBody decodes the members of an object whose '{' was already
// consumed, including the closing '}'.
func readObjectBody(dec *json.Decoder) (map[string]any, error) {
	obj := make(map[string]any)
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("json: read object key: %w", err)
		}
		k, ok := kt.(string)
		if !ok {
			return nil, fmt.Errorf("json: object key not a string (got %T)", kt)
		}
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("json: decode member %q: %w", k, err)
		}
		obj[k] = v
	}
	if err := expectDelim(dec, '}'); err != nil {
		return nil, err
	}
	return obj, nil
}

func expectDelim(dec *json.Decoder, want json.Delim) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("json: expected %q: %w", want, err)
	}
	if tok != want {
		return fmt.Errorf("json: expected %q, got %v", want, tok)
	}
	return nil
}

func indexOf(cols []string, name string) int {
	for i, c := range cols {
		if c == name {
			return i
		}
	}
	return -1
}

// reverseHeaderMap builds target->source so lookups never copy the record.
func reverseHeaderMap(h map[string]string) map[string]string {
	out := make(map[string]string, len(h))
	for orig, norm := range h {
		if orig == "" || norm == "" {
			continue
		}
		out[norm] = orig
	}
	return out
}

// recordToRow fills dst (aligned with columns) from obj. Absent keys are nil.
func recordToRow(obj map[string]any, columns []string, rev map[string]string, dst []any) {
	for i, col := range columns {
		v, ok := obj[col]
		if !ok {
			if orig, ok2 := rev[col]; ok2 {
				v = obj[orig]
			}
		}
		dst[i] = v
	}
}
