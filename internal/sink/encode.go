package sink

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"

	"catalogetl/internal/records"
)

// Output formats.
const (
	FormatJSONL = "jsonl"
	FormatCSV   = "csv"
)

type encoder func(w io.Writer, rel records.Relation) error

func encoderFor(format string) (encoder, string, error) {
	switch format {
	case "", FormatJSONL:
		return encodeJSONL, FormatJSONL, nil
	case FormatCSV:
		return encodeCSV, FormatCSV, nil
	default:
		return nil, "", fmt.Errorf("unknown output format %q (want jsonl|csv)", format)
	}
}

// encodeJSONL writes one object per row with keys in schema order.
func encodeJSONL(w io.Writer, rel records.Relation) error {
	bw := bufio.NewWriterSize(w, 64<<10)
	names := rel.Schema.Names()

	keys := make([][]byte, len(names))
	for i, n := range names {
		k, err := json.Marshal(n)
		if err != nil {
			return err
		}
		keys[i] = k
	}

	for ri, row := range rel.Rows {
		bw.WriteByte('{')
		for i := range names {
			if i > 0 {
				bw.WriteByte(',')
			}
			bw.Write(keys[i])
			bw.WriteByte(':')
			v, err := json.Marshal(row[i])
			if err != nil {
				return fmt.Errorf("row %d field %s: %w", ri, names[i], err)
			}
			bw.Write(v)
		}
		bw.WriteString("}\n")
	}
	return bw.Flush()
}

// encodeCSV writes a header row and one record per row. Sequences are
// JSON-encoded into their cell; nil is an empty cell.
func encodeCSV(w io.Writer, rel records.Relation) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(rel.Schema.Names()); err != nil {
		return err
	}
	rec := make([]string, rel.Schema.Len())
	for ri, row := range rel.Rows {
		for i, v := range row {
			switch t := v.(type) {
			case nil:
				rec[i] = ""
			case string:
				rec[i] = t
			default:
				b, err := json.Marshal(t)
				if err != nil {
					return fmt.Errorf("row %d field %d: %w", ri, i, err)
				}
				rec[i] = string(b)
			}
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
