package records

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

const (
	fieldSep = '\x1f'
	rowSep   = '\x1e'
	nullMark = '\x00'
)

// Fingerprint returns a deterministic SHA-256 digest (lowercase hex) over the
// schema and every row of r, in row order.
//
// Canonicalization rules:
//   - Each field is written as "name=value", fields joined by 0x1f, rows by 0x1e.
//   - nil is a single NUL byte so a missing value differs from "".
//   - Sequences are written as their element count, ':' and the elements
//     joined by 0x1f, so ["a,b"] and ["a","b"] differ.
//
// The digest depends only on content, never on how a sink encodes it, which
// makes it the idempotence check between two runs.
func Fingerprint(r Relation) string {
	h := sha256.New()
	var b strings.Builder

	b.WriteString(r.Schema.String())
	b.WriteByte(rowSep)
	_, _ = h.Write([]byte(b.String()))

	names := r.Schema.Names()
	for _, row := range r.Rows {
		b.Reset()
		for i, name := range names {
			if i > 0 {
				b.WriteByte(fieldSep)
			}
			b.WriteString(name)
			b.WriteByte('=')
			var v any
			if i < len(row) {
				v = row[i]
			}
			appendCanonicalValue(&b, v)
		}
		b.WriteByte(rowSep)
		_, _ = h.Write([]byte(b.String()))
	}

	return hex.EncodeToString(h.Sum(nil))
}

func appendCanonicalValue(b *strings.Builder, v any) {
	switch t := v.(type) {
	case nil:
		b.WriteByte(nullMark)
	case string:
		b.WriteString(t)
	case []string:
		b.WriteString(strconv.Itoa(len(t)))
		b.WriteByte(':')
		for i, s := range t {
			if i > 0 {
				b.WriteByte(fieldSep)
			}
			b.WriteString(s)
		}
	default:
		if s, ok := scalarString(v); ok {
			b.WriteString(s)
			return
		}
		b.WriteString(strconv.Quote(preview(v)))
	}
}
