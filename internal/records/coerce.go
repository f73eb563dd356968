package records

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode/utf8"
)

// CoerceError reports a raw value that does not fit its declared type.
type CoerceError struct {
	Type   Type
	Value  any
	Reason string
}

func (e *CoerceError) Error() string {
	return fmt.Sprintf("cannot coerce %s to %s: %s", preview(e.Value), e.Type, e.Reason)
}

// Coerce converts a raw parsed value to the representation of t.
//
// nil stays nil for every type. Failures return a *CoerceError; the caller
// decides whether that becomes a null (permissive) or a schema error (strict).
func Coerce(v any, t Type) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch t {
	case String:
		if s, ok := scalarString(v); ok {
			return s, nil
		}
		return nil, &CoerceError{Type: t, Value: v, Reason: fmt.Sprintf("unsupported value type %T", v)}
	case StringList:
		return coerceList(v)
	default:
		return nil, &CoerceError{Type: t, Value: v, Reason: "unknown type"}
	}
}

func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []byte:
		return string(t), true
	case json.Number:
		return t.String(), true
	case bool:
		return strconv.FormatBool(t), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return "", false
	}
}

func coerceList(v any) (any, error) {
	switch t := v.(type) {
	case []string:
		return append([]string{}, t...), nil
	case []any:
		out := make([]string, 0, len(t))
		for i, el := range t {
			if el == nil {
				continue
			}
			s, ok := scalarString(el)
			if !ok {
				return nil, &CoerceError{Type: StringList, Value: v, Reason: fmt.Sprintf("element %d has type %T", i, el)}
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		out, err := ParseList(t)
		if err != nil {
			return nil, &CoerceError{Type: StringList, Value: v, Reason: err.Error()}
		}
		return out, nil
	default:
		return nil, &CoerceError{Type: StringList, Value: v, Reason: fmt.Sprintf("unsupported value type %T", v)}
	}
}

// ParseList parses a sequence literal as found in CSV cells. Both JSON arrays
// (["a","b"]) and Python list literals (['a', "b's"]) are accepted; null
// elements are skipped.
func ParseList(s string) ([]string, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "[") || !strings.HasSuffix(s, "]") {
		return nil, fmt.Errorf("not a list literal")
	}

	var js []any
	if err := json.Unmarshal([]byte(s), &js); err == nil {
		out := make([]string, 0, len(js))
		for i, el := range js {
			if el == nil {
				continue
			}
			str, ok := scalarString(el)
			if !ok {
				return nil, fmt.Errorf("element %d has type %T", i, el)
			}
			out = append(out, str)
		}
		return out, nil
	}

	return parsePyList(s)
}

// parsePyList scans a Python-style list of quoted strings. Bare None is
// accepted and skipped; any other bare token is an error.
func parsePyList(s string) ([]string, error) {
	body := strings.TrimSpace(s[1 : len(s)-1])
	out := []string{}
	i := 0
	for i < len(body) {
		// skip separators
		for i < len(body) && (body[i] == ' ' || body[i] == '\t' || body[i] == ',') {
			i++
		}
		if i >= len(body) {
			break
		}

		q := body[i]
		if q != '\'' && q != '"' {
			end := strings.IndexByte(body[i:], ',')
			tok := body[i:]
			if end >= 0 {
				tok = body[i : i+end]
			}
			if strings.TrimSpace(tok) == "None" {
				i += len(tok)
				continue
			}
			return nil, fmt.Errorf("unquoted element %q at offset %d", strings.TrimSpace(tok), i)
		}

		i++
		var b strings.Builder
		closed := false
		for i < len(body) {
			c := body[i]
			if c == '\\' && i+1 < len(body) {
				b.WriteByte(unescapePy(body[i+1]))
				i += 2
				continue
			}
			if c == q {
				closed = true
				i++
				break
			}
			b.WriteByte(c)
			i++
		}
		if !closed {
			return nil, fmt.Errorf("unterminated string literal")
		}
		out = append(out, b.String())

		for i < len(body) && (body[i] == ' ' || body[i] == '\t') {
			i++
		}
		if i < len(body) && body[i] != ',' {
			return nil, fmt.Errorf("expected ',' at offset %d", i)
		}
	}
	return out, nil
}

func unescapePy(c byte) byte {
	switch c {
	case 'n':
		return '\n'
	case 't':
		return '\t'
	default:
		return c
	}
}

func preview(v any) string {
	s := fmt.Sprintf("%v", v)
	if utf8.RuneCountInString(s) > 40 {
		r := []rune(s)
		s = string(r[:40]) + "..."
	}
	return strconv.Quote(s)
}
