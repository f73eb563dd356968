// Package sink persists named relations.
//
// FileSink writes each relation to its own directory under an output root
// and replaces any previous contents in full. Relational loaders live in
// internal/storage and satisfy the same Writer interface.
package sink

import (
	"context"
	"fmt"
	"strings"

	"catalogetl/internal/records"
)

// Mode is the write-mode directive passed with every relation.
type Mode string

const (
	Overwrite Mode = "overwrite"
	Append    Mode = "append"
)

// ParseMode accepts "" (overwrite), "overwrite" and "append".
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", Overwrite:
		return Overwrite, nil
	case Append:
		return Append, nil
	default:
		return "", fmt.Errorf("unknown write mode %q (want overwrite|append)", s)
	}
}

// Writer persists one relation under its name.
type Writer interface {
	Write(ctx context.Context, rel records.Relation, mode Mode) error
}

// WriterFunc adapts a function to Writer.
type WriterFunc func(ctx context.Context, rel records.Relation, mode Mode) error

func (f WriterFunc) Write(ctx context.Context, rel records.Relation, mode Mode) error {
	return f(ctx, rel, mode)
}
