package storage

import (
	"context"
	"fmt"

	"catalogetl/internal/etlerr"
	"catalogetl/internal/records"
	"catalogetl/internal/sink"
)

// RelationWriter loads relations into tables named <Prefix><relation>.
// It satisfies sink.Writer.
type RelationWriter struct {
	Loader Loader
	Prefix string
}

var _ sink.Writer = (*RelationWriter)(nil)

// Write loads rel. Failures are etlerr.Sink errors staged as "load <table>".
func (w *RelationWriter) Write(ctx context.Context, rel records.Relation, mode sink.Mode) error {
	spec := TableSpecFor(rel, w.Prefix)
	stage := "load " + spec.Name

	var m Mode
	switch mode {
	case sink.Overwrite, "":
		m = Overwrite
	case sink.Append:
		m = Append
	default:
		return etlerr.Newf(etlerr.Sink, stage, "unsupported mode %q", mode)
	}
	if err := spec.Validate(); err != nil {
		return etlerr.New(etlerr.Sink, stage, err)
	}

	rows := make([][]any, len(rel.Rows))
	for i, r := range rel.Rows {
		rows[i] = []any(r)
	}

	n, err := w.Loader.LoadTable(ctx, spec, rows, m)
	if err != nil {
		return etlerr.New(etlerr.Sink, stage, err)
	}
	if n != int64(len(rows)) {
		return etlerr.Newf(etlerr.Sink, stage, "loaded %d rows, want %d", n, len(rows))
	}
	return nil
}

// String is used in log lines.
func (w *RelationWriter) String() string {
	return fmt.Sprintf("relational(prefix=%q)", w.Prefix)
}
