package transformer

import (
	"context"
	"fmt"

	"catalogetl/internal/records"
)

// CoerceSpec describes how raw parsed values become typed field values.
type CoerceSpec struct {
	Schema records.Schema

	// Strict drops a row whose field cannot be coerced and reports the failure.
	// When false the offending field becomes nil and the row is kept.
	Strict bool
}

// CoerceFailure is reported for every field that could not be coerced.
type CoerceFailure struct {
	Line  int
	Field string
	Err   error
}

func (f CoerceFailure) Error() string {
	return fmt.Sprintf("line %d: field %q: %v", f.Line, f.Field, f.Err)
}

type coercePlan struct {
	cols []coerceCol
}

type coerceCol struct {
	name   string
	coerce func(dst *any, raw any) error
}

func compilePlan(schema records.Schema) coercePlan {
	p := coercePlan{cols: make([]coerceCol, len(schema.Fields))}
	for i, f := range schema.Fields {
		typ := f.Type
		p.cols[i] = coerceCol{
			name: f.Name,
			coerce: func(dst *any, raw any) error {
				v, err := records.Coerce(raw, typ)
				if err != nil {
					*dst = nil
					return err
				}
				*dst = v
				return nil
			},
		}
	}
	return p
}

// CoerceLoopRows reads rows from in, coerces every field in place, and sends
// the surviving rows to out. It returns when in is closed.
//
// onFailure is called once per failed field, in both modes. In strict mode
// the row is freed and not forwarded; callers typically cancel ctx from
// onFailure to stop the whole read.
//
// Rows whose width does not match the schema are rejected as a failure on
// the pseudo-field "*".
func CoerceLoopRows(
	ctx context.Context,
	spec CoerceSpec,
	in <-chan *Row,
	out chan<- *Row,
	onFailure func(CoerceFailure),
) {
	plan := compilePlan(spec.Schema)
	report := func(f CoerceFailure) {
		if onFailure != nil {
			onFailure(f)
		}
	}

	for r := range in {
		select {
		case <-ctx.Done():
			if r != nil {
				r.Drop()
			}
			continue
		default:
		}
		if r == nil {
			continue
		}

		if len(r.V) != len(plan.cols) {
			report(CoerceFailure{Line: r.Line, Field: "*", Err: fmt.Errorf("row has %d values, schema has %d fields", len(r.V), len(plan.cols))})
			r.Free()
			continue
		}

		drop := false
		for i, c := range plan.cols {
			if err := c.coerce(&r.V[i], r.V[i]); err != nil {
				report(CoerceFailure{Line: r.Line, Field: c.name, Err: err})
				if spec.Strict {
					drop = true
					break
				}
			}
		}
		if drop {
			r.Free()
			continue
		}

		select {
		case out <- r:
		case <-ctx.Done():
			r.Drop()
		}
	}
}
