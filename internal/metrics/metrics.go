// Package metrics is the backend-neutral metrics facade used by the pipeline.
//
// Core code records through the package-level helpers; a command installs a
// concrete Backend (for example internal/metrics/datadog) with SetBackend.
// Until then every call goes to a no-op backend.
package metrics

import (
	"sync"
	"time"
)

// Labels are metric dimensions.
type Labels map[string]string

// Backend receives metric events. Implementations must be safe for
// concurrent use.
type Backend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
}

// Flusher is implemented by backends that buffer.
type Flusher interface {
	Flush() error
}

// Metric names.
const (
	StepTotal          = "etl_step_total"
	StepDuration       = "etl_step_duration_seconds"
	RecordsTotal       = "etl_records_total"
	BatchesTotal       = "etl_batches_total"
	CoercionNullsTotal = "etl_coercion_nulls_total"
)

// Record kinds used with RecordsTotal.
const (
	KindRead       = "read"
	KindNullID     = "null_id"
	KindDuplicate  = "duplicate"
	KindWritten    = "written"
	KindLoaded     = "loaded"
	KindJoinedRows = "joined"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}

var (
	mu      sync.RWMutex
	backend Backend = nopBackend{}
)

// SetBackend installs b. A nil b restores the no-op backend.
func SetBackend(b Backend) {
	mu.Lock()
	defer mu.Unlock()
	if b == nil {
		b = nopBackend{}
	}
	backend = b
}

func current() Backend {
	mu.RLock()
	defer mu.RUnlock()
	return backend
}

// Flush flushes the installed backend if it buffers.
func Flush() error {
	if f, ok := current().(Flusher); ok {
		return f.Flush()
	}
	return nil
}

// StatusOf maps an error to the "status" label value.
func StatusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// RecordStep counts one completed step and observes its duration.
func RecordStep(step string, err error, d time.Duration) {
	l := Labels{"step": step, "status": StatusOf(err)}
	b := current()
	b.IncCounter(StepTotal, 1, l)
	b.ObserveHistogram(StepDuration, d.Seconds(), l)
}

// RecordRows adds n rows of the given kind for relation.
func RecordRows(kind, relation string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(RecordsTotal, float64(n), Labels{"kind": kind, "relation": relation})
}

// RecordCoercionNulls adds n fields nulled by permissive coercion.
func RecordCoercionNulls(relation string, n int) {
	if n <= 0 {
		return
	}
	current().IncCounter(CoercionNullsTotal, float64(n), Labels{"relation": relation})
}

// RecordBatch counts one sink or load operation.
func RecordBatch() {
	current().IncCounter(BatchesTotal, 1, nil)
}
