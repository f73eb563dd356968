// Package etlerr defines the stage error taxonomy of a catalog run.
//
// Every fatal error leaving a stage is an *Error whose Kind is one of the
// sentinel kinds below, so callers can branch with errors.Is(err, etlerr.Sink)
// and still unwrap to the underlying cause.
package etlerr

import (
	"errors"
	"fmt"
)

// Kind classifies a stage failure.
type Kind struct{ name string }

func (k *Kind) Error() string { return k.name }

var (
	// Ingestion: archive unreadable, expected file missing, source not parseable
	// as line records.
	Ingestion = &Kind{"ingestion error"}
	// Schema: a record cannot be coerced to its declared shape (strict mode only).
	Schema = &Kind{"schema error"}
	// JoinKey: a declared join key is missing from either side.
	JoinKey = &Kind{"join key error"}
	// Sink: destination unwritable or locked.
	Sink = &Kind{"sink error"}
)

// Error is a stage failure.
type Error struct {
	Kind  *Kind
	Stage string // e.g. "read artists", "write master_table"
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// New wraps err as a stage error of kind k. A nil err stays nil so call sites
// can wrap unconditionally.
func New(k *Kind, stage string, err error) error {
	if err == nil {
		return nil
	}
	var existing *Error
	if errors.As(err, &existing) && existing.Kind == k && existing.Stage == stage {
		return err
	}
	return &Error{Kind: k, Stage: stage, Err: err}
}

// Newf builds a stage error from a format string.
func Newf(k *Kind, stage, format string, args ...any) error {
	return &Error{Kind: k, Stage: stage, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the outermost stage error in err's chain, or nil.
func KindOf(err error) *Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return nil
}

// StageOf returns the stage of the outermost stage error in err's chain.
func StageOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Stage
	}
	return ""
}
