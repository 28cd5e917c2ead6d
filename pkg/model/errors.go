package model

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a failure by spec §7's taxonomy, independent of its
// Go type. Policy (retry, shrink plan, evict instance, fail entry, stop
// pipeline) is keyed off Kind, not off the concrete error.
type ErrorKind string

const (
	// KindTransient covers catalog timeouts, temporary file locks, GPU
	// memory reclaim: retried with backoff up to max_attempts.
	KindTransient ErrorKind = "transient"
	// KindInsufficientVram: plan infeasible or allocation failed at load.
	KindInsufficientVram ErrorKind = "insufficient_vram"
	// KindBackendError: ONNX/LLM engine crash. Treated as Transient for the
	// entry; the owning instance is evicted after two consecutive failures.
	KindBackendError ErrorKind = "backend_error"
	// KindBadInput: corrupt image, unreadable file, malformed metadata.
	// Non-retriable — the entry moves straight to Failed.
	KindBadInput ErrorKind = "bad_input"
	// KindCancelled: Pause/Stop occurred mid-work. The claim is released
	// without incrementing attempt_count.
	KindCancelled ErrorKind = "cancelled"
	// KindFatal: catalog unreachable, invalid configuration, all devices
	// gone. The owning pipeline transitions to Stopped.
	KindFatal ErrorKind = "fatal"
)

// Retriable reports whether an entry failing with this kind should return
// to Pending (true) or move to Failed (false). Cancelled is retriable but
// — per spec §7 — must not increment attempt_count; callers handle that
// distinction explicitly rather than relying on this alone.
func (k ErrorKind) Retriable() bool {
	switch k {
	case KindTransient, KindInsufficientVram, KindBackendError, KindCancelled:
		return true
	case KindBadInput, KindFatal:
		return false
	default:
		return false
	}
}

// Error is the orchestrator's typed error wrapper: every error that crosses
// a component boundary (CatalogStore, InferenceEngine, Model Pool, VRAM
// Planner) is wrapped in one of these so callers can dispatch on Kind via
// errors.As, mirroring the teacher's *ValidationError pattern.
type Error struct {
	Kind ErrorKind
	Op   string // operation that failed, e.g. "claim_batch", "infer_batch"
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

// Unwrap exposes the underlying error for errors.Is/errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError wraps err with a Kind and the operation name that produced it.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the ErrorKind from err if it (or something it wraps) is
// a *Error; otherwise returns KindFatal, treating unrecognized errors as
// the most conservative case.
func KindOf(err error) ErrorKind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindFatal
}

// Catalog-level sentinel errors. CatalogStore read helpers return them
// wrapped in *Error (ErrNotFound under KindBadInput); callers that branch
// on identity rather than on Kind match them with errors.Is.
var (
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrModelMissing = errors.New("model file missing")
)
