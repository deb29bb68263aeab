// Package pipelineerr defines the error taxonomy shared by every pipeline
// stage. Each kind wraps a sentinel so callers can classify an error
// with errors.Is without string-matching messages, and carries the
// collection/shard it happened on so it can be written straight into the
// event log.
package pipelineerr

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is classification. Kind wraps one of these.
var (
	// ErrDecode is a malformed CDX line or truncated/non-gzip input.
	ErrDecode = errors.New("decode error")

	// ErrSort is a sort worker OOM-kill or budget overrun.
	ErrSort = errors.New("sort error")

	// ErrIndex is a transactional failure writing shard index rows.
	ErrIndex = errors.New("index error")

	// ErrInvariantViolation is a validator-detected structural defect: a DB
	// row referencing a missing shard, or a shard marked sorted but not
	// ordered.
	ErrInvariantViolation = errors.New("invariant violation")

	// ErrBackpressureDisk means free scratch-disk space fell below the
	// configured floor.
	ErrBackpressureDisk = errors.New("disk backpressure")

	// ErrBackpressureMemory means MemAvailable fell below the floor needed
	// to launch another worker.
	ErrBackpressureMemory = errors.New("memory backpressure")

	// ErrCancellationRequested is cooperative cancellation propagating
	// through a worker or search descent.
	ErrCancellationRequested = errors.New("cancellation requested")

	// ErrUnrecoverableMissing means an expected shard never materialized
	// after all retries.
	ErrUnrecoverableMissing = errors.New("unrecoverable missing shard")
)

// Kind classifies an Error for dashboards and the event log without string
// matching; every value here corresponds 1:1 to one of the sentinels above.
type Kind string

const (
	KindDecode                Kind = "DecodeError"
	KindSort                  Kind = "SortError"
	KindIndex                 Kind = "IndexError"
	KindInvariantViolation    Kind = "InvariantViolation"
	KindBackpressureDisk      Kind = "BackpressureDisk"
	KindBackpressureMemory    Kind = "BackpressureMemory"
	KindCancellationRequested Kind = "CancellationRequested"
	KindUnrecoverableMissing  Kind = "UnrecoverableMissing"
)

var kindSentinel = map[Kind]error{
	KindDecode:                ErrDecode,
	KindSort:                  ErrSort,
	KindIndex:                 ErrIndex,
	KindInvariantViolation:    ErrInvariantViolation,
	KindBackpressureDisk:      ErrBackpressureDisk,
	KindBackpressureMemory:    ErrBackpressureMemory,
	KindCancellationRequested: ErrCancellationRequested,
	KindUnrecoverableMissing:  ErrUnrecoverableMissing,
}

// Error is the structured error every pipeline stage returns instead of a
// bare fmt.Errorf, matching the {kind, collection, shard?, message,
// retryable} shape the event log records verbatim.
type Error struct {
	Kind       Kind
	Collection string
	Shard      string // empty when the error is collection- or DB-scoped, not shard-scoped
	Message    string
	Retryable  bool
	Cause      error
}

// New constructs an Error of the given kind.
func New(kind Kind, collection, shard, message string, retryable bool) *Error {
	return &Error{
		Kind:       kind,
		Collection: collection,
		Shard:      shard,
		Message:    message,
		Retryable:  retryable,
	}
}

// Wrap constructs an Error of the given kind around a lower-level cause.
func Wrap(kind Kind, collection, shard string, retryable bool, cause error) *Error {
	return &Error{
		Kind:       kind,
		Collection: collection,
		Shard:      shard,
		Message:    cause.Error(),
		Retryable:  retryable,
		Cause:      cause,
	}
}

func (e *Error) Error() string {
	if e.Shard != "" {
		return fmt.Sprintf("%s: collection=%s shard=%s: %s", e.Kind, e.Collection, e.Shard, e.Message)
	}

	return fmt.Sprintf("%s: collection=%s: %s", e.Kind, e.Collection, e.Message)
}

// Unwrap exposes both the underlying cause (if any) and the sentinel for
// e.Kind, so errors.Is(err, pipelineerr.ErrSort) and errors.Is(err, someIOErr)
// both work against the same *Error.
func (e *Error) Unwrap() []error {
	sentinel := kindSentinel[e.Kind]

	if e.Cause != nil {
		return []error{sentinel, e.Cause}
	}

	return []error{sentinel}
}
