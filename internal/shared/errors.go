// Package shared contains the error taxonomy used across the scheduler core and its adapters.
//
// Every error that crosses a component boundary carries one of the sentinel errors below,
// so transports can classify it with KindOf without knowing where it came from:
//
//	switch shared.KindOf(err) {
//	case shared.KindNotFound:
//	    return http.StatusNotFound
//	case shared.KindValidation:
//	    return http.StatusBadRequest
//	default:
//	    return http.StatusInternalServerError
//	}
package shared

import (
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrNotFound indicates an unknown job, job type, execution type or event mapping.
	ErrNotFound = errors.New("not found")

	// ErrValidation indicates bad input: duplicate name, past execution time,
	// missing or extra event mapping, illegal status transition.
	ErrValidation = errors.New("validation failed")

	// ErrConflict indicates the request collides with work already in progress.
	ErrConflict = errors.New("conflict")

	// ErrExecution indicates a job body failed: script exit, unknown routine, missing job type.
	ErrExecution = errors.New("execution failed")

	// ErrInternal indicates a bug or broken invariant inside the process.
	ErrInternal = errors.New("internal error")

	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = errors.New("operation timed out")

	// ErrDependencyFailure indicates the store, the timer backend or another
	// collaborator is unavailable.
	ErrDependencyFailure = errors.New("dependency failure")
)

// Kind represents a category of error for easier classification and handling.
type Kind int

const (
	KindUnknown Kind = iota
	KindNotFound
	KindValidation
	KindConflict
	KindExecution
	KindInternal
	KindTimeout
	KindDependencyFailure
	KindCanceled
)

// String returns the string representation of the Kind.
func (k Kind) String() string {
	switch k {
	case KindNotFound:
		return "NotFound"
	case KindValidation:
		return "Validation"
	case KindConflict:
		return "Conflict"
	case KindExecution:
		return "Execution"
	case KindInternal:
		return "Internal"
	case KindTimeout:
		return "Timeout"
	case KindDependencyFailure:
		return "DependencyFailure"
	case KindCanceled:
		return "Canceled"
	default:
		return "Unknown"
	}
}

var kindToSentinel = map[Kind]error{
	KindNotFound:          ErrNotFound,
	KindValidation:        ErrValidation,
	KindConflict:          ErrConflict,
	KindExecution:         ErrExecution,
	KindInternal:          ErrInternal,
	KindTimeout:           ErrTimeout,
	KindDependencyFailure: ErrDependencyFailure,
}

// kindPriorities defines the deterministic order for error classification.
// Earlier entries win when an error chain carries several sentinels.
var kindPriorities = []struct {
	kind Kind
	err  error
}{
	{KindCanceled, nil},
	{KindTimeout, ErrTimeout},
	{KindNotFound, ErrNotFound},
	{KindValidation, ErrValidation},
	{KindConflict, ErrConflict},
	{KindExecution, ErrExecution},
	{KindDependencyFailure, ErrDependencyFailure},
	{KindInternal, ErrInternal},
}

// KindOf returns the Kind of err by walking its chain in priority order:
// canceled, timeout, the caller-facing kinds, then infrastructure kinds.
// Returns KindUnknown for unrecognized errors.
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	for _, p := range kindPriorities {
		switch p.kind {
		case KindCanceled:
			if IsCanceled(err) {
				return KindCanceled
			}
		case KindTimeout:
			if IsTimeout(err) {
				return KindTimeout
			}
		default:
			if errors.Is(err, p.err) {
				return p.kind
			}
		}
	}
	return KindUnknown
}

// HasKind reports whether the given error has the specified kind.
func HasKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// SentinelOf returns the sentinel error for the given Kind.
// For KindUnknown and KindCanceled, it returns nil.
func SentinelOf(kind Kind) error {
	return kindToSentinel[kind]
}

// MarkKind wraps err with the sentinel for kind, preserving the original error.
// Marking an error with a kind it already has returns it unchanged.
//
//	if errors.Is(err, sql.ErrNoRows) {
//	    return shared.MarkKind(err, shared.KindNotFound)
//	}
func MarkKind(err error, kind Kind) error {
	if err == nil {
		return SentinelOf(kind)
	}
	sentinel := SentinelOf(kind)
	if sentinel == nil {
		return err
	}
	if KindOf(err) == kind {
		return err
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}

// Newf builds a fresh error of the given kind. The message is what callers see.
func Newf(kind Kind, format string, args ...any) error {
	msg := fmt.Sprintf(format, args...)
	sentinel := SentinelOf(kind)
	if sentinel == nil {
		return errors.New(msg)
	}
	return &kindError{sentinel: sentinel, msg: msg}
}

// kindError keeps the caller-facing message free of the sentinel prefix.
type kindError struct {
	sentinel error
	msg      string
}

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.sentinel }

// Wrap wraps an error with additional context.
// If err is nil, Wrap returns nil. If context is empty, returns the original error.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	if context == "" {
		return err
	}
	return fmt.Errorf("%s: %w", context, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return Wrap(err, fmt.Sprintf(format, args...))
}

// IsCanceled reports whether the error indicates a canceled context.
func IsCanceled(err error) bool {
	return err != nil && errors.Is(err, context.Canceled)
}

// IsTimeout reports whether the error indicates a timeout.
// It checks for context.DeadlineExceeded, net.Error timeouts, and ErrTimeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func IsNotFound(err error) bool          { return errors.Is(err, ErrNotFound) }
func IsValidation(err error) bool        { return errors.Is(err, ErrValidation) }
func IsConflict(err error) bool          { return errors.Is(err, ErrConflict) }
func IsExecution(err error) bool         { return errors.Is(err, ErrExecution) }
func IsInternal(err error) bool          { return errors.Is(err, ErrInternal) }
func IsDependencyFailure(err error) bool { return errors.Is(err, ErrDependencyFailure) }

// IsCallerFacing reports whether the error message is safe to show to API callers verbatim.
// Infrastructure and unclassified errors are replaced with a generic message at the boundary.
func IsCallerFacing(err error) bool {
	switch KindOf(err) {
	case KindNotFound, KindValidation, KindConflict, KindExecution:
		return true
	default:
		return false
	}
}
