package apperr

import (
	"errors"
	"fmt"
)

// Kind is a stable error classification exposed to callers.
type Kind string

const (
	// KindInvalidOrder is malformed input; reject immediately, no retry.
	KindInvalidOrder Kind = "invalid_order"
	// KindInsufficientFunds is a business-rule rejection; no retry.
	KindInsufficientFunds Kind = "insufficient_funds"
	// KindMarketUnavailable means the price oracle returned no usable
	// price. Transient: retry later, never substitute a synthetic price.
	KindMarketUnavailable Kind = "market_unavailable"
	// KindNotFound means the referenced entity does not exist or is not
	// owned by the caller.
	KindNotFound Kind = "not_found"
	// KindInvalidState means the entity cannot accept the operation in
	// its current state. From ledger internals this signals a broken
	// invariant and is treated as fatal, not a user error.
	KindInvalidState Kind = "invalid_state"
	// KindConcurrencyConflict means an internal race was lost with no
	// partial state committed; the whole operation is safe to retry.
	KindConcurrencyConflict Kind = "concurrency_conflict"
	// KindInternal is everything else.
	KindInternal Kind = "internal"
)

// Error carries a stable kind plus a human-readable reason.
type Error struct {
	Kind   Kind
	Reason string
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and reason to an underlying error.
func Wrap(err error, kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: fmt.Sprintf(format, args...), cause: err}
}

// KindOf extracts the kind from err, or KindInternal for untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
