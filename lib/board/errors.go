package board

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Kinds
// --------------------------------------------------------------------------

// ErrKind classifies the board-level failures a caller is expected to
// react to. Storage failures are not re-classified: errors from the
// backing store pass through as *store.Error and keep their return code.
type ErrKind uint8

const (
	ErrInternal ErrKind = iota // unexpected state, reported generically
	ErrOutOfBounds             // position or range past the board's total size
	ErrInvalidColor            // color index not in the board's palette
	ErrInvalidMask             // byte is not a known mask value
	ErrUnplacable              // mask forbids placing at the position
	ErrRateLimited             // no pixel available yet for the user
	ErrNoOp                    // placement would not change the board
)

func (k ErrKind) String() string {
	switch k {
	case ErrInternal:
		return "Internal"
	case ErrOutOfBounds:
		return "OutOfBounds"
	case ErrInvalidColor:
		return "InvalidColor"
	case ErrInvalidMask:
		return "InvalidMask"
	case ErrUnplacable:
		return "Unplacable"
	case ErrRateLimited:
		return "RateLimited"
	case ErrNoOp:
		return "NoOp"
	default:
		return "Unknown"
	}
}

// Error is the board-level error type, a kind plus a message.
type Error struct {
	Kind ErrKind
	Msg  string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("BoardError (%s): %s", e.Kind, e.Msg)
}

// NewError creates a new Error with the given kind and message.
func NewError(kind ErrKind, msg string) *Error {
	return &Error{
		Kind: kind,
		Msg:  msg,
	}
}

// Kind extracts the ErrKind from an error. Errors that are not *Error
// report ErrInternal.
func Kind(err error) ErrKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ErrInternal
}

// IsOutOfBounds reports whether err carries ErrOutOfBounds.
func IsOutOfBounds(err error) bool { return is(err, ErrOutOfBounds) }

// IsUnplacable reports whether err carries ErrUnplacable.
func IsUnplacable(err error) bool { return is(err, ErrUnplacable) }

// IsRateLimited reports whether err carries ErrRateLimited.
func IsRateLimited(err error) bool { return is(err, ErrRateLimited) }

// IsNoOp reports whether err carries ErrNoOp.
func IsNoOp(err error) bool { return is(err, ErrNoOp) }

func is(err error, kind ErrKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
