package outages

import (
	"errors"
	"fmt"
	"strings"
)

// Error codes shared by every store adapter and by the migration engine.
// Callers branch on the code, never on the message.
const (
	EInternal         = "internal error"
	ENotFound         = "not found"
	EConflict         = "conflict"
	EInvalid          = "invalid"
	EUnavailable      = "unavailable"
	EIndexUnavailable = "index unavailable"
)

// Error is the error struct of the outages module.
//
// The Code targets automated handlers so that recovery can occur:
// the migration engine aborts a step on EUnavailable and EIndexUnavailable
// and records a key as failed on EInvalid.
// Msg is used by the operator to help diagnose the problem.
// Op and Err chain errors together in a logical stack trace.
//
// To show where an error happened, add Op.
//
//	&Error{
//	    Code: EUnavailable,
//	    Op:   "kv.Get",
//	    Err:  err,
//	}
type Error struct {
	Code string
	Msg  string
	Op   string
	Err  error
}

// Error implements the error interface by writing out the recursive messages.
func (e *Error) Error() string {
	if e.Msg != "" && e.Err != nil {
		var b strings.Builder
		b.WriteString(e.Msg)
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
		return b.String()
	} else if e.Msg != "" {
		return e.Msg
	} else if e.Err != nil {
		return e.Err.Error()
	}
	return fmt.Sprintf("<%s>", e.Code)
}

// Unwrap exposes the wrapped error to errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode returns the code of the first error in the chain that carries one.
// Errors that are not *Error report EInternal.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}

	var e *Error
	if !errors.As(err, &e) || e == nil {
		return EInternal
	}

	if e.Code != "" {
		return e.Code
	}

	if e.Err != nil {
		return ErrorCode(e.Err)
	}

	return EInternal
}

// ErrorOp returns the op of the error, if available; otherwise returns an empty string.
func ErrorOp(err error) string {
	var e *Error
	if !errors.As(err, &e) || e == nil {
		return ""
	}

	if e.Op != "" {
		return e.Op
	}

	if e.Err != nil {
		return ErrorOp(e.Err)
	}

	return ""
}

// IsNotFound reports whether err is a missing key or row.
func IsNotFound(err error) bool {
	return ErrorCode(err) == ENotFound
}

// IsConnectivity reports whether err means the backing store (or the index living in it)
// could not be reached. Such errors abort the current migration step without advancing
// the schema version.
func IsConnectivity(err error) bool {
	switch ErrorCode(err) {
	case EUnavailable, EIndexUnavailable:
		return true
	default:
		return false
	}
}
