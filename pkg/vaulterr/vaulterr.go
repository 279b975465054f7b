// Package vaulterr carries the vault's error taxonomy (spec.md §7) as
// sentinel-comparable typed errors usable with errors.Is/errors.As.
package vaulterr

import (
	"errors"
	"fmt"
)

// Code is one of the §7 error taxonomy members.
type Code string

const (
	InvalidInput       Code = "INVALID_INPUT"
	Unauthorized       Code = "UNAUTHORIZED"
	Forbidden          Code = "FORBIDDEN"
	NotFound           Code = "NOT_FOUND"
	IllegalTransition  Code = "ILLEGAL_TRANSITION"
	AlreadyProcessed   Code = "ALREADY_PROCESSED"
	VerificationFailed Code = "VERIFICATION_FAILED"
	StoreTimeout       Code = "STORE_TIMEOUT"
	StoreConflict      Code = "STORE_CONFLICT"
	DeliveryFailed     Code = "DELIVERY_FAILED"
	Internal           Code = "INTERNAL"
)

// Error wraps a Code with a message and an optional underlying cause.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, vaulterr.ErrNotFound) style comparisons: any
// *Error target carrying the same Code compares equal.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New constructs an *Error with no cause.
func New(code Code, msg string) *Error {
	return &Error{Code: code, Message: msg}
}

// Newf constructs an *Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap constructs an *Error that wraps an underlying cause.
func Wrap(code Code, msg string, cause error) *Error {
	return &Error{Code: code, Message: msg, Cause: cause}
}

// CodeOf extracts the Code from err, or Internal if err does not carry one.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return Internal
}

// Sentinels for errors.Is comparisons against a bare code, e.g.
// errors.Is(err, vaulterr.ErrNotFound).
var (
	ErrInvalidInput       = &Error{Code: InvalidInput}
	ErrUnauthorized       = &Error{Code: Unauthorized}
	ErrForbidden          = &Error{Code: Forbidden}
	ErrNotFound           = &Error{Code: NotFound}
	ErrIllegalTransition  = &Error{Code: IllegalTransition}
	ErrAlreadyProcessed   = &Error{Code: AlreadyProcessed}
	ErrVerificationFailed = &Error{Code: VerificationFailed}
	ErrStoreTimeout       = &Error{Code: StoreTimeout}
	ErrStoreConflict      = &Error{Code: StoreConflict}
	ErrDeliveryFailed     = &Error{Code: DeliveryFailed}
	ErrInternal           = &Error{Code: Internal}
)
