// Package errors provides error handling for kiln.
//
// This package re-exports github.com/cockroachdb/errors, providing:
//   - Stack traces for debugging
//   - Error wrapping and context
//   - PII-safe error formatting
//   - Network portability for distributed systems
//
// Usage:
//
//	// Create new error
//	err := errors.New("something went wrong")
//
//	// Wrap with context
//	if err := doSomething(); err != nil {
//	    return errors.Wrap(err, "failed to do something")
//	}
//
//	// Check errors
//	if errors.Is(err, errors.ErrNotFound) {
//	    // handle not found
//	}
//
// For full documentation see: https://pkg.go.dev/github.com/cockroachdb/errors
package errors

import (
	crdb "github.com/cockroachdb/errors"
)

// Core error creation and wrapping
var (
	New          = crdb.New
	Newf         = crdb.Newf
	Wrap         = crdb.Wrap
	Wrapf        = crdb.Wrapf
	WithStack    = crdb.WithStack
	WithMessage  = crdb.WithMessage
	WithMessagef = crdb.WithMessagef
)

// User-facing messages and details
var (
	WithHint           = crdb.WithHint
	WithHintf          = crdb.WithHintf
	WithDetail         = crdb.WithDetail
	WithDetailf        = crdb.WithDetailf
	WithSecondaryError = crdb.WithSecondaryError
)

// Error inspection
var (
	Is            = crdb.Is
	IsAny         = crdb.IsAny
	As            = crdb.As
	Unwrap        = crdb.Unwrap
	UnwrapOnce    = crdb.UnwrapOnce
	UnwrapAll     = crdb.UnwrapAll
	GetAllHints   = crdb.GetAllHints
	GetAllDetails = crdb.GetAllDetails
	Mark          = crdb.Mark
	CombineErrors = crdb.CombineErrors
)

// Sentinel errors shared across kiln layers. The ingress layer maps the
// transport group onto HTTP status codes; the domain group marks terminal
// job failures produced by the runners.
var (
	// ErrNotFound indicates the requested resource does not exist
	ErrNotFound = New("not found")

	// ErrInvalidRequest indicates the request was malformed or invalid
	ErrInvalidRequest = New("invalid request")

	// ErrUnauthorized indicates the request lacks proper authentication
	ErrUnauthorized = New("unauthorized")

	// ErrForbidden indicates the request is not allowed for this user
	ErrForbidden = New("forbidden")

	// ErrServiceUnavailable indicates a required service is not available
	ErrServiceUnavailable = New("service unavailable")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = New("operation timed out")

	// ErrConflict indicates a resource conflict (e.g., duplicate broker handle)
	ErrConflict = New("resource conflict")

	// ErrQuotaExceeded indicates a per-tier usage counter is exhausted
	ErrQuotaExceeded = New("quota exceeded")

	// ErrToolchainMissing indicates a required CLI is not on PATH
	ErrToolchainMissing = New("toolchain missing")

	// ErrCompilerFailed indicates the build toolchain exited nonzero
	ErrCompilerFailed = New("compiler failed")

	// ErrNoArtifact indicates a successful build produced no WASM artifact
	ErrNoArtifact = New("compiler did not produce an artifact")

	// ErrInvalidWasm indicates WASM byte validation rejected the module
	ErrInvalidWasm = New("invalid wasm")

	// ErrContractIDNotFound indicates deploy output carried no contract id
	ErrContractIDNotFound = New("contract id not found in deploy output")
)

// IsNotFoundError checks if an error is or wraps ErrNotFound.
func IsNotFoundError(err error) bool {
	return err != nil && Is(err, ErrNotFound)
}

// IsInvalidRequestError checks if an error is or wraps ErrInvalidRequest
func IsInvalidRequestError(err error) bool {
	return err != nil && Is(err, ErrInvalidRequest)
}

// IsServiceUnavailableError checks if an error is or wraps ErrServiceUnavailable
func IsServiceUnavailableError(err error) bool {
	return err != nil && Is(err, ErrServiceUnavailable)
}

// NewNotFoundError creates a not-found error with a formatted message
func NewNotFoundError(format string, args ...interface{}) error {
	return Wrap(ErrNotFound, Newf(format, args...).Error())
}

// NewInvalidRequestError creates an invalid-request error with a formatted message
func NewInvalidRequestError(format string, args ...interface{}) error {
	return Wrap(ErrInvalidRequest, Newf(format, args...).Error())
}

// Terminal reports whether err marks a job-terminal failure: one the worker
// records on the job instead of retrying locally. The broker still applies
// its own retry policy to the returned error.
func Terminal(err error) bool {
	return IsAny(err,
		ErrToolchainMissing,
		ErrCompilerFailed,
		ErrNoArtifact,
		ErrInvalidWasm,
		ErrContractIDNotFound,
	)
}
