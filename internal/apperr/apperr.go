// Package apperr defines the error classes shared by the storage core and the HTTP layer.
package apperr

import "github.com/zeebo/errs"

var (
	// ErrInvalidInput marks malformed or missing input. It is always raised before any I/O.
	ErrInvalidInput = errs.Class("invalid input")

	// ErrNotFoundOrForbidden is returned for records that are absent, owned by someone else,
	// or already deleted. Callers cannot tell these cases apart.
	ErrNotFoundOrForbidden = errs.Class("file not found or access denied")

	// ErrNotFound is returned by backends when an object does not exist.
	ErrNotFound = errs.Class("not found")

	// ErrBackendUnavailable means a backend for a required capability tag is not registered.
	ErrBackendUnavailable = errs.Class("backend unavailable")

	// ErrStorageWriteFailed wraps backend save failures.
	ErrStorageWriteFailed = errs.Class("storage write failed")

	// ErrStorageDeleteFailed wraps backend delete failures.
	ErrStorageDeleteFailed = errs.Class("storage delete failed")

	// ErrConflict is returned when a state change would violate the fingerprint uniqueness.
	ErrConflict = errs.Class("conflict")
)
