package attendance

import "errors"

// Validation errors: bad input, rejected immediately, never retried.
var (
	ErrMissingReason = errors.New("a reason is required to excuse")
	ErrInvalidStatus = errors.New("unknown status")
	ErrInvalidTime   = errors.New("invalid time")
	ErrInvalidInput  = errors.New("invalid input")
)

// Permission errors: surfaced to the requester, no retry.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrWindowClosed     = errors.New("attendance window is closed")
	ErrNotEligible      = errors.New("subject lacks the permitted role")
)

// External side-effect errors returned by sinks.
var (
	ErrExternal  = errors.New("external side effect failed")
	ErrNotFound  = errors.New("not found")
	ErrForbidden = errors.New("forbidden")
)

// ErrPersistence marks a ConfigStore failure; the operation is safe to retry.
var ErrPersistence = errors.New("persistence failure")

// ErrSecurity marks a report destination outside the organization.
var ErrSecurity = errors.New("destination belongs to another organization")

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrMissingReason) || errors.Is(err, ErrInvalidStatus) ||
		errors.Is(err, ErrInvalidTime) || errors.Is(err, ErrInvalidInput)
}

// IsPermission reports whether err is a permission error.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrWindowClosed) ||
		errors.Is(err, ErrNotEligible)
}

// IsPersistence reports whether err came from the store.
func IsPersistence(err error) bool {
	return errors.Is(err, ErrPersistence)
}
