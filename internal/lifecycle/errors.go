package lifecycle

import "errors"

// Error taxonomy for lifecycle operations. Callers wrap these with context
// via fmt.Errorf("%w: ...") and match with errors.Is.
var (
	// ErrNotFound is returned for an unknown listing or interest id.
	ErrNotFound = errors.New("not found")

	// ErrPermissionDenied is returned when the actor is neither owner nor
	// admin, or lacks the required role.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrSelfDealing is returned when an owner expresses interest in their
	// own listing.
	ErrSelfDealing = errors.New("cannot express interest in your own listing")

	// ErrInvalidState is returned when a transition guard fails.
	ErrInvalidState = errors.New("invalid state")

	// ErrConflict is returned when a pending interest already exists for
	// the same listing and user.
	ErrConflict = errors.New("conflict")

	// ErrValidation is returned for malformed input.
	ErrValidation = errors.New("validation error")
)
