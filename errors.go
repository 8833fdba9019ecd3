package guardkit

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
)

// Sentinel errors for GuardKit operations.
var (
	// ErrNotFound is returned when a referenced identity, role or record is absent.
	ErrNotFound = errors.New("guardkit: not found")

	// ErrDuplicateRole is returned when a (component, name) pair already exists.
	ErrDuplicateRole = errors.New("guardkit: duplicate role")

	// ErrCycle is returned when a manager assignment would close a reporting loop.
	ErrCycle = errors.New("guardkit: hierarchy cycle")

	// ErrSelfReference is returned when an identity is assigned as its own manager.
	ErrSelfReference = errors.New("guardkit: identity cannot manage itself")

	// ErrValidation is returned for malformed input such as an unknown action or scope.
	ErrValidation = errors.New("guardkit: validation failed")

	// ErrPermissionDenied is returned by callers of Allow when the decision is deny.
	ErrPermissionDenied = errors.New("guardkit: permission denied")

	// ErrDuplicateIdentity is returned when an email is already registered.
	ErrDuplicateIdentity = errors.New("guardkit: duplicate identity")

	// ErrAlreadyAssigned is returned when assigning a role the identity already holds.
	ErrAlreadyAssigned = errors.New("guardkit: role already assigned")

	// ErrNotAssigned is returned when revoking a role the identity does not hold.
	ErrNotAssigned = errors.New("guardkit: role not assigned")

	// ErrHasDependents is returned when purging a record that other records still reference.
	ErrHasDependents = errors.New("guardkit: record has dependents")

	// ErrUnauthenticated is returned when no valid credential accompanies a request.
	ErrUnauthenticated = errors.New("guardkit: unauthenticated")

	// ErrInactiveIdentity is returned when the authenticated identity is deactivated.
	ErrInactiveIdentity = errors.New("guardkit: identity is inactive")

	// ErrSigningDisabled is returned when audit verification runs without a signing key.
	ErrSigningDisabled = errors.New("guardkit: audit signing is disabled")

	// ErrDatabaseError is returned when a storage operation fails.
	ErrDatabaseError = errors.New("guardkit: database error")
)

// Error wraps a sentinel error with additional context.
type Error struct {
	Err        error  // Underlying sentinel error
	Message    string // Additional context
	IdentityID int64  // Identity involved (if applicable)
	Role       string // Role involved, as component/name (if applicable)
	Table      string // Table of the record involved (if applicable)
	RecordID   string // Record involved (if applicable)
	ActorID    int64  // Actor who triggered the error (if applicable)
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
	}
	return e.Err.Error()
}

// Unwrap returns the underlying error for errors.Is/As.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is checks if the error matches a target error.
func (e *Error) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewError creates a new Error with context.
func NewError(err error, message string) *Error {
	return &Error{
		Err:     err,
		Message: message,
	}
}

// WithIdentity adds identity information to the error.
func (e *Error) WithIdentity(id int64) *Error {
	e.IdentityID = id
	return e
}

// WithRole adds role information to the error.
func (e *Error) WithRole(component, name string) *Error {
	e.Role = component + "/" + name
	return e
}

// WithRecord adds the affected record to the error.
func (e *Error) WithRecord(table string, id int64) *Error {
	e.Table = table
	e.RecordID = strconv.FormatInt(id, 10)
	return e
}

// WithActor adds actor information to the error.
func (e *Error) WithActor(actorID int64) *Error {
	e.ActorID = actorID
	return e
}

// IsNotFound checks if an error reports a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPermissionDenied checks if an error is an authorization failure.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsValidation checks if an error is due to malformed input.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsHierarchyViolation checks if an error rejects a manager assignment.
func IsHierarchyViolation(err error) bool {
	return errors.Is(err, ErrCycle) || errors.Is(err, ErrSelfReference)
}

// IsConflict checks if an error reports a uniqueness or dependency conflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrDuplicateRole) ||
		errors.Is(err, ErrDuplicateIdentity) ||
		errors.Is(err, ErrAlreadyAssigned) ||
		errors.Is(err, ErrHasDependents)
}

// HTTPStatus maps an error to the status code an HTTP collaborator should return.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, ErrPermissionDenied), errors.Is(err, ErrInactiveIdentity):
		return http.StatusForbidden
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotAssigned):
		return http.StatusNotFound
	case IsConflict(err):
		return http.StatusConflict
	case IsValidation(err), IsHierarchyViolation(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
