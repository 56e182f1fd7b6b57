package service

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound     = errors.New("not found")
	ErrForbidden    = errors.New("forbidden")
	ErrConflict     = errors.New("conflict")
	ErrBadRequest   = errors.New("bad request")
	ErrUnauthorized = errors.New("unauthorized")
	ErrInternal     = errors.New("internal")

	// Both are forbidden outcomes; errors.Is(err, ErrForbidden) holds.
	ErrRoleHierarchy = fmt.Errorf("%w: role hierarchy", ErrForbidden)
	ErrSelfLockout   = fmt.Errorf("%w: self lockout", ErrForbidden)
)

// ServiceError wraps a sentinel error with a specific code and message for the handler to use.
type ServiceError struct {
	Err     error
	Code    string
	Message string
}

func (e *ServiceError) Error() string { return e.Message }
func (e *ServiceError) Unwrap() error { return e.Err }

// NewError creates a ServiceError wrapping the given sentinel.
func NewError(sentinel error, code, message string) *ServiceError {
	return &ServiceError{Err: sentinel, Code: code, Message: message}
}

// Convenience constructors for common error types.

func NotFound(code, message string) *ServiceError {
	return NewError(ErrNotFound, code, message)
}

func Forbidden(code, message string) *ServiceError {
	return NewError(ErrForbidden, code, message)
}

func BadRequest(code, message string) *ServiceError {
	return NewError(ErrBadRequest, code, message)
}

func Conflict(code, message string) *ServiceError {
	return NewError(ErrConflict, code, message)
}

func Unauthorized(code, message string) *ServiceError {
	return NewError(ErrUnauthorized, code, message)
}

func Internal(code, message string) *ServiceError {
	return NewError(ErrInternal, code, message)
}

func RoleHierarchyError(message string) *ServiceError {
	return NewError(ErrRoleHierarchy, "ROLE_HIERARCHY", message)
}

func SelfLockoutError(message string) *ServiceError {
	return NewError(ErrSelfLockout, "SELF_LOCKOUT", message)
}

func internalError() *ServiceError {
	return Internal("INTERNAL", "internal server error")
}
