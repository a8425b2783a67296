package core

import "github.com/pkg/errors"

// FieldError is used to indicate an error with a specific struct field.
type FieldError struct {
	Field string
	Error string
}

// ValidationError is returned when the input of an operation is rejected.
type ValidationError struct {
	Err    error
	Fields []FieldError
}

func NewValidationError(err error, flds ...FieldError) error {
	return &ValidationError{err, flds}
}

func (err ValidationError) Error() string {
	if err.Err == nil {
		return ""
	}
	return err.Err.Error()
}

func (err ValidationError) Unwrap() error { return err.Err }

// InvalidStateError is returned when an operation is not allowed in the current state of the object.
type InvalidStateError struct {
	Err error
}

func NewInvalidStateError(err error) error {
	return &InvalidStateError{Err: err}
}

func (err InvalidStateError) Error() string {
	if err.Err == nil {
		return "invalid state"
	}
	return err.Err.Error()
}

func (err InvalidStateError) Unwrap() error { return err.Err }

// NotFoundError is returned when a referenced object does not exist.
type NotFoundError struct {
	Err error
}

func NewNotFoundError(err error) error {
	return &NotFoundError{Err: err}
}

func (err NotFoundError) Error() string {
	if err.Err == nil {
		return "not found"
	}
	return err.Err.Error()
}

func (err NotFoundError) Unwrap() error { return err.Err }

// PersistenceError is returned when the storage layer fails.
// Any atomic operation that returns it has been rolled back.
type PersistenceError struct {
	Err error
}

func NewPersistenceError(err error) error {
	return &PersistenceError{Err: err}
}

func (err PersistenceError) Error() string {
	if err.Err == nil {
		return "persistence failure"
	}
	return "persistence failure: " + err.Err.Error()
}

func (err PersistenceError) Unwrap() error { return err.Err }

func IsValidationError(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsInvalidStateError(err error) bool {
	var target *InvalidStateError
	return errors.As(err, &target)
}

func IsNotFoundError(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

func IsPersistenceError(err error) bool {
	var target *PersistenceError
	return errors.As(err, &target)
}

type shutdown struct {
	message string
}

func NewShutdownError(msg string) error {
	return &shutdown{message: msg}
}

func (s shutdown) Error() string {
	return s.message
}

func IsShutdown(err error) bool {
	_, ok := errors.Cause(err).(*shutdown)
	return ok
}
