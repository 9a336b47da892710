package store

import (
	"errors"
	"fmt"
)

type ErrorKind int

const (
	QueryFailure ErrorKind = iota
	ConnectionFailure
	ConstraintViolation
)

func (k ErrorKind) String() string {
	switch k {
	case ConnectionFailure:
		return "connection failure"
	case ConstraintViolation:
		return "constraint violation"
	default:
		return "query failure"
	}
}

// StorageError wraps a driver failure with the operation that produced it.
type StorageError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func IsConstraintViolation(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == ConstraintViolation
}

func IsConnectionFailure(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == ConnectionFailure
}

func constraintError(op, format string, args ...any) error {
	return &StorageError{Kind: ConstraintViolation, Op: op, Err: fmt.Errorf(format, args...)}
}
