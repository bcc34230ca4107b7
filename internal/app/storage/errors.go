package storage

import "errors"

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a conditional write does not apply.
	ErrConflict = errors.New("conditional update did not apply")
	// ErrPersistence marks a failure of the backing store itself.
	ErrPersistence = errors.New("persistence failure")
)
