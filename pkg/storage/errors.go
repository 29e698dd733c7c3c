package storage

import "errors"

// Sentinel errors for storage operations.
var (
	// ErrNotFound is returned when a session or object does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a session with the given ID already exists.
	ErrConflict = errors.New("already exists")
)
