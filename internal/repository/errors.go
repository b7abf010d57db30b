package repository

import "errors"

var (
	// ErrNotFound is returned when a requested entity doesn't exist
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when an insert collides with an existing row
	ErrConflict = errors.New("conflict: entity already exists")

	// ErrStaleVersion is returned when a write carries a version older than the stored one
	ErrStaleVersion = errors.New("stale version")

	// ErrInvalidInput is returned when input validation fails
	ErrInvalidInput = errors.New("invalid input")
)
