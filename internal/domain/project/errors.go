package project

import "errors"

var (
	// ErrProjectNotFound indicates the project doesn't exist.
	ErrProjectNotFound = errors.New("project not found")
	// ErrProjectExists indicates the requested id is taken.
	ErrProjectExists = errors.New("project already exists")
	// ErrInvalidInput indicates invalid project input.
	ErrInvalidInput = errors.New("invalid project input")
	// ErrStorageUnavailable wraps repository failures that are not about
	// the project itself.
	ErrStorageUnavailable = errors.New("project storage unavailable")
)
