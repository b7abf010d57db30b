package scene

import "errors"

var (
	// ErrProjectNotFound indicates the gateway has no such project.
	ErrProjectNotFound = errors.New("project not found")
	// ErrObjectNotFound indicates the object does not exist or was deleted.
	ErrObjectNotFound = errors.New("object not found")
	// ErrObjectExists indicates the id is live or tombstoned.
	ErrObjectExists = errors.New("object id already used")
	// ErrInvalidInput indicates invalid object input.
	ErrInvalidInput = errors.New("invalid object input")
	// ErrVersionCorrupt indicates the store was halted after an ordering violation.
	ErrVersionCorrupt = errors.New("project version corrupt")
	// ErrLogTruncated indicates the requested version predates the retained log.
	ErrLogTruncated = errors.New("mutation log truncated")
	// ErrVersionAhead indicates a client claims a version the store never issued.
	ErrVersionAhead = errors.New("version ahead of project")
	// ErrPersistenceUnavailable indicates the gateway could not load the project.
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
)
