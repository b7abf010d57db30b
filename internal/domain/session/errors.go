package session

import "errors"

var (
	// ErrClientNotFound indicates the client is not connected.
	ErrClientNotFound = errors.New("client not connected")
	// ErrProjectNotOpen indicates a project command before PROJECT_FETCH.
	ErrProjectNotOpen = errors.New("no project open on this connection")
	// ErrInvalidInput indicates invalid session input.
	ErrInvalidInput = errors.New("invalid session input")
)
