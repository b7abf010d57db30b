package commands

import (
	"errors"

	"github.com/Iminance/realityflow-2/internal/domain/checkout"
	"github.com/Iminance/realityflow-2/internal/domain/project"
	"github.com/Iminance/realityflow-2/internal/domain/scene"
	"github.com/Iminance/realityflow-2/internal/domain/session"
	"github.com/Iminance/realityflow-2/internal/protocol"
)

// Wire error codes.
const (
	CodeDecodeError            = "DECODE_ERROR"
	CodeUnknownCommand         = "UNKNOWN_COMMAND"
	CodeHandlerFailure         = "HANDLER_FAILURE"
	CodeNotCheckedOut          = "NOT_CHECKED_OUT"
	CodeAlreadyCheckedOut      = "ALREADY_CHECKED_OUT"
	CodeNotHolder              = "NOT_HOLDER"
	CodeNotFound               = "NOT_FOUND"
	CodeObjectExists           = "OBJECT_EXISTS"
	CodeProjectExists          = "PROJECT_EXISTS"
	CodeInvalidInput           = "INVALID_INPUT"
	CodeProjectNotOpen         = "PROJECT_NOT_OPEN"
	CodePersistenceUnavailable = "PERSISTENCE_UNAVAILABLE"
	CodeVersionCorrupt         = "VERSION_CORRUPT"
	CodeInternal               = "INTERNAL_ERROR"
)

// detailError attaches reply details to a domain error.
type detailError struct {
	err     error
	details any
}

func (e *detailError) Error() string { return e.err.Error() }

func (e *detailError) Unwrap() error { return e.err }

func withDetails(err error, details any) error {
	return &detailError{err: err, details: details}
}

// MapError maps domain errors to wire error bodies.
func MapError(err error) *protocol.ErrorBody {
	if err == nil {
		return nil
	}
	body := mapError(err)
	var de *detailError
	if errors.As(err, &de) {
		body.Details = de.details
	}
	return body
}

func mapError(err error) *protocol.ErrorBody {
	switch {
	case errors.Is(err, protocol.ErrDecode):
		return &protocol.ErrorBody{Code: CodeDecodeError, Message: err.Error(), RecoveryHint: "Check the envelope and payload fields"}
	case errors.Is(err, protocol.ErrUnknownCommand):
		return &protocol.ErrorBody{Code: CodeUnknownCommand, Message: err.Error(), RecoveryHint: "Check the command code"}
	case errors.Is(err, protocol.ErrHandlerFailure):
		return &protocol.ErrorBody{Code: CodeHandlerFailure, Message: "command failed unexpectedly", RecoveryHint: "Retry the command"}
	case errors.Is(err, checkout.ErrNotCheckedOut):
		return &protocol.ErrorBody{Code: CodeNotCheckedOut, Message: "object is not checked out by this client", RecoveryHint: "Acquire the checkout first"}
	case errors.Is(err, checkout.ErrAlreadyCheckedOut):
		return &protocol.ErrorBody{Code: CodeAlreadyCheckedOut, Message: "object is checked out by another client", RecoveryHint: "Wait for CHECKOUT_CHANGED"}
	case errors.Is(err, checkout.ErrNotHolder):
		return &protocol.ErrorBody{Code: CodeNotHolder, Message: "client does not hold this checkout"}
	case errors.Is(err, scene.ErrObjectNotFound):
		return &protocol.ErrorBody{Code: CodeNotFound, Message: "object not found", RecoveryHint: "Sync the project"}
	case errors.Is(err, scene.ErrProjectNotFound), errors.Is(err, project.ErrProjectNotFound):
		return &protocol.ErrorBody{Code: CodeNotFound, Message: "project not found", RecoveryHint: "Check ID spelling"}
	case errors.Is(err, scene.ErrObjectExists):
		return &protocol.ErrorBody{Code: CodeObjectExists, Message: "object id already used in this project", RecoveryHint: "Choose another id or omit it"}
	case errors.Is(err, project.ErrProjectExists):
		return &protocol.ErrorBody{Code: CodeProjectExists, Message: "project id already used", RecoveryHint: "Choose another id or omit it"}
	case errors.Is(err, scene.ErrInvalidInput),
		errors.Is(err, checkout.ErrInvalidInput),
		errors.Is(err, project.ErrInvalidInput),
		errors.Is(err, session.ErrInvalidInput):
		return &protocol.ErrorBody{Code: CodeInvalidInput, Message: err.Error()}
	case errors.Is(err, session.ErrProjectNotOpen):
		return &protocol.ErrorBody{Code: CodeProjectNotOpen, Message: "no project open on this connection", RecoveryHint: "Send PROJECT_FETCH first"}
	case errors.Is(err, scene.ErrPersistenceUnavailable), errors.Is(err, project.ErrStorageUnavailable):
		return &protocol.ErrorBody{Code: CodePersistenceUnavailable, Message: "project storage unavailable", RecoveryHint: "Retry later"}
	case errors.Is(err, scene.ErrVersionCorrupt):
		return &protocol.ErrorBody{Code: CodeVersionCorrupt, Message: "project halted after a version ordering violation", RecoveryHint: "An operator must resume the project"}
	default:
		return &protocol.ErrorBody{Code: CodeInternal, Message: "internal error"}
	}
}
