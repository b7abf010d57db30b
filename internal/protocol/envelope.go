package protocol

import (
	"errors"
	"fmt"
)

// Envelope is one command frame. Payload holds the codec-encoded payload
// object and is decoded lazily by the handler that owns the command.
type Envelope struct {
	Command       Code
	Payload       []byte
	CorrelationID string
	Error         *ErrorBody
}

// ErrorBody is the error object attached to ERROR replies.
type ErrorBody struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	RecoveryHint string `json:"recoveryHint,omitempty"`
}

var (
	// ErrDecode classifies every DecodeError.
	ErrDecode = errors.New("decode error")
	// ErrMissingField indicates a required payload field is absent.
	ErrMissingField = errors.New("missing required field")
	// ErrInvalidField indicates a payload field has an unusable value.
	ErrInvalidField = errors.New("invalid field value")
)

// DecodeError reports a malformed envelope or payload.
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return "decode: " + e.Reason
	}
	return fmt.Sprintf("decode: %s: %v", e.Reason, e.Err)
}

func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDecode}
	}
	return []error{ErrDecode, e.Err}
}

func missing(field string) error {
	return fmt.Errorf("%w: %s", ErrMissingField, field)
}

func invalid(field string) error {
	return fmt.Errorf("%w: %s", ErrInvalidField, field)
}
