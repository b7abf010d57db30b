package mcp

import (
	"fmt"

	"github.com/Iminance/realityflow-2/internal/commands"
)

// APIError represents an MCP error response.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	Details      any    `json:"details,omitempty"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

func (e *APIError) Error() string {
	if e.RecoveryHint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.RecoveryHint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// MapError maps domain errors to the same codes the client protocol uses.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	body := commands.MapError(err)
	return &APIError{
		Code:         body.Code,
		Message:      body.Message,
		Details:      body.Details,
		RecoveryHint: body.RecoveryHint,
	}
}
