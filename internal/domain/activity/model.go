package activity

import (
	"errors"
	"time"
)

// ErrInvalidInput indicates a nil or incomplete entry.
var ErrInvalidInput = errors.New("invalid activity input")

// Type represents the type of activity event
type Type string

const (
	TypeObjectCreated      Type = "object_created"
	TypeObjectDeleted      Type = "object_deleted"
	TypeCheckoutAcquired   Type = "checkout_acquired"
	TypeCheckoutReleased   Type = "checkout_released"
	TypeCheckoutExpired    Type = "checkout_expired"
	TypeCheckoutRevoked    Type = "checkout_revoked"
	TypeClientConnected    Type = "client_connected"
	TypeClientDisconnected Type = "client_disconnected"
	TypeProjectHalted      Type = "project_halted"
)

// Entry represents an event in the activity log
type Entry struct {
	ID        int64     `json:"id"`
	ProjectID string    `json:"project_id"`
	ClientID  *string   `json:"client_id,omitempty"`
	ObjectID  *string   `json:"object_id,omitempty"`
	Type      Type      `json:"type"`
	Summary   string    `json:"summary"`
	Details   string    `json:"details,omitempty"` // JSON string
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// ListOptions provides filtering options for listing activity.
type ListOptions struct {
	ProjectID string
	ObjectID  *string
	ClientID  *string
	Type      *Type
	Limit     int
	Offset    int
}
