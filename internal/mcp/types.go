package mcp

import (
	"time"

	"github.com/Iminance/realityflow-2/internal/domain/activity"
	"github.com/Iminance/realityflow-2/internal/domain/session"
	"github.com/Iminance/realityflow-2/internal/persistence"
	"github.com/Iminance/realityflow-2/internal/protocol"
)

type ListProjectsParams struct{}

type ProjectSummaryResponse struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Description      string    `json:"description,omitempty"`
	Version          int64     `json:"version"`
	ObjectCount      int       `json:"object_count"`
	Open             bool      `json:"open"`
	Halted           bool      `json:"halted,omitempty"`
	ConnectedClients int       `json:"connected_clients"`
	LastModified     time.Time `json:"last_modified"`
}

type ListProjectsResult struct {
	Projects []ProjectSummaryResponse `json:"projects"`
}

type ProjectParams struct {
	ProjectID string `json:"project_id" jsonschema:"Project ID"`
}

type GetProjectStateParams struct {
	ProjectID      string `json:"project_id" jsonschema:"Project ID"`
	IncludeObjects bool   `json:"include_objects,omitempty" jsonschema:"Include every object record in the response"`
}

type ProjectStateResult struct {
	ProjectID   string                  `json:"project_id"`
	Version     int64                   `json:"version"`
	ObjectCount int                     `json:"object_count"`
	Tombstones  int                     `json:"tombstones"`
	Halted      bool                    `json:"halted"`
	HaltReason  string                  `json:"halt_reason,omitempty"`
	Backlog     int                     `json:"persistence_backlog"`
	Objects     []protocol.ObjectRecord `json:"objects,omitempty"`
}

type ListCheckoutsResult struct {
	Checkouts []protocol.CheckoutRecord `json:"checkouts"`
}

type ListClientsParams struct {
	ProjectID string `json:"project_id,omitempty" jsonschema:"Only clients bound to this project"`
}

type ListClientsResult struct {
	Clients []session.ClientInfo `json:"clients"`
}

type RevokeCheckoutParams struct {
	ProjectID string `json:"project_id" jsonschema:"Project ID"`
	ObjectID  string `json:"object_id" jsonschema:"Object whose checkout is revoked"`
}

type RevokeCheckoutResult struct {
	Revoked bool `json:"revoked"`
}

type ResumeProjectResult struct {
	Resumed bool  `json:"resumed"`
	Version int64 `json:"version"`
}

type RecentActivityParams struct {
	ProjectID string  `json:"project_id,omitempty" jsonschema:"Project ID"`
	ObjectID  *string `json:"object_id,omitempty" jsonschema:"Only entries about this object"`
	ClientID  *string `json:"client_id,omitempty" jsonschema:"Only entries caused by this client"`
	Limit     int     `json:"limit,omitempty" jsonschema:"Maximum number of entries (default 50)"`
}

type RecentActivityResult struct {
	Entries []activity.Entry `json:"entries"`
}

type DeleteProjectParams struct {
	ProjectID string `json:"project_id" jsonschema:"Project ID"`
	Force     bool   `json:"force,omitempty" jsonschema:"Disconnect clients bound to the project instead of refusing"`
}

type DeleteProjectResult struct {
	Deleted             bool `json:"deleted"`
	DisconnectedClients int  `json:"disconnected_clients"`
	RevokedCheckouts    int  `json:"revoked_checkouts"`
}

type CreateAPIKeyParams struct {
	UserID      string `json:"user_id" jsonschema:"User the key authenticates as"`
	Description string `json:"description,omitempty" jsonschema:"Free-form note, e.g. the device the key is for"`
}

type CreateAPIKeyResult struct {
	Token string             `json:"token"`
	Key   persistence.APIKey `json:"key"`
}

type ListAPIKeysParams struct {
	UserID string `json:"user_id,omitempty" jsonschema:"Only keys of this user"`
}

type ListAPIKeysResult struct {
	Keys []persistence.APIKey `json:"keys"`
}

type RevokeAPIKeyParams struct {
	KeyID string `json:"key_id" jsonschema:"Key ID as shown by list_api_keys"`
}

type RevokeAPIKeyResult struct {
	Revoked bool `json:"revoked"`
}
