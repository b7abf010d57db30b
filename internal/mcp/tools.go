package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/Iminance/realityflow-2/internal/domain/activity"
	"github.com/Iminance/realityflow-2/internal/domain/checkout"
	"github.com/Iminance/realityflow-2/internal/domain/scene"
	"github.com/Iminance/realityflow-2/internal/domain/session"
	"github.com/Iminance/realityflow-2/internal/persistence"
	"github.com/Iminance/realityflow-2/internal/protocol"
	"github.com/Iminance/realityflow-2/internal/repository"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

var errMissingProjectID = errors.New("project_id is required")

type toolset struct {
	services Services
	logger   *slog.Logger
}

func registerTools(server *sdkmcp.Server, services Services, logger *slog.Logger) {
	ts := &toolset{services: services, logger: logger}

	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_projects",
		Description: "List projects with their live version, open state and connected client count",
	}, ts.listProjects)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "get_project_state",
		Description: "Open a project and report its version, halt state and persistence backlog, optionally with every object",
	}, ts.getProjectState)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_checkouts",
		Description: "List active checkouts of a project",
	}, ts.listCheckouts)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_clients",
		Description: "List connected clients, optionally only those bound to a project",
	}, ts.listClients)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "revoke_checkout",
		Description: "Force-revoke the checkout of an object so another client can acquire it",
	}, ts.revokeCheckout)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "resume_project",
		Description: "Resume a project halted after a version ordering violation",
	}, ts.resumeProject)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "recent_activity",
		Description: "Show recent object and checkout activity, newest first",
	}, ts.recentActivity)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "delete_project",
		Description: "Delete a project with its objects and activity. Refuses while clients are bound unless force is set",
	}, ts.deleteProject)

	if services.Keys == nil {
		return
	}
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "create_api_key",
		Description: "Create an API key for a user. The token is shown only in this response",
	}, ts.createAPIKey)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "list_api_keys",
		Description: "List API keys, optionally for one user. Tokens are never shown",
	}, ts.listAPIKeys)
	sdkmcp.AddTool(server, &sdkmcp.Tool{
		Name:        "revoke_api_key",
		Description: "Revoke an API key so it no longer authenticates",
	}, ts.revokeAPIKey)
}

func (ts *toolset) listProjects(ctx context.Context, _ *sdkmcp.CallToolRequest, _ ListProjectsParams) (*sdkmcp.CallToolResult, ListProjectsResult, error) {
	summaries, err := ts.services.Projects.List(ctx)
	if err != nil {
		return nil, ListProjectsResult{}, MapError(err)
	}
	out := ListProjectsResult{Projects: make([]ProjectSummaryResponse, 0, len(summaries))}
	for _, s := range summaries {
		resp := ProjectSummaryResponse{
			ID:           s.ID,
			Name:         s.Name,
			Description:  s.Description,
			Version:      s.Version,
			ObjectCount:  s.ObjectCount,
			LastModified: s.LastModified,
		}
		if store, ok := ts.services.Stores.Get(s.ID); ok {
			resp.Open = true
			resp.Halted, _ = store.Halted()
			snap := store.Snapshot()
			resp.Version = snap.Version
			resp.ObjectCount = len(snap.Objects)
			resp.ConnectedClients = len(ts.services.Sessions.List(s.ID))
		}
		out.Projects = append(out.Projects, resp)
	}
	return nil, out, nil
}

func (ts *toolset) store(ctx context.Context, projectID string) (*scene.Store, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" {
		return nil, &APIError{Code: "INVALID_INPUT", Message: errMissingProjectID.Error()}
	}
	store, err := ts.services.Stores.Open(ctx, projectID)
	if err != nil {
		return nil, MapError(err)
	}
	return store, nil
}

func (ts *toolset) getProjectState(ctx context.Context, _ *sdkmcp.CallToolRequest, in GetProjectStateParams) (*sdkmcp.CallToolResult, ProjectStateResult, error) {
	store, err := ts.store(ctx, in.ProjectID)
	if err != nil {
		return nil, ProjectStateResult{}, err
	}
	snap := store.Snapshot()
	halted, reason := store.Halted()
	out := ProjectStateResult{
		ProjectID:   snap.ProjectID,
		Version:     snap.Version,
		ObjectCount: len(snap.Objects),
		Tombstones:  len(snap.Tombstones),
		Halted:      halted,
		HaltReason:  reason,
		Backlog:     store.Backlog(),
	}
	if in.IncludeObjects {
		holders := make(map[string]string)
		for _, rec := range ts.services.Checkouts.List(snap.ProjectID) {
			holders[rec.ObjectID] = rec.Holder
		}
		out.Objects = make([]protocol.ObjectRecord, 0, len(snap.Objects))
		for _, obj := range snap.Objects {
			out.Objects = append(out.Objects, protocol.ObjectFromScene(obj, holders[obj.ID]))
		}
	}
	return nil, out, nil
}

func (ts *toolset) listCheckouts(_ context.Context, _ *sdkmcp.CallToolRequest, in ProjectParams) (*sdkmcp.CallToolResult, ListCheckoutsResult, error) {
	if strings.TrimSpace(in.ProjectID) == "" {
		return nil, ListCheckoutsResult{}, &APIError{Code: "INVALID_INPUT", Message: errMissingProjectID.Error()}
	}
	out := ListCheckoutsResult{Checkouts: []protocol.CheckoutRecord{}}
	for _, rec := range ts.services.Checkouts.List(in.ProjectID) {
		out.Checkouts = append(out.Checkouts, protocol.CheckoutFromRecord(rec))
	}
	return nil, out, nil
}

func (ts *toolset) listClients(_ context.Context, _ *sdkmcp.CallToolRequest, in ListClientsParams) (*sdkmcp.CallToolResult, ListClientsResult, error) {
	clients := ts.services.Sessions.List(strings.TrimSpace(in.ProjectID))
	if clients == nil {
		clients = []session.ClientInfo{}
	}
	return nil, ListClientsResult{Clients: clients}, nil
}

func (ts *toolset) revokeCheckout(ctx context.Context, _ *sdkmcp.CallToolRequest, in RevokeCheckoutParams) (*sdkmcp.CallToolResult, RevokeCheckoutResult, error) {
	key := checkout.Key{ProjectID: strings.TrimSpace(in.ProjectID), ObjectID: strings.TrimSpace(in.ObjectID)}
	if key.ProjectID == "" || key.ObjectID == "" {
		return nil, RevokeCheckoutResult{}, &APIError{Code: "INVALID_INPUT", Message: "project_id and object_id are required"}
	}
	revoked := ts.services.Checkouts.Revoke(key)
	ts.logger.Info("checkout revoked by operator",
		"project_id", key.ProjectID,
		"object_id", key.ObjectID,
		"user_id", getUserID(ctx),
		"revoked", revoked,
	)
	return nil, RevokeCheckoutResult{Revoked: revoked}, nil
}

func (ts *toolset) resumeProject(ctx context.Context, _ *sdkmcp.CallToolRequest, in ProjectParams) (*sdkmcp.CallToolResult, ResumeProjectResult, error) {
	store, err := ts.store(ctx, in.ProjectID)
	if err != nil {
		return nil, ResumeProjectResult{}, err
	}
	resumed := store.Resume()
	ts.logger.Warn("project resumed by operator",
		"project_id", store.ProjectID(),
		"user_id", getUserID(ctx),
		"resumed", resumed,
	)
	return nil, ResumeProjectResult{Resumed: resumed, Version: store.Version()}, nil
}

func (ts *toolset) recentActivity(ctx context.Context, _ *sdkmcp.CallToolRequest, in RecentActivityParams) (*sdkmcp.CallToolResult, RecentActivityResult, error) {
	entries, err := ts.services.Activity.GetRecentActivity(ctx, activity.ListOptions{
		ProjectID: strings.TrimSpace(in.ProjectID),
		ObjectID:  in.ObjectID,
		ClientID:  in.ClientID,
		Limit:     in.Limit,
	})
	if err != nil {
		return nil, RecentActivityResult{}, MapError(err)
	}
	if entries == nil {
		entries = []activity.Entry{}
	}
	return nil, RecentActivityResult{Entries: entries}, nil
}

func (ts *toolset) deleteProject(ctx context.Context, _ *sdkmcp.CallToolRequest, in DeleteProjectParams) (*sdkmcp.CallToolResult, DeleteProjectResult, error) {
	projectID := strings.TrimSpace(in.ProjectID)
	if projectID == "" {
		return nil, DeleteProjectResult{}, &APIError{Code: "INVALID_INPUT", Message: errMissingProjectID.Error()}
	}
	if _, err := ts.services.Projects.Get(ctx, projectID); err != nil {
		return nil, DeleteProjectResult{}, MapError(err)
	}

	clients := ts.services.Sessions.List(projectID)
	if len(clients) > 0 && !in.Force {
		return nil, DeleteProjectResult{}, &APIError{
			Code:         "PROJECT_IN_USE",
			Message:      fmt.Sprintf("%d clients are bound to project %s", len(clients), projectID),
			RecoveryHint: "Set force to disconnect them",
		}
	}

	var out DeleteProjectResult
	for _, c := range clients {
		ts.services.Sessions.Disconnect(c.ID)
		out.DisconnectedClients++
	}
	ts.services.Stores.Drop(projectID)
	for _, rec := range ts.services.Checkouts.List(projectID) {
		ts.services.Checkouts.Forget(rec.Key)
		out.RevokedCheckouts++
	}

	if err := ts.services.Projects.Delete(ctx, projectID); err != nil {
		return nil, DeleteProjectResult{}, MapError(err)
	}
	out.Deleted = true
	ts.logger.Warn("project deleted by operator",
		"project_id", projectID,
		"user_id", getUserID(ctx),
		"disconnected_clients", out.DisconnectedClients,
	)
	return nil, out, nil
}

// keyError maps key store errors; the client protocol has no key errors.
func keyError(err error) error {
	switch {
	case errors.Is(err, repository.ErrNotFound):
		return &APIError{Code: "NOT_FOUND", Message: "api key not found", RecoveryHint: "Check the key_id with list_api_keys"}
	case errors.Is(err, repository.ErrInvalidInput):
		return &APIError{Code: "INVALID_INPUT", Message: "user_id is required"}
	default:
		return &APIError{Code: "PERSISTENCE_UNAVAILABLE", Message: "key storage unavailable", RecoveryHint: "Retry later"}
	}
}

func (ts *toolset) createAPIKey(ctx context.Context, _ *sdkmcp.CallToolRequest, in CreateAPIKeyParams) (*sdkmcp.CallToolResult, CreateAPIKeyResult, error) {
	userID := strings.TrimSpace(in.UserID)
	token, key, err := ts.services.Keys.CreateKey(ctx, userID, strings.TrimSpace(in.Description))
	if err != nil {
		return nil, CreateAPIKeyResult{}, keyError(err)
	}
	ts.logger.Info("api key created", "key_user_id", userID, "user_id", getUserID(ctx))
	return nil, CreateAPIKeyResult{Token: token, Key: key}, nil
}

func (ts *toolset) listAPIKeys(ctx context.Context, _ *sdkmcp.CallToolRequest, in ListAPIKeysParams) (*sdkmcp.CallToolResult, ListAPIKeysResult, error) {
	keys, err := ts.services.Keys.ListKeys(ctx, strings.TrimSpace(in.UserID))
	if err != nil {
		return nil, ListAPIKeysResult{}, keyError(err)
	}
	if keys == nil {
		keys = []persistence.APIKey{}
	}
	return nil, ListAPIKeysResult{Keys: keys}, nil
}

func (ts *toolset) revokeAPIKey(ctx context.Context, _ *sdkmcp.CallToolRequest, in RevokeAPIKeyParams) (*sdkmcp.CallToolResult, RevokeAPIKeyResult, error) {
	keyID := strings.TrimSpace(in.KeyID)
	if keyID == "" {
		return nil, RevokeAPIKeyResult{}, &APIError{Code: "INVALID_INPUT", Message: "key_id is required"}
	}
	if err := ts.services.Keys.RevokeKey(ctx, keyID); err != nil {
		return nil, RevokeAPIKeyResult{}, keyError(err)
	}
	ts.logger.Warn("api key revoked", "key_id", keyID, "user_id", getUserID(ctx))
	return nil, RevokeAPIKeyResult{Revoked: true}, nil
}
