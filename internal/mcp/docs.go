package mcp

import (
	"context"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

const serverInstructions = `realityflow-admin inspects and repairs the live state of the scene coordinator.

Core concepts:
- Project: a shared 3D scene. Every committed mutation increments its version.
- Checkout: an exclusive, leased edit right on one object, held by one connected client.
- Halted project: a store that detected a version ordering violation and refuses mutations until resumed.

Typical workflow:
1) list_projects to see which projects are open and who is connected.
2) get_project_state for version, halt state and pending persistence writes.
3) list_checkouts / list_clients to find who holds what.
4) revoke_checkout to free an object held by a stuck client.
5) resume_project only after checking recent_activity for the cause of a halt.

Provisioning:
- create_api_key issues a bearer token for a user; it is shown once. list_api_keys and revoke_api_key manage existing keys by key_id.
- delete_project removes a project with its objects and activity. It refuses while clients are bound unless force is set.

Docs:
- realityflow://docs/protocol (command and error codes)
`

type docResource struct {
	URI         string
	Name        string
	Title       string
	Description string
	Content     string
}

var docResources = []docResource{
	{
		URI:         "realityflow://docs/protocol",
		Name:        "protocol",
		Title:       "Client protocol reference",
		Description: "Command codes, push frames and error codes of the client WebSocket protocol.",
		Content: `# Client protocol

Frames are envelopes {command, payload, correlationId, error}. Text frames carry
JSON (subprotocol realityflow.json), binary frames carry CBOR (realityflow.cbor).

## Commands

| Code | Name | Notes |
|---|---|---|
| 100 | PROJECT_CREATE | {id?, name, description?} |
| 101 | PROJECT_FETCH | binds the connection; full snapshot or delta on reconnect |
| 102 | PROJECT_LIST | project summaries |
| 103 | PROJECT_SYNC | {lastSyncedVersion} |
| 200 | OBJECT_CREATE | {object, checkout?} |
| 201 | OBJECT_UPDATE | requires the checkout |
| 202 | OBJECT_DELETE | requires the checkout unless force |
| 300 | OBJECT_CHECKOUT_ACQUIRE | leased, renewed by acquiring again |
| 301 | OBJECT_CHECKOUT_RELEASE | holder only |

## Pushes

| Code | Name |
|---|---|
| 900 | OBJECT_MUTATED |
| 901 | CHECKOUT_CHANGED |
| 902 | PROJECT_SNAPSHOT |
| 999 | ERROR |

## Error codes

DECODE_ERROR, UNKNOWN_COMMAND, HANDLER_FAILURE, NOT_CHECKED_OUT,
ALREADY_CHECKED_OUT, NOT_HOLDER, NOT_FOUND, OBJECT_EXISTS, PROJECT_EXISTS,
INVALID_INPUT, PROJECT_NOT_OPEN, PERSISTENCE_UNAVAILABLE, VERSION_CORRUPT.

VERSION_CORRUPT is the only condition clients cannot recover from; an operator
must call resume_project.
`,
	},
}

func registerDocResources(server *sdkmcp.Server) {
	for _, doc := range docResources {
		server.AddResource(&sdkmcp.Resource{
			URI:         doc.URI,
			Name:        doc.Name,
			Title:       doc.Title,
			Description: doc.Description,
			MIMEType:    "text/markdown",
			Size:        int64(len(doc.Content)),
		}, func(_ context.Context, req *sdkmcp.ReadResourceRequest) (*sdkmcp.ReadResourceResult, error) {
			uri := doc.URI
			if req != nil && req.Params != nil && req.Params.URI != "" {
				uri = req.Params.URI
			}
			return &sdkmcp.ReadResourceResult{
				Contents: []*sdkmcp.ResourceContents{{
					URI:      uri,
					MIMEType: "text/markdown",
					Text:     doc.Content,
				}},
			}, nil
		})
	}
}
