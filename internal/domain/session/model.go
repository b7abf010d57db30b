package session

import (
	"sync"
	"time"

	"github.com/Iminance/realityflow-2/internal/domain/reconcile"
)

// Client is the per-connection context. mu guards the bound project and
// snapshot, and orders every sync frame sent to the client.
type Client struct {
	ID          string
	UserID      string
	ConnectedAt time.Time

	conn Conn

	mu        sync.Mutex
	deviceID  string
	projectID string
	snapshot  *reconcile.ClientSnapshot
}

// ProjectID returns the bound project, or "" before PROJECT_FETCH.
func (c *Client) ProjectID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.projectID
}

// DeviceID returns the client's device id.
func (c *Client) DeviceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deviceID
}

// Info returns a point-in-time description of the client.
func (c *Client) Info() ClientInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := ClientInfo{
		ID:                c.ID,
		DeviceID:          c.deviceID,
		UserID:            c.UserID,
		ProjectID:         c.projectID,
		LastSyncedVersion: -1,
		ConnectedAt:       c.ConnectedAt,
	}
	if c.snapshot != nil {
		info.LastSyncedVersion = c.snapshot.LastSyncedVersion
	}
	return info
}

// ClientInfo provides information about a connected client
type ClientInfo struct {
	ID                string    `json:"id"`
	DeviceID          string    `json:"device_id"`
	UserID            string    `json:"user_id,omitempty"`
	ProjectID         string    `json:"project_id,omitempty"`
	LastSyncedVersion int64     `json:"last_synced_version"`
	ConnectedAt       time.Time `json:"connected_at"`
}

type retainKey struct {
	deviceID  string
	projectID string
}

type retained struct {
	snapshot *reconcile.ClientSnapshot
	expires  time.Time
}
