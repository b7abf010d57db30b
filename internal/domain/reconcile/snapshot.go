package reconcile

import "github.com/Iminance/realityflow-2/internal/domain/scene"

// ClientSnapshot is what the server believes one client has applied.
type ClientSnapshot struct {
	ProjectID         string
	LastSyncedVersion int64
	Known             map[string]int64
}

// NewClientSnapshot creates an empty snapshot for projectID. An empty
// snapshot always reconciles through a full result.
func NewClientSnapshot(projectID string) *ClientSnapshot {
	return &ClientSnapshot{ProjectID: projectID, LastSyncedVersion: -1, Known: make(map[string]int64)}
}

// Synced reports whether the snapshot has received at least one result.
func (c *ClientSnapshot) Synced() bool {
	return c != nil && c.LastSyncedVersion >= 0
}

// ApplyFull replaces the snapshot with a full state.
func (c *ClientSnapshot) ApplyFull(version int64, objects []scene.SceneObject) {
	c.Known = make(map[string]int64, len(objects))
	for _, obj := range objects {
		c.Known[obj.ID] = obj.Version
	}
	c.LastSyncedVersion = version
}

// Apply records one mutation. It returns false, leaving the snapshot
// untouched, when the mutation is not newer than what the client has.
func (c *ClientSnapshot) Apply(m scene.Mutation) bool {
	if m.Version <= c.LastSyncedVersion {
		return false
	}
	if known, ok := c.Known[m.ObjectID]; ok && m.Version <= known {
		return false
	}
	if m.Kind == scene.KindDelete {
		delete(c.Known, m.ObjectID)
	} else {
		c.Known[m.ObjectID] = m.Version
	}
	c.LastSyncedVersion = m.Version
	return true
}

// ApplyResult applies r and returns the mutations that were new to the
// client. For a full result it returns nil.
func (c *ClientSnapshot) ApplyResult(r Result) []scene.Mutation {
	if r.Mode == ModeFull {
		c.ApplyFull(r.Version, r.Objects)
		return nil
	}
	var applied []scene.Mutation
	for _, m := range r.Mutations {
		if c.Apply(m) {
			applied = append(applied, m)
		}
	}
	if r.Version > c.LastSyncedVersion && len(r.Mutations) == 0 {
		c.LastSyncedVersion = r.Version
	}
	return applied
}

// Clone returns a deep copy.
func (c *ClientSnapshot) Clone() *ClientSnapshot {
	if c == nil {
		return nil
	}
	known := make(map[string]int64, len(c.Known))
	for k, v := range c.Known {
		known[k] = v
	}
	return &ClientSnapshot{ProjectID: c.ProjectID, LastSyncedVersion: c.LastSyncedVersion, Known: known}
}
