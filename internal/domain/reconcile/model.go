package reconcile

import "github.com/Iminance/realityflow-2/internal/domain/scene"

// Mode tells the client how to apply a Result.
type Mode string

const (
	ModeFull  Mode = "full"
	ModeDelta Mode = "delta"
)

// Result is what a client needs to reach Version. A full result replaces
// the client's state with Objects; a delta result carries the committed
// mutations after the client's last synced version, in order.
type Result struct {
	ProjectID string
	Mode      Mode
	Version   int64
	Objects   []scene.SceneObject
	Mutations []scene.Mutation
	// Reason explains a full result produced for a delta request.
	Reason string
}

// Source is the store view the engine reads.
type Source interface {
	ProjectID() string
	Snapshot() scene.ProjectState
	Since(after int64) ([]scene.Mutation, int64, error)
	Halt(reason string)
}
