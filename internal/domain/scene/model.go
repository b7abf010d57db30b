package scene

import "time"

// Vec3 is a position or scale.
type Vec3 struct {
	X, Y, Z float64
}

// Quat is a rotation quaternion.
type Quat struct {
	X, Y, Z, W float64
}

// Transform places an object in the scene.
type Transform struct {
	Position Vec3
	Rotation Quat
	Scale    Vec3
}

// IdentityTransform is the transform of a freshly created object.
var IdentityTransform = Transform{
	Rotation: Quat{W: 1},
	Scale:    Vec3{X: 1, Y: 1, Z: 1},
}

// Color is RGBA.
type Color struct {
	R, G, B, A float64
}

// White is the default object color.
var White = Color{R: 1, G: 1, B: 1, A: 1}

// SceneObject is one object of a project. Version is the project version of
// the last mutation that touched it.
type SceneObject struct {
	ID        string
	Name      string
	Transform Transform
	Color     Color
	MeshRef   string
	Version   int64
}

// MutationKind names the kind of a committed change.
type MutationKind string

const (
	KindCreate MutationKind = "create"
	KindUpdate MutationKind = "update"
	KindDelete MutationKind = "delete"
)

// Mutation is one entry of the committed log. Object holds the post-state
// and is nil for deletes.
type Mutation struct {
	Version     int64
	Kind        MutationKind
	ProjectID   string
	ObjectID    string
	Object      *SceneObject
	Issuer      string
	CommittedAt time.Time
}

// ProjectState is a consistent view of a project at Version. Objects are
// ordered by id.
type ProjectState struct {
	ProjectID  string
	Version    int64
	Objects    []SceneObject
	Tombstones []string
}
