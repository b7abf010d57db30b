package protocol

import (
	"math"
	"strings"
	"time"
)

// Color is an RGBA color with components in [0,1].
type Color struct {
	R float64 `json:"r"`
	G float64 `json:"g"`
	B float64 `json:"b"`
	A float64 `json:"a"`
}

// ObjectRecord is the flat wire form of a scene object.
type ObjectRecord struct {
	ID             string  `json:"id"`
	Name           string  `json:"name,omitempty"`
	X              float64 `json:"x"`
	Y              float64 `json:"y"`
	Z              float64 `json:"z"`
	QX             float64 `json:"q_x"`
	QY             float64 `json:"q_y"`
	QZ             float64 `json:"q_z"`
	QW             float64 `json:"q_w"`
	SX             float64 `json:"s_x"`
	SY             float64 `json:"s_y"`
	SZ             float64 `json:"s_z"`
	Color          Color   `json:"color"`
	MeshRef        string  `json:"meshRef,omitempty"`
	Version        int64   `json:"version,omitempty"`
	CheckoutHolder string  `json:"checkoutHolder,omitempty"`
}

// ObjectFields carries optional object attributes. Absent fields keep their
// current (or default) value.
type ObjectFields struct {
	Name    *string  `json:"name,omitempty"`
	X       *float64 `json:"x,omitempty"`
	Y       *float64 `json:"y,omitempty"`
	Z       *float64 `json:"z,omitempty"`
	QX      *float64 `json:"q_x,omitempty"`
	QY      *float64 `json:"q_y,omitempty"`
	QZ      *float64 `json:"q_z,omitempty"`
	QW      *float64 `json:"q_w,omitempty"`
	SX      *float64 `json:"s_x,omitempty"`
	SY      *float64 `json:"s_y,omitempty"`
	SZ      *float64 `json:"s_z,omitempty"`
	Color   *Color   `json:"color,omitempty"`
	MeshRef *string  `json:"meshRef,omitempty"`
}

// Empty reports whether no field is set.
func (f ObjectFields) Empty() bool {
	return f.Name == nil && f.MeshRef == nil && f.Color == nil && len(f.numbers()) == 0
}

func (f ObjectFields) numbers() map[string]float64 {
	out := make(map[string]float64)
	for name, ptr := range map[string]*float64{
		"x": f.X, "y": f.Y, "z": f.Z,
		"q_x": f.QX, "q_y": f.QY, "q_z": f.QZ, "q_w": f.QW,
		"s_x": f.SX, "s_y": f.SY, "s_z": f.SZ,
	} {
		if ptr != nil {
			out[name] = *ptr
		}
	}
	if f.Color != nil {
		out["color.r"] = f.Color.R
		out["color.g"] = f.Color.G
		out["color.b"] = f.Color.B
		out["color.a"] = f.Color.A
	}
	return out
}

func (f ObjectFields) validateNumbers() error {
	for name, v := range f.numbers() {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return invalid(name)
		}
	}
	return nil
}

// ProjectCreatePayload is the PROJECT_CREATE request.
type ProjectCreatePayload struct {
	ID          string `json:"id,omitempty"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (p ProjectCreatePayload) Validate() error {
	if strings.TrimSpace(p.Name) == "" {
		return missing("name")
	}
	return nil
}

// ProjectFetchPayload is the PROJECT_FETCH request.
type ProjectFetchPayload struct {
	ProjectID string `json:"projectId"`
	DeviceID  string `json:"deviceId"`
}

func (p ProjectFetchPayload) Validate() error {
	if strings.TrimSpace(p.ProjectID) == "" {
		return missing("projectId")
	}
	if strings.TrimSpace(p.DeviceID) == "" {
		return missing("deviceId")
	}
	return nil
}

// ProjectSyncPayload is the PROJECT_SYNC request.
type ProjectSyncPayload struct {
	LastSyncedVersion *int64 `json:"lastSyncedVersion"`
}

func (p ProjectSyncPayload) Validate() error {
	if p.LastSyncedVersion == nil {
		return missing("lastSyncedVersion")
	}
	if *p.LastSyncedVersion < 0 {
		return invalid("lastSyncedVersion")
	}
	return nil
}

// NewObject describes an object to create. ID is generated when empty.
type NewObject struct {
	ID string `json:"id,omitempty"`
	ObjectFields
}

// ObjectCreatePayload is the OBJECT_CREATE request.
type ObjectCreatePayload struct {
	ProjectID string    `json:"projectId,omitempty"`
	Object    NewObject `json:"object"`
	Checkout  bool      `json:"checkout,omitempty"`
}

func (p ObjectCreatePayload) Validate() error {
	return p.Object.validateNumbers()
}

// ObjectUpdatePayload is the OBJECT_UPDATE request.
type ObjectUpdatePayload struct {
	ProjectID string `json:"projectId,omitempty"`
	ObjectID  string `json:"objectId"`
	ObjectFields
}

func (p ObjectUpdatePayload) Validate() error {
	if strings.TrimSpace(p.ObjectID) == "" {
		return missing("objectId")
	}
	if p.ObjectFields.Empty() {
		return missing("object fields")
	}
	return p.validateNumbers()
}

// ObjectDeletePayload is the OBJECT_DELETE request.
type ObjectDeletePayload struct {
	ProjectID string `json:"projectId,omitempty"`
	ObjectID  string `json:"objectId"`
	Force     bool   `json:"force,omitempty"`
}

func (p ObjectDeletePayload) Validate() error {
	if strings.TrimSpace(p.ObjectID) == "" {
		return missing("objectId")
	}
	return nil
}

// CheckoutPayload is the OBJECT_CHECKOUT_ACQUIRE and _RELEASE request.
type CheckoutPayload struct {
	ProjectID string `json:"projectId,omitempty"`
	ObjectID  string `json:"objectId"`
}

func (p CheckoutPayload) Validate() error {
	if strings.TrimSpace(p.ObjectID) == "" {
		return missing("objectId")
	}
	return nil
}

// ProjectRecord describes project metadata.
type ProjectRecord struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Description  string    `json:"description,omitempty"`
	Version      int64     `json:"version"`
	LastModified time.Time `json:"lastModified"`
	CreatedAt    time.Time `json:"createdAt"`
}

// ProjectListReply answers PROJECT_LIST.
type ProjectListReply struct {
	Projects []ProjectRecord `json:"projects"`
}

// Sync reply modes.
const (
	ModeFull  = "full"
	ModeDelta = "delta"
)

// SyncReply answers PROJECT_FETCH and PROJECT_SYNC, and is pushed as
// PROJECT_SNAPSHOT when a client falls too far behind. A full reply always
// carries an objects array and a delta reply a mutations array, even when
// empty.
type SyncReply struct {
	ProjectID string           `json:"projectId"`
	Version   int64            `json:"version"`
	Mode      string           `json:"mode"`
	Objects   []ObjectRecord   `json:"objects"`
	Mutations []MutationRecord `json:"mutations"`
	Checkouts []CheckoutRecord `json:"checkouts,omitempty"`
}

// MutationRecord is one committed change, pushed as OBJECT_MUTATED.
type MutationRecord struct {
	ProjectID   string        `json:"projectId"`
	Version     int64         `json:"version"`
	Kind        string        `json:"kind"`
	ObjectID    string        `json:"objectId"`
	Object      *ObjectRecord `json:"object,omitempty"`
	Issuer      string        `json:"issuer,omitempty"`
	CommittedAt time.Time     `json:"committedAt"`
}

// ObjectReply answers OBJECT_CREATE.
type ObjectReply struct {
	Object  ObjectRecord    `json:"object"`
	Version int64           `json:"version"`
	Lease   *CheckoutRecord `json:"checkout,omitempty"`
}

// VersionReply answers OBJECT_UPDATE and OBJECT_DELETE.
type VersionReply struct {
	ObjectID string `json:"objectId"`
	Version  int64  `json:"version"`
}

// CheckoutRecord describes a live checkout.
type CheckoutRecord struct {
	ProjectID      string    `json:"projectId"`
	ObjectID       string    `json:"objectId"`
	Holder         string    `json:"holder"`
	AcquiredAt     time.Time `json:"acquiredAt"`
	LeaseExpiresAt time.Time `json:"leaseExpiresAt"`
}

// CheckoutEvent is pushed as CHECKOUT_CHANGED.
type CheckoutEvent struct {
	Kind string `json:"kind"`
	CheckoutRecord
}

// ReleaseReply answers OBJECT_CHECKOUT_RELEASE.
type ReleaseReply struct {
	ObjectID string `json:"objectId"`
}
