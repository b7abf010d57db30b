package scene

import (
	"math"
	"strings"
)

// Patch is a partial object update. Nil fields are left unchanged.
type Patch struct {
	Name    *string
	X, Y, Z *float64

	QX, QY, QZ, QW *float64
	SX, SY, SZ     *float64

	Color   *Color
	MeshRef *string
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.Name == nil && p.MeshRef == nil && p.Color == nil && len(p.floats()) == 0
}

func (p Patch) floats() []*float64 {
	var out []*float64
	for _, v := range []*float64{p.X, p.Y, p.Z, p.QX, p.QY, p.QZ, p.QW, p.SX, p.SY, p.SZ} {
		if v != nil {
			out = append(out, v)
		}
	}
	if p.Color != nil {
		out = append(out, &p.Color.R, &p.Color.G, &p.Color.B, &p.Color.A)
	}
	return out
}

// Validate rejects non-finite numbers.
func (p Patch) Validate() error {
	for _, v := range p.floats() {
		if math.IsNaN(*v) || math.IsInf(*v, 0) {
			return ErrInvalidInput
		}
	}
	if p.Name != nil && len(*p.Name) > 256 {
		return ErrInvalidInput
	}
	return nil
}

// Apply returns obj with the patch applied.
func (p Patch) Apply(obj SceneObject) SceneObject {
	set := func(dst *float64, src *float64) {
		if src != nil {
			*dst = *src
		}
	}
	if p.Name != nil {
		obj.Name = strings.TrimSpace(*p.Name)
	}
	set(&obj.Transform.Position.X, p.X)
	set(&obj.Transform.Position.Y, p.Y)
	set(&obj.Transform.Position.Z, p.Z)
	set(&obj.Transform.Rotation.X, p.QX)
	set(&obj.Transform.Rotation.Y, p.QY)
	set(&obj.Transform.Rotation.Z, p.QZ)
	set(&obj.Transform.Rotation.W, p.QW)
	set(&obj.Transform.Scale.X, p.SX)
	set(&obj.Transform.Scale.Y, p.SY)
	set(&obj.Transform.Scale.Z, p.SZ)
	if p.Color != nil {
		obj.Color = *p.Color
	}
	if p.MeshRef != nil {
		obj.MeshRef = *p.MeshRef
	}
	return obj
}

// NewObject describes an object to create. An empty ID is generated.
type NewObject struct {
	ID string
	Patch
}
