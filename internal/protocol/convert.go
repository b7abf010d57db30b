package protocol

import (
	"github.com/Iminance/realityflow-2/internal/domain/checkout"
	"github.com/Iminance/realityflow-2/internal/domain/reconcile"
	"github.com/Iminance/realityflow-2/internal/domain/scene"
)

// ObjectFromScene flattens a scene object into its wire record.
func ObjectFromScene(obj scene.SceneObject, holder string) ObjectRecord {
	t := obj.Transform
	return ObjectRecord{
		ID:             obj.ID,
		Name:           obj.Name,
		X:              t.Position.X,
		Y:              t.Position.Y,
		Z:              t.Position.Z,
		QX:             t.Rotation.X,
		QY:             t.Rotation.Y,
		QZ:             t.Rotation.Z,
		QW:             t.Rotation.W,
		SX:             t.Scale.X,
		SY:             t.Scale.Y,
		SZ:             t.Scale.Z,
		Color:          Color(obj.Color),
		MeshRef:        obj.MeshRef,
		Version:        obj.Version,
		CheckoutHolder: holder,
	}
}

// MutationFromScene converts a committed mutation.
func MutationFromScene(m scene.Mutation) MutationRecord {
	rec := MutationRecord{
		ProjectID:   m.ProjectID,
		Version:     m.Version,
		Kind:        string(m.Kind),
		ObjectID:    m.ObjectID,
		Issuer:      m.Issuer,
		CommittedAt: m.CommittedAt,
	}
	if m.Object != nil {
		obj := ObjectFromScene(*m.Object, "")
		rec.Object = &obj
	}
	return rec
}

// CheckoutFromRecord converts a checkout record.
func CheckoutFromRecord(r checkout.Record) CheckoutRecord {
	return CheckoutRecord{
		ProjectID:      r.ProjectID,
		ObjectID:       r.ObjectID,
		Holder:         r.Holder,
		AcquiredAt:     r.AcquiredAt,
		LeaseExpiresAt: r.LeaseExpiresAt,
	}
}

// CheckoutEventFrom converts a checkout transition.
func CheckoutEventFrom(ev checkout.Event) CheckoutEvent {
	return CheckoutEvent{Kind: string(ev.Kind), CheckoutRecord: CheckoutFromRecord(ev.Record)}
}

// SyncReplyFrom builds a fetch/sync reply. Full replies carry the active
// checkouts so object records can name their holder.
func SyncReplyFrom(r reconcile.Result, checkouts []checkout.Record) SyncReply {
	reply := SyncReply{
		ProjectID: r.ProjectID,
		Version:   r.Version,
		Mode:      string(r.Mode),
	}
	if r.Mode == reconcile.ModeFull {
		holders := make(map[string]string, len(checkouts))
		for _, c := range checkouts {
			holders[c.ObjectID] = c.Holder
		}
		reply.Objects = make([]ObjectRecord, 0, len(r.Objects))
		for _, obj := range r.Objects {
			reply.Objects = append(reply.Objects, ObjectFromScene(obj, holders[obj.ID]))
		}
		for _, c := range checkouts {
			reply.Checkouts = append(reply.Checkouts, CheckoutFromRecord(c))
		}
		return reply
	}
	reply.Mutations = make([]MutationRecord, 0, len(r.Mutations))
	for _, m := range r.Mutations {
		reply.Mutations = append(reply.Mutations, MutationFromScene(m))
	}
	return reply
}

// Patch converts optional wire fields into a scene patch.
func (f ObjectFields) Patch() scene.Patch {
	p := scene.Patch{
		Name:    f.Name,
		X:       f.X,
		Y:       f.Y,
		Z:       f.Z,
		QX:      f.QX,
		QY:      f.QY,
		QZ:      f.QZ,
		QW:      f.QW,
		SX:      f.SX,
		SY:      f.SY,
		SZ:      f.SZ,
		MeshRef: f.MeshRef,
	}
	if f.Color != nil {
		c := scene.Color(*f.Color)
		p.Color = &c
	}
	return p
}
