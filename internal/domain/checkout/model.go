package checkout

import "time"

// Key identifies one object within one project.
type Key struct {
	ProjectID string
	ObjectID  string
}

func (k Key) valid() bool {
	return k.ProjectID != "" && k.ObjectID != ""
}

// Record is a live checkout. Absence of a record means the object is free.
type Record struct {
	Key
	Holder         string
	AcquiredAt     time.Time
	LeaseExpiresAt time.Time
}

// Expired reports whether the lease has lapsed at now.
func (r Record) Expired(now time.Time) bool {
	return now.After(r.LeaseExpiresAt)
}

// EventKind names a checkout state transition.
type EventKind string

const (
	EventAcquired EventKind = "acquired"
	EventRenewed  EventKind = "renewed"
	EventReleased EventKind = "released"
	EventExpired  EventKind = "expired"
	EventRevoked  EventKind = "revoked"
)

// Event describes one transition. Record is the state before a release,
// expiry or revoke, and after an acquire or renew.
type Event struct {
	Kind   EventKind
	Record Record
}

// Observer receives checkout events. It is called synchronously after the
// transition is committed and must not block.
type Observer func(Event)
