package checkout

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultLeaseDuration is used when Options.LeaseDuration is zero.
const DefaultLeaseDuration = 30 * time.Second

// Options configures a Manager.
type Options struct {
	LeaseDuration time.Duration
	// Clock overrides time.Now, mainly for tests.
	Clock  func() time.Time
	Logger *slog.Logger
}

// slot holds the checkout state of one object; a nil rec means free.
// Transitions hold mu until their events are delivered, so observers see
// one slot's events in the order they happened. Reads load rec without
// locking.
type slot struct {
	mu  sync.Mutex
	rec atomic.Pointer[Record]
}

// Manager grants, renews and revokes per-object checkouts. Objects never
// share a lock: each key owns a slot.
type Manager struct {
	slots  sync.Map // Key -> *slot
	lease  time.Duration
	clock  func() time.Time
	logger *slog.Logger

	obsMu     sync.RWMutex
	observers []Observer
}

// NewManager creates a checkout manager.
func NewManager(opts Options) *Manager {
	if opts.LeaseDuration <= 0 {
		opts.LeaseDuration = DefaultLeaseDuration
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &Manager{
		lease:  opts.LeaseDuration,
		clock:  opts.Clock,
		logger: opts.Logger,
	}
}

// LeaseDuration returns the configured lease length.
func (m *Manager) LeaseDuration() time.Duration {
	return m.lease
}

// OnChange registers an observer for checkout events. Observers run on the
// transitioning goroutine while the object's slot is locked, so they must
// not block or call back into the Manager for the same object.
func (m *Manager) OnChange(fn Observer) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Manager) emit(kind EventKind, rec Record) {
	m.logger.Debug("checkout transition",
		"kind", string(kind),
		"project_id", rec.ProjectID,
		"object_id", rec.ObjectID,
		"holder", rec.Holder,
	)
	m.obsMu.RLock()
	observers := m.observers
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(Event{Kind: kind, Record: rec})
	}
}

func (m *Manager) slot(key Key) *slot {
	if s, ok := m.slots.Load(key); ok {
		return s.(*slot)
	}
	s, _ := m.slots.LoadOrStore(key, &slot{})
	return s.(*slot)
}

// Acquire grants holder the checkout on key. A free or expired slot is
// taken; the current holder renews its lease with acquiredAt preserved;
// any other holder with an unexpired lease gets ErrAlreadyCheckedOut along
// with the blocking record.
func (m *Manager) Acquire(key Key, holder string) (Record, error) {
	if !key.valid() || holder == "" {
		return Record{}, ErrInvalidInput
	}
	s := m.slot(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.clock()
	cur := s.rec.Load()
	next := &Record{
		Key:            key,
		Holder:         holder,
		AcquiredAt:     now,
		LeaseExpiresAt: now.Add(m.lease),
	}
	kind := EventAcquired
	if cur != nil && !cur.Expired(now) {
		if cur.Holder != holder {
			return *cur, fmt.Errorf("%w: held by %s until %s", ErrAlreadyCheckedOut, cur.Holder, cur.LeaseExpiresAt.Format(time.RFC3339))
		}
		next.AcquiredAt = cur.AcquiredAt
		kind = EventRenewed
	}
	s.rec.Store(next)
	if cur != nil && kind == EventAcquired {
		m.emit(EventExpired, *cur)
	}
	m.emit(kind, *next)
	return *next, nil
}

// Release frees key if holder holds it. A lapsed lease not yet swept may
// still be released by its holder.
func (m *Manager) Release(key Key, holder string) error {
	if !key.valid() || holder == "" {
		return ErrInvalidInput
	}
	v, ok := m.slots.Load(key)
	if !ok {
		return ErrNotHolder
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.rec.Load()
	if cur == nil || cur.Holder != holder {
		return ErrNotHolder
	}
	s.rec.Store(nil)
	m.emit(EventReleased, *cur)
	return nil
}

// Verify returns nil only if holder holds an unexpired lease on key.
func (m *Manager) Verify(key Key, holder string) error {
	rec, ok := m.Get(key)
	if !ok || rec.Holder != holder {
		return ErrNotCheckedOut
	}
	return nil
}

// Get returns the active checkout on key, if any.
func (m *Manager) Get(key Key) (Record, bool) {
	v, ok := m.slots.Load(key)
	if !ok {
		return Record{}, false
	}
	cur := v.(*slot).rec.Load()
	if cur == nil || cur.Expired(m.clock()) {
		return Record{}, false
	}
	return *cur, true
}

// Revoke frees key regardless of holder. It reports whether a record was
// removed.
func (m *Manager) Revoke(key Key) bool {
	v, ok := m.slots.Load(key)
	if !ok {
		return false
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.rec.Swap(nil)
	if cur == nil {
		return false
	}
	m.emit(EventRevoked, *cur)
	return true
}

// Forget drops the slot of a deleted object.
func (m *Manager) Forget(key Key) {
	v, ok := m.slots.LoadAndDelete(key)
	if !ok {
		return
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.rec.Swap(nil); cur != nil {
		m.emit(EventRevoked, *cur)
	}
}

// Sweep frees every record whose lease lapsed strictly before now and
// returns how many were freed.
func (m *Manager) Sweep(now time.Time) int {
	freed := 0
	m.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		if cur := s.rec.Load(); cur != nil && cur.Expired(now) {
			s.rec.Store(nil)
			freed++
			m.emit(EventExpired, *cur)
		}
		s.mu.Unlock()
		return true
	})
	return freed
}

// ReleaseAll frees exactly the checkouts held by holder.
func (m *Manager) ReleaseAll(holder string) []Record {
	var released []Record
	m.slots.Range(func(_, v any) bool {
		s := v.(*slot)
		s.mu.Lock()
		defer s.mu.Unlock()
		if cur := s.rec.Load(); cur != nil && cur.Holder == holder {
			s.rec.Store(nil)
			released = append(released, *cur)
			m.emit(EventReleased, *cur)
		}
		return true
	})
	return released
}

// List returns active checkouts, optionally filtered by project, ordered by
// project and object id.
func (m *Manager) List(projectID string) []Record {
	now := m.clock()
	var out []Record
	m.slots.Range(func(k, v any) bool {
		key := k.(Key)
		if projectID != "" && key.ProjectID != projectID {
			return true
		}
		if cur := v.(*slot).rec.Load(); cur != nil && !cur.Expired(now) {
			out = append(out, *cur)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProjectID != out[j].ProjectID {
			return out[i].ProjectID < out[j].ProjectID
		}
		return out[i].ObjectID < out[j].ObjectID
	})
	return out
}

// RunSweeper calls Sweep every interval until ctx is done.
func (m *Manager) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := m.Sweep(m.clock()); n > 0 {
				m.logger.Info("expired checkouts swept", "count", n)
			}
		}
	}
}
