package scene

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Iminance/realityflow-2/internal/domain/checkout"
	"github.com/Iminance/realityflow-2/internal/metrics"
	"github.com/google/uuid"
)

// DefaultLogRetention is used when StoreOptions.LogRetention is zero.
const DefaultLogRetention = 1024

// StoreOptions configures stores opened by a Registry.
type StoreOptions struct {
	LogRetention int
	Retry        RetryPolicy
	Clock        func() time.Time
	// OnHalt runs on its own goroutine when a store halts.
	OnHalt func(projectID, reason string)
}

// entry owns one object id. mu serializes read-check-modify on the object;
// obj is only replaced inside the store's commit section.
type entry struct {
	mu        sync.Mutex
	obj       atomic.Pointer[SceneObject]
	tombstone atomic.Bool
}

// Store holds the canonical state of one project.
type Store struct {
	projectID string
	guard     CheckoutGuard
	journal   *journal
	retention int
	clock     func() time.Time
	onHalt    func(projectID, reason string)
	logger    *slog.Logger

	objects sync.Map // id -> *entry

	// commitMu covers version assignment, the object write and the log
	// append. Nothing inside it blocks.
	commitMu sync.Mutex
	version  int64
	log      []Mutation
	logBase  int64 // versions <= logBase are not in log
	notify   chan struct{}

	halted     atomic.Bool
	haltReason atomic.Value // string

	stop     context.CancelFunc
	done     chan struct{}
	doneOnce sync.Once
}

func newStore(state *ProjectState, guard CheckoutGuard, gateway Gateway, opts StoreOptions, logger *slog.Logger) *Store {
	if opts.LogRetention <= 0 {
		opts.LogRetention = DefaultLogRetention
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	s := &Store{
		projectID: state.ProjectID,
		guard:     guard,
		journal:   newJournal(state.ProjectID, gateway, opts.Retry, logger),
		retention: opts.LogRetention,
		clock:     opts.Clock,
		onHalt:    opts.OnHalt,
		logger:    logger.With("project_id", state.ProjectID),
		version:   state.Version,
		logBase:   state.Version,
		notify:    make(chan struct{}),
		stop:      func() {},
		done:      make(chan struct{}),
	}
	for i := range state.Objects {
		obj := state.Objects[i]
		e := &entry{}
		e.obj.Store(&obj)
		s.objects.Store(obj.ID, e)
	}
	for _, id := range state.Tombstones {
		e := &entry{}
		e.tombstone.Store(true)
		s.objects.Store(id, e)
	}
	s.journal.rejected = func(m Mutation, err error) {
		s.Halt(fmt.Sprintf("gateway rejected version %d: %v", m.Version, err))
	}
	return s
}

// ProjectID returns the project this store holds.
func (s *Store) ProjectID() string {
	return s.projectID
}

// Version returns the current project version.
func (s *Store) Version() int64 {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.version
}

// Changed returns a channel closed at the next commit.
func (s *Store) Changed() <-chan struct{} {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	return s.notify
}

// Halt stops the store from accepting mutations.
func (s *Store) Halt(reason string) {
	if s.halted.CompareAndSwap(false, true) {
		s.haltReason.Store(reason)
		s.logger.Error("project store halted", "reason", reason)
		if s.onHalt != nil {
			go s.onHalt(s.projectID, reason)
		}
	}
}

// Done is closed once the store has been dropped from its registry.
func (s *Store) Done() <-chan struct{} {
	return s.done
}

// retire refuses further mutations and stops the background writer. Queued
// writes are discarded.
func (s *Store) retire(reason string) {
	s.doneOnce.Do(func() {
		s.haltReason.Store(reason)
		s.halted.Store(true)
		s.stop()
		close(s.done)
	})
}

// Resume clears a halt. A dropped store stays halted.
func (s *Store) Resume() bool {
	select {
	case <-s.done:
		return false
	default:
	}
	if s.halted.CompareAndSwap(true, false) {
		s.logger.Warn("project store resumed")
		return true
	}
	return false
}

// Halted reports whether the store is halted and why.
func (s *Store) Halted() (bool, string) {
	if !s.halted.Load() {
		return false, ""
	}
	reason, _ := s.haltReason.Load().(string)
	return true, reason
}

// Backlog returns the number of mutations waiting for the gateway.
func (s *Store) Backlog() int {
	return s.journal.backlog()
}

// Flush writes queued mutations through the gateway.
func (s *Store) Flush(ctx context.Context) error {
	return s.journal.flush(ctx)
}

func (s *Store) key(objectID string) checkout.Key {
	return checkout.Key{ProjectID: s.projectID, ObjectID: objectID}
}

func (s *Store) live(objectID string) (*entry, *SceneObject) {
	v, ok := s.objects.Load(objectID)
	if !ok {
		return nil, nil
	}
	e := v.(*entry)
	return e, e.obj.Load()
}

// GetObject returns the current state of an object.
func (s *Store) GetObject(objectID string) (SceneObject, error) {
	_, obj := s.live(objectID)
	if obj == nil {
		return SceneObject{}, ErrObjectNotFound
	}
	return *obj, nil
}

// commit assigns the next version and publishes obj (nil for delete).
func (s *Store) commit(e *entry, kind MutationKind, objectID string, obj *SceneObject, issuer string) (Mutation, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	if s.halted.Load() {
		return Mutation{}, ErrVersionCorrupt
	}
	next := s.version + 1
	if n := len(s.log); n > 0 && s.log[n-1].Version >= next {
		s.Halt(fmt.Sprintf("log head %d not below next version %d", s.log[n-1].Version, next))
		return Mutation{}, ErrVersionCorrupt
	}

	m := Mutation{
		Version:     next,
		Kind:        kind,
		ProjectID:   s.projectID,
		ObjectID:    objectID,
		Issuer:      issuer,
		CommittedAt: s.clock(),
	}
	if obj != nil {
		obj.Version = next
		published := *obj
		m.Object = &published
		e.obj.Store(obj)
	} else {
		e.obj.Store(nil)
		e.tombstone.Store(true)
	}

	s.version = next
	s.log = append(s.log, m)
	if extra := len(s.log) - s.retention; extra > s.retention/4 {
		s.logBase = s.log[extra-1].Version
		s.log = append([]Mutation(nil), s.log[extra:]...)
	}
	s.journal.enqueue(m)

	close(s.notify)
	s.notify = make(chan struct{})

	metrics.MutationsCommitted.WithLabelValues(string(kind)).Inc()
	return m, nil
}

// CreateObject adds a new object. The id must never have been used in
// this project.
func (s *Store) CreateObject(ctx context.Context, in NewObject, issuer string) (Mutation, error) {
	if err := in.Patch.Validate(); err != nil {
		return Mutation{}, err
	}
	id := strings.TrimSpace(in.ID)
	if id == "" {
		id = uuid.NewString()
	}

	v, _ := s.objects.LoadOrStore(id, &entry{})
	e := v.(*entry)
	e.mu.Lock()
	if e.tombstone.Load() || e.obj.Load() != nil {
		e.mu.Unlock()
		return Mutation{}, fmt.Errorf("%w: %s", ErrObjectExists, id)
	}
	obj := in.Patch.Apply(SceneObject{
		ID:        id,
		Transform: IdentityTransform,
		Color:     White,
	})
	m, err := s.commit(e, KindCreate, id, &obj, issuer)
	e.mu.Unlock()
	if err != nil {
		return Mutation{}, err
	}

	s.journal.flushOrSchedule(ctx)
	return m, nil
}

// ApplyMutation updates an object on behalf of issuer, who must hold its
// checkout.
func (s *Store) ApplyMutation(ctx context.Context, objectID string, patch Patch, issuer string) (Mutation, error) {
	if patch.Empty() {
		return Mutation{}, ErrInvalidInput
	}
	if err := patch.Validate(); err != nil {
		return Mutation{}, err
	}
	e, _ := s.live(objectID)
	if e == nil {
		return Mutation{}, ErrObjectNotFound
	}

	e.mu.Lock()
	cur := e.obj.Load()
	if cur == nil {
		e.mu.Unlock()
		return Mutation{}, ErrObjectNotFound
	}
	if err := s.guard.Verify(s.key(objectID), issuer); err != nil {
		e.mu.Unlock()
		return Mutation{}, err
	}
	next := patch.Apply(*cur)
	m, err := s.commit(e, KindUpdate, objectID, &next, issuer)
	e.mu.Unlock()
	if err != nil {
		return Mutation{}, err
	}

	s.journal.flushOrSchedule(ctx)
	return m, nil
}

// DeleteObject removes an object and tombstones its id. Without force the
// issuer must hold the checkout; with force any checkout is revoked first.
func (s *Store) DeleteObject(ctx context.Context, objectID, issuer string, force bool) (Mutation, error) {
	e, _ := s.live(objectID)
	if e == nil {
		return Mutation{}, ErrObjectNotFound
	}

	e.mu.Lock()
	if e.obj.Load() == nil {
		e.mu.Unlock()
		return Mutation{}, ErrObjectNotFound
	}
	if force {
		if s.guard.Revoke(s.key(objectID)) {
			s.logger.Info("checkout revoked by forced delete", "object_id", objectID, "issuer", issuer)
		}
	} else if err := s.guard.Verify(s.key(objectID), issuer); err != nil {
		e.mu.Unlock()
		return Mutation{}, err
	}
	m, err := s.commit(e, KindDelete, objectID, nil, issuer)
	e.mu.Unlock()
	if err != nil {
		return Mutation{}, err
	}

	s.guard.Forget(s.key(objectID))
	s.journal.flushOrSchedule(ctx)
	return m, nil
}

// Snapshot returns the full project state at the current version.
func (s *Store) Snapshot() ProjectState {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	state := ProjectState{ProjectID: s.projectID, Version: s.version}
	s.objects.Range(func(k, v any) bool {
		e := v.(*entry)
		if obj := e.obj.Load(); obj != nil {
			state.Objects = append(state.Objects, *obj)
		} else if e.tombstone.Load() {
			state.Tombstones = append(state.Tombstones, k.(string))
		}
		return true
	})
	sort.Slice(state.Objects, func(i, j int) bool { return state.Objects[i].ID < state.Objects[j].ID })
	sort.Strings(state.Tombstones)
	return state
}

// Since returns committed mutations with version > after, in version order.
func (s *Store) Since(after int64) ([]Mutation, int64, error) {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	switch {
	case after > s.version:
		return nil, s.version, fmt.Errorf("%w: %d > %d", ErrVersionAhead, after, s.version)
	case after < s.logBase:
		return nil, s.version, fmt.Errorf("%w: need %d, oldest retained %d", ErrLogTruncated, after+1, s.logBase+1)
	}
	idx := sort.Search(len(s.log), func(i int) bool { return s.log[i].Version > after })
	out := make([]Mutation, len(s.log)-idx)
	copy(out, s.log[idx:])
	return out, s.version, nil
}
