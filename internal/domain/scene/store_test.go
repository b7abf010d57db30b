package scene_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Iminance/realityflow-2/internal/domain/checkout"
	"github.com/Iminance/realityflow-2/internal/domain/scene"
	"github.com/Iminance/realityflow-2/internal/repository"
	"github.com/Iminance/realityflow-2/internal/repository/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func ptr[T any](v T) *T { return &v }

// okGateway accepts every write for proj1 and serves an empty project.
func okGateway() *mocks.Gateway {
	gw := &mocks.Gateway{}
	gw.On("LoadProject", mock.Anything, "proj1").Return(&scene.ProjectState{ProjectID: "proj1"}, nil)
	gw.On("CreateObjectRecord", mock.Anything, "proj1", mock.Anything, mock.Anything).Return(nil)
	gw.On("SaveObjectMutation", mock.Anything, "proj1", mock.Anything).Return(nil)
	gw.On("DeleteObjectRecord", mock.Anything, "proj1", mock.Anything, mock.Anything).Return(nil)
	return gw
}

func openStore(t *testing.T, gw *mocks.Gateway, opts scene.StoreOptions) (*scene.Store, *checkout.Manager) {
	t.Helper()
	guard := checkout.NewManager(checkout.Options{})
	reg := scene.NewRegistry(gw, guard, opts, nil)
	t.Cleanup(func() { _ = reg.Close(context.Background()) })

	store, err := reg.Open(context.Background(), "proj1")
	require.NoError(t, err)
	return store, guard
}

func key(id string) checkout.Key {
	return checkout.Key{ProjectID: "proj1", ObjectID: id}
}

func TestStore_CreateAssignsDefaultsAndVersion(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t, okGateway(), scene.StoreOptions{})

	m, err := store.CreateObject(ctx, scene.NewObject{
		ID:    "cube",
		Patch: scene.Patch{Name: ptr("Cube"), X: ptr(2.0)},
	}, "clientA")
	require.NoError(t, err)
	require.Equal(t, int64(1), m.Version)
	require.Equal(t, scene.KindCreate, m.Kind)

	obj, err := store.GetObject("cube")
	require.NoError(t, err)
	require.Equal(t, "Cube", obj.Name)
	require.Equal(t, 2.0, obj.Transform.Position.X)
	require.Equal(t, 1.0, obj.Transform.Rotation.W)
	require.Equal(t, scene.Vec3{X: 1, Y: 1, Z: 1}, obj.Transform.Scale)
	require.Equal(t, scene.White, obj.Color)
	require.Equal(t, int64(1), obj.Version)

	generated, err := store.CreateObject(ctx, scene.NewObject{}, "clientA")
	require.NoError(t, err)
	require.NotEmpty(t, generated.ObjectID)
	require.Equal(t, int64(2), store.Version())
}

func TestStore_UpdateRequiresCheckout(t *testing.T) {
	ctx := context.Background()
	store, guard := openStore(t, okGateway(), scene.StoreOptions{})

	_, err := store.CreateObject(ctx, scene.NewObject{ID: "obj-1", Patch: scene.Patch{X: ptr(1.0)}}, "A")
	require.NoError(t, err)
	_, err = guard.Acquire(key("obj-1"), "A")
	require.NoError(t, err)

	_, err = store.ApplyMutation(ctx, "obj-1", scene.Patch{X: ptr(9.0)}, "B")
	require.ErrorIs(t, err, checkout.ErrNotCheckedOut)

	obj, err := store.GetObject("obj-1")
	require.NoError(t, err)
	require.Equal(t, 1.0, obj.Transform.Position.X)
	require.Equal(t, int64(1), store.Version())

	m, err := store.ApplyMutation(ctx, "obj-1", scene.Patch{X: ptr(9.0), QW: ptr(0.5)}, "A")
	require.NoError(t, err)
	require.Equal(t, int64(2), m.Version)
	require.Equal(t, 9.0, m.Object.Transform.Position.X)
	require.Equal(t, 0.5, m.Object.Transform.Rotation.W)
}

func TestStore_UpdateValidation(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t, okGateway(), scene.StoreOptions{})

	_, err := store.ApplyMutation(ctx, "ghost", scene.Patch{X: ptr(1.0)}, "A")
	require.ErrorIs(t, err, scene.ErrObjectNotFound)

	_, err = store.ApplyMutation(ctx, "ghost", scene.Patch{}, "A")
	require.ErrorIs(t, err, scene.ErrInvalidInput)
}

func TestStore_DeleteTombstonesID(t *testing.T) {
	ctx := context.Background()
	store, guard := openStore(t, okGateway(), scene.StoreOptions{})

	_, err := store.CreateObject(ctx, scene.NewObject{ID: "lamp"}, "A")
	require.NoError(t, err)

	_, err = store.DeleteObject(ctx, "lamp", "A", false)
	require.ErrorIs(t, err, checkout.ErrNotCheckedOut)

	_, err = guard.Acquire(key("lamp"), "A")
	require.NoError(t, err)
	m, err := store.DeleteObject(ctx, "lamp", "A", false)
	require.NoError(t, err)
	require.Equal(t, scene.KindDelete, m.Kind)
	require.Nil(t, m.Object)

	_, held := guard.Get(key("lamp"))
	require.False(t, held)

	_, err = store.GetObject("lamp")
	require.ErrorIs(t, err, scene.ErrObjectNotFound)

	_, err = store.CreateObject(ctx, scene.NewObject{ID: "lamp"}, "A")
	require.ErrorIs(t, err, scene.ErrObjectExists)

	state := store.Snapshot()
	require.Empty(t, state.Objects)
	require.Equal(t, []string{"lamp"}, state.Tombstones)
}

func TestStore_ForcedDeleteRevokesCheckout(t *testing.T) {
	ctx := context.Background()
	store, guard := openStore(t, okGateway(), scene.StoreOptions{})

	var revoked []checkout.Event
	guard.OnChange(func(ev checkout.Event) {
		if ev.Kind == checkout.EventRevoked {
			revoked = append(revoked, ev)
		}
	})

	_, err := store.CreateObject(ctx, scene.NewObject{ID: "chair"}, "A")
	require.NoError(t, err)
	_, err = guard.Acquire(key("chair"), "A")
	require.NoError(t, err)

	_, err = store.DeleteObject(ctx, "chair", "admin", true)
	require.NoError(t, err)
	require.Len(t, revoked, 1)
	require.Equal(t, "A", revoked[0].Record.Holder)
}

func TestStore_SinceAndTruncation(t *testing.T) {
	ctx := context.Background()
	store, _ := openStore(t, okGateway(), scene.StoreOptions{LogRetention: 4})

	for i := 0; i < 10; i++ {
		_, err := store.CreateObject(ctx, scene.NewObject{ID: fmt.Sprintf("o%d", i)}, "A")
		require.NoError(t, err)
	}

	muts, version, err := store.Since(7)
	require.NoError(t, err)
	require.Equal(t, int64(10), version)
	require.Len(t, muts, 3)
	for i, m := range muts {
		require.Equal(t, int64(8+i), m.Version)
	}

	muts, _, err = store.Since(10)
	require.NoError(t, err)
	require.Empty(t, muts)

	_, _, err = store.Since(1)
	require.ErrorIs(t, err, scene.ErrLogTruncated)

	_, _, err = store.Since(11)
	require.ErrorIs(t, err, scene.ErrVersionAhead)
}

func TestStore_ChangedSignalsCommit(t *testing.T) {
	store, _ := openStore(t, okGateway(), scene.StoreOptions{})

	ch := store.Changed()
	select {
	case <-ch:
		t.Fatal("signalled before any commit")
	default:
	}

	_, err := store.CreateObject(context.Background(), scene.NewObject{ID: "x"}, "A")
	require.NoError(t, err)

	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("commit did not signal")
	}
}

func TestStore_HaltBlocksMutations(t *testing.T) {
	ctx := context.Background()
	notified := make(chan string, 2)
	store, _ := openStore(t, okGateway(), scene.StoreOptions{
		OnHalt: func(projectID, reason string) { notified <- projectID + ":" + reason },
	})

	store.Halt("test")
	store.Halt("again")
	halted, reason := store.Halted()
	require.True(t, halted)
	require.Equal(t, "test", reason)
	select {
	case got := <-notified:
		require.Equal(t, "proj1:test", got)
	case <-time.After(time.Second):
		t.Fatal("halt hook not called")
	}

	_, err := store.CreateObject(ctx, scene.NewObject{ID: "x"}, "A")
	require.ErrorIs(t, err, scene.ErrVersionCorrupt)
	require.Equal(t, int64(0), store.Version())

	require.True(t, store.Resume())
	_, err = store.CreateObject(ctx, scene.NewObject{ID: "x"}, "A")
	require.NoError(t, err)
}

func TestStore_ConcurrentUpdatesGetDistinctVersions(t *testing.T) {
	ctx := context.Background()
	store, guard := openStore(t, okGateway(), scene.StoreOptions{LogRetention: 1000})

	const objects = 8
	const perObject = 25
	for i := 0; i < objects; i++ {
		id := fmt.Sprintf("o%d", i)
		_, err := store.CreateObject(ctx, scene.NewObject{ID: id}, "A")
		require.NoError(t, err)
		_, err = guard.Acquire(key(id), fmt.Sprintf("client-%d", i))
		require.NoError(t, err)
	}

	var wg sync.WaitGroup
	errs := make(chan error, objects*perObject)
	for i := 0; i < objects; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for n := 0; n < perObject; n++ {
				_, err := store.ApplyMutation(ctx, fmt.Sprintf("o%d", i), scene.Patch{Y: ptr(float64(n))}, fmt.Sprintf("client-%d", i))
				if err != nil {
					errs <- err
				}
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	muts, version, err := store.Since(0)
	require.NoError(t, err)
	require.Equal(t, int64(objects+objects*perObject), version)
	require.Len(t, muts, int(version))
	for i, m := range muts {
		require.Equal(t, int64(i+1), m.Version)
	}
}

func TestStore_FailedWritesAreRetriedInOrder(t *testing.T) {
	ctx := context.Background()

	gw := &mocks.Gateway{}
	gw.On("LoadProject", mock.Anything, "proj1").Return(&scene.ProjectState{ProjectID: "proj1"}, nil)

	var (
		mu      sync.Mutex
		written []int64
	)
	record := func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		written = append(written, args.Get(3).(int64))
	}
	gw.On("CreateObjectRecord", mock.Anything, "proj1", mock.Anything, int64(1)).Return(errors.New("database is locked")).Twice()
	gw.On("CreateObjectRecord", mock.Anything, "proj1", mock.Anything, mock.Anything).Run(record).Return(nil)

	store, _ := openStore(t, gw, scene.StoreOptions{
		Retry: scene.RetryPolicy{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond},
	})

	_, err := store.CreateObject(ctx, scene.NewObject{ID: "a"}, "A")
	require.NoError(t, err, "commit stands while persistence is down")

	_, err = store.GetObject("a")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return store.Backlog() == 0 }, 2*time.Second, 5*time.Millisecond)

	_, err = store.CreateObject(ctx, scene.NewObject{ID: "b"}, "A")
	require.NoError(t, err)
	require.Equal(t, 0, store.Backlog())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{1, 2}, written)
}

func TestStore_RejectedWriteHaltsWithoutBlockingBacklog(t *testing.T) {
	ctx := context.Background()

	gw := &mocks.Gateway{}
	gw.On("LoadProject", mock.Anything, "proj1").Return(&scene.ProjectState{ProjectID: "proj1"}, nil)

	var (
		mu      sync.Mutex
		written []int64
	)
	gw.On("CreateObjectRecord", mock.Anything, "proj1", mock.Anything, int64(1)).
		Return(fmt.Errorf("project proj1: %w", repository.ErrNotFound)).Once()
	gw.On("CreateObjectRecord", mock.Anything, "proj1", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		mu.Lock()
		defer mu.Unlock()
		written = append(written, args.Get(3).(int64))
	}).Return(nil)

	store, _ := openStore(t, gw, scene.StoreOptions{
		Retry: scene.RetryPolicy{InitialInterval: 5 * time.Millisecond, MaxInterval: 20 * time.Millisecond},
	})

	_, err := store.CreateObject(ctx, scene.NewObject{ID: "a"}, "A")
	require.NoError(t, err)

	halted, reason := store.Halted()
	require.True(t, halted)
	require.Contains(t, reason, "version 1")
	require.Equal(t, 0, store.Backlog(), "rejected mutation is not retried")

	_, err = store.CreateObject(ctx, scene.NewObject{ID: "b"}, "A")
	require.ErrorIs(t, err, scene.ErrVersionCorrupt)

	require.True(t, store.Resume())
	_, err = store.CreateObject(ctx, scene.NewObject{ID: "b"}, "A")
	require.NoError(t, err)
	require.Equal(t, 0, store.Backlog())

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []int64{2}, written)
	gw.AssertNumberOfCalls(t, "CreateObjectRecord", 2)
}

func TestRegistry_DropDiscardsStore(t *testing.T) {
	ctx := context.Background()

	gw := &mocks.Gateway{}
	gw.On("LoadProject", mock.Anything, "proj1").Return(&scene.ProjectState{ProjectID: "proj1"}, nil)
	gw.On("CreateObjectRecord", mock.Anything, "proj1", mock.Anything, mock.Anything).Return(errors.New("database is locked"))

	reg := scene.NewRegistry(gw, checkout.NewManager(checkout.Options{}), scene.StoreOptions{
		Retry: scene.RetryPolicy{InitialInterval: time.Hour},
	}, nil)
	defer func() { _ = reg.Close(ctx) }()

	store, err := reg.Open(ctx, "proj1")
	require.NoError(t, err)
	_, err = store.CreateObject(ctx, scene.NewObject{ID: "a"}, "A")
	require.NoError(t, err)
	require.Equal(t, 1, store.Backlog())

	require.True(t, reg.Drop("proj1"))
	require.False(t, reg.Drop("proj1"))
	_, open := reg.Get("proj1")
	require.False(t, open)

	select {
	case <-store.Done():
	default:
		t.Fatal("dropped store not done")
	}
	halted, _ := store.Halted()
	require.True(t, halted)
	require.False(t, store.Resume())
	_, err = store.CreateObject(ctx, scene.NewObject{ID: "b"}, "A")
	require.ErrorIs(t, err, scene.ErrVersionCorrupt)

	reopened, err := reg.Open(ctx, "proj1")
	require.NoError(t, err)
	require.NotSame(t, store, reopened)
	gw.AssertNumberOfCalls(t, "LoadProject", 2)
}

func TestRegistry_OpenMapsGatewayErrors(t *testing.T) {
	ctx := context.Background()

	gw := &mocks.Gateway{}
	gw.On("LoadProject", mock.Anything, "missing").Return((*scene.ProjectState)(nil), repository.ErrNotFound)
	gw.On("LoadProject", mock.Anything, "flaky").Return((*scene.ProjectState)(nil), errors.New("connection refused"))

	reg := scene.NewRegistry(gw, checkout.NewManager(checkout.Options{}), scene.StoreOptions{}, nil)
	defer reg.Close(ctx)

	_, err := reg.Open(ctx, "missing")
	require.ErrorIs(t, err, scene.ErrProjectNotFound)
	gw.AssertNumberOfCalls(t, "LoadProject", 1)

	_, err = reg.Open(ctx, "flaky")
	require.ErrorIs(t, err, scene.ErrPersistenceUnavailable)
}

func TestRegistry_OpenLoadsOnceAndRunsHooks(t *testing.T) {
	ctx := context.Background()

	gw := &mocks.Gateway{}
	gw.On("LoadProject", mock.Anything, "proj1").Return(&scene.ProjectState{
		ProjectID: "proj1",
		Version:   5,
		Objects:   []scene.SceneObject{{ID: "a", Version: 3}, {ID: "b", Version: 5}},
	}, nil).Once()

	reg := scene.NewRegistry(gw, checkout.NewManager(checkout.Options{}), scene.StoreOptions{}, nil)
	defer reg.Close(ctx)

	var opened []string
	reg.OnOpen(func(s *scene.Store) { opened = append(opened, s.ProjectID()) })

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = reg.Open(ctx, "proj1")
		}()
	}
	wg.Wait()

	store, err := reg.Open(ctx, "proj1")
	require.NoError(t, err)
	require.Equal(t, int64(5), store.Version())
	require.Len(t, store.Snapshot().Objects, 2)
	require.Equal(t, []string{"proj1"}, opened)
	gw.AssertNumberOfCalls(t, "LoadProject", 1)

	_, _, err = store.Since(4)
	require.ErrorIs(t, err, scene.ErrLogTruncated)
}
