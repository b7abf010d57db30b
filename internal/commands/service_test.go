package commands_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/Iminance/realityflow-2/internal/commands"
	"github.com/Iminance/realityflow-2/internal/domain/checkout"
	"github.com/Iminance/realityflow-2/internal/domain/project"
	"github.com/Iminance/realityflow-2/internal/domain/reconcile"
	"github.com/Iminance/realityflow-2/internal/domain/scene"
	"github.com/Iminance/realityflow-2/internal/domain/session"
	"github.com/Iminance/realityflow-2/internal/protocol"
	"github.com/Iminance/realityflow-2/internal/repository"
	"github.com/Iminance/realityflow-2/internal/repository/mocks"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type fakeConn struct {
	mu     sync.Mutex
	frames []protocol.Code
}

func (c *fakeConn) Send(code protocol.Code, _ string, _ any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, code)
	return nil
}

func (c *fakeConn) Close(string) {}

type harness struct {
	reg       *protocol.Registry
	checkouts *checkout.Manager
	stores    *scene.Registry
	sessions  *session.Registry
	projects  *mocks.ProjectRepository
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	gw := &mocks.Gateway{}
	gw.On("LoadProject", mock.Anything, "missing").Return(nil, repository.ErrNotFound)
	gw.On("LoadProject", mock.Anything, mock.Anything).Return(&scene.ProjectState{}, nil)
	gw.On("CreateObjectRecord", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)
	gw.On("SaveObjectMutation", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	gw.On("DeleteObjectRecord", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	projects := &mocks.ProjectRepository{}
	checkouts := checkout.NewManager(checkout.Options{})
	stores := scene.NewRegistry(gw, checkouts, scene.StoreOptions{}, nil)
	sessions := session.NewRegistry(checkouts, stores, reconcile.NewEngine(reconcile.Options{}), session.Options{})
	t.Cleanup(func() {
		sessions.Close()
		_ = stores.Close(context.Background())
	})

	svc := commands.NewService(commands.Deps{
		Projects:  project.NewService(projects, nil),
		Stores:    stores,
		Checkouts: checkouts,
		Sessions:  sessions,
	})
	reg := protocol.NewRegistry(nil)
	require.NoError(t, svc.Register(reg))
	reg.Seal()

	return &harness{reg: reg, checkouts: checkouts, stores: stores, sessions: sessions, projects: projects}
}

func (h *harness) connect(t *testing.T, device string) *session.Client {
	t.Helper()
	return h.sessions.Connect(&fakeConn{}, device, "user-"+device)
}

func (h *harness) call(t *testing.T, c *session.Client, code protocol.Code, payload any) (any, error) {
	t.Helper()
	codec := protocol.JSONCodec{}
	env, err := protocol.NewEnvelope(codec, code, "corr", payload)
	require.NoError(t, err)
	return h.reg.Dispatch(context.Background(), protocol.Request{ClientID: c.ID, Envelope: env, Codec: codec})
}

func (h *harness) fetch(t *testing.T, c *session.Client, projectID string) {
	t.Helper()
	res, err := h.call(t, c, protocol.ProjectFetch, protocol.ProjectFetchPayload{ProjectID: projectID, DeviceID: c.DeviceID()})
	require.NoError(t, err)
	require.Equal(t, protocol.Delivered, res)
}

func errorCode(err error) string {
	return commands.MapError(err).Code
}

func ptr[T any](v T) *T { return &v }

func TestService_RegistersEveryCommand(t *testing.T) {
	h := newHarness(t)
	require.ElementsMatch(t, []protocol.Code{
		protocol.ProjectCreate, protocol.ProjectFetch, protocol.ProjectList, protocol.ProjectSync,
		protocol.ObjectCreate, protocol.ObjectUpdate, protocol.ObjectDelete,
		protocol.ObjectCheckoutAcquire, protocol.ObjectCheckoutRelease,
	}, h.reg.Codes())
}

func TestService_CheckoutContention(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(t, "A"), h.connect(t, "B")
	h.fetch(t, a, "proj1")
	h.fetch(t, b, "proj1")

	_, err := h.call(t, a, protocol.ObjectCreate, protocol.ObjectCreatePayload{Object: protocol.NewObject{ID: "o1"}})
	require.NoError(t, err)

	res, err := h.call(t, a, protocol.ObjectCheckoutAcquire, protocol.CheckoutPayload{ObjectID: "o1"})
	require.NoError(t, err)
	require.Equal(t, a.ID, res.(protocol.CheckoutRecord).Holder)

	_, err = h.call(t, b, protocol.ObjectCheckoutAcquire, protocol.CheckoutPayload{ObjectID: "o1"})
	require.Equal(t, commands.CodeAlreadyCheckedOut, errorCode(err))
	require.Equal(t, a.ID, commands.MapError(err).Details.(protocol.CheckoutRecord).Holder)

	_, err = h.call(t, b, protocol.ObjectUpdate, protocol.ObjectUpdatePayload{ObjectID: "o1", ObjectFields: protocol.ObjectFields{X: ptr(9.0)}})
	require.Equal(t, commands.CodeNotCheckedOut, errorCode(err))

	_, err = h.call(t, b, protocol.ObjectCheckoutRelease, protocol.CheckoutPayload{ObjectID: "o1"})
	require.Equal(t, commands.CodeNotHolder, errorCode(err))

	res, err = h.call(t, a, protocol.ObjectUpdate, protocol.ObjectUpdatePayload{ObjectID: "o1", ObjectFields: protocol.ObjectFields{X: ptr(1.0)}})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.(protocol.VersionReply).Version)

	_, err = h.call(t, a, protocol.ObjectCheckoutRelease, protocol.CheckoutPayload{ObjectID: "o1"})
	require.NoError(t, err)

	_, err = h.call(t, b, protocol.ObjectCheckoutAcquire, protocol.CheckoutPayload{ObjectID: "o1"})
	require.NoError(t, err)

	store, ok := h.stores.Get("proj1")
	require.True(t, ok)
	obj, err := store.GetObject("o1")
	require.NoError(t, err)
	require.Equal(t, 1.0, obj.Transform.Position.X)
}

func TestService_ObjectCommandsNeedBoundProject(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "A")

	_, err := h.call(t, c, protocol.ObjectCreate, protocol.ObjectCreatePayload{})
	require.Equal(t, commands.CodeProjectNotOpen, errorCode(err))

	h.fetch(t, c, "proj1")
	_, err = h.call(t, c, protocol.ObjectCreate, protocol.ObjectCreatePayload{ProjectID: "proj2"})
	require.Equal(t, commands.CodeProjectNotOpen, errorCode(err))

	_, err = h.call(t, c, protocol.ObjectCreate, protocol.ObjectCreatePayload{ProjectID: "proj1"})
	require.NoError(t, err)
}

func TestService_CreateWithCheckout(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "A")
	h.fetch(t, c, "proj1")

	res, err := h.call(t, c, protocol.ObjectCreate, protocol.ObjectCreatePayload{
		Object:   protocol.NewObject{ObjectFields: protocol.ObjectFields{Name: ptr("cube")}},
		Checkout: true,
	})
	require.NoError(t, err)
	reply := res.(protocol.ObjectReply)
	require.NotEmpty(t, reply.Object.ID)
	require.Equal(t, "cube", reply.Object.Name)
	require.Equal(t, c.ID, reply.Object.CheckoutHolder)
	require.NotNil(t, reply.Lease)
	require.Equal(t, 1.0, reply.Object.QW)

	_, err = h.call(t, c, protocol.ObjectUpdate, protocol.ObjectUpdatePayload{ObjectID: reply.Object.ID, ObjectFields: protocol.ObjectFields{Y: ptr(2.0)}})
	require.NoError(t, err)

	// a duplicate id leaves no stray lease behind
	_, err = h.call(t, c, protocol.ObjectDelete, protocol.ObjectDeletePayload{ObjectID: reply.Object.ID})
	require.NoError(t, err)
	_, err = h.call(t, c, protocol.ObjectCreate, protocol.ObjectCreatePayload{Object: protocol.NewObject{ID: reply.Object.ID}, Checkout: true})
	require.Equal(t, commands.CodeObjectExists, errorCode(err))
	require.Empty(t, h.checkouts.List("proj1"))
}

func TestService_ForcedDelete(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(t, "A"), h.connect(t, "B")
	h.fetch(t, a, "proj1")
	h.fetch(t, b, "proj1")

	_, err := h.call(t, a, protocol.ObjectCreate, protocol.ObjectCreatePayload{Object: protocol.NewObject{ID: "o1"}, Checkout: true})
	require.NoError(t, err)

	_, err = h.call(t, b, protocol.ObjectDelete, protocol.ObjectDeletePayload{ObjectID: "o1"})
	require.Equal(t, commands.CodeNotCheckedOut, errorCode(err))

	res, err := h.call(t, b, protocol.ObjectDelete, protocol.ObjectDeletePayload{ObjectID: "o1", Force: true})
	require.NoError(t, err)
	require.Equal(t, int64(2), res.(protocol.VersionReply).Version)
	require.Empty(t, h.checkouts.List("proj1"))

	_, err = h.call(t, a, protocol.ObjectUpdate, protocol.ObjectUpdatePayload{ObjectID: "o1", ObjectFields: protocol.ObjectFields{X: ptr(1.0)}})
	require.Equal(t, commands.CodeNotFound, errorCode(err))
}

func TestService_AcquireRacingDeleteLeavesNoLease(t *testing.T) {
	h := newHarness(t)
	a, b := h.connect(t, "A"), h.connect(t, "B")
	h.fetch(t, a, "proj1")
	h.fetch(t, b, "proj1")

	const objects = 100
	codec := protocol.JSONCodec{}
	request := func(c *session.Client, code protocol.Code, payload any) protocol.Request {
		env, err := protocol.NewEnvelope(codec, code, "corr", payload)
		require.NoError(t, err)
		return protocol.Request{ClientID: c.ID, Envelope: env, Codec: codec}
	}

	var wg sync.WaitGroup
	errs := make(chan error, 2*objects)
	for i := 0; i < objects; i++ {
		id := fmt.Sprintf("o-%d", i)
		_, err := h.call(t, a, protocol.ObjectCreate, protocol.ObjectCreatePayload{Object: protocol.NewObject{ID: id}})
		require.NoError(t, err)

		del := request(a, protocol.ObjectDelete, protocol.ObjectDeletePayload{ObjectID: id, Force: true})
		acq := request(b, protocol.ObjectCheckoutAcquire, protocol.CheckoutPayload{ObjectID: id})
		start := make(chan struct{})
		wg.Add(2)
		go func() {
			defer wg.Done()
			<-start
			_, err := h.reg.Dispatch(context.Background(), del)
			errs <- err
		}()
		go func() {
			defer wg.Done()
			<-start
			if _, err := h.reg.Dispatch(context.Background(), acq); err != nil && errorCode(err) != commands.CodeNotFound {
				errs <- err
			}
		}()
		close(start)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Empty(t, h.checkouts.List("proj1"), "no lease may outlive its object")
}

func TestService_FetchAndSync(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "A")

	_, err := h.call(t, c, protocol.ProjectFetch, protocol.ProjectFetchPayload{ProjectID: "missing", DeviceID: "A"})
	require.Equal(t, commands.CodeNotFound, errorCode(err))

	_, err = h.call(t, c, protocol.ProjectSync, protocol.ProjectSyncPayload{LastSyncedVersion: ptr(int64(0))})
	require.Equal(t, commands.CodeProjectNotOpen, errorCode(err))

	_, err = h.call(t, c, protocol.ProjectSync, protocol.ProjectSyncPayload{})
	require.Equal(t, commands.CodeDecodeError, errorCode(err))

	h.fetch(t, c, "proj1")
	res, err := h.call(t, c, protocol.ProjectSync, protocol.ProjectSyncPayload{LastSyncedVersion: ptr(int64(0))})
	require.NoError(t, err)
	require.Equal(t, protocol.Delivered, res)
}

func TestService_ProjectCreateAndList(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "A")

	h.projects.On("Create", mock.Anything, mock.MatchedBy(func(p *project.Project) bool {
		return p.Name == "Lobby" && p.CreatedBy == "user-A"
	})).Return(nil).Once()
	res, err := h.call(t, c, protocol.ProjectCreate, protocol.ProjectCreatePayload{Name: "Lobby"})
	require.NoError(t, err)
	require.Equal(t, "Lobby", res.(protocol.ProjectRecord).Name)

	h.projects.On("Create", mock.Anything, mock.Anything).Return(repository.ErrConflict).Once()
	_, err = h.call(t, c, protocol.ProjectCreate, protocol.ProjectCreatePayload{ID: "dup", Name: "Dup"})
	require.Equal(t, commands.CodeProjectExists, errorCode(err))

	h.fetch(t, c, "proj1")
	_, err = h.call(t, c, protocol.ObjectCreate, protocol.ObjectCreatePayload{})
	require.NoError(t, err)

	h.projects.On("List", mock.Anything).Return([]project.ProjectSummary{{ID: "proj1", Name: "One"}, {ID: "proj9", Name: "Nine", Version: 4}}, nil)
	res, err = h.call(t, c, protocol.ProjectList, nil)
	require.NoError(t, err)
	list := res.(protocol.ProjectListReply).Projects
	require.Len(t, list, 2)
	require.Equal(t, int64(1), list[0].Version, "open store version wins")
	require.Equal(t, int64(4), list[1].Version)
	h.projects.AssertExpectations(t)
}

func TestService_ProjectStorageFailures(t *testing.T) {
	h := newHarness(t)
	c := h.connect(t, "A")
	dbErr := errors.New("database is locked")

	h.projects.On("Create", mock.Anything, mock.Anything).Return(dbErr).Once()
	_, err := h.call(t, c, protocol.ProjectCreate, protocol.ProjectCreatePayload{Name: "Lobby"})
	require.Equal(t, commands.CodePersistenceUnavailable, errorCode(err))

	h.projects.On("List", mock.Anything).Return(nil, dbErr).Once()
	_, err = h.call(t, c, protocol.ProjectList, nil)
	require.Equal(t, commands.CodePersistenceUnavailable, errorCode(err))
	require.ErrorIs(t, err, dbErr)
}

func TestMapError(t *testing.T) {
	tests := []struct {
		err  error
		code string
	}{
		{&protocol.DecodeError{Reason: "bad"}, commands.CodeDecodeError},
		{protocol.ErrUnknownCommand, commands.CodeUnknownCommand},
		{&protocol.HandlerFailure{Command: 200, Value: "boom"}, commands.CodeHandlerFailure},
		{checkout.ErrNotCheckedOut, commands.CodeNotCheckedOut},
		{checkout.ErrAlreadyCheckedOut, commands.CodeAlreadyCheckedOut},
		{checkout.ErrNotHolder, commands.CodeNotHolder},
		{scene.ErrObjectNotFound, commands.CodeNotFound},
		{scene.ErrProjectNotFound, commands.CodeNotFound},
		{project.ErrProjectNotFound, commands.CodeNotFound},
		{scene.ErrObjectExists, commands.CodeObjectExists},
		{scene.ErrInvalidInput, commands.CodeInvalidInput},
		{session.ErrProjectNotOpen, commands.CodeProjectNotOpen},
		{scene.ErrPersistenceUnavailable, commands.CodePersistenceUnavailable},
		{fmt.Errorf("listing projects: %w: %w", project.ErrStorageUnavailable, errors.New("database is locked")), commands.CodePersistenceUnavailable},
		{scene.ErrVersionCorrupt, commands.CodeVersionCorrupt},
		{errors.New("disk on fire"), commands.CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			body := commands.MapError(tt.err)
			require.Equal(t, tt.code, body.Code)
			require.NotEmpty(t, body.Message)
		})
	}
	require.Nil(t, commands.MapError(nil))
	require.Equal(t, "internal error", commands.MapError(errors.New("secret detail")).Message)
}
