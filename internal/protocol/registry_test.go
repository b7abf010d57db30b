package protocol

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRegistry_DispatchRoutesByCode(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(ProjectList, func(ctx context.Context, req Request) (any, error) {
		return []string{"p1"}, nil
	}))
	require.NoError(t, reg.Register(ObjectCheckoutRelease, func(ctx context.Context, req Request) (any, error) {
		var payload CheckoutPayload
		if err := req.Decode(&payload); err != nil {
			return nil, err
		}
		return ReleaseReply{ObjectID: payload.ObjectID}, nil
	}))
	reg.Seal()

	out, err := reg.Dispatch(context.Background(), Request{Envelope: Envelope{Command: ProjectList}, Codec: JSONCodec{}})
	require.NoError(t, err)
	require.Equal(t, []string{"p1"}, out)

	out, err = reg.Dispatch(context.Background(), Request{
		Envelope: Envelope{Command: ObjectCheckoutRelease, Payload: []byte(`{"objectId":"o9"}`)},
		Codec:    JSONCodec{},
	})
	require.NoError(t, err)
	require.Equal(t, ReleaseReply{ObjectID: "o9"}, out)
}

func TestRegistry_UnknownCommand(t *testing.T) {
	reg := NewRegistry(nil)
	reg.Seal()

	_, err := reg.Dispatch(context.Background(), Request{Envelope: Envelope{Command: Code(4242)}})
	require.ErrorIs(t, err, ErrUnknownCommand)
	require.Contains(t, err.Error(), "COMMAND_4242")
}

func TestRegistry_RecoversPanics(t *testing.T) {
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(ObjectDelete, func(ctx context.Context, req Request) (any, error) {
		panic("boom")
	}))
	reg.Seal()

	out, err := reg.Dispatch(context.Background(), Request{ClientID: "c1", Envelope: Envelope{Command: ObjectDelete}})
	require.Nil(t, out)
	require.ErrorIs(t, err, ErrHandlerFailure)

	var failure *HandlerFailure
	require.True(t, errors.As(err, &failure))
	require.Equal(t, ObjectDelete, failure.Command)
	require.Equal(t, "boom", failure.Value)
}

func TestRegistry_HandlerErrorsPassThrough(t *testing.T) {
	sentinel := errors.New("not yours")
	reg := NewRegistry(nil)
	require.NoError(t, reg.Register(ObjectUpdate, func(ctx context.Context, req Request) (any, error) {
		return nil, sentinel
	}))
	reg.Seal()

	_, err := reg.Dispatch(context.Background(), Request{Envelope: Envelope{Command: ObjectUpdate}})
	require.ErrorIs(t, err, sentinel)
	require.NotErrorIs(t, err, ErrHandlerFailure)
}

func TestRegistry_RegistrationRules(t *testing.T) {
	reg := NewRegistry(nil)
	noop := func(ctx context.Context, req Request) (any, error) { return nil, nil }

	_, err := reg.Dispatch(context.Background(), Request{Envelope: Envelope{Command: ProjectList}})
	require.ErrorIs(t, err, ErrRegistryNotSealed)

	require.NoError(t, reg.Register(ProjectList, noop))
	require.ErrorIs(t, reg.Register(ProjectList, noop), ErrDuplicateHandler)

	reg.Seal()
	require.ErrorIs(t, reg.Register(ProjectCreate, noop), ErrRegistrySealed)
	require.ElementsMatch(t, []Code{ProjectList}, reg.Codes())
}
