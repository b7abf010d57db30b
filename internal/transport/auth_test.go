package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

type testResolver struct {
	tokenToUser map[string]string
	err         error
}

func (r *testResolver) ResolveUser(_ context.Context, token string) (string, error) {
	if r.err != nil {
		return "", r.err
	}
	user, ok := r.tokenToUser[token]
	if !ok {
		return "", ErrUnauthorized
	}
	return user, nil
}

func TestAuthMiddleware(t *testing.T) {
	resolver := &testResolver{tokenToUser: map[string]string{"token": "user1"}}

	handler := AuthMiddleware(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, ok := UserFromContext(r.Context())
		require.True(t, ok)
		require.Equal(t, "user1", userID)
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/ws?access_token=token", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestAuthMiddleware_Invalid(t *testing.T) {
	resolver := &testResolver{err: errors.New("invalid")}

	handler := AuthMiddleware(resolver)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer token")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestDeviceMiddleware(t *testing.T) {
	var got string
	handler := DeviceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = DeviceFromContext(r.Context())
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/ws?device=headset-1", nil))
	require.Equal(t, "headset-1", got)

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set(DeviceHeader, "tablet")
	handler.ServeHTTP(httptest.NewRecorder(), req)
	require.Equal(t, "tablet", got)
}
