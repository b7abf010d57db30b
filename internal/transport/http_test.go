package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Iminance/realityflow-2/internal/domain/session"
	"github.com/Iminance/realityflow-2/internal/protocol"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

type fakeSessions struct {
	mu           sync.Mutex
	devices      []string
	users        []string
	conns        []session.Conn
	disconnected []string
}

func (s *fakeSessions) Connect(conn session.Conn, deviceID, userID string) *session.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices = append(s.devices, deviceID)
	s.users = append(s.users, userID)
	s.conns = append(s.conns, conn)
	return &session.Client{ID: "client-1"}
}

func (s *fakeSessions) Disconnect(clientID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disconnected = append(s.disconnected, clientID)
}

func (s *fakeSessions) disconnectedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.disconnected)
}

type echoDispatcher struct{}

func (echoDispatcher) Dispatch(_ context.Context, req protocol.Request) (any, error) {
	switch req.Envelope.Command {
	case protocol.ProjectList:
		return protocol.ProjectListReply{Projects: []protocol.ProjectRecord{{ID: "p1", Name: "Lobby"}}}, nil
	case protocol.ProjectFetch:
		return protocol.Delivered, nil
	default:
		return nil, protocol.ErrUnknownCommand
	}
}

func mapError(err error) *protocol.ErrorBody {
	if errors.Is(err, protocol.ErrDecode) {
		return &protocol.ErrorBody{Code: "DECODE_ERROR", Message: err.Error()}
	}
	return &protocol.ErrorBody{Code: "UNKNOWN_COMMAND", Message: err.Error()}
}

func newTestServer(t *testing.T, auth func(http.Handler) http.Handler) (*httptest.Server, *fakeSessions) {
	t.Helper()
	sessions := &fakeSessions{}
	ws := NewWebSocketHandler(sessions, echoDispatcher{}, WebSocketOptions{MapError: mapError})
	server := httptest.NewServer(NewServer(ServerConfig{WebSocket: ws, Auth: auth}))
	t.Cleanup(server.Close)
	return server, sessions
}

func dial(t *testing.T, server *httptest.Server, subprotocol, query string) *websocket.Conn {
	t.Helper()
	dialer := websocket.Dialer{Subprotocols: []string{subprotocol}, HandshakeTimeout: time.Second}
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws" + query
	conn, resp, err := dialer.Dial(url, nil)
	require.NoError(t, err)
	require.Equal(t, subprotocol, resp.Header.Get("Sec-WebSocket-Protocol"))
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn, codec protocol.Codec) (int, protocol.Envelope) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	kind, data, err := conn.ReadMessage()
	require.NoError(t, err)
	env, err := codec.Decode(data)
	require.NoError(t, err)
	return kind, env
}

func TestWebSocket_JSONRoundTrip(t *testing.T) {
	server, sessions := newTestServer(t, nil)
	conn := dial(t, server, SubprotocolJSON, "?device=headset-1")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command":102,"correlationId":"c-1"}`)))
	kind, env := readEnvelope(t, conn, protocol.JSONCodec{})
	require.Equal(t, websocket.TextMessage, kind)
	require.Equal(t, protocol.ProjectList, env.Command)
	require.Equal(t, "c-1", env.CorrelationID)

	var list protocol.ProjectListReply
	require.NoError(t, protocol.JSONCodec{}.UnmarshalPayload(env.Payload, &list))
	require.Equal(t, "Lobby", list.Projects[0].Name)

	sessions.mu.Lock()
	require.Equal(t, []string{"headset-1"}, sessions.devices)
	sessions.mu.Unlock()
}

func TestWebSocket_ErrorsAreReplies(t *testing.T) {
	server, _ := newTestServer(t, nil)
	conn := dial(t, server, SubprotocolJSON, "")

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"payload":{}}`)))
	_, env := readEnvelope(t, conn, protocol.JSONCodec{})
	require.Equal(t, protocol.Error, env.Command)
	require.Equal(t, "DECODE_ERROR", env.Error.Code)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command":4242,"correlationId":"c-2"}`)))
	_, env = readEnvelope(t, conn, protocol.JSONCodec{})
	require.Equal(t, protocol.Error, env.Command)
	require.Equal(t, "c-2", env.CorrelationID)
	require.Equal(t, "UNKNOWN_COMMAND", env.Error.Code)

	// the connection stays usable
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"command":102}`)))
	_, env = readEnvelope(t, conn, protocol.JSONCodec{})
	require.Equal(t, protocol.ProjectList, env.Command)
}

func TestWebSocket_CBORFrames(t *testing.T) {
	server, _ := newTestServer(t, nil)
	conn := dial(t, server, SubprotocolCBOR, "")

	codec := protocol.CBORCodec{}
	data, err := codec.Encode(protocol.Envelope{Command: protocol.ProjectList, CorrelationID: "b-1"})
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, data))

	kind, env := readEnvelope(t, conn, codec)
	require.Equal(t, websocket.BinaryMessage, kind)
	require.Equal(t, protocol.ProjectList, env.Command)
	require.Equal(t, "b-1", env.CorrelationID)
}

func TestWebSocket_DisconnectOnClose(t *testing.T) {
	server, sessions := newTestServer(t, nil)
	conn := dial(t, server, SubprotocolJSON, "")

	require.NoError(t, conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")))
	require.Eventually(t, func() bool { return sessions.disconnectedCount() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestWebSocket_RequiresAuthWhenEnabled(t *testing.T) {
	resolver := &testResolver{tokenToUser: map[string]string{"secret": "user-9"}}
	server, sessions := newTestServer(t, AuthMiddleware(resolver))
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	header := http.Header{"Authorization": []string{"Bearer secret"}}
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	require.Eventually(t, func() bool {
		sessions.mu.Lock()
		defer sessions.mu.Unlock()
		return len(sessions.users) == 1 && sessions.users[0] == "user-9"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConn_SlowConsumerIsDropped(t *testing.T) {
	conn := newConn(nil, protocol.JSONCodec{}, 1, nil)

	require.NoError(t, conn.Send(protocol.ObjectMutated, "", protocol.MutationRecord{Version: 1}))
	require.ErrorIs(t, conn.Send(protocol.ObjectMutated, "", protocol.MutationRecord{Version: 2}), ErrSlowConsumer)

	select {
	case <-conn.Done():
	default:
		t.Fatal("connection should be closing")
	}
	require.ErrorIs(t, conn.Send(protocol.ObjectMutated, "", nil), ErrConnClosed)
}

func TestHTTPServer_HealthAndMetrics(t *testing.T) {
	server, _ := newTestServer(t, nil)

	resp, err := http.Get(server.URL + "/health")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(server.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "go_goroutines")
}
