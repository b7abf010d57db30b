package testserver

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Iminance/realityflow-2/internal/app"
	"github.com/Iminance/realityflow-2/internal/config"
	"github.com/Iminance/realityflow-2/internal/persistence"
	"github.com/Iminance/realityflow-2/internal/protocol"
	"github.com/Iminance/realityflow-2/internal/transport"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// TestServer is a fully wired coordinator on an in-memory database.
type TestServer struct {
	Server *httptest.Server
	DB     *persistence.DB
	App    *app.App
	Token  string
	UserID string
}

// Options tweaks the default test configuration.
type Options struct {
	// Token and UserID enable bearer auth when Token is set.
	Token  string
	UserID string
	// Configure adjusts the config before the app is built.
	Configure func(*config.Config)
}

func New(t *testing.T, opts Options) *TestServer {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := persistence.New(dsn)
	require.NoError(t, err)
	require.NoError(t, db.RunMigrations())

	cfg := config.Default()
	cfg.Auth.Enabled = opts.Token != ""
	cfg.Persistence.RetryInitial = 10 * time.Millisecond
	cfg.Persistence.RetryMax = 50 * time.Millisecond
	if opts.Configure != nil {
		opts.Configure(&cfg)
	}

	a, err := app.New(cfg, db, app.Options{Version: "test"})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = a.RunWorkers(ctx)
	}()

	server := httptest.NewServer(a.Handler)

	ts := &TestServer{
		Server: server,
		DB:     db,
		App:    a,
		Token:  opts.Token,
		UserID: opts.UserID,
	}
	if opts.Token != "" {
		require.NoError(t, ts.AddAPIKey(opts.Token, opts.UserID))
	}

	t.Cleanup(func() {
		server.Close()
		cancel()
		<-done
		_ = a.Close(context.Background())
		_ = db.Close()
	})

	return ts
}

// AddAPIKey registers token for userID.
func (ts *TestServer) AddAPIKey(token, userID string) error {
	return ts.App.APIKeys.AddKey(context.Background(), token, userID, "test")
}

// WebSocketURL returns the client endpoint for device.
func (ts *TestServer) WebSocketURL(device string) string {
	u, _ := url.Parse(ts.Server.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	q := u.Query()
	if device != "" {
		q.Set("device", device)
	}
	if ts.Token != "" {
		q.Set("access_token", ts.Token)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// Client is a test WebSocket client speaking one codec.
type Client struct {
	Conn  *websocket.Conn
	Codec protocol.Codec

	t      *testing.T
	seq    atomic.Int64
	pushes []protocol.Envelope
}

// Dial connects a client for device using codec ("json" or "cbor").
func (ts *TestServer) Dial(t *testing.T, device, codec string) *Client {
	t.Helper()
	c, ok := protocol.CodecFor(codec)
	require.True(t, ok, "unknown codec %q", codec)

	dialer := websocket.Dialer{
		Subprotocols:     []string{"realityflow." + c.Name()},
		HandshakeTimeout: 5 * time.Second,
	}
	header := http.Header{}
	header.Set(transport.DeviceHeader, device)
	conn, resp, err := dialer.Dial(ts.WebSocketURL(device), header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })

	return &Client{Conn: conn, Codec: c, t: t}
}

// Call sends a command and waits for the frame carrying its correlation
// id. Pushed frames that arrive first are kept for Pushes.
func (c *Client) Call(code protocol.Code, payload any) protocol.Envelope {
	c.t.Helper()
	corrID := fmt.Sprintf("c-%d", c.seq.Add(1))
	env, err := protocol.NewEnvelope(c.Codec, code, corrID, payload)
	require.NoError(c.t, err)
	c.write(env)

	for {
		got := c.Read()
		if got.CorrelationID == corrID {
			return got
		}
		c.pushes = append(c.pushes, got)
	}
}

// CallOK is Call that requires a non-error reply and decodes it into out.
func (c *Client) CallOK(code protocol.Code, payload any, out any) {
	c.t.Helper()
	env := c.Call(code, payload)
	require.Nil(c.t, env.Error, "command %s failed: %+v", code, env.Error)
	require.Equal(c.t, code, env.Command)
	if out != nil {
		require.NoError(c.t, c.Codec.UnmarshalPayload(env.Payload, out))
	}
}

// CallErr is Call that requires an error reply and returns its code.
func (c *Client) CallErr(code protocol.Code, payload any) *protocol.ErrorBody {
	c.t.Helper()
	env := c.Call(code, payload)
	require.Equal(c.t, protocol.Error, env.Command)
	require.NotNil(c.t, env.Error)
	return env.Error
}

// WaitPush returns the next pushed frame with code, reading as needed.
func (c *Client) WaitPush(code protocol.Code) protocol.Envelope {
	c.t.Helper()
	for i, env := range c.pushes {
		if env.Command == code {
			c.pushes = append(c.pushes[:i], c.pushes[i+1:]...)
			return env
		}
	}
	for {
		env := c.Read()
		if env.Command == code && env.CorrelationID == "" {
			return env
		}
		c.pushes = append(c.pushes, env)
	}
}

// Read returns the next frame.
func (c *Client) Read() protocol.Envelope {
	c.t.Helper()
	require.NoError(c.t, c.Conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, data, err := c.Conn.ReadMessage()
	require.NoError(c.t, err)
	env, err := c.Codec.Decode(data)
	require.NoError(c.t, err)
	return env
}

// WriteRaw sends data as-is.
func (c *Client) WriteRaw(data []byte) {
	c.t.Helper()
	msgType := websocket.TextMessage
	if c.Codec.Name() == "cbor" {
		msgType = websocket.BinaryMessage
	}
	require.NoError(c.t, c.Conn.WriteMessage(msgType, data))
}

func (c *Client) write(env protocol.Envelope) {
	c.t.Helper()
	data, err := c.Codec.Encode(env)
	require.NoError(c.t, err)
	c.WriteRaw(data)
}
