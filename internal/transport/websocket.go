package transport

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/Iminance/realityflow-2/internal/domain/session"
	"github.com/Iminance/realityflow-2/internal/protocol"
	"github.com/gorilla/websocket"
)

// Subprotocols select the frame codec.
const (
	SubprotocolJSON = "realityflow.json"
	SubprotocolCBOR = "realityflow.cbor"
)

const (
	defaultWriteWait      = 10 * time.Second
	defaultPongWait       = 60 * time.Second
	defaultMaxMessageSize = 1 << 20
	defaultSendBuffer     = 256
)

// Dispatcher routes decoded commands to handlers.
type Dispatcher interface {
	Dispatch(ctx context.Context, req protocol.Request) (any, error)
}

// Sessions tracks connected clients.
type Sessions interface {
	Connect(conn session.Conn, deviceID, userID string) *session.Client
	Disconnect(clientID string)
}

// WebSocketOptions configures the client endpoint.
type WebSocketOptions struct {
	WriteWait      time.Duration
	PongWait       time.Duration
	MaxMessageSize int64
	SendBuffer     int
	CheckOrigin    func(r *http.Request) bool
	MapError       func(error) *protocol.ErrorBody
	Logger         *slog.Logger
}

// WebSocketHandler upgrades client connections and runs their read and
// write pumps.
type WebSocketHandler struct {
	sessions   Sessions
	dispatcher Dispatcher
	opts       WebSocketOptions
	upgrader   websocket.Upgrader
}

// NewWebSocketHandler creates the /ws handler.
func NewWebSocketHandler(sessions Sessions, dispatcher Dispatcher, opts WebSocketOptions) *WebSocketHandler {
	if opts.WriteWait <= 0 {
		opts.WriteWait = defaultWriteWait
	}
	if opts.PongWait <= 0 {
		opts.PongWait = defaultPongWait
	}
	if opts.MaxMessageSize <= 0 {
		opts.MaxMessageSize = defaultMaxMessageSize
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = defaultSendBuffer
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	if opts.MapError == nil {
		opts.MapError = func(err error) *protocol.ErrorBody {
			return &protocol.ErrorBody{Code: "INTERNAL_ERROR", Message: "internal error"}
		}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	return &WebSocketHandler{
		sessions:   sessions,
		dispatcher: dispatcher,
		opts:       opts,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			Subprotocols:    []string{SubprotocolJSON, SubprotocolCBOR},
			CheckOrigin:     opts.CheckOrigin,
		},
	}
}

func (h *WebSocketHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.opts.Logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	codec, _ := protocol.CodecFor(strings.TrimPrefix(ws.Subprotocol(), "realityflow."))
	conn := newConn(ws, codec, h.opts.SendBuffer, h.opts.Logger)
	userID, _ := UserFromContext(r.Context())
	deviceID, _ := DeviceFromContext(r.Context())
	client := h.sessions.Connect(conn, deviceID, userID)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go conn.writePump(h.opts.WriteWait, (h.opts.PongWait*9)/10)
	h.readPump(ctx, client.ID, conn)
	h.sessions.Disconnect(client.ID)
	conn.Close("disconnected")
}

func (h *WebSocketHandler) readPump(ctx context.Context, clientID string, conn *Conn) {
	ws := conn.ws
	ws.SetReadLimit(h.opts.MaxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.opts.PongWait))
	})

	logger := h.opts.Logger.With("client_id", clientID)
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				logger.Warn("websocket read error", "error", err)
			}
			return
		}

		env, err := conn.codec.Decode(data)
		if err != nil {
			logger.Debug("dropping malformed frame", "error", err)
			if err := conn.SendError("", h.opts.MapError(err)); err != nil {
				return
			}
			continue
		}

		result, err := h.dispatcher.Dispatch(ctx, protocol.Request{ClientID: clientID, Envelope: env, Codec: conn.codec})
		switch {
		case err != nil:
			logger.Debug("command rejected", "command", env.Command.String(), "error", err)
			err = conn.SendError(env.CorrelationID, h.opts.MapError(err))
		case result == protocol.Delivered:
		default:
			err = conn.Send(env.Command, env.CorrelationID, result)
		}
		if err != nil {
			logger.Info("closing connection", "error", err)
			return
		}
	}
}
