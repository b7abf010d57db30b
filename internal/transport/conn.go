package transport

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/Iminance/realityflow-2/internal/metrics"
	"github.com/Iminance/realityflow-2/internal/protocol"
	"github.com/gorilla/websocket"
)

var (
	// ErrConnClosed indicates a send on a closed connection.
	ErrConnClosed = errors.New("connection closed")
	// ErrSlowConsumer indicates the send buffer was full and the connection was dropped.
	ErrSlowConsumer = errors.New("send buffer full")
)

// Conn is one client WebSocket. Frames are encoded with the codec chosen at
// upgrade and queued for the write pump; Send never blocks.
type Conn struct {
	ws          *websocket.Conn
	codec       protocol.Codec
	messageType int
	send        chan []byte
	done        chan struct{}
	closeOnce   sync.Once
	reason      string
	logger      *slog.Logger
}

func newConn(ws *websocket.Conn, codec protocol.Codec, buffer int, logger *slog.Logger) *Conn {
	messageType := websocket.TextMessage
	if codec.Name() == "cbor" {
		messageType = websocket.BinaryMessage
	}
	return &Conn{
		ws:          ws,
		codec:       codec,
		messageType: messageType,
		send:        make(chan []byte, buffer),
		done:        make(chan struct{}),
		logger:      logger,
	}
}

// Send queues a frame.
func (c *Conn) Send(code protocol.Code, correlationID string, payload any) error {
	env, err := protocol.NewEnvelope(c.codec, code, correlationID, payload)
	if err != nil {
		return err
	}
	return c.enqueue(env)
}

// SendError queues an ERROR frame answering correlationID.
func (c *Conn) SendError(correlationID string, body *protocol.ErrorBody) error {
	return c.enqueue(protocol.Envelope{Command: protocol.Error, CorrelationID: correlationID, Error: body})
}

func (c *Conn) enqueue(env protocol.Envelope) error {
	data, err := c.codec.Encode(env)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- data:
		return nil
	default:
		metrics.SlowConsumerDisconnects.Inc()
		c.Close("slow consumer")
		return ErrSlowConsumer
	}
}

// Close stops the write pump, which closes the socket. Unsent frames are
// discarded.
func (c *Conn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
	})
}

// Done is closed once the connection is closing.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

func (c *Conn) writePump(writeWait, pingPeriod time.Duration) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(c.messageType, data); err != nil {
				c.logger.Debug("websocket write failed", "error", err)
				c.Close("write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close("ping failed")
				return
			}
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, c.reason)
			if c.reason == "slow consumer" {
				msg = websocket.FormatCloseMessage(websocket.ClosePolicyViolation, c.reason)
			}
			_ = c.ws.WriteMessage(websocket.CloseMessage, msg)
			return
		}
	}
}
