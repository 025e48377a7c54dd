package ws

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// writeWait is the maximum time allowed to write a frame to the peer.
	// A write that does not complete within this window closes the
	// connection — a stalled client must not block other senders.
	writeWait = 10 * time.Second

	// pongWait is how long the server waits for a pong reply after
	// sending a ping. The connection is closed if no pong arrives.
	pongWait = 60 * time.Second

	// pingPeriod is how often the server pings the client. Must be less
	// than pongWait so the client has time to reply.
	pingPeriod = (pongWait * 9) / 10

	// maxMessageSize caps inbound frames, matching the HTTP body limit.
	maxMessageSize = 10 << 20
)

// ErrAckTimeout is returned by EmitWithAck when the peer does not reply
// within the deadline.
var ErrAckTimeout = errors.New("ack timeout")

// Conn wraps one WebSocket connection with serialized writes and
// correlation-id ack tracking. Reads happen on a single goroutine (the
// read loop); writes may come from any goroutine — the event router, RPC
// forwarding, handler acks — and are serialized by sendMu.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	sendMu sync.Mutex

	ackMu      sync.Mutex
	nextAckID  int64
	pendingAck map[int64]chan json.RawMessage

	closeOnce sync.Once
	done      chan struct{}
}

func newConn(ws *websocket.Conn, logger *zap.Logger) *Conn {
	return &Conn{
		ws:         ws,
		logger:     logger,
		pendingAck: make(map[int64]chan json.RawMessage),
		done:       make(chan struct{}),
	}
}

// SendEvent queues one fire-and-forget event frame for the peer.
// It implements events.Sink.
func (c *Conn) SendEvent(event string, payload any) error {
	return c.writeFrame(outboundFrame{Event: event, Payload: payload})
}

// sendAck replies to a client frame carrying correlation id.
func (c *Conn) sendAck(id int64, payload any) error {
	return c.writeFrame(outboundFrame{Event: "ack", ID: &id, Payload: payload})
}

// sendError emits an "error" frame. Used during handshake rejection.
func (c *Conn) sendError(message string) {
	_ = c.writeFrame(outboundFrame{Event: "error", Payload: errorPayload{Message: message}})
}

// writeFrame serializes and writes one frame under the send lock.
func (c *Conn) writeFrame(frame outboundFrame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame)
}

// EmitWithAck sends a server-initiated request frame and waits for the
// peer's ack, up to timeout. Used by the RPC bridge to forward rpc-request
// frames. The pending slot is always reclaimed — on ack, on timeout, and
// on connection close.
func (c *Conn) EmitWithAck(event string, payload any, timeout time.Duration) (json.RawMessage, error) {
	c.ackMu.Lock()
	c.nextAckID++
	id := c.nextAckID
	ch := make(chan json.RawMessage, 1)
	c.pendingAck[id] = ch
	c.ackMu.Unlock()

	drop := func() {
		c.ackMu.Lock()
		delete(c.pendingAck, id)
		c.ackMu.Unlock()
	}

	if err := c.writeFrame(outboundFrame{Event: event, ID: &id, Payload: payload}); err != nil {
		drop()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		drop()
		return nil, ErrAckTimeout
	case <-c.done:
		drop()
		return nil, errors.New("connection closed")
	}
}

// resolveAck completes a pending EmitWithAck. Unknown ids (late acks
// after a timeout) are ignored.
func (c *Conn) resolveAck(id int64, payload json.RawMessage) {
	c.ackMu.Lock()
	ch := c.pendingAck[id]
	delete(c.pendingAck, id)
	c.ackMu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- payload:
	default:
	}
}

// Close shuts the connection down exactly once and releases every
// outstanding ack waiter.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

// readLoop reads frames until the connection dies, dispatching each to
// handle in arrival order. Ack frames are resolved internally and never
// reach handle. The pong handler keeps the read deadline moving so the
// ping loop can detect dead peers.
func (c *Conn) readLoop(handle func(inboundFrame)) {
	defer c.Close()

	c.ws.SetReadLimit(maxMessageSize)
	if err := c.ws.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		c.logger.Warn("ws: failed to set read deadline", zap.Error(err))
		return
	}
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseGoingAway,
				websocket.CloseNormalClosure,
				websocket.CloseNoStatusReceived,
			) {
				c.logger.Debug("ws: unexpected close", zap.Error(err))
			}
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			// Malformed frames are a client protocol error; drop quietly.
			c.logger.Debug("ws: malformed frame", zap.Error(err))
			continue
		}

		if frame.Event == "ack" {
			if frame.ID != nil {
				c.resolveAck(*frame.ID, frame.Payload)
			}
			continue
		}
		handle(frame)
	}
}

// pingLoop sends periodic ping control frames. WriteControl is safe to
// call concurrently with WriteJSON, so this runs beside the send lock.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}
