package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/localfirst/assistantgw/pkg/protocol"
)

// Client is one authenticated WS connection. All writes except the
// auth-rejection frames (written directly by rejectAuth just before the
// connection closes) go through a single buffered channel drained by
// one writer goroutine, so concurrent handlers never race on the
// underlying connection.
type Client struct {
	id         string
	conn       *websocket.Conn
	authToken  string
	dispatch   *Dispatcher
	bus        *Bus

	send chan []byte
	done chan struct{}
}

func newClient(conn *websocket.Conn, authToken string, dispatch *Dispatcher, bus *Bus) *Client {
	return &Client{
		id:        uuid.NewString(),
		conn:      conn,
		authToken: authToken,
		dispatch:  dispatch,
		bus:       bus,
		send:      make(chan []byte, 64),
		done:      make(chan struct{}),
	}
}

func (c *Client) close() {
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	_ = c.conn.Close()
}

func (c *Client) run() {
	go c.writeLoop()

	if !c.authenticate() {
		return
	}

	c.bus.Subscribe(c.id, c.deliverBroadcast)
	defer c.bus.Unsubscribe(c.id)

	c.readLoop()
}

// authenticate requires the very first frame to be a valid auth frame
// with a token matching authToken byte-for-byte in constant time. A
// mismatched token still runs a dummy compare of equal length before
// failing, so timing does not leak a length oracle. Any failure sends
// an {ok:false} result and closes the connection with policy code
// 4401; the frame's contents never reach the dispatcher.
func (c *Client) authenticate() bool {
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return false
	}
	var frame protocol.AuthFrame
	if jerr := json.Unmarshal(raw, &frame); jerr != nil || frame.Type != protocol.FrameAuth {
		c.rejectAuth("invalid auth frame")
		return false
	}
	if !constantTimeTokenEqual(frame.Token, c.authToken) {
		c.rejectAuth("invalid token")
		return false
	}

	result, err := json.Marshal(protocol.AuthResult{Type: protocol.FrameAuth, OK: true})
	if err != nil {
		return false
	}
	c.enqueue(result)
	return true
}

// constantTimeTokenEqual always runs a fixed-size comparison even when
// the lengths differ, so a client cannot learn the token length from
// response timing.
func constantTimeTokenEqual(got, want string) bool {
	g, w := []byte(got), []byte(want)
	if len(g) != len(w) {
		dummy := make([]byte, len(w))
		subtle.ConstantTimeCompare(dummy, w)
		return false
	}
	return subtle.ConstantTimeCompare(g, w) == 1
}

func (c *Client) rejectAuth(reason string) {
	result, err := json.Marshal(protocol.AuthResult{Type: protocol.FrameAuth, OK: false, Error: reason})
	if err == nil {
		_ = c.conn.WriteMessage(websocket.TextMessage, result)
	}
	closeMsg := websocket.FormatCloseMessage(protocol.ClosePolicyViolation, reason)
	_ = c.conn.WriteMessage(websocket.CloseMessage, closeMsg)
}

func (c *Client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var req protocol.Request
		if err := json.Unmarshal(raw, &req); err != nil {
			c.replyError("", protocol.ErrParseError, "malformed request")
			continue
		}
		if req.Type != protocol.FrameRequest || req.Method == "" {
			c.replyError(req.ID, protocol.ErrInvalidRequest, "invalid request")
			continue
		}
		go c.handle(req)
	}
}

func (c *Client) handle(req protocol.Request) {
	result, rerr := c.dispatch.Handle(req.Method, req.Params, c.emitEvent)
	if rerr != nil {
		c.replyError(req.ID, rerr.Code, rerr.Message)
		return
	}
	resp, err := protocol.NewResponse(req.ID, result)
	if err != nil {
		c.replyError(req.ID, protocol.ErrInternal, err.Error())
		return
	}
	c.enqueueFrame(resp)
}

func (c *Client) replyError(id string, code int, msg string) {
	c.enqueueFrame(protocol.NewErrorResponse(id, protocol.NewRPCError(code, msg)))
}

func (c *Client) emitEvent(event, runID string, data any) {
	frame, err := protocol.NewEvent(event, runID, data)
	if err != nil {
		slog.Warn("failed to marshal event", "event", event, "err", err)
		return
	}
	c.enqueueFrame(frame)
}

func (c *Client) deliverBroadcast(event, runID string, data any) {
	c.emitEvent(event, runID, data)
}

func (c *Client) enqueueFrame(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		slog.Warn("failed to marshal frame", "err", err)
		return
	}
	c.enqueue(b)
}

func (c *Client) enqueue(b []byte) {
	select {
	case c.send <- b:
	case <-c.done:
	}
}

func (c *Client) writeLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case b, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
