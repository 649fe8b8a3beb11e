package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/goswarm/pkg/protocol"
)

// maxFrameBytes bounds one inbound WebSocket frame. Base64 image
// attachments are the largest legitimate payload.
const maxFrameBytes = 8 << 20

// sendQueueLen is the per-client outbound buffer. Events beyond it are
// dropped so a stalled client never blocks the runtime's event fanout.
const sendQueueLen = 64

// Client is one WebSocket connection. A single writer goroutine drains
// sendCh; the Run loop reads request frames and queues responses.
type Client struct {
	id     string
	conn   *websocket.Conn
	server *Server

	sendCh    chan interface{}
	done      chan struct{}
	closeOnce sync.Once

	mu     sync.Mutex
	authed bool
}

// NewClient wraps an upgraded connection. The connection counts as
// authenticated from the start when the gateway has no token configured.
func NewClient(conn *websocket.Conn, s *Server) *Client {
	c := &Client{
		id:     uuid.NewString()[:8],
		conn:   conn,
		server: s,
		sendCh: make(chan interface{}, sendQueueLen),
		done:   make(chan struct{}),
		authed: s.cfg.Gateway.Token == "",
	}
	go c.writeLoop()
	return c
}

// ID identifies the connection for event subscription and rate limiting.
func (c *Client) ID() string { return c.id }

// Authed reports whether the connection passed the token handshake.
func (c *Client) Authed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Client) setAuthed() {
	c.mu.Lock()
	c.authed = true
	c.mu.Unlock()
}

// Run reads request frames until the connection drops or ctx ends.
func (c *Client) Run(ctx context.Context) {
	c.conn.SetReadLimit(maxFrameBytes)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("websocket read failed", "client", c.id, "error", err)
			}
			return
		}

		frameType, err := protocol.ParseFrameType(raw)
		if err != nil || frameType != protocol.FrameTypeRequest {
			c.sendResponse(protocol.NewErrorResponse("", protocol.ErrCodeInvalidParams, "expected a request frame"))
			continue
		}

		var req protocol.RequestFrame
		if err := json.Unmarshal(raw, &req); err != nil {
			c.sendResponse(protocol.NewErrorResponse("", protocol.ErrCodeInvalidParams, "malformed request frame"))
			continue
		}

		c.sendResponse(c.server.router.Handle(ctx, c, &req))
	}
}

// SendEvent queues an event push. Unauthenticated connections receive
// nothing; a full queue drops the event rather than block the emitter.
func (c *Client) SendEvent(evt protocol.EventFrame) {
	if !c.Authed() {
		return
	}
	select {
	case c.sendCh <- &evt:
	case <-c.done:
	default:
		slog.Debug("client event queue full, dropping", "client", c.id, "event", evt.Event)
	}
}

// sendResponse queues an RPC response. Responses block until the writer
// drains room; a slow client only stalls its own read loop.
func (c *Client) sendResponse(res *protocol.ResponseFrame) {
	if res == nil {
		return
	}
	select {
	case c.sendCh <- res:
	case <-c.done:
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case frame := <-c.sendCh:
			if err := c.conn.WriteJSON(frame); err != nil {
				slog.Debug("websocket write failed", "client", c.id, "error", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close stops the writer and closes the connection. Safe to call twice.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()
	})
}
