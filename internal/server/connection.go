package server

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// outboundQueueDepth bounds how many frames may be queued for a single
// browser connection before it is considered too slow and disconnected.
// The daemon hub's fan-out must never block on a slow browser, so every
// write to a connection goes through this queue rather than directly to
// the socket.
const outboundQueueDepth = 256

const writeWait = 10 * time.Second

// conn wraps a websocket connection with a single writer goroutine, so
// callers on different goroutines never interleave frames on the same
// socket. Sends are asynchronous: Send enqueues and returns immediately,
// returning false if the queue is full (the caller should then close the
// connection rather than block).
type conn struct {
	ws       *websocket.Conn
	outbound chan []byte
	closeMu  sync.Mutex
	closed   bool
	done     chan struct{}
}

func newConn(ws *websocket.Conn) *conn {
	c := &conn{
		ws:       ws,
		outbound: make(chan []byte, outboundQueueDepth),
		done:     make(chan struct{}),
	}
	go c.writePump()
	return c
}

// Send enqueues a frame for delivery. Returns false if the outbound queue
// is full or the connection is already closed; the caller should treat a
// false return as grounds to drop this connection.
func (c *conn) Send(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.outbound <- frame:
		return true
	default:
		return false
	}
}

func (c *conn) writePump() {
	for {
		select {
		case frame, ok := <-c.outbound:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				slog.Debug("write failed, closing connection", "error", err)
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close closes the underlying socket and stops the write pump. Safe to
// call more than once and from more than one goroutine.
func (c *conn) Close() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
	c.ws.Close()
}

// CloseWithCode sends a close frame with the given status code before
// tearing down the socket, used for the daemon hub's auth-rejection paths.
func (c *conn) CloseWithCode(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
	c.Close()
}
