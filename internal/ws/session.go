package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrSlowConsumer = errors.New("session send buffer full")
	ErrConnClosed   = errors.New("connection closed")
)

// Conn is the transport handle a Session writes through. Send must not
// block; Close must be idempotent.
type Conn interface {
	Send(data []byte) error
	Close(code int, reason string) error
}

// Session is one admitted connection inside a Room. UserID is bound at
// creation and never changes.
type Session struct {
	ID       string
	UserID   string
	JoinedAt time.Time

	conn Conn
}

func newSession(userID string, conn Conn, now time.Time) *Session {
	return &Session{
		ID:       uuid.NewString(),
		UserID:   userID,
		JoinedAt: now,
		conn:     conn,
	}
}

// wsConn owns the write side of a gorilla connection. Frames are queued on
// send and written by a single writePump goroutine.
type wsConn struct {
	conn         *websocket.Conn
	send         chan []byte
	writeTimeout time.Duration

	mu          sync.Mutex
	closed      bool
	closeCode   int
	closeReason string

	done chan struct{}
}

func newWSConn(conn *websocket.Conn, buffer int, writeTimeout time.Duration) *wsConn {
	if buffer <= 0 {
		buffer = 64
	}
	return &wsConn{
		conn:         conn,
		send:         make(chan []byte, buffer),
		writeTimeout: writeTimeout,
		done:         make(chan struct{}),
	}
}

// start launches the write pump. onWriteError runs at most once, from the
// pump goroutine, when a write fails.
func (c *wsConn) start(onWriteError func(error)) {
	go c.writePump(onWriteError)
}

func (c *wsConn) writePump(onWriteError func(error)) {
	defer close(c.done)
	defer c.conn.Close()

	for msg := range c.send {
		if c.writeTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			if onWriteError != nil {
				onWriteError(err)
			}
			return
		}
	}

	c.mu.Lock()
	code, reason := c.closeCode, c.closeReason
	c.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	if c.writeTimeout > 0 {
		deadline = time.Now().Add(c.writeTimeout)
	}
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// Close stops accepting frames. The pump flushes what is queued, then
// writes a close frame with code and reason.
func (c *wsConn) Close(code int, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	close(c.send)
	return nil
}

// Done is closed once the pump has exited and the socket is closed.
func (c *wsConn) Done() <-chan struct{} {
	return c.done
}
