package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/assistant-chat/realtime/internal/protocol"
	"github.com/gorilla/websocket"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 10 * time.Second
)

// Transport is one open connection. ReadMessage blocks until a frame
// arrives or the connection ends; Close unblocks it.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

// Dialer opens transports.
type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

// HandshakeError is a refused upgrade. Info is decoded from the response
// body when the server sent one.
type HandshakeError struct {
	Status int
	Info   protocol.CloseInfo
}

func (e *HandshakeError) Error() string {
	if e.Info.CloseCode != 0 {
		return fmt.Sprintf("handshake refused (%d): close %d %s", e.Status, e.Info.CloseCode, e.Info.CloseReason)
	}
	return fmt.Sprintf("handshake refused (%d)", e.Status)
}

// closeFromError maps a transport or dial error to the close pair the
// application sees. Anything without a close frame is 1006.
func closeFromError(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	var he *HandshakeError
	if errors.As(err, &he) && he.Info.CloseCode != 0 {
		return he.Info.CloseCode, he.Info.CloseReason
	}
	return protocol.CloseAbnormal, err.Error()
}

// GorillaDialer dials with gorilla/websocket.
type GorillaDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
}

func (d GorillaDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: defaultHandshakeTimeout,
		}
	}

	conn, resp, err := dialer.DialContext(ctx, url, d.Header)
	if err != nil {
		if errors.Is(err, websocket.ErrBadHandshake) && resp != nil {
			return nil, handshakeError(resp)
		}
		return nil, err
	}

	wt := d.WriteTimeout
	if wt <= 0 {
		wt = defaultWriteTimeout
	}
	return &gorillaTransport{conn: conn, writeTimeout: wt}, nil
}

func handshakeError(resp *http.Response) error {
	he := &HandshakeError{Status: resp.StatusCode}
	if resp.Body != nil {
		defer resp.Body.Close()
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = json.Unmarshal(body, &he.Info)
	}
	return he
}

type gorillaTransport struct {
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu   sync.Mutex // serialises heartbeat and application writes
	closeOnce sync.Once
}

func (t *gorillaTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *gorillaTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(t.writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *gorillaTransport) Close(code int, reason string) error {
	var err error
	t.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		_ = t.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		err = t.conn.Close()
	})
	return err
}
