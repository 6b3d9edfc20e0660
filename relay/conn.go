package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pairwire/pairwire-go/errs"
)

// Conn is the framed duplex socket the transport multiplexes over.
// ReadMessage blocks until a frame arrives or the connection dies.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Ping(timeout time.Duration) error
	SetPongHandler(fn func())
	Close() error
}

// Dialer opens a Conn to the relay at the given URL.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials the relay over a websocket.
type WebsocketDialer struct {
	HandshakeTimeout time.Duration
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: d.HandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.KindConnection, "websocket dial", err)
	}
	return &wsConn{conn: conn}, nil
}

// wsConn adapts a gorilla websocket connection. Writes are serialized:
// the request path and the queue drain may send concurrently.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		return nil, errs.Wrap(errs.KindConnection, "websocket read", err)
	}
	return data, nil
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errs.Wrap(errs.KindConnection, "websocket write", err)
	}
	return nil
}

// Ping writes a control frame; control frames may be sent concurrently
// with data writes.
func (c *wsConn) Ping(timeout time.Duration) error {
	err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(timeout))
	if err != nil {
		return errs.Wrap(errs.KindConnection, "websocket ping", err)
	}
	return nil
}

func (c *wsConn) SetPongHandler(fn func()) {
	c.conn.SetPongHandler(func(string) error {
		fn()
		return nil
	})
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
