package ws

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is a message oriented wrapper around a websocket connection.
// Each binary message carries exactly one encoded frame.
type Conn struct {
	conn *websocket.Conn
	mur  sync.Mutex
	muw  sync.Mutex
}

// NewConn returns a new message wrapper for a websocket connection.
func NewConn(conn *websocket.Conn) *Conn {
	return &Conn{conn: conn}
}

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

// NextFrame returns a reader for the next binary message.
// Text messages are skipped, a normal closure is reported as io.EOF.
func (c *Conn) NextFrame() (io.Reader, error) {
	c.mur.Lock()
	defer c.mur.Unlock()

	for {
		mt, r, err := c.conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}

			return nil, err
		}

		if mt == websocket.BinaryMessage {
			return r, nil
		}
	}
}

// WriteFrame sends data as a single binary message.
func (c *Conn) WriteFrame(data []byte, timeout time.Duration) error {
	c.muw.Lock()
	defer c.muw.Unlock()

	if timeout > 0 {
		err := c.conn.SetWriteDeadline(time.Now().Add(timeout))
		if err != nil {
			return err
		}

		defer func() { _ = c.conn.SetWriteDeadline(time.Time{}) }()
	}

	return c.conn.WriteMessage(websocket.BinaryMessage, data)
}

// Close sends a normal closure message and closes the underlying socket.
func (c *Conn) Close() error {
	c.muw.Lock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	c.muw.Unlock()

	return c.conn.Close()
}
