// Package transport carries dispatcher packages over websocket connections.
package transport

import (
	"bytes"
	"errors"
	"sync"
	"time"

	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/logger"
	"github.com/canonical/vzdispatch/shared/ws"
)

// ErrClosed is reported for packages queued on a closed connection.
var ErrClosed = errors.New("Connection closed")

type outgoing struct {
	p    *proto.Package
	done func(err error)
}

// Conn is a peer dispatcher connection. It implements jobs.Conn.
type Conn struct {
	handle       string
	ws           *ws.Conn
	limits       proto.Limits
	writeTimeout time.Duration

	mu      sync.Mutex
	queue   []outgoing
	closed  bool
	onClose func()

	signal  chan struct{}
	closing chan struct{}
	once    sync.Once
	l       logger.Logger
}

func newConn(handle string, conn *ws.Conn, limits proto.Limits, writeTimeout time.Duration) *Conn {
	return &Conn{
		handle:       handle,
		ws:           conn,
		limits:       limits,
		writeTimeout: writeTimeout,
		signal:       make(chan struct{}, 1),
		closing:      make(chan struct{}),
		l:            logger.AddContext(logger.Ctx{"handle": handle, "remote": conn.RemoteAddr()}),
	}
}

// Handle returns the identifier assigned to the connection.
func (c *Conn) Handle() string {
	return c.handle
}

// RemoteAddr returns the address of the peer.
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr()
}

// Start runs the reader and writer of the connection.
// recv is called sequentially in arrival order. onClose runs once, after the
// connection is closed.
func (c *Conn) Start(recv func(*proto.Package), onClose func()) {
	c.mu.Lock()
	c.onClose = onClose
	c.mu.Unlock()

	go c.writer()
	go c.reader(recv)
}

// SendPackage queues p. It never blocks on the network.
func (c *Conn) SendPackage(p *proto.Package, done func(err error)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		done(ErrClosed)
		return
	}

	c.queue = append(c.queue, outgoing{p: p, done: done})
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Close closes the connection. Queued packages fail with ErrClosed.
func (c *Conn) Close() error {
	var err error
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		pending := c.queue
		c.queue = nil
		onClose := c.onClose
		c.mu.Unlock()

		close(c.closing)
		err = c.ws.Close()

		for _, item := range pending {
			item.done(ErrClosed)
		}

		c.l.Debug("Dispatcher connection closed")

		if onClose != nil {
			onClose()
		}
	})

	return err
}

// Done is closed once the connection is closed.
func (c *Conn) Done() <-chan struct{} {
	return c.closing
}

func (c *Conn) reader(recv func(*proto.Package)) {
	defer func() { _ = c.Close() }()

	for {
		r, err := c.ws.NextFrame()
		if err != nil {
			c.l.Debug("Dispatcher connection read ended", logger.Ctx{"err": err})
			return
		}

		p, err := proto.Decode(r, c.limits)
		if err != nil {
			c.l.Warn("Dropping connection after malformed package", logger.Ctx{"err": err})
			return
		}

		recv(p)
	}
}

func (c *Conn) writer() {
	var buf bytes.Buffer

	for {
		c.mu.Lock()
		items := c.queue
		c.queue = nil
		c.mu.Unlock()

		for i, item := range items {
			buf.Reset()
			err := proto.Encode(&buf, item.p, c.limits)
			if err != nil {
				// The package is bad, not the connection.
				item.done(err)
				continue
			}

			err = c.ws.WriteFrame(buf.Bytes(), c.writeTimeout)
			item.done(err)
			if err != nil {
				c.l.Warn("Failed writing package", logger.Ctx{"err": err, "command": item.p.Header.Type.String()})

				for _, rest := range items[i+1:] {
					rest.done(ErrClosed)
				}

				_ = c.Close()
				return
			}
		}

		select {
		case <-c.signal:
		case <-c.closing:
			return
		}
	}
}
