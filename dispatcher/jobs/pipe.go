package jobs

import (
	"errors"
	"sync"

	"github.com/canonical/vzdispatch/dispatcher/proto"
)

// ErrClosed is reported for packages queued on a closed pipe.
var ErrClosed = errors.New("Connection closed")

type pipeItem struct {
	p    *proto.Package
	done func(err error)
}

// PipeConn is one end of an in-memory connection. Packages are copied through
// their wire encoding so both ends never share buffers.
type PipeConn struct {
	handle string
	peer   *PipeConn

	mu      sync.Mutex
	pending []pipeItem
	closed  bool
	recv    func(*proto.Package)
	onClose func()

	signal  chan struct{}
	closing chan struct{}
	once    sync.Once
}

// Pipe returns two connected ends identified by the given handles.
func Pipe(a string, b string) (*PipeConn, *PipeConn) {
	ca := &PipeConn{handle: a, signal: make(chan struct{}, 1), closing: make(chan struct{})}
	cb := &PipeConn{handle: b, signal: make(chan struct{}, 1), closing: make(chan struct{})}
	ca.peer = cb
	cb.peer = ca

	return ca, cb
}

// Start sets the receive and close callbacks and starts the writer.
// recv runs sequentially, in arrival order.
func (c *PipeConn) Start(recv func(*proto.Package), onClose func()) {
	c.mu.Lock()
	c.recv = recv
	c.onClose = onClose
	c.mu.Unlock()

	go c.writer()
}

// Handle returns the identifier of this end.
func (c *PipeConn) Handle() string {
	return c.handle
}

// SendPackage queues p for the peer.
func (c *PipeConn) SendPackage(p *proto.Package, done func(err error)) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		done(ErrClosed)
		return
	}

	c.pending = append(c.pending, pipeItem{p: p, done: done})
	c.mu.Unlock()

	select {
	case c.signal <- struct{}{}:
	default:
	}
}

// Close shuts both ends down.
func (c *PipeConn) Close() error {
	c.shutdown()
	c.peer.shutdown()

	return nil
}

func (c *PipeConn) shutdown() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		onClose := c.onClose
		c.mu.Unlock()

		close(c.closing)

		if onClose != nil {
			onClose()
		}
	})
}

func (c *PipeConn) writer() {
	for {
		c.mu.Lock()
		items := c.pending
		c.pending = nil
		closed := c.closed
		c.mu.Unlock()

		for _, item := range items {
			if closed {
				item.done(ErrClosed)
				continue
			}

			data, err := item.p.MarshalBinary()
			if err != nil {
				item.done(err)
				continue
			}

			copied := &proto.Package{}
			err = copied.UnmarshalBinary(data)
			item.done(err)
			if err == nil {
				c.peer.receive(copied)
			}
		}

		if closed {
			return
		}

		select {
		case <-c.signal:
		case <-c.closing:
		}
	}
}

func (c *PipeConn) receive(p *proto.Package) {
	c.mu.Lock()
	recv := c.recv
	closed := c.closed
	c.mu.Unlock()

	if closed || recv == nil {
		return
	}

	recv(p)
}
