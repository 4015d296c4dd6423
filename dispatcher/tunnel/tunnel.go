// Package tunnel relays the local channels of an external migration tool
// inside dispatcher packages.
package tunnel

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kballard/go-shellquote"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"gopkg.in/tomb.v2"

	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/api"
	"github.com/canonical/vzdispatch/shared/logger"
	"github.com/canonical/vzdispatch/shared/subprocess"
)

// Channel ids.
const (
	ChannelOut uint16 = iota
	ChannelCmd
	ChannelData
	ChannelTemplate
	ChannelSwap

	channelCount
)

// DefaultTerminateTimeout is the grace period between SIGTERM and SIGKILL.
const DefaultTerminateTimeout = 300 * time.Second

const (
	pollTimeout  = 100 * time.Millisecond
	drainTimeout = 5 * time.Second
	readSize     = 64 * 1024
	inboundQueue = 256
)

type channel struct {
	fd          *Fd
	readEOF     bool
	writeClosed bool
}

// Tunnel runs the migration tool and relays its channels over one connection.
type Tunnel struct {
	Jobs *jobs.Manager
	Conn jobs.Conn

	// Parent is the id of the start package. Fragments sent either way carry it.
	Parent uuid.UUID

	// Inbound, when valid, is the job whose responses carry the peer fragments.
	// Otherwise fragments are fed through HandlePackage.
	Inbound jobs.Handle

	// Initial holds fragments received before Run.
	Initial []*proto.Package

	Tool string
	Args []string
	Env  []string

	Timeout          time.Duration
	TerminateTimeout time.Duration

	tomb       tomb.Tomb
	inbound    chan *proto.Package
	cancelled  atomic.Bool
	overflowed atomic.Bool

	mu       sync.Mutex
	proc     *subprocess.Process
	channels [channelCount]*channel
	other    []*proto.Package
}

// New returns a tunnel running tool with args on the local side of conn.
func New(m *jobs.Manager, conn jobs.Conn, parent uuid.UUID, tool string, args ...string) *Tunnel {
	return &Tunnel{
		Jobs:             m,
		Conn:             conn,
		Parent:           parent,
		Tool:             tool,
		Args:             args,
		TerminateTimeout: DefaultTerminateTimeout,
		inbound:          make(chan *proto.Package, inboundQueue),
	}
}

// HandlePackage queues a fragment received from the peer. It never blocks the
// caller: a tool that stops reading fails the tunnel once the queue is full.
func (t *Tunnel) HandlePackage(p *proto.Package) {
	err := t.queue(t.tomb.Dying(), p)
	if err != nil {
		t.overflow(err)
	}
}

// queue hands p to the write loop without waiting for it.
func (t *Tunnel) queue(stopped <-chan struct{}, p *proto.Package) error {
	select {
	case <-stopped:
		logger.Debug("Discarding fragment for stopped tunnel", logger.Ctx{"parent": t.Parent})
		return nil
	default:
	}

	select {
	case t.inbound <- p:
		return nil
	default:
		return api.ResultErrorf(api.OperationFailed, "Migration tool stopped reading, %d tunnel fragments are pending", inboundQueue)
	}
}

// overflow stops the tunnel with err and wakes a write blocked on the tool.
func (t *Tunnel) overflow(err error) {
	if !t.overflowed.CompareAndSwap(false, true) {
		return
	}

	logger.Warn("Tunnel inbound queue is full", logger.Ctx{"parent": t.Parent, "err": err})
	t.tomb.Kill(err)
	t.shutdown()
}

// Cancel terminates the tool, closes the channels and interrupts Run.
// It blocks for up to TerminateTimeout.
func (t *Tunnel) Cancel() {
	if !t.cancelled.CompareAndSwap(false, true) {
		return
	}

	t.terminate()
	t.shutdown()
	t.tomb.Kill(api.ErrCancelled)

	if t.Inbound.IsValid() {
		t.Jobs.UrgentWake(t.Inbound)
	}
}

// Run starts the tool and relays data until it exits. The exit status is
// mapped through ExitError.
func (t *Tunnel) Run(ctx context.Context) error {
	if t.cancelled.Load() {
		return api.ErrCancelled
	}

	remote, err := t.setup()
	if err != nil {
		t.closeAll()
		return api.ResultErrorf(api.InternalProtocolError, "Failed creating tunnel channels: %v", err)
	}

	args := []string{"-ps"}
	for i := 1; i < int(channelCount); i++ {
		args = append(args, strconv.Itoa(2+i))
	}

	args = append(args, t.Args...)

	proc := subprocess.NewProcess(t.Tool, args, remote[ChannelOut], remote[ChannelOut])
	proc.Env = t.Env

	l := logger.AddContext(logger.Ctx{"parent": t.Parent, "handle": t.Conn.Handle()})
	l.Info("Starting migration tool", logger.Ctx{"command": shellquote.Join(append([]string{t.Tool}, args...)...)})

	err = proc.StartWithFiles(ctx, remote[ChannelCmd:])
	for _, f := range remote {
		_ = f.Close()
	}

	if err != nil {
		t.closeAll()
		return api.ResultErrorf(api.InternalProtocolError, "Failed starting migration tool: %v", err)
	}

	t.mu.Lock()
	t.proc = proc
	t.mu.Unlock()

	if t.cancelled.Load() {
		t.terminate()
		t.shutdown()
	} else if t.overflowed.Load() {
		t.shutdown()
	}

	t.tomb.Go(func() error {
		g, gctx := errgroup.WithContext(t.tomb.Context(ctx))

		g.Go(func() error { return t.readLoop(gctx, proc) })
		g.Go(func() error { return t.writeLoop(gctx) })

		if t.Inbound.IsValid() {
			g.Go(func() error { return t.receive(gctx) })
		}

		return g.Wait()
	})

	err = t.tomb.Wait()

	select {
	case <-proc.Exited():
	default:
		l.Warn("Stopping migration tool", logger.Ctx{"err": err})
		stopErr := proc.Terminate(t.terminateTimeout())
		if stopErr != nil && !errors.Is(stopErr, subprocess.ErrNotRunning) {
			l.Warn("Failed stopping migration tool", logger.Ctx{"err": stopErr})
		}
	}

	code, _ := proc.Wait(context.Background())
	t.closeAll()

	if t.cancelled.Load() || ctx.Err() != nil {
		l.Info("Migration tool cancelled")
		return api.ErrCancelled
	}

	if err != nil {
		l.Error("Tunnel failed", logger.Ctx{"err": err, "code": api.ResultCodeOf(err).Hex()})
		return err
	}

	err = ExitError(code)
	if err != nil {
		l.Error("Migration tool failed", logger.Ctx{"exit": code, "code": api.ResultCodeOf(err).Hex()})
		return err
	}

	l.Info("Migration tool finished")

	return nil
}

// setup creates the channel socket pairs and returns the tool's ends.
func (t *Tunnel) setup() ([]*os.File, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	remote := make([]*os.File, 0, channelCount)
	for i := range t.channels {
		local, peer, err := NewSocketPair()
		if err != nil {
			for _, f := range remote {
				_ = f.Close()
			}

			return nil, err
		}

		t.channels[i] = &channel{fd: local}
		remote = append(remote, peer.File("channel-"+strconv.Itoa(i)))
	}

	return remote, nil
}

func (t *Tunnel) terminateTimeout() time.Duration {
	if t.TerminateTimeout <= 0 {
		return DefaultTerminateTimeout
	}

	return t.TerminateTimeout
}

func (t *Tunnel) terminate() {
	t.mu.Lock()
	proc := t.proc
	t.mu.Unlock()

	if proc == nil {
		return
	}

	err := proc.Terminate(t.terminateTimeout())
	if err != nil && !errors.Is(err, subprocess.ErrNotRunning) {
		logger.Warn("Failed terminating migration tool", logger.Ctx{"parent": t.Parent, "err": err})
	}
}

// shutdown wakes any blocked read, write or poll on the local ends.
func (t *Tunnel) shutdown() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.channels {
		if c != nil {
			_ = c.fd.Shutdown(unix.SHUT_RDWR)
		}
	}
}

func (t *Tunnel) closeAll() {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, c := range t.channels {
		if c != nil {
			_ = c.fd.Close()
		}
	}
}

// readLoop forwards local output until every channel reached EOF and the tool exited.
func (t *Tunnel) readLoop(ctx context.Context, proc *subprocess.Process) error {
	defer t.tomb.Kill(nil)

	buf := make([]byte, readSize)
	var deadline time.Time

	for ctx.Err() == nil {
		if deadline.IsZero() {
			select {
			case <-proc.Exited():
				deadline = time.Now().Add(drainTimeout)
			default:
			}
		}

		fds, ids := t.readable()
		if len(fds) == 0 {
			if !deadline.IsZero() {
				return nil
			}

			select {
			case <-ctx.Done():
			case <-proc.Exited():
			}

			continue
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			logger.Warn("Abandoning tunnel channels still open after the tool exited", logger.Ctx{"parent": t.Parent, "channels": ids})
			for _, id := range ids {
				err := t.closeRead(id)
				if err != nil {
					return err
				}
			}

			return nil
		}

		n, err := unix.Poll(fds, int(pollTimeout.Milliseconds()))
		if err != nil {
			if errors.Is(err, unix.EINTR) {
				continue
			}

			return os.NewSyscallError("poll", err)
		}

		if n == 0 {
			continue
		}

		for i, pfd := range fds {
			if pfd.Revents == 0 {
				continue
			}

			count, err := unix.Read(int(pfd.Fd), buf)
			if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
				continue
			}

			if err != nil || count <= 0 {
				err = t.closeRead(ids[i])
				if err != nil {
					return err
				}

				continue
			}

			data := make([]byte, count)
			copy(data, buf[:count])

			err = t.send(ids[i], data)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (t *Tunnel) readable() ([]unix.PollFd, []uint16) {
	var fds []unix.PollFd
	var ids []uint16

	for i, c := range t.channels {
		if c.readEOF {
			continue
		}

		fd := c.fd.Int()
		if fd < 0 {
			continue
		}

		fds = append(fds, unix.PollFd{Fd: int32(fd), Events: unix.POLLIN})
		ids = append(ids, uint16(i))
	}

	return fds, ids
}

// closeRead marks the channel as drained and tells the peer.
func (t *Tunnel) closeRead(id uint16) error {
	t.channels[id].readEOF = true
	logger.Debug("Tunnel channel drained", logger.Ctx{"parent": t.Parent, "channel": id})

	return t.send(id, nil)
}

func (t *Tunnel) send(id uint16, data []byte) error {
	h := t.Jobs.Send(t.Conn, proto.NewFragment(t.Parent, id, data))
	res := t.Jobs.WaitForSend(h, t.Timeout)
	t.Jobs.Release(h)

	return jobs.ResultError(res, "tunnel fragment")
}

func (t *Tunnel) writeLoop(ctx context.Context) error {
	for _, p := range t.Initial {
		t.deliver(p)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case p := <-t.inbound:
			t.deliver(p)
		}
	}
}

// deliver writes an inbound fragment to its local channel. Fragments for
// channels closed locally are dropped.
func (t *Tunnel) deliver(p *proto.Package) {
	id, data, err := proto.ParseFragment(p)
	if err != nil {
		logger.Warn("Discarding invalid tunnel fragment", logger.Ctx{"parent": t.Parent, "err": err})
		return
	}

	if id >= channelCount {
		logger.Warn("Discarding fragment for unknown channel", logger.Ctx{"parent": t.Parent, "channel": id})
		return
	}

	c := t.channels[id]
	fd := c.fd.Int()
	if c.writeClosed || fd < 0 {
		logger.Debug("Discarding fragment for closed channel", logger.Ctx{"parent": t.Parent, "channel": id, "size": len(data)})
		return
	}

	if len(data) == 0 {
		c.writeClosed = true
		_ = c.fd.Shutdown(unix.SHUT_WR)
		return
	}

	for len(data) > 0 {
		n, err := unix.Write(fd, data)
		if errors.Is(err, unix.EINTR) {
			continue
		}

		if err != nil {
			logger.Debug("Local end of tunnel channel is gone", logger.Ctx{"parent": t.Parent, "channel": id, "err": err})
			c.writeClosed = true
			return
		}

		data = data[n:]
	}
}

// Other returns the packages other than fragments received on the inbound job.
func (t *Tunnel) Other() []*proto.Package {
	t.mu.Lock()
	defer t.mu.Unlock()

	return append([]*proto.Package(nil), t.other...)
}

// receive pumps the fragments the peer sends as responses to the start job.
// The job is not woken when the tunnel stops so the caller can keep waiting on it.
func (t *Tunnel) receive(ctx context.Context) error {
	for {
		res := t.Jobs.WaitForResponse(t.Inbound, pollTimeout)
		if ctx.Err() != nil {
			return nil
		}

		if res == jobs.TimedOut {
			continue
		}

		if res != jobs.Success {
			return jobs.ResultError(res, "tunnel data")
		}

		packages, err := t.Jobs.TakeResponse(t.Inbound)
		if err != nil {
			return err
		}

		dropped := 0
		for _, p := range packages {
			if p.Header.Type != proto.CtMigrateCmd {
				t.mu.Lock()
				t.other = append(t.other, p)
				t.mu.Unlock()

				continue
			}

			if ctx.Err() != nil {
				dropped++
				continue
			}

			err = t.queue(ctx.Done(), p)
			if err != nil {
				t.overflow(err)
				return err
			}
		}

		if dropped > 0 {
			logger.Debug("Discarding fragments received after the tunnel stopped", logger.Ctx{"parent": t.Parent, "count": dropped})
			return nil
		}
	}
}
