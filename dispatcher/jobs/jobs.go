package jobs

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/logger"
)

// Result is the outcome of a wait.
type Result int

// Wait results.
const (
	Success Result = iota
	TimedOut
	Failed
	UrgentlyWaked
)

var resultNames = map[Result]string{
	Success:       "success",
	TimedOut:      "timed out",
	Failed:        "failed",
	UrgentlyWaked: "urgently waked",
}

// String returns a human readable result.
func (r Result) String() string {
	return resultNames[r]
}

// ErrUnknownJob is returned for handles that were released or never issued.
var ErrUnknownJob = errors.New("Unknown job handle")

// ErrNoResponse is returned by TakeResponse when nothing has arrived yet.
var ErrNoResponse = errors.New("No response received")

// Conn is a connection packages can be queued on.
type Conn interface {
	// Handle returns the transport level identifier of the peer.
	Handle() string

	// SendPackage queues p for writing without blocking on I/O.
	// Packages are written in queue order and done is called once per package.
	SendPackage(p *proto.Package, done func(err error))
}

// Handle is an opaque token correlating a sent package with its outcome.
type Handle struct {
	id uuid.UUID
}

// IsValid returns false for the zero handle.
func (h Handle) IsValid() bool {
	return h.id != uuid.Nil
}

// String returns the id of the package the handle was issued for.
func (h Handle) String() string {
	return h.id.String()
}

type job struct {
	conn string

	mu        sync.Mutex
	sent      chan struct{}
	sendErr   error
	responses []*proto.Package
	arrived   chan struct{}
	wake      chan struct{}
	woken     bool
	lost      chan struct{}
	failed    bool
}

func newJob(conn string) *job {
	return &job{
		conn:    conn,
		sent:    make(chan struct{}),
		arrived: make(chan struct{}, 1),
		wake:    make(chan struct{}),
		lost:    make(chan struct{}),
	}
}

// Manager correlates sent packages with send completion and responses.
type Manager struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*job
}

// NewManager returns an empty job manager.
func NewManager() *Manager {
	return &Manager{jobs: map[uuid.UUID]*job{}}
}

func (m *Manager) get(h Handle) *job {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.jobs[h.id]
}

// Send queues p on conn and returns a handle to wait on.
func (m *Manager) Send(conn Conn, p *proto.Package) Handle {
	j := newJob(conn.Handle())

	m.mu.Lock()
	m.jobs[p.Header.ID] = j
	m.mu.Unlock()

	conn.SendPackage(p, func(err error) {
		j.mu.Lock()
		j.sendErr = err
		j.mu.Unlock()

		close(j.sent)

		if err != nil {
			logger.Debug("Failed sending package", logger.Ctx{"conn": j.conn, "package": p.String(), "err": err})
		}
	})

	return Handle{id: p.Header.ID}
}

// WaitForSend blocks until the package has been written, the timeout expires or the handle is woken.
// A zero timeout waits forever.
func (m *Manager) WaitForSend(h Handle, timeout time.Duration) Result {
	j := m.get(h)
	if j == nil {
		return Failed
	}

	timer, stop := newTimer(timeout)
	defer stop()

	select {
	case <-j.sent:
		j.mu.Lock()
		defer j.mu.Unlock()

		if j.sendErr != nil {
			return Failed
		}

		return Success
	case <-j.wake:
		return UrgentlyWaked
	case <-j.lost:
		return Failed
	case <-timer:
		return TimedOut
	}
}

// WaitForResponse blocks until at least one correlated response is pending.
// A zero timeout waits forever.
func (m *Manager) WaitForResponse(h Handle, timeout time.Duration) Result {
	j := m.get(h)
	if j == nil {
		return Failed
	}

	timer, stop := newTimer(timeout)
	defer stop()

	sent := j.sent
	for {
		j.mu.Lock()
		pending := len(j.responses)
		woken := j.woken
		failed := j.failed || j.sendErr != nil
		j.mu.Unlock()

		switch {
		case woken:
			return UrgentlyWaked
		case pending > 0:
			return Success
		case failed:
			return Failed
		}

		select {
		case <-sent:
			// Re-check the send error, then stop watching the channel.
			sent = nil
		case <-j.arrived:
		case <-j.wake:
		case <-j.lost:
		case <-timer:
			return TimedOut
		}
	}
}

// TakeResponse removes and returns the pending responses.
// The handle stays valid so streamed responses can be taken repeatedly.
func (m *Manager) TakeResponse(h Handle) ([]*proto.Package, error) {
	j := m.get(h)
	if j == nil {
		return nil, ErrUnknownJob
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.responses) == 0 {
		return nil, ErrNoResponse
	}

	responses := j.responses
	j.responses = nil

	return responses, nil
}

// UrgentWake makes every current and future wait on h return UrgentlyWaked.
func (m *Manager) UrgentWake(h Handle) {
	j := m.get(h)
	if j == nil {
		return
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if !j.woken {
		j.woken = true
		close(j.wake)
	}
}

// Release invalidates h.
func (m *Manager) Release(h Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.jobs, h.id)
}

// Deliver attaches p to the job it answers. It returns false when no job is waiting for it.
func (m *Manager) Deliver(p *proto.Package) bool {
	if !p.IsReply() {
		return false
	}

	m.mu.Lock()
	j := m.jobs[p.Header.ParentID]
	m.mu.Unlock()

	if j == nil {
		return false
	}

	j.mu.Lock()
	j.responses = append(j.responses, p)
	j.mu.Unlock()

	select {
	case j.arrived <- struct{}{}:
	default:
	}

	return true
}

// FailConnection fails every job issued on the given connection.
func (m *Manager) FailConnection(conn string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, j := range m.jobs {
		if j.conn != conn {
			continue
		}

		j.mu.Lock()
		if !j.failed {
			j.failed = true
			close(j.lost)
		}

		j.mu.Unlock()
	}
}

// Len returns the number of live handles.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.jobs)
}

func newTimer(timeout time.Duration) (<-chan time.Time, func()) {
	if timeout <= 0 {
		return nil, func() {}
	}

	t := time.NewTimer(timeout)

	return t.C, func() { t.Stop() }
}
