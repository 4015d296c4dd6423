package jobs

import (
	"time"

	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/api"
)

// ResultError converts a failed wait into the matching dispatcher error.
func ResultError(res Result, what string) error {
	switch res {
	case Success:
		return nil
	case TimedOut:
		return api.ResultErrorf(api.Timeout, "Timed out waiting for %s", what)
	case UrgentlyWaked:
		return api.ErrCancelled
	}

	return api.ResultErrorf(api.ConnectionLost, "Failed waiting for %s", what)
}

// Request sends p and returns the first correlated response.
// The returned handle stays registered until released so callers can wake it from another goroutine.
func (m *Manager) Request(conn Conn, p *proto.Package, timeout time.Duration) (*proto.Package, error) {
	h := m.Send(conn, p)
	defer m.Release(h)

	return m.Await(h, p.Header.Type.String(), timeout)
}

// Await waits for the send of h to complete and for its first response.
func (m *Manager) Await(h Handle, what string, timeout time.Duration) (*proto.Package, error) {
	res := m.WaitForSend(h, timeout)
	if res != Success {
		return nil, ResultError(res, what+" to be sent")
	}

	res = m.WaitForResponse(h, timeout)
	if res != Success {
		return nil, ResultError(res, what+" response")
	}

	responses, err := m.TakeResponse(h)
	if err != nil {
		return nil, err
	}

	return responses[0], nil
}

// RequestResponse sends p and parses the generic response.
// A response carrying an error code is returned as an error.
func (m *Manager) RequestResponse(conn Conn, p *proto.Package, timeout time.Duration) (proto.Response, error) {
	reply, err := m.Request(conn, p, timeout)
	if err != nil {
		return proto.Response{}, err
	}

	resp, err := proto.ParseResponse(reply)
	if err != nil {
		return proto.Response{}, err
	}

	return resp, resp.Err()
}

// Reply sends a generic response to req without waiting for it.
func (m *Manager) Reply(conn Conn, req *proto.Package, code api.ResultCode, params ...string) {
	m.SendAndForget(conn, proto.NewResponse(req, code, proto.Event{}, params...))
}

// ReplyError sends a generic response to req describing err.
func (m *Manager) ReplyError(conn Conn, req *proto.Package, err error) {
	m.SendAndForget(conn, proto.NewErrorResponse(req, err))
}

// SendAndForget queues p and drops the handle once the write completes.
func (m *Manager) SendAndForget(conn Conn, p *proto.Package) {
	h := m.Send(conn, p)
	go func() {
		m.WaitForSend(h, 0)
		m.Release(h)
	}()
}
