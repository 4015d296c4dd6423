package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/peers"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/api"
)

const timeout = 5 * time.Second

// echo registers every peer it hears from and answers requests with their
// command name. Stray responses are dropped.
type echo struct {
	registry *peers.Registry
	jobs     *jobs.Manager
	handles  chan string
}

func (e *echo) Route(conn jobs.Conn, p *proto.Package) {
	if e.registry.PutIfAbsent(peers.Record{Handle: conn.Handle(), Conn: conn, Created: time.Now()}) {
		e.handles <- conn.Handle()
	}

	if p.Header.Type == proto.ResponseCmd {
		return
	}

	e.jobs.Reply(conn, p, api.Success, p.Header.Type.String())
}

func newServer(t *testing.T) (*Server, *echo, *httptest.Server) {
	registry := peers.NewRegistry()
	m := jobs.NewManager()
	e := &echo{registry: registry, jobs: m, handles: make(chan string, 1)}

	s := &Server{
		Registry:     registry,
		Jobs:         m,
		Router:       e,
		WriteTimeout: timeout,
		Status: func() map[string]any {
			return map[string]any{"migrations": 0}
		},
	}

	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
		srv.Close()
		registry.Stop()
	})

	return s, e, srv
}

func TestRequestResponse(t *testing.T) {
	_, _, srv := newServer(t)

	m := jobs.NewManager()
	conn, err := Dial(context.Background(), m, srv.URL, timeout)
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	for i := 0; i < 3; i++ {
		resp, err := m.RequestResponse(conn, proto.NewPackage(proto.LogoffCmd), timeout)
		require.NoError(t, err)
		assert.Equal(t, proto.LogoffCmd, resp.RequestCommandID)
		assert.Equal(t, []string{proto.LogoffCmd.String()}, resp.Params)
	}

	assert.Equal(t, 0, m.Len())
}

func TestDisconnect(t *testing.T) {
	s, e, srv := newServer(t)

	removed := make(chan string, 1)
	unsubscribe := e.registry.Subscribe(func(handle string) { removed <- handle })
	defer unsubscribe()

	m := jobs.NewManager()
	conn, err := Dial(context.Background(), m, srv.URL, timeout)
	require.NoError(t, err)

	_, err = m.RequestResponse(conn, proto.NewPackage(proto.LogoffCmd), timeout)
	require.NoError(t, err)

	handle := <-e.handles
	assert.Equal(t, 1, s.Len())

	require.NoError(t, conn.Close())

	select {
	case got := <-removed:
		assert.Equal(t, handle, got)
	case <-time.After(timeout):
		t.Fatal("Registry removal not broadcast")
	}

	assert.Eventually(t, func() bool { return s.Len() == 0 }, timeout, 10*time.Millisecond)

	// Packages queued on a closed connection fail right away.
	h := m.Send(conn, proto.NewPackage(proto.LogoffCmd))
	defer m.Release(h)
	assert.NotEqual(t, jobs.Success, m.WaitForSend(h, timeout))
}

func TestServerShutdownFailsJobs(t *testing.T) {
	s, _, srv := newServer(t)

	m := jobs.NewManager()
	conn, err := Dial(context.Background(), m, srv.URL, timeout)
	require.NoError(t, err)

	_, err = m.RequestResponse(conn, proto.NewPackage(proto.LogoffCmd), timeout)
	require.NoError(t, err)

	// Nothing ever answers a response.
	h := m.Send(conn, proto.NewReply(proto.NewPackage(proto.LogoffCmd), proto.ResponseCmd))
	defer m.Release(h)
	require.Equal(t, jobs.Success, m.WaitForSend(h, timeout))

	require.NoError(t, s.Shutdown(context.Background()))

	select {
	case <-conn.Done():
	case <-time.After(timeout):
		t.Fatal("Client connection not closed")
	}

	assert.Equal(t, jobs.Failed, m.WaitForResponse(h, timeout))
}

func TestStatus(t *testing.T) {
	_, _, srv := newServer(t)

	resp, err := http.Get(srv.URL + "/1.0/status")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	assert.Equal(t, http.StatusOK, resp.StatusCode)

	status := map[string]any{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, float64(0), status["connections"])
	assert.Equal(t, float64(0), status["migrations"])
	assert.Equal(t, false, status["shutting_down"])
}

func TestDialFails(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := Dial(context.Background(), jobs.NewManager(), srv.URL, time.Second)
	assert.ErrorContains(t, err, "Failed connecting")
}

func TestURL(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"peer", "ws://peer/1.0/dispatcher"},
		{"peer:8444", "ws://peer:8444/1.0/dispatcher"},
		{"http://127.0.0.1:80/", "ws://127.0.0.1:80/1.0/dispatcher"},
		{"https://peer", "wss://peer/1.0/dispatcher"},
		{"ws://peer/1.0/dispatcher", "ws://peer/1.0/dispatcher"},
	}

	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			assert.Equal(t, tt.want, URL(tt.target))
		})
	}
}
