//go:build linux

package tunnel

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/api"
)

// peer collects the fragments a tunnel sends.
type peer struct {
	mu   sync.Mutex
	data map[uint16][]byte
	eof  map[uint16]bool
}

func (p *peer) receive(pkg *proto.Package) {
	id, data, err := proto.ParseFragment(pkg)
	if err != nil {
		return
	}

	p.mu.Lock()
	if len(data) == 0 {
		p.eof[id] = true
	} else {
		p.data[id] = append(p.data[id], data...)
	}
	p.mu.Unlock()
}

func (p *peer) get(id uint16) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	return string(p.data[id])
}

func (p *peer) waitFor(t *testing.T, id uint16, want string) {
	require.Eventually(t, func() bool { return p.get(id) == want }, 5*time.Second, 10*time.Millisecond)
}

func script(t *testing.T, body string) string {
	path := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))

	return path
}

func newTunnel(t *testing.T, body string) (*Tunnel, *peer) {
	client, server := jobs.Pipe("local", "remote")
	t.Cleanup(func() { _ = client.Close() })

	p := &peer{data: map[uint16][]byte{}, eof: map[uint16]bool{}}
	client.Start(func(*proto.Package) {}, nil)
	server.Start(p.receive, nil)

	tun := New(jobs.NewManager(), client, uuid.New(), script(t, body))
	tun.Timeout = 5 * time.Second

	return tun, p
}

func fragment(tun *Tunnel, id uint16, data string) *proto.Package {
	return proto.NewFragment(tun.Parent, id, []byte(data))
}

func TestTunnelRelay(t *testing.T) {
	tun, p := newTunnel(t, `echo hello; head -c 5 <&3 >&4; exit 0`)

	result := make(chan error, 1)
	go func() { result <- tun.Run(context.Background()) }()

	tun.HandlePackage(fragment(tun, ChannelCmd, "abcde"))

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Tunnel did not finish")
	}

	p.waitFor(t, ChannelOut, "hello\n")
	p.waitFor(t, ChannelData, "abcde")

	require.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()

		return len(p.eof) == int(channelCount)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestTunnelExitCodes(t *testing.T) {
	tests := []struct {
		exit string
		code api.ResultCode
	}{
		{exit: "0", code: api.Success},
		{exit: "9", code: api.TargetExists},
		{exit: "10", code: api.TemplateNotFound},
		{exit: "56", code: api.CPUIncompatible},
		{exit: "57", code: api.UnsupportedFeature},
		{exit: "72", code: api.ExternalProcessInCT},
		{exit: "3", code: api.InternalProtocolError},
	}

	for _, tt := range tests {
		t.Run(tt.exit, func(t *testing.T) {
			tun, _ := newTunnel(t, "exit "+tt.exit)

			err := tun.Run(context.Background())
			assert.Equal(t, tt.code, api.ResultCodeOf(err))
		})
	}
}

func TestTunnelArguments(t *testing.T) {
	tun, p := newTunnel(t, `echo "$@"`)
	tun.Args = []string{"--online", "--nonsharedfs", "localhost", "101"}

	require.NoError(t, tun.Run(context.Background()))
	p.waitFor(t, ChannelOut, "-ps 3 4 5 6 --online --nonsharedfs localhost 101\n")
}

func TestTunnelClosedChannel(t *testing.T) {
	tun, p := newTunnel(t, `exec 5<&-; echo closed; head -c 3 <&3 >&4`)

	result := make(chan error, 1)
	go func() { result <- tun.Run(context.Background()) }()

	p.waitFor(t, ChannelOut, "closed\n")

	tun.HandlePackage(fragment(tun, ChannelTemplate, "zzz"))
	tun.HandlePackage(fragment(tun, 42, "unknown"))
	tun.HandlePackage(fragment(tun, ChannelCmd, "abc"))

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Tunnel did not finish")
	}

	p.waitFor(t, ChannelData, "abc")
}

func TestTunnelCancel(t *testing.T) {
	tun, p := newTunnel(t, `echo ready; trap '' TERM; exec sleep 30`)
	tun.TerminateTimeout = 100 * time.Millisecond

	result := make(chan error, 1)
	go func() { result <- tun.Run(context.Background()) }()

	p.waitFor(t, ChannelOut, "ready\n")
	tun.Cancel()

	select {
	case err := <-result:
		assert.True(t, api.IsCancelled(err))
	case <-time.After(10 * time.Second):
		t.Fatal("Tunnel was not cancelled")
	}
}

func TestTunnelStalledTool(t *testing.T) {
	tun, p := newTunnel(t, `echo ready; exec sleep 30`)
	tun.TerminateTimeout = 100 * time.Millisecond

	result := make(chan error, 1)
	go func() { result <- tun.Run(context.Background()) }()

	p.waitFor(t, ChannelOut, "ready\n")

	// The tool never reads its command channel, queueing must not block the connection reader.
	chunk := strings.Repeat("x", readSize)
	queued := make(chan struct{})
	go func() {
		defer close(queued)

		for i := 0; i < inboundQueue+64; i++ {
			tun.HandlePackage(fragment(tun, ChannelCmd, chunk))
		}
	}()

	select {
	case <-queued:
	case <-time.After(5 * time.Second):
		t.Fatal("Queueing fragments blocked on the stalled tool")
	}

	select {
	case err := <-result:
		assert.Equal(t, api.OperationFailed, api.ResultCodeOf(err))
	case <-time.After(10 * time.Second):
		t.Fatal("Tunnel did not fail")
	}

	cancelled := make(chan struct{})
	go func() {
		tun.Cancel()
		close(cancelled)
	}()

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("Cancel blocked after the tunnel failed")
	}

	// Late fragments are dropped.
	tun.HandlePackage(fragment(tun, ChannelCmd, "late"))
}

func TestTunnelCancelBeforeRun(t *testing.T) {
	tun, _ := newTunnel(t, `exit 0`)
	tun.Cancel()

	err := tun.Run(context.Background())
	assert.True(t, api.IsCancelled(err))
}

func TestTunnelRoundTrip(t *testing.T) {
	out := filepath.Join(t.TempDir(), "received")

	sourceJobs := jobs.NewManager()
	client, server := jobs.Pipe("source", "target")
	t.Cleanup(func() { _ = client.Close() })

	start := proto.NewPackage(proto.CtMigrateStartCmd)

	target := New(jobs.NewManager(), server, start.Header.ID, script(t, `cat <&4 > "$OUT"`))
	target.Env = append(os.Environ(), "OUT="+out)
	target.Timeout = 5 * time.Second

	client.Start(func(p *proto.Package) { sourceJobs.Deliver(p) }, func() { sourceJobs.FailConnection("source") })
	server.Start(func(p *proto.Package) {
		if p.Header.Type == proto.CtMigrateCmd {
			target.HandlePackage(p)
			return
		}

		server.SendPackage(proto.NewResponse(p, api.Success, proto.Event{}), func(error) {})
	}, nil)

	h := sourceJobs.Send(client, start)
	defer sourceJobs.Release(h)

	require.Equal(t, jobs.Success, sourceJobs.WaitForResponse(h, 5*time.Second))
	_, err := sourceJobs.TakeResponse(h)
	require.NoError(t, err)

	source := New(sourceJobs, client, start.Header.ID, script(t, `printf payload >&4`))
	source.Inbound = h
	source.Timeout = 5 * time.Second

	results := make(chan error, 2)
	go func() { results <- target.Run(context.Background()) }()
	go func() { results <- source.Run(context.Background()) }()

	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			require.NoError(t, err)
		case <-time.After(10 * time.Second):
			t.Fatal("Tunnels did not finish")
		}
	}

	content, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(content))
}

func TestFd(t *testing.T) {
	a, b, err := NewSocketPair()
	require.NoError(t, err)

	assert.True(t, a.Valid())
	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
	assert.False(t, a.Valid())
	assert.NoError(t, a.Shutdown(0))

	f := b.File("peer")
	require.NotNil(t, f)
	assert.False(t, b.Valid())
	assert.Nil(t, b.File("again"))
	assert.NoError(t, f.Close())
}
