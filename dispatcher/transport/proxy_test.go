package transport

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// acceptOne dials l, writes header and returns the remote address the
// accepted side reports.
func acceptOne(t *testing.T, l net.Listener, header string) string {
	t.Helper()

	client, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer func() { _ = client.Close() }()

	_, err = client.Write([]byte(header + "hello"))
	require.NoError(t, err)

	conn, err := l.Accept()
	require.NoError(t, err)
	defer func() { _ = conn.Close() }()

	buf := make([]byte, 5)
	_, err = conn.Read(buf)
	require.NoError(t, err)

	return conn.RemoteAddr().String()
}

func TestProxyListener(t *testing.T) {
	header := "PROXY TCP4 192.0.2.10 127.0.0.1 5555 8444\r\n"

	t.Run("trusted", func(t *testing.T) {
		raw, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		l, err := ProxyListener(raw, []string{"127.0.0.1"})
		require.NoError(t, err)
		defer func() { _ = l.Close() }()

		assert.Equal(t, "192.0.2.10:5555", acceptOne(t, l, header))
	})

	t.Run("trusted network", func(t *testing.T) {
		raw, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		l, err := ProxyListener(raw, []string{"::1", "127.0.0.0/8"})
		require.NoError(t, err)
		defer func() { _ = l.Close() }()

		assert.Equal(t, "192.0.2.10:5555", acceptOne(t, l, header))
	})

	t.Run("untrusted", func(t *testing.T) {
		raw, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)

		l, err := ProxyListener(raw, []string{"10.0.0.0/8"})
		require.NoError(t, err)
		defer func() { _ = l.Close() }()

		host, _, err := net.SplitHostPort(acceptOne(t, l, ""))
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1", host)
	})

	t.Run("none", func(t *testing.T) {
		raw, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer func() { _ = raw.Close() }()

		l, err := ProxyListener(raw, nil)
		require.NoError(t, err)
		assert.Same(t, raw, l)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := ProxyListener(nil, []string{"proxy.example"})
		assert.ErrorContains(t, err, "proxy.example")
	})
}
