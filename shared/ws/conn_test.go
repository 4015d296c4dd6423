package ws

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnFrames(t *testing.T) {
	received := make(chan []byte, 2)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := Upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}

		conn := NewConn(raw)
		defer conn.Close()

		for {
			r, err := conn.NextFrame()
			if err != nil {
				close(received)
				return
			}

			data, _ := io.ReadAll(r)
			received <- data
		}
	}))
	defer srv.Close()

	raw, _, err := Dialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)

	conn := NewConn(raw)

	// Text messages are not frames and get skipped.
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("ignored")))
	require.NoError(t, conn.WriteFrame([]byte("first"), 0))
	assert.Equal(t, []byte("first"), <-received)

	require.NoError(t, conn.Close())

	_, open := <-received
	assert.False(t, open)
}
