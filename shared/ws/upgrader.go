package ws

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const bufferSize = 128 * 1024

// Upgrader is a websocket upgrader which ignores the request Origin.
var Upgrader = websocket.Upgrader{
	CheckOrigin:     func(r *http.Request) bool { return true },
	ReadBufferSize:  bufferSize,
	WriteBufferSize: bufferSize,
}

// Dialer is the websocket dialer used for outgoing connections.
var Dialer = websocket.Dialer{
	Proxy:            http.ProxyFromEnvironment,
	HandshakeTimeout: 30 * time.Second,
	ReadBufferSize:   bufferSize,
	WriteBufferSize:  bufferSize,
}
