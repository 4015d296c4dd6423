package transport

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/logger"
	"github.com/canonical/vzdispatch/shared/version"
	"github.com/canonical/vzdispatch/shared/ws"
)

// DialAttempts is the number of connection attempts made by Dial.
const DialAttempts = 5

// URL returns the dispatcher endpoint of a target given as host, host:port or URL.
// Bare hosts are reached without TLS.
func URL(target string) string {
	switch {
	case strings.HasPrefix(target, "ws://"), strings.HasPrefix(target, "wss://"):
	case strings.HasPrefix(target, "http://"), strings.HasPrefix(target, "https://"):
		target = "ws" + strings.TrimPrefix(target, "http")
	default:
		target = "ws://" + target
	}

	target = strings.TrimSuffix(target, "/")
	suffix := "/" + version.APIVersion + "/dispatcher"
	if !strings.HasSuffix(target, suffix) {
		target += suffix
	}

	return target
}

// Dial connects to the dispatcher at target, retrying with a backoff until
// timeout expires or DialAttempts fail. Responses received on the returned
// connection are delivered to m. Packages nobody waits for are dropped.
func Dial(ctx context.Context, m *jobs.Manager, target string, timeout time.Duration) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	url := URL(target)
	header := http.Header{}
	header.Set("User-Agent", version.UserAgent)

	var raw *websocket.Conn
	err := retry.Retry(func(attempt uint) error {
		var err error
		raw, _, err = ws.Dialer.DialContext(ctx, url, header)
		if err != nil {
			logger.Debug("Dispatcher connection attempt failed", logger.Ctx{"url": url, "attempt": attempt, "err": err})

			if ctx.Err() != nil {
				// Stop retrying, the error is reported below.
				return nil
			}
		}

		return err
	}, strategy.Limit(DialAttempts), strategy.Backoff(backoff.Fibonacci(100*time.Millisecond)))
	if err == nil && raw == nil {
		err = ctx.Err()
	}

	if err != nil {
		return nil, fmt.Errorf("Failed connecting to dispatcher %q: %w", url, err)
	}

	conn := newConn(uuid.NewString(), ws.NewConn(raw), proto.DefaultLimits(), timeout)
	conn.Start(func(p *proto.Package) {
		if !m.Deliver(p) {
			conn.l.Debug("Dropping unsolicited package", logger.Ctx{"command": p.Header.Type.String()})
		}
	}, func() {
		m.FailConnection(conn.Handle())
	})

	return conn, nil
}
