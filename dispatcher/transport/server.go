package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/peers"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/logger"
	"github.com/canonical/vzdispatch/shared/version"
	"github.com/canonical/vzdispatch/shared/ws"
)

// Router handles packages that are not responses to a pending job.
type Router interface {
	Route(conn jobs.Conn, p *proto.Package)
}

// Server accepts peer dispatcher connections.
type Server struct {
	Registry *peers.Registry
	Jobs     *jobs.Manager
	Router   Router

	Limits       proto.Limits
	WriteTimeout time.Duration

	// Status returns extra fields merged into the status document.
	Status func() map[string]any

	mu     sync.Mutex
	conns  map[string]*Conn
	server *http.Server
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/"+version.APIVersion+"/dispatcher", s.serveDispatcher).Methods(http.MethodGet)
	r.HandleFunc("/"+version.APIVersion+"/status", s.serveStatus).Methods(http.MethodGet)

	return r
}

// Serve accepts connections on l until Shutdown is called. TLS is used when
// both certFile and keyFile are set.
func (s *Server) Serve(l net.Listener, certFile string, keyFile string) error {
	s.mu.Lock()
	s.server = &http.Server{Handler: s.Handler(), ReadHeaderTimeout: 30 * time.Second}
	srv := s.server
	s.mu.Unlock()

	var err error
	if certFile != "" && keyFile != "" {
		err = srv.ServeTLS(l, certFile, keyFile)
	} else {
		err = srv.Serve(l)
	}

	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}

	return err
}

// Shutdown stops accepting connections and closes the open ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	conns := make([]*Conn, 0, len(s.conns))
	for _, conn := range s.conns {
		conns = append(conns, conn)
	}

	s.mu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}

	for _, conn := range conns {
		_ = conn.Close()
	}

	return err
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.conns)
}

func (s *Server) serveDispatcher(w http.ResponseWriter, r *http.Request) {
	raw, err := ws.Upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("Failed upgrading dispatcher connection", logger.Ctx{"err": err, "remote": r.RemoteAddr})
		return
	}

	s.Accept(ws.NewConn(raw))
}

// Accept starts serving an established peer connection and returns it.
func (s *Server) Accept(wsConn *ws.Conn) *Conn {
	limits := s.Limits
	if limits.MaxBuffers == 0 {
		limits = proto.DefaultLimits()
	}

	conn := newConn(uuid.NewString(), wsConn, limits, s.WriteTimeout)

	s.mu.Lock()
	if s.conns == nil {
		s.conns = map[string]*Conn{}
	}

	s.conns[conn.Handle()] = conn
	s.mu.Unlock()

	conn.l.Info("Dispatcher connection accepted")

	conn.Start(func(p *proto.Package) {
		if s.Jobs.Deliver(p) {
			return
		}

		s.Router.Route(conn, p)
	}, func() {
		s.disconnected(conn)
	})

	return conn
}

func (s *Server) disconnected(conn *Conn) {
	s.mu.Lock()
	delete(s.conns, conn.Handle())
	s.mu.Unlock()

	s.Jobs.FailConnection(conn.Handle())
	s.Registry.Remove(conn.Handle())

	conn.l.Info("Dispatcher connection lost")
}

func (s *Server) serveStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]any{
		"connections":   s.Len(),
		"authorized":    s.Registry.Len(),
		"jobs":          s.Jobs.Len(),
		"shutting_down": s.Registry.ShuttingDown(),
	}

	if s.Status != nil {
		for k, v := range s.Status() {
			status[k] = v
		}
	}

	w.Header().Set("Content-Type", "application/json")
	err := json.NewEncoder(w).Encode(status)
	if err != nil {
		logger.Debug("Failed writing status", logger.Ctx{"err": err})
	}
}
