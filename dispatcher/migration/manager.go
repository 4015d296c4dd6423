// Package migration implements the migration state machine for both the
// source and the target role.
package migration

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canonical/vzdispatch/dispatcher/instance"
	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/peers"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/dispatcher/router"
	"github.com/canonical/vzdispatch/dispatcher/tunnel"
	"github.com/canonical/vzdispatch/shared/api"
	"github.com/canonical/vzdispatch/shared/cancel"
	"github.com/canonical/vzdispatch/shared/logger"
)

// DefaultStartWaitTimeout is how long a checked session waits for its start command.
const DefaultStartWaitTimeout = 600 * time.Second

// Key identifies a migration session.
type Key struct {
	VMID  string
	DirID string
}

// Status describes a live session.
type Status struct {
	Key     Key           `json:"key" yaml:"key"`
	Kind    instance.Kind `json:"kind" yaml:"kind"`
	Started bool          `json:"started" yaml:"started"`
	Age     time.Duration `json:"age" yaml:"age"`
}

// Manager owns the target side sessions. At most one session exists per key.
type Manager struct {
	Registry  *peers.Registry
	Jobs      *jobs.Manager
	Instances instance.Registry
	Runtime   instance.Runtime
	Host      instance.Host

	BundlesDir       string
	ToolPath         string
	StartWaitTimeout time.Duration
	TerminateTimeout time.Duration

	// Chown preserves the ownership of received files.
	Chown bool

	// OnFinish is called once per session with its final outcome.
	OnFinish func(key Key, out Outcome)

	canceller   *cancel.Canceller
	unsubscribe func()

	mu       sync.Mutex
	stopped  bool
	sessions map[Key]*session
	byParent map[uuid.UUID]*session

	// rejected holds the keys whose check failed, until StartWaitTimeout passed.
	rejected map[Key]rejection
}

type rejection struct {
	at  time.Time
	err error
}

// NewManager returns a manager bound to the connection registry and job manager.
// Sessions are notified when the connection they depend on is removed.
func NewManager(ctx context.Context, registry *peers.Registry, m *jobs.Manager, instances instance.Registry, runtime instance.Runtime, host instance.Host) *Manager {
	mgr := &Manager{
		Registry:         registry,
		Jobs:             m,
		Instances:        instances,
		Runtime:          runtime,
		Host:             host,
		ToolPath:         "/usr/sbin/vzmigrate",
		StartWaitTimeout: DefaultStartWaitTimeout,
		TerminateTimeout: tunnel.DefaultTerminateTimeout,
		canceller:        cancel.New(ctx),
		sessions:         map[Key]*session{},
		byParent:         map[uuid.UUID]*session{},
		rejected:         map[Key]rejection{},
	}

	mgr.unsubscribe = registry.Subscribe(mgr.connectionLost)

	return mgr
}

// VM returns the handler for virtual machine commands.
func (m *Manager) VM() router.MigrationHandler {
	return handler{m: m, kind: instance.KindVM}
}

// CT returns the handler for container commands.
func (m *Manager) CT() router.MigrationHandler {
	return handler{m: m, kind: instance.KindContainer}
}

type handler struct {
	m    *Manager
	kind instance.Kind
}

func (h handler) CheckPreconditions(conn jobs.Conn, p *proto.Package, cmd proto.Command) {
	h.m.check(h.kind, conn, p, cmd)
}

func (h handler) Start(conn jobs.Conn, p *proto.Package, cmd proto.Command) {
	h.m.start(h.kind, conn, p, cmd)
}

func (m *Manager) checker() *Checker {
	return &Checker{Instances: m.Instances, Host: m.Host, BundlesDir: m.BundlesDir}
}

func migrateRequest(cmd proto.Command) proto.MigrateRequest {
	switch c := cmd.(type) {
	case proto.VMCheckPreconditions:
		return c.MigrateRequest
	case proto.VMStart:
		return c.MigrateRequest
	case proto.CtMigrateCheckPreconditions:
		return c.MigrateRequest
	case proto.CtMigrateStart:
		return c.MigrateRequest
	}

	return proto.MigrateRequest{}
}

func (m *Manager) check(kind instance.Kind, conn jobs.Conn, p *proto.Package, cmd proto.Command) {
	req := migrateRequest(cmd)
	key := Key{VMID: req.VMID, DirID: req.DirID}

	m.mu.Lock()
	s, err := m.create(key, kind)
	if err == nil {
		s.checkConn = conn.Handle()
		delete(m.rejected, key)
	}

	m.mu.Unlock()

	if err != nil {
		logger.Warn("Rejecting migration check", logger.Ctx{"vm": key.VMID, "handle": conn.Handle(), "err": err})
		m.Jobs.ReplyError(conn, p, err)
		return
	}

	if !s.post(func() { s.check(conn, p, cmd) }) {
		m.ended(s, conn, p)
	}
}

func (m *Manager) start(kind instance.Kind, conn jobs.Conn, p *proto.Package, cmd proto.Command) {
	req := migrateRequest(cmd)
	key := Key{VMID: req.VMID, DirID: req.DirID}

	m.mu.Lock()
	s, err := m.attach(key, kind)
	if err == nil {
		s.startConn = conn.Handle()
		m.byParent[p.Header.ID] = s
	}

	m.mu.Unlock()

	if err != nil {
		logger.Warn("Rejecting migration start", logger.Ctx{"vm": key.VMID, "handle": conn.Handle(), "err": err})
		m.Jobs.ReplyError(conn, p, err)
		return
	}

	if !s.post(func() { s.start(conn, p, cmd) }) {
		m.ended(s, conn, p)
	}
}

// ended answers a command that reached s after it finished.
func (m *Manager) ended(s *session, conn jobs.Conn, p *proto.Package) {
	m.mu.Lock()
	if m.byParent[p.Header.ID] == s {
		delete(m.byParent, p.Header.ID)
	}

	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
	}

	m.mu.Unlock()

	s.l.Warn("Command arrived after the migration ended", logger.Ctx{"command": p.Header.Type.String(), "handle": conn.Handle()})
	m.Jobs.ReplyError(conn, p, api.ResultErrorf(api.OperationFailed, "Migration of %q ended before %s was handled", s.key.VMID, p.Header.Type))
}

// create adds a session for key. Called with m.mu held.
func (m *Manager) create(key Key, kind instance.Kind) (*session, error) {
	if m.stopped {
		return nil, api.ResultErrorf(api.ShutdownInProgress, "Dispatcher is shutting down")
	}

	_, ok := m.sessions[key]
	if ok {
		return nil, api.ResultErrorf(api.MigrationInProgress, "Migration of %q is already in progress", key.VMID)
	}

	s := newSession(m, key, kind)
	m.sessions[key] = s

	go s.run()

	return s, nil
}

// attach claims the start of the session for key, creating it if the peer skipped the check.
// Called with m.mu held.
func (m *Manager) attach(key Key, kind instance.Kind) (*session, error) {
	s, ok := m.sessions[key]
	if !ok {
		r, rejected := m.rejected[key]
		if rejected && time.Since(r.at) < m.StartWaitTimeout {
			return nil, api.ResultErrorf(api.PreconditionsFailed, "Preconditions of %q failed: %v", key.VMID, r.err)
		}

		delete(m.rejected, key)

		var err error

		s, err = m.create(key, kind)
		if err != nil {
			return nil, err
		}
	}

	if s.claimed || s.kind != kind {
		return nil, api.ResultErrorf(api.MigrationInProgress, "Migration of %q is already in progress", key.VMID)
	}

	s.claimed = true

	return s, nil
}

func (m *Manager) byKey(key Key) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.sessions[key]
}

func (m *Manager) parent(id uuid.UUID) *session {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.byParent[id]
}

// HandlePackage delivers a package addressed to an existing session.
func (m *Manager) HandlePackage(conn jobs.Conn, p *proto.Package) {
	switch proto.Classify(p.Header.Type) {
	case proto.ClassFileCopy:
		s := m.parent(p.Header.ParentID)
		if s == nil || !s.post(func() { s.fileCopy(conn, p) }) {
			logger.Warn("File copy package without migration", logger.Ctx{"handle": conn.Handle(), "parent": p.Header.ParentID})
			err := api.ResultErrorf(api.InternalProtocolError, "No migration is waiting for %s", p.Header.ParentID)
			m.Jobs.SendAndForget(conn, proto.NewFileCopyResult(p, proto.FileCopyError, err))
		}

		return

	case proto.ClassCtMigrate:
		s := m.parent(p.Header.ParentID)
		if s == nil {
			logger.Debug("Dropping tunnel fragment without migration", logger.Ctx{"handle": conn.Handle(), "parent": p.Header.ParentID})
			return
		}

		s.fragment(p)
		return
	}

	switch p.Header.Type {
	case proto.VMMigrateCancelCmd, proto.VMMigrateFinishCmd:
		cmd, err := proto.ParseCommand(p)
		if err != nil {
			m.Jobs.ReplyError(conn, p, api.ResultErrorf(api.InvalidArgument, "Invalid %s: %v", p.Header.Type, err))
			return
		}

		var key Key
		switch c := cmd.(type) {
		case proto.VMMigrateCancel:
			key = Key{VMID: c.VMID, DirID: c.DirID}
		case proto.VMMigrateFinish:
			key = Key{VMID: c.VMID, DirID: c.DirID}
		}

		s := m.byKey(key)
		if s == nil || !s.post(func() { s.control(conn, p, cmd) }) {
			m.Jobs.ReplyError(conn, p, api.ResultErrorf(api.VMNotFound, "No migration of %q in progress", key.VMID))
		}

	default:
		m.Jobs.ReplyError(conn, p, api.ResultErrorf(api.Unimplemented, "%s is not supported", p.Header.Type))
	}
}

// connectionLost notifies the sessions depending on the removed connection.
func (m *Manager) connectionLost(handle string) {
	m.mu.Lock()
	affected := []*session{}
	for _, s := range m.sessions {
		if s.startConn == handle || (s.checkConn == handle && !s.claimed) {
			affected = append(affected, s)
		}
	}

	m.mu.Unlock()

	for _, s := range affected {
		s.post(func() { s.connectionLost(handle) })
	}
}

// Reap expires sessions whose start did not arrive within StartWaitTimeout.
func (m *Manager) Reap(now time.Time) int {
	m.mu.Lock()
	expired := []*session{}
	for _, s := range m.sessions {
		if !s.claimed && now.Sub(s.created) >= m.StartWaitTimeout {
			expired = append(expired, s)
		}
	}

	for key, r := range m.rejected {
		if now.Sub(r.at) >= m.StartWaitTimeout {
			delete(m.rejected, key)
		}
	}

	m.mu.Unlock()

	for _, s := range expired {
		s.post(s.expire)
	}

	return len(expired)
}

// Sessions returns the live sessions.
func (m *Manager) Sessions() []Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := make([]Status, 0, len(m.sessions))
	for key, s := range m.sessions {
		list = append(list, Status{Key: key, Kind: s.kind, Started: s.claimed, Age: time.Since(s.created)})
	}

	return list
}

// Len returns the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.sessions)
}

// Stop refuses new sessions and cancels the running ones.
func (m *Manager) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.unsubscribe()
	m.canceller.Cancel()
}

// reject refuses starts for key until StartWaitTimeout passed or a new check succeeds.
func (m *Manager) reject(key Key, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rejected[key] = rejection{at: time.Now(), err: err}
}

// remove forgets s and reports its outcome.
func (m *Manager) remove(s *session, out Outcome) {
	m.mu.Lock()
	if m.sessions[s.key] == s {
		delete(m.sessions, s.key)
	}

	for id, other := range m.byParent {
		if other == s {
			delete(m.byParent, id)
		}
	}

	m.mu.Unlock()

	if m.OnFinish != nil {
		m.OnFinish(s.key, out)
	}
}
