package migration

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/canonical/vzdispatch/dispatcher/filecopy"
	"github.com/canonical/vzdispatch/dispatcher/instance"
	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/dispatcher/tunnel"
	"github.com/canonical/vzdispatch/shared/api"
	"github.com/canonical/vzdispatch/shared/logger"
)

const (
	inboxSize   = 64
	memFileName = "memory.sav"
)

// session is the target side of one migration. Everything except the fields
// guarded by the manager lock is owned by the run goroutine.
type session struct {
	m       *Manager
	key     Key
	kind    instance.Kind
	created time.Time
	l       logger.Logger

	// Guarded by m.mu.
	checkConn string
	startConn string
	claimed   bool

	state    State
	req      proto.MigrateRequest
	id       string
	home     string
	tracker  *Tracker
	unlock   func()
	conn     jobs.Conn
	startPkg *proto.Package
	files    *filecopy.Target
	running  bool
	abortErr error

	tunMu sync.Mutex
	tun   *tunnel.Tunnel

	inbox chan func()
	done  chan struct{}
}

func newSession(m *Manager, key Key, kind instance.Kind) *session {
	return &session{
		m:       m,
		key:     key,
		kind:    kind,
		created: time.Now(),
		l:       logger.AddContext(logger.Ctx{"vm": key.VMID, "dir": key.DirID, "kind": kind, "role": "target"}),
		state:   StateCreated,
		tracker: NewTracker(),
		inbox:   make(chan func(), inboxSize),
		done:    make(chan struct{}),
	}
}

// post queues fn on the session goroutine. It returns false once the session is over.
func (s *session) post(fn func()) bool {
	select {
	case <-s.done:
		return false
	default:
	}

	select {
	case s.inbox <- fn:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) run() {
	stopping := s.m.canceller.Done()

	for !s.state.Terminal() {
		select {
		case fn := <-s.inbox:
			fn()
		case <-stopping:
			stopping = nil
			s.abort(api.ErrCancelled)
		}
	}

	// Late packages still get an answer.
	for {
		select {
		case fn := <-s.inbox:
			fn()
		default:
			return
		}
	}
}

// finish records the final outcome. It runs exactly once per session.
func (s *session) finish(out Outcome) {
	s.state = out.State
	close(s.done)

	if out.Err != nil {
		s.l.Error("Incoming migration failed", logger.Ctx{"state": out.State.String(), "code": out.Code.Hex(), "err": out.Err})
	} else {
		s.l.Info("Incoming migration committed", logger.Ctx{"id": s.id, "home": s.home})
	}

	s.m.remove(s, out)
}

// fail rolls back every completed step and ends the session.
func (s *session) fail(err error) {
	if s.state.Terminal() {
		return
	}

	rbErr := s.tracker.Rollback()
	if rbErr != nil {
		s.l.Warn("Rollback was incomplete", logger.Ctx{"err": rbErr})
	}

	s.finish(failed(err))
}

// abort stops the session from outside the normal command flow.
// A running tool is stopped first and the rollback happens once it exited.
func (s *session) abort(err error) {
	if s.state.Terminal() {
		return
	}

	if s.running {
		if s.abortErr == nil {
			s.abortErr = err
		}

		tun := s.tunnel()
		go tun.Cancel()

		return
	}

	s.fail(err)
}

func (s *session) tunnel() *tunnel.Tunnel {
	s.tunMu.Lock()
	defer s.tunMu.Unlock()

	return s.tun
}

func (s *session) check(conn jobs.Conn, p *proto.Package, cmd proto.Command) {
	if s.state != StateCreated {
		s.m.Jobs.ReplyError(conn, p, api.ResultErrorf(api.MigrationInProgress, "Migration of %q is already in progress", s.key.VMID))
		return
	}

	s.req = migrateRequest(cmd)

	var failures Failures
	switch c := cmd.(type) {
	case proto.VMCheckPreconditions:
		failures = s.m.checker().CheckVM(c)
	case proto.CtMigrateCheckPreconditions:
		failures = s.m.checker().CheckCT(c)
	}

	// A start sent right after the reply must see the rejection.
	err := failures.Err()
	if err != nil {
		s.m.reject(s.key, err)
	}

	switch cmd.(type) {
	case proto.VMCheckPreconditions:
		reply := proto.VMCheckPreconditionsReply{RetCode: failures.Code(), Results: failures.Messages()}
		pkg, err := proto.NewCommandReply(p, reply)
		if err != nil {
			s.m.Jobs.ReplyError(conn, p, err)
			s.fail(err)
			return
		}

		s.m.Jobs.SendAndForget(conn, pkg)

	case proto.CtMigrateCheckPreconditions:
		s.m.Jobs.SendAndForget(conn, proto.NewResponse(p, failures.Code(), proto.ErrorEvent(failures.Err()), failures.Messages()...))
	}

	if err != nil {
		s.fail(err)
		return
	}

	s.state = StatePreconditionsChecked
	s.l.Info("Migration preconditions checked", logger.Ctx{"handle": conn.Handle()})
}

func (s *session) start(conn jobs.Conn, p *proto.Package, cmd proto.Command) {
	if s.state.Terminal() {
		s.m.Jobs.ReplyError(conn, p, api.ResultErrorf(api.PreconditionsFailed, "Migration of %q was already rejected", s.key.VMID))
		return
	}

	s.conn = conn
	s.startPkg = p
	s.req = migrateRequest(cmd)
	s.state = StateStarted
	s.l.Info("Migration started", logger.Ctx{"handle": conn.Handle(), "flags": s.req.MigrationFlags})
	s.l.Debug("Migration request", logger.Ctx{"request": logger.Pretty(s.req)})

	err := s.reserve()
	if err != nil {
		s.m.Jobs.ReplyError(conn, p, err)
		s.fail(err)
		return
	}

	switch c := cmd.(type) {
	case proto.VMStart:
		err = s.startVM(c)
	case proto.CtMigrateStart:
		err = s.startCT(c)
	default:
		err = api.ResultErrorf(api.InternalProtocolError, "Unexpected start command %s", cmd.CommandID())
	}

	if err != nil {
		s.m.Jobs.ReplyError(conn, p, err)
		s.fail(err)
		return
	}

	s.state = StateTransferInProgress
}

// reserve locks the target identity and adds its placeholder to the catalogue.
func (s *session) reserve() error {
	s.id = s.req.VMID
	if has(s.req.MigrationFlags, FlagChangeID) {
		s.id = uuid.NewString()
	}

	s.home = s.m.checker().HomePath(s.req)

	err := s.tracker.Do(StepExclusiveParamsLocked, func() error {
		unlock, err := s.m.Instances.Lock(s.id)
		s.unlock = unlock
		return err
	}, func() error {
		s.unlock()
		return nil
	})
	if err != nil {
		return err
	}

	inst := instance.Instance{
		ID:     s.id,
		DirID:  s.req.DirID,
		Name:   targetName(s.req),
		Kind:   s.kind,
		Home:   s.home,
		Config: s.req.VMConfig,
	}

	return s.tracker.Do(StepStateChanged, func() error {
		return s.m.Instances.Reserve(inst)
	}, func() error {
		return s.m.Instances.Unregister(s.id)
	})
}

func (s *session) startVM(cmd proto.VMStart) error {
	perms := os.FileMode(cmd.BundlePermissions) & os.ModePerm
	if perms == 0 {
		perms = 0o700
	}

	err := os.MkdirAll(s.home, perms)
	if err != nil {
		return api.ResultErrorf(api.FileAccessDenied, "Failed creating bundle %q: %v", s.home, err)
	}

	s.files = filecopy.NewTarget(s.home)
	s.files.Chown = s.m.Chown

	reply, err := proto.NewCommandReply(s.startPkg, proto.VMMigrateStartReply{
		TargetHomePath: s.home,
		MemFilePath:    filepath.Join(s.home, memFileName),
	})
	if err != nil {
		return err
	}

	s.m.Jobs.SendAndForget(s.conn, reply)

	return nil
}

func (s *session) startCT(cmd proto.CtMigrateStart) error {
	tun := tunnel.New(s.m.Jobs, s.conn, s.startPkg.Header.ID, s.m.ToolPath, targetArgs(cmd)...)
	tun.TerminateTimeout = s.m.TerminateTimeout

	s.tunMu.Lock()
	s.tun = tun
	s.tunMu.Unlock()

	// The source starts its tool once it sees this reply.
	s.m.Jobs.Reply(s.conn, s.startPkg, api.Success)

	s.running = true
	go func() {
		err := tun.Run(s.m.canceller)
		s.post(func() { s.tunnelDone(err) })
	}()

	return nil
}

// targetArgs builds the server side arguments of the migration tool.
func targetArgs(cmd proto.CtMigrateStart) []string {
	args := []string{}
	if instance.State(cmd.PrevState) == instance.StateRunning {
		args = append(args, "--online")
	}

	args = append(args, "--nonsharedfs", "localhost", cmd.VMID)

	if cmd.NewCtID != "" {
		args = append(args, "--new-id="+cmd.NewCtID)
	}

	if cmd.NewPrivate != "" {
		args = append(args, "--new-private="+cmd.NewPrivate)
	}

	return args
}

func (s *session) fragment(p *proto.Package) {
	tun := s.tunnel()
	if tun == nil {
		logger.Debug("Dropping tunnel fragment before start", logger.Ctx{"vm": s.key.VMID})
		return
	}

	tun.HandlePackage(p)
}

func (s *session) tunnelDone(err error) {
	s.running = false

	if s.abortErr != nil && (err == nil || api.IsCancelled(err)) {
		err = s.abortErr
	}

	if err == nil {
		err = s.commit()
	}

	// The source waits for this second response to its start command.
	s.m.Jobs.SendAndForget(s.conn, proto.NewResponse(s.startPkg, api.ResultCodeOf(err), proto.ErrorEvent(err)))

	if err != nil {
		s.fail(err)
		return
	}

	s.finish(committed())
}

func (s *session) fileCopy(conn jobs.Conn, p *proto.Package) {
	if s.files == nil || s.state != StateTransferInProgress {
		err := api.ResultErrorf(api.InternalProtocolError, "Migration of %q is not receiving files", s.key.VMID)
		s.m.Jobs.SendAndForget(conn, proto.NewFileCopyResult(p, proto.FileCopyError, err))
		return
	}

	reply, _ := s.files.HandlePackage(p)
	if reply != nil {
		s.m.Jobs.SendAndForget(conn, reply)
	}
}

// control handles the cancel and finish commands sent by the source.
func (s *session) control(conn jobs.Conn, p *proto.Package, cmd proto.Command) {
	if s.state.Terminal() {
		s.m.Jobs.ReplyError(conn, p, api.ResultErrorf(api.VMNotFound, "No migration of %q in progress", s.key.VMID))
		return
	}

	switch cmd.(type) {
	case proto.VMMigrateCancel:
		s.l.Info("Migration cancelled by source", logger.Ctx{"handle": conn.Handle()})
		s.m.Jobs.Reply(conn, p, api.Success)
		s.abort(api.ErrCancelled)

	case proto.VMMigrateFinish:
		if s.kind != instance.KindVM {
			s.m.Jobs.ReplyError(conn, p, api.ResultErrorf(api.InternalProtocolError, "Container migrations finish with the migration tool"))
			return
		}

		err := s.finishVM()
		if err != nil {
			s.m.Jobs.ReplyError(conn, p, err)
			s.fail(err)
			return
		}

		s.m.Jobs.Reply(conn, p, api.Success)
		s.finish(committed())
	}
}

func (s *session) finishVM() error {
	if s.state != StateTransferInProgress {
		return api.ResultErrorf(api.InternalProtocolError, "Unexpected finish of migration %q in state %s", s.key.VMID, s.state)
	}

	if !has(s.req.ReservedFlags, ReservedDontCopyVM) {
		if s.files.Err() != nil {
			return s.files.Err()
		}

		if !s.files.Done() {
			return api.ResultErrorf(api.InternalProtocolError, "Migration of %q finished before the file transfer", s.key.VMID)
		}
	}

	return s.commit()
}

// commit turns the reservation into a regular entry and restores the previous runtime state.
func (s *session) commit() error {
	inst := instance.Instance{
		ID:     s.id,
		DirID:  s.req.DirID,
		Name:   targetName(s.req),
		Kind:   s.kind,
		Home:   s.home,
		Config: s.req.VMConfig,
		State:  instance.StateStopped,
		HA:     has(s.req.ReservedFlags, ReservedHAMoveVM),
	}

	err := s.m.Instances.Register(inst)
	if err != nil {
		return fmt.Errorf("Failed registering %q: %w", s.id, err)
	}

	if instance.State(s.req.PrevState) == instance.StateRunning && !has(s.req.MigrationFlags, FlagDontResume) {
		err = s.tracker.Do(StepAppStarted, func() error {
			return s.m.Runtime.Start(s.id)
		}, func() error {
			return s.m.Runtime.Stop(s.id)
		})
		if err != nil {
			return fmt.Errorf("Failed starting %q: %w", s.id, err)
		}
	}

	s.unlock()
	s.tracker.Commit()

	return nil
}

func (s *session) connectionLost(handle string) {
	if s.state.Terminal() {
		return
	}

	if s.claimedBy(handle) {
		s.abort(api.ResultErrorf(api.ConnectionLost, "Source connection %s was lost", handle))
		return
	}

	// The start may still arrive on another connection.
	s.l.Debug("Check connection closed", logger.Ctx{"handle": handle})
}

func (s *session) claimedBy(handle string) bool {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()

	return s.startConn == handle
}

func (s *session) expire() {
	if s.state.Terminal() || s.state >= StateStarted {
		return
	}

	s.fail(api.ResultErrorf(api.StartTimeout, "Migration of %q was not started within %s", s.key.VMID, s.m.StartWaitTimeout))
}
