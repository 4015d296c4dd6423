package migration

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/canonical/vzdispatch/dispatcher/filecopy"
	"github.com/canonical/vzdispatch/dispatcher/instance"
	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/dispatcher/tunnel"
	"github.com/canonical/vzdispatch/shared/api"
	"github.com/canonical/vzdispatch/shared/logger"
)

// Version is the migration protocol version sent in every request.
const Version = 1

// Request describes an outgoing migration.
type Request struct {
	ID         string
	TargetName string
	TargetHome string

	MigrationFlags uint32
	ReservedFlags  uint32

	// Container only.
	NewCtID    string
	NewPrivate string
	TargetHost string
}

// Source drives the source side of migrations over an authorized connection.
type Source struct {
	Jobs *jobs.Manager
	Conn jobs.Conn

	// CheckConn, when set, carries the check command instead of Conn.
	CheckConn jobs.Conn

	Instances instance.Registry
	Runtime   instance.Runtime
	Host      instance.Host

	Timeout          time.Duration
	ChunkSize        int
	ToolPath         string
	TerminateTimeout time.Duration

	// Progress receives the transfer completion percentage.
	Progress func(percent int)
}

// run is the state of one outgoing migration.
type run struct {
	s       *Source
	req     Request
	inst    instance.Instance
	prev    instance.State
	tracker *Tracker
	unlock  func()
	state   State
	started bool
	l       logger.Logger
}

func (s *Source) newRun(req Request) (*run, error) {
	inst, err := s.Instances.Get(req.ID)
	if err != nil {
		return nil, err
	}

	return &run{
		s:       s,
		req:     req,
		inst:    inst,
		tracker: NewTracker(),
		state:   StateCreated,
		l:       logger.AddContext(logger.Ctx{"vm": inst.ID, "name": inst.Name, "role": "source", "handle": s.Conn.Handle()}),
	}, nil
}

// MigrateVM moves or clones a virtual machine to the peer.
func (s *Source) MigrateVM(ctx context.Context, req Request) Outcome {
	r, err := s.newRun(req)
	if err != nil {
		return s.outcome(nil, err)
	}

	err = r.migrateVM(ctx)
	if err != nil {
		if r.started {
			r.sendCancel()
		}

		return s.outcome(r, err)
	}

	return s.outcome(r, r.commit())
}

// MigrateCT moves or clones a container to the peer using the migration tool.
func (s *Source) MigrateCT(ctx context.Context, req Request) Outcome {
	r, err := s.newRun(req)
	if err != nil {
		return s.outcome(nil, err)
	}

	err = r.migrateCT(ctx)
	if err != nil {
		if r.started {
			r.sendCancel()
		}

		return s.outcome(r, err)
	}

	return s.outcome(r, r.commit())
}

// outcome rolls back on failure and reports the final result exactly once.
func (s *Source) outcome(r *run, err error) Outcome {
	l := logger.AddContext(logger.Ctx{"role": "source"})
	if r != nil {
		l = r.l
	}

	if err == nil {
		l.Info("Migration committed")
		return committed()
	}

	if r != nil {
		rbErr := r.tracker.Rollback()
		if rbErr != nil {
			l.Warn("Rollback was incomplete", logger.Ctx{"err": rbErr})
		}
	}

	out := failed(err)
	if out.State == StateCancelled {
		l.Info("Migration cancelled")
	} else {
		ctx := logger.Ctx{"code": out.Code.Hex(), "err": err}
		if r != nil {
			ctx["state"] = r.state.String()
		}

		l.Error("Migration failed", ctx)
	}

	return out
}

func (r *run) checkCancel(ctx context.Context) error {
	if ctx.Err() != nil {
		return api.ErrCancelled
	}

	return nil
}

// prepare takes the local steps shared by every migration kind.
func (r *run) prepare(ctx context.Context) error {
	id := r.inst.ID

	err := r.tracker.Do(StepExclusiveParamsLocked, func() error {
		unlock, err := r.s.Instances.Lock(id)
		r.unlock = unlock
		return err
	}, func() error {
		r.unlock()
		return nil
	})
	if err != nil {
		return err
	}

	err = r.tracker.Do(StepUnregisteredFromWatch, func() error {
		return r.s.Instances.Unwatch(id)
	}, func() error {
		return r.s.Instances.Watch(id)
	})
	if err != nil {
		return err
	}

	r.prev, err = r.s.Runtime.State(id)
	if err != nil {
		return err
	}

	return r.checkCancel(ctx)
}

// changeState backs up the configuration and marks the instance as migrating.
func (r *run) changeState() error {
	id := r.inst.ID

	var restore func() error
	err := r.tracker.Do(StepConfigBackedUp, func() error {
		var err error
		restore, err = r.s.Instances.BackupConfig(id)
		return err
	}, func() error {
		return restore()
	})
	if err != nil {
		return err
	}

	current, err := r.s.Runtime.State(id)
	if err != nil {
		return err
	}

	return r.tracker.Do(StepStateChanged, func() error {
		return r.s.Instances.SetState(id, instance.StateMigrating)
	}, func() error {
		return r.s.Instances.SetState(id, current)
	})
}

func (r *run) migrateVM(ctx context.Context) error {
	id := r.inst.ID

	err := r.prepare(ctx)
	if err != nil {
		return err
	}

	if r.prev == instance.StateRunning {
		err = r.tracker.Do(StepSuspended, func() error {
			return r.s.Runtime.Suspend(id)
		}, func() error {
			if has(r.req.MigrationFlags, FlagDontResume) {
				return nil
			}

			return r.s.Runtime.Resume(id)
		})
		if err != nil {
			return err
		}
	}

	err = r.checkCancel(ctx)
	if err != nil {
		return err
	}

	err = r.changeState()
	if err != nil {
		return err
	}

	var dirs, files []filecopy.Item
	if !has(r.req.ReservedFlags, ReservedDontCopyVM) {
		dirs, files, err = filecopy.BuildItems(r.inst.Home)
		if err != nil {
			return api.ResultErrorf(api.FileNotFound, "Failed listing bundle %q: %v", r.inst.Home, err)
		}
	}

	base, err := r.migrateRequest()
	if err != nil {
		return err
	}

	hw, err := r.s.Host.Hardware()
	if err != nil {
		r.l.Warn("Failed reading host hardware", logger.Ctx{"err": err})
	}

	err = r.checkCancel(ctx)
	if err != nil {
		return err
	}

	res, err := r.inst.Resources()
	if err != nil {
		r.l.Warn("Target CPU count won't be checked", logger.Ctx{"err": err})
	}

	check := proto.VMCheckPreconditions{
		MigrateRequest:    base,
		SourceHardware:    hw,
		CPUCount:          res.CPUs,
		RequiredDiskSpace: filecopy.TotalSize(files),
	}

	reply, err := r.request(ctx, r.checkConn(), check)
	if err != nil {
		return err
	}

	checkReply, err := parseReply[proto.VMCheckPreconditionsReply](reply, proto.VMMigrateCheckPreconditionsReply)
	if err != nil {
		return err
	}

	err = checkReply.Err()
	if err != nil {
		return err
	}

	r.state = StatePreconditionsChecked
	r.l.Info("Migration preconditions checked")

	start := proto.VMStart{MigrateRequest: base}
	info, err := os.Stat(r.inst.Home)
	if err == nil {
		start.BundlePermissions = uint32(info.Mode().Perm())
	}

	startPkg, err := proto.NewCommandPackage(start)
	if err != nil {
		return err
	}

	reply, err = r.send(ctx, r.s.Conn, startPkg)
	r.started = err == nil || maybeStarted(err)
	if err != nil {
		return err
	}

	startReply, err := parseReply[proto.VMMigrateStartReply](reply, proto.VMMigrateReply)
	if err != nil {
		// The target rolled its own side back before answering.
		r.started = false
		return err
	}

	r.state = StateStarted
	r.l.Info("Migration started", logger.Ctx{"target_home": startReply.TargetHomePath})

	if !has(r.req.ReservedFlags, ReservedDontCopyVM) {
		r.state = StateTransferInProgress

		copier := &filecopy.Source{
			Jobs:      r.s.Jobs,
			Conn:      r.s.Conn,
			Parent:    startPkg.Header.ID,
			Timeout:   r.s.Timeout,
			ChunkSize: r.s.ChunkSize,
			Progress:  r.s.Progress,
		}

		err = copier.Copy(ctx, dirs, files)
		if err != nil {
			return err
		}
	}

	err = r.checkCancel(ctx)
	if err != nil {
		return err
	}

	reply, err = r.request(ctx, r.s.Conn, proto.VMMigrateFinish{VMID: id, DirID: r.inst.DirID})
	if err != nil {
		return err
	}

	return responseErr(reply)
}

func (r *run) migrateCT(ctx context.Context) error {
	err := r.prepare(ctx)
	if err != nil {
		return err
	}

	err = r.changeState()
	if err != nil {
		return err
	}

	base, err := r.migrateRequest()
	if err != nil {
		return err
	}

	_, files, err := filecopy.BuildItems(r.inst.Home)
	if err != nil {
		return api.ResultErrorf(api.FileNotFound, "Failed listing private area %q: %v", r.inst.Home, err)
	}

	reply, err := r.request(ctx, r.checkConn(), proto.CtMigrateCheckPreconditions{
		MigrateRequest:    base,
		RequiredDiskSpace: filecopy.TotalSize(files),
	})
	if err != nil {
		return err
	}

	err = responseErr(reply)
	if err != nil {
		return err
	}

	r.state = StatePreconditionsChecked

	startPkg, err := proto.NewCommandPackage(proto.CtMigrateStart{
		MigrateRequest: base,
		NewCtID:        r.req.NewCtID,
		NewPrivate:     r.req.NewPrivate,
	})
	if err != nil {
		return err
	}

	// The start job stays open: tunnel fragments and the final result are
	// all sent as responses to it.
	h := r.s.Jobs.Send(r.s.Conn, startPkg)
	defer r.s.Jobs.Release(h)

	stop := context.AfterFunc(ctx, func() { r.s.Jobs.UrgentWake(h) })
	defer stop()

	first, rest, err := r.takeFirst(h)
	r.started = err == nil || maybeStarted(err)
	if err != nil {
		return err
	}

	err = responseErr(first)
	if err != nil {
		r.started = false
		return err
	}

	r.state = StateTransferInProgress
	r.l.Info("Migration started")

	tun := tunnel.New(r.s.Jobs, r.s.Conn, startPkg.Header.ID, r.s.ToolPath, r.sourceArgs()...)
	tun.Inbound = h
	tun.Timeout = r.s.Timeout
	tun.TerminateTimeout = r.s.TerminateTimeout

	final := []*proto.Package{}
	for _, p := range rest {
		if p.Header.Type == proto.CtMigrateCmd {
			tun.Initial = append(tun.Initial, p)
		} else {
			final = append(final, p)
		}
	}

	stopTunnel := context.AfterFunc(ctx, tun.Cancel)
	defer stopTunnel()

	err = tun.Run(ctx)
	if err != nil {
		return err
	}

	final = append(final, tun.Other()...)

	return r.awaitResult(h, final)
}

// takeFirst waits for the first response of h and returns it with whatever arrived along with it.
func (r *run) takeFirst(h jobs.Handle) (*proto.Package, []*proto.Package, error) {
	res := r.s.Jobs.WaitForSend(h, r.s.Timeout)
	if res != jobs.Success {
		return nil, nil, jobs.ResultError(res, "container migration start to be sent")
	}

	res = r.s.Jobs.WaitForResponse(h, r.s.Timeout)
	if res != jobs.Success {
		return nil, nil, jobs.ResultError(res, "container migration start response")
	}

	packages, err := r.s.Jobs.TakeResponse(h)
	if err != nil {
		return nil, nil, err
	}

	return packages[0], packages[1:], nil
}

// awaitResult waits for the target to report the outcome of its own tool.
func (r *run) awaitResult(h jobs.Handle, pending []*proto.Package) error {
	deadline := time.Now().Add(r.s.Timeout)

	for {
		for _, p := range pending {
			if p.Header.Type == proto.ResponseCmd {
				return responseErr(p)
			}
		}

		timeout := time.Until(deadline)
		if r.s.Timeout <= 0 {
			timeout = 0
		} else if timeout <= 0 {
			return api.ResultErrorf(api.Timeout, "Timed out waiting for the target migration result")
		}

		res := r.s.Jobs.WaitForResponse(h, timeout)
		if res != jobs.Success {
			return jobs.ResultError(res, "target migration result")
		}

		var err error
		pending, err = r.s.Jobs.TakeResponse(h)
		if err != nil {
			return err
		}
	}
}

// sourceArgs builds the client side arguments of the migration tool.
func (r *run) sourceArgs() []string {
	args := []string{}

	if has(r.req.MigrationFlags, FlagClone) {
		args = append(args, "--keep-src")
	}

	if has(r.req.MigrationFlags, FlagRemoveSource) {
		args = append(args, "--remove-area", "yes")
	}

	if r.req.TargetName != "" && r.req.TargetName != r.inst.Name {
		args = append(args, "--new-name="+r.req.TargetName)
	}

	if r.prev == instance.StateRunning {
		args = append(args, "--online")
	}

	host := r.req.TargetHost
	if host == "" {
		host = "localhost"
	}

	return append(args, "--nonsharedfs", host, r.inst.ID)
}

func (r *run) migrateRequest() (proto.MigrateRequest, error) {
	config := r.inst.Config
	if config == "" {
		content, err := yaml.Marshal(r.inst)
		if err != nil {
			return proto.MigrateRequest{}, fmt.Errorf("Failed encoding configuration of %q: %w", r.inst.ID, err)
		}

		config = string(content)
	}

	return proto.MigrateRequest{
		Version:        Version,
		VMID:           r.inst.ID,
		DirID:          r.inst.DirID,
		VMName:         r.inst.Name,
		TargetVMName:   r.req.TargetName,
		TargetHomePath: r.req.TargetHome,
		VMConfig:       config,
		MigrationFlags: r.req.MigrationFlags,
		ReservedFlags:  r.req.ReservedFlags,
		PrevState:      string(r.prev),
	}, nil
}

func (r *run) checkConn() jobs.Conn {
	if r.s.CheckConn != nil {
		return r.s.CheckConn
	}

	return r.s.Conn
}

func (r *run) request(ctx context.Context, conn jobs.Conn, cmd proto.Command) (*proto.Package, error) {
	p, err := proto.NewCommandPackage(cmd)
	if err != nil {
		return nil, err
	}

	return r.send(ctx, conn, p)
}

// send waits for the first response to p. Cancelling ctx interrupts the wait.
func (r *run) send(ctx context.Context, conn jobs.Conn, p *proto.Package) (*proto.Package, error) {
	h := r.s.Jobs.Send(conn, p)
	defer r.s.Jobs.Release(h)

	stop := context.AfterFunc(ctx, func() { r.s.Jobs.UrgentWake(h) })
	defer stop()

	return r.s.Jobs.Await(h, p.Header.Type.String(), r.s.Timeout)
}

func (r *run) sendCancel() {
	p, err := proto.NewCommandPackage(proto.VMMigrateCancel{VMID: r.inst.ID, DirID: r.inst.DirID})
	if err != nil {
		return
	}

	_, err = r.s.Jobs.Request(r.s.Conn, p, r.s.Timeout)
	if err != nil {
		r.l.Warn("Failed cancelling migration on the target", logger.Ctx{"err": err})
	}
}

// commit finalizes the source once the target has committed.
func (r *run) commit() error {
	id := r.inst.ID

	if has(r.req.MigrationFlags, FlagClone) {
		// The source keeps running as before.
		err := r.tracker.Rollback()
		if err != nil {
			r.l.Warn("Failed restoring cloned instance", logger.Ctx{"err": err})
		}

		r.state = StateCommitted

		return nil
	}

	if r.prev != instance.StateStopped {
		err := r.s.Runtime.Stop(id)
		if err != nil {
			r.l.Warn("Failed stopping migrated instance", logger.Ctx{"err": err})
		}
	}

	err := r.s.Instances.Unregister(id)
	if err != nil {
		r.l.Warn("Failed unregistering migrated instance", logger.Ctx{"err": err})
	}

	if has(r.req.MigrationFlags, FlagRemoveSource) && r.inst.Kind == instance.KindVM {
		err = os.RemoveAll(r.inst.Home)
		if err != nil {
			r.l.Warn("Failed removing source bundle", logger.Ctx{"home": r.inst.Home, "err": err})
		}
	}

	r.unlock()
	r.tracker.Commit()
	r.state = StateCommitted

	return nil
}

func parseReply[T proto.Command](p *proto.Package, want proto.CommandID) (T, error) {
	var zero T

	if p.Header.Type == proto.ResponseCmd {
		err := responseErr(p)
		if err == nil {
			err = api.ResultErrorf(api.UnexpectedResponseType, "Expected %s, got a plain response", want)
		}

		return zero, err
	}

	if p.Header.Type != want {
		return zero, api.ResultErrorf(api.UnexpectedResponseType, "Expected %s, got %s", want, p.Header.Type)
	}

	cmd, err := proto.ParseCommand(p)
	if err != nil {
		return zero, api.ResultErrorf(api.InternalProtocolError, "Invalid %s: %v", want, err)
	}

	return cmd.(T), nil
}

// maybeStarted reports whether the target may have acted on a start whose reply never arrived.
func maybeStarted(err error) bool {
	code := api.ResultCodeOf(err)

	return code == api.Timeout || code == api.OperationCancelled
}

func responseErr(p *proto.Package) error {
	resp, err := proto.ParseResponse(p)
	if err != nil {
		return err
	}

	return resp.Err()
}
