// Package router dispatches inbound dispatcher-to-dispatcher packages.
package router

import (
	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/peers"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/shared/api"
	"github.com/canonical/vzdispatch/shared/logger"
)

// Authorizer handles the connection level commands.
type Authorizer interface {
	Authorize(conn jobs.Conn, p *proto.Package)
	Logoff(conn jobs.Conn, p *proto.Package)
}

// MigrationHandler creates migration sessions from structured commands.
type MigrationHandler interface {
	CheckPreconditions(conn jobs.Conn, p *proto.Package, cmd proto.Command)
	Start(conn jobs.Conn, p *proto.Package, cmd proto.Command)
}

// PackageHandler receives packages addressed to an existing session.
type PackageHandler interface {
	HandlePackage(conn jobs.Conn, p *proto.Package)
}

// Router dispatches packages that are not responses to a pending job.
type Router struct {
	Registry *peers.Registry
	Auth     Authorizer
	Jobs     *jobs.Manager
	VM       MigrationHandler
	CT       MigrationHandler
	Sessions PackageHandler
}

// Route dispatches p received on conn. It always replies or hands p over.
func (r *Router) Route(conn jobs.Conn, p *proto.Package) {
	l := logger.AddContext(logger.Ctx{"handle": conn.Handle(), "command": p.Header.Type.String(), "id": p.Header.ID})

	class := proto.Classify(p.Header.Type)
	if class.IsTransferData() {
		l.Debug("Transfer package received")
	} else {
		l.Info("Dispatcher command received")
	}

	if p.Header.Type == proto.AuthorizeCmd {
		r.Auth.Authorize(conn, p)
		return
	}

	if !r.Registry.Authorized(conn.Handle()) {
		l.Warn("Rejecting package from unauthorized connection")
		r.Jobs.ReplyError(conn, p, api.ResultErrorf(api.NotAuthorized, "Connection is not authorized"))
		return
	}

	// Ranges take precedence over any named command.
	if class.IsTransferData() {
		r.Sessions.HandlePackage(conn, p)
		return
	}

	switch p.Header.Type {
	case proto.LogoffCmd:
		r.Auth.Logoff(conn, p)

	case proto.VMMigrateCheckPreconditionsCmd:
		r.dispatch(conn, p, r.VM.CheckPreconditions)

	case proto.VMMigrateStartCmd:
		r.dispatch(conn, p, r.VM.Start)

	case proto.CtMigrateCheckPreconditionsCmd:
		r.dispatch(conn, p, r.CT.CheckPreconditions)

	case proto.CtMigrateStartCmd:
		r.dispatch(conn, p, r.CT.Start)

	case proto.VMBackupCreateCmd, proto.VMBackupCreateLocalCmd, proto.VMBackupRestoreCmd, proto.VMBackupGetTreeCmd, proto.VMBackupRemoveCmd, proto.CopyCtTemplateCmd:
		r.Jobs.ReplyError(conn, p, api.ResultErrorf(api.Unimplemented, "%s is not supported", p.Header.Type))

	case proto.VMMigrateCancelCmd, proto.VMMigrateMemPageCmd, proto.VMMigrateFinishCmd, proto.VMMigrateDiskBlockCmd, proto.VMMigrateVideoMemViewCmd, proto.VMMigrateMountImageCmd:
		r.Sessions.HandlePackage(conn, p)

	case proto.ResponseCmd:
		// Replying would bounce between peers forever.
		l.Warn("Dropping response without a pending request", logger.Ctx{"parent": p.Header.ParentID})

	default:
		r.Jobs.ReplyError(conn, p, api.ResultErrorf(api.UnrecognizedRequest, "Unrecognized request %s", p.Header.Type))
	}
}

func (r *Router) dispatch(conn jobs.Conn, p *proto.Package, handler func(jobs.Conn, *proto.Package, proto.Command)) {
	cmd, err := proto.ParseCommand(p)
	if err != nil {
		logger.Error("Invalid dispatcher command", logger.Ctx{"handle": conn.Handle(), "command": p.Header.Type.String(), "err": err})
		r.Jobs.ReplyError(conn, p, api.ResultErrorf(api.InvalidArgument, "Invalid %s: %v", p.Header.Type, err))
		return
	}

	handler(conn, p, cmd)
}
