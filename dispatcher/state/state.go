// Package state holds the service object shared by the dispatcher subsystems.
package state

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/canonical/vzdispatch/dispatcher/auth"
	"github.com/canonical/vzdispatch/dispatcher/config"
	"github.com/canonical/vzdispatch/dispatcher/instance"
	"github.com/canonical/vzdispatch/dispatcher/jobs"
	"github.com/canonical/vzdispatch/dispatcher/migration"
	"github.com/canonical/vzdispatch/dispatcher/peers"
	"github.com/canonical/vzdispatch/dispatcher/router"
	"github.com/canonical/vzdispatch/shared/logger"
)

// State is the gateway to the stateful components of the dispatcher. It is
// built once at startup and handed to whoever needs a collaborator.
type State struct {
	// Context cancelled when the dispatcher shuts down.
	ShutdownCtx context.Context

	Config *config.Config

	// Peer connections
	Registry *peers.Registry
	Jobs     *jobs.Manager
	Router   *router.Router

	// Authentication
	Users    *auth.UserDB
	Sessions *auth.SessionStore
	Auth     *auth.Authenticator

	// Local instances
	Instances *instance.Dir
	Host      instance.Host

	// Target side migration sessions
	Migrations *migration.Manager
}

// New builds the service object from cfg.
func New(ctx context.Context, cfg *config.Config) (*State, error) {
	users, err := auth.LoadUserDB(cfg.UsersFile)
	if errors.Is(err, os.ErrNotExist) {
		logger.Warn("Users file not found, peer logins will be refused", logger.Ctx{"path": cfg.UsersFile})
		users = auth.NewUserDB()
	} else if err != nil {
		return nil, err
	}

	instances, err := instance.NewDir(cfg.DataDir)
	if err != nil {
		return nil, err
	}

	s := &State{
		ShutdownCtx: ctx,
		Config:      cfg,
		Registry:    peers.NewRegistry(),
		Jobs:        jobs.NewManager(),
		Users:       users,
		Instances:   instances,
		Host:        instance.LocalHost{},
	}

	s.Sessions = auth.NewSessionStore(users)
	s.Auth = &auth.Authenticator{
		Registry:    s.Registry,
		Jobs:        s.Jobs,
		Sessions:    s.Sessions,
		Keys:        users,
		SendTimeout: cfg.SendReceiveTimeout(),
	}

	s.Migrations = migration.NewManager(ctx, s.Registry, s.Jobs, instances, instances, s.Host)
	s.Migrations.BundlesDir = cfg.Migration.BundlesDir
	s.Migrations.ToolPath = cfg.Migration.ToolPath
	s.Migrations.StartWaitTimeout = cfg.StartWaitTimeout()
	s.Migrations.TerminateTimeout = cfg.TerminateTimeout()
	s.Migrations.Chown = os.Geteuid() == 0

	err = os.MkdirAll(cfg.Migration.BundlesDir, 0o700)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("Failed creating bundles directory %q: %w", cfg.Migration.BundlesDir, err)
	}

	s.Router = &router.Router{
		Registry: s.Registry,
		Auth:     s.Auth,
		Jobs:     s.Jobs,
		VM:       s.Migrations.VM(),
		CT:       s.Migrations.CT(),
		Sessions: s.Migrations,
	}

	return s, nil
}

// Source returns a source side migration driver sending over conn.
func (s *State) Source(conn jobs.Conn) *migration.Source {
	return &migration.Source{
		Jobs:             s.Jobs,
		Conn:             conn,
		Instances:        s.Instances,
		Runtime:          s.Instances,
		Host:             s.Host,
		Timeout:          s.Config.SendReceiveTimeout(),
		ChunkSize:        s.Config.FileCopy.ChunkSize,
		ToolPath:         s.Config.Migration.ToolPath,
		TerminateTimeout: s.Config.TerminateTimeout(),
	}
}

// Close stops the migration sessions and the connection registry.
func (s *State) Close() {
	s.Migrations.Stop()
	s.Registry.Stop()
}
