package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/canonical/vzdispatch/dispatcher/config"
	"github.com/canonical/vzdispatch/dispatcher/migration"
	"github.com/canonical/vzdispatch/dispatcher/proto"
	"github.com/canonical/vzdispatch/dispatcher/state"
	"github.com/canonical/vzdispatch/dispatcher/task"
	"github.com/canonical/vzdispatch/dispatcher/transport"
	"github.com/canonical/vzdispatch/shared/logger"
)

// Daemon ties the dispatcher subsystems to the network listener.
type Daemon struct {
	config *config.Config
	state  *state.State
	server *transport.Server
	tasks  task.Group

	listener net.Listener
	serveErr chan error

	shutdownCtx    context.Context
	shutdownCancel context.CancelFunc
}

func newDaemon(cfg *config.Config) *Daemon {
	ctx, cancel := context.WithCancel(context.Background())

	return &Daemon{
		config:         cfg,
		serveErr:       make(chan error, 1),
		shutdownCtx:    ctx,
		shutdownCancel: cancel,
	}
}

// Init builds the service object, starts the tasks and the listener.
func (d *Daemon) Init() error {
	logger.Info("Starting dispatcher", logger.Ctx{"listen": d.config.ListenAddress})

	s, err := state.New(d.shutdownCtx, d.config)
	if err != nil {
		return err
	}

	d.state = s

	s.Migrations.OnFinish = func(key migration.Key, out migration.Outcome) {
		logger.Debug("Migration session finished", logger.Ctx{"vm": key.VMID, "state": out.State.String()})
	}

	d.server = &transport.Server{
		Registry:     s.Registry,
		Jobs:         s.Jobs,
		Router:       s.Router,
		Limits:       proto.DefaultLimits(),
		WriteTimeout: d.config.SendReceiveTimeout(),
		Status: func() map[string]any {
			return map[string]any{"migrations": s.Migrations.Sessions()}
		},
	}

	d.tasks.Add("reap-migrations", d.reapMigrations, task.Every(reapInterval(d.config.StartWaitTimeout()), task.SkipFirst))
	d.tasks.Add("connection-stats", d.connectionStats, task.Every(10*time.Minute, task.SkipFirst))
	d.tasks.Start(d.shutdownCtx)

	listener, err := net.Listen("tcp", d.config.ListenAddress)
	if err != nil {
		return fmt.Errorf("Failed listening on %q: %w", d.config.ListenAddress, err)
	}

	d.listener, err = transport.ProxyListener(listener, d.config.TrustedProxies)
	if err != nil {
		_ = listener.Close()
		return err
	}

	go func() {
		err := d.server.Serve(d.listener, d.config.TLSCertFile, d.config.TLSKeyFile)
		if err != nil {
			d.serveErr <- err
		}
	}()

	logger.Info("Dispatcher started", logger.Ctx{"listen": d.listener.Addr().String()})

	return nil
}

// Stop refuses new authorizations, cancels the migration sessions and closes
// all connections.
func (d *Daemon) Stop() error {
	logger.Info("Stopping dispatcher")

	var errs []error

	if d.state != nil {
		d.state.Registry.SetShuttingDown()
	}

	d.shutdownCancel()

	err := d.tasks.Stop(5 * time.Second)
	if err != nil {
		errs = append(errs, err)
	}

	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err = d.server.Shutdown(ctx)
		cancel()
		if err != nil {
			errs = append(errs, fmt.Errorf("Failed stopping listener: %w", err))
		}
	}

	if d.state != nil {
		d.state.Close()
	}

	return errors.Join(errs...)
}

// reapInterval checks for abandoned sessions ten times per start wait timeout.
func reapInterval(timeout time.Duration) time.Duration {
	interval := timeout / 10
	if interval < time.Second {
		interval = time.Second
	}

	return interval
}

func (d *Daemon) reapMigrations(ctx context.Context) {
	n := d.state.Migrations.Reap(time.Now())
	if n > 0 {
		logger.Info("Expired migrations waiting for their start", logger.Ctx{"count": n})
	}
}

func (d *Daemon) connectionStats(ctx context.Context) {
	logger.Debug("Dispatcher statistics", logger.Ctx{
		"connections": d.server.Len(),
		"authorized":  d.state.Registry.Len(),
		"jobs":        d.state.Jobs.Len(),
		"migrations":  d.state.Migrations.Len(),
	})
}
