package main

import (
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	cli "github.com/canonical/vzdispatch/shared/cmd"
	"github.com/canonical/vzdispatch/shared/logger"
)

type cmdDaemon struct {
	global *cmdGlobal
}

func (c *cmdDaemon) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "daemon"
	cmd.Short = "Run the dispatcher"
	cmd.Long = cli.FormatSection("Description",
		`Run the dispatcher

This is the default command. It listens for peer dispatchers until it
receives SIGINT, SIGQUIT or SIGTERM.`)

	cmd.Args = cobra.NoArgs
	cmd.RunE = c.Run

	return cmd
}

func (c *cmdDaemon) Run(cmd *cobra.Command, args []string) error {
	d := newDaemon(c.global.config)

	err := d.Init()
	if err != nil {
		_ = d.Stop()
		return err
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, unix.SIGINT, unix.SIGQUIT, unix.SIGTERM)
	defer signal.Stop(ch)

	select {
	case sig := <-ch:
		logger.Info("Received signal, shutting down", logger.Ctx{"signal": sig.String()})
	case err := <-d.serveErr:
		logger.Error("Listener failed, shutting down", logger.Ctx{"err": err})
	}

	return d.Stop()
}
