package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/canonical/vzdispatch/dispatcher/config"
	cli "github.com/canonical/vzdispatch/shared/cmd"
	"github.com/canonical/vzdispatch/shared/logger"
	"github.com/canonical/vzdispatch/shared/version"
)

type cmdGlobal struct {
	cmd *cobra.Command

	flagHelp    bool
	flagVersion bool

	flagLogFile    string
	flagLogDebug   bool
	flagLogSyslog  bool
	flagLogVerbose bool
	flagConfig     string

	config *config.Config
}

// Run loads the configuration and sets up logging before any sub-command.
func (c *cmdGlobal) Run(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(c.flagConfig)
	if err != nil {
		return err
	}

	c.config = cfg

	logFile := c.flagLogFile
	if logFile == "" {
		logFile = cfg.LogFile
	}

	syslog := ""
	if c.flagLogSyslog {
		syslog = "vzdispatch"
	}

	return logger.InitLogger(logFile, syslog, c.flagLogVerbose, c.flagLogDebug, nil)
}

func main() {
	// daemon command (main)
	daemonCmd := cmdDaemon{}
	app := daemonCmd.Command()
	app.Use = "vzdispatch"
	app.Short = "Dispatcher to dispatcher connection and migration daemon"
	app.Long = cli.FormatSection("Description",
		`Dispatcher to dispatcher connection and migration daemon

Accepts connections of peer dispatchers and serves the virtual machine and
container migrations they start. The migrate sub-command drives a migration
from this host to a peer.`)
	app.SilenceUsage = true
	app.CompletionOptions = cobra.CompletionOptions{DisableDefaultCmd: true}

	// Global flags
	globalCmd := cmdGlobal{cmd: app}
	daemonCmd.global = &globalCmd
	app.PersistentPreRunE = globalCmd.Run
	app.PersistentFlags().BoolVar(&globalCmd.flagVersion, "version", false, "Print version number")
	app.PersistentFlags().BoolVarP(&globalCmd.flagHelp, "help", "h", false, "Print help")
	app.PersistentFlags().StringVar(&globalCmd.flagLogFile, "logfile", "", "Path to the log file"+"``")
	app.PersistentFlags().BoolVar(&globalCmd.flagLogSyslog, "syslog", false, "Log to syslog")
	app.PersistentFlags().BoolVarP(&globalCmd.flagLogDebug, "debug", "d", false, "Show all debug messages")
	app.PersistentFlags().BoolVarP(&globalCmd.flagLogVerbose, "verbose", "v", false, "Show all information messages")
	app.PersistentFlags().StringVar(&globalCmd.flagConfig, "config", config.DefaultPath, "Path to the configuration file"+"``")

	// Version handling
	app.SetVersionTemplate("{{.Version}}\n")
	app.Version = version.Version

	// daemon sub-command
	daemonSubCmd := cmdDaemon{global: &globalCmd}
	app.AddCommand(daemonSubCmd.Command())

	// migrate sub-command
	migrateCmd := cmdMigrate{global: &globalCmd}
	app.AddCommand(migrateCmd.Command())

	// version sub-command
	versionCmd := cmdVersion{global: &globalCmd}
	app.AddCommand(versionCmd.Command())

	// Run the main command and handle errors
	err := app.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
