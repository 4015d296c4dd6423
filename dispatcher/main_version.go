package main

import (
	"fmt"

	"github.com/spf13/cobra"

	cli "github.com/canonical/vzdispatch/shared/cmd"
	"github.com/canonical/vzdispatch/shared/version"
)

type cmdVersion struct {
	global *cmdGlobal
}

func (c *cmdVersion) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "version"
	cmd.Short = "Show the dispatcher version"
	cmd.Long = cli.FormatSection("Description",
		`Show the dispatcher version and the protocol versions it speaks`)

	cmd.Args = cobra.NoArgs
	cmd.RunE = c.Run

	// The version needs no configuration.
	cmd.PersistentPreRunE = func(*cobra.Command, []string) error { return nil }

	return cmd
}

func (c *cmdVersion) Run(cmd *cobra.Command, args []string) error {
	fmt.Printf("%s (api %s, file copy protocol %s)\n", version.Version, version.APIVersion, version.FileCopyProtocolVersion)

	return nil
}
