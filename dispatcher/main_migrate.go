package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/canonical/vzdispatch/dispatcher/auth"
	"github.com/canonical/vzdispatch/dispatcher/instance"
	"github.com/canonical/vzdispatch/dispatcher/migration"
	"github.com/canonical/vzdispatch/dispatcher/state"
	"github.com/canonical/vzdispatch/dispatcher/transport"
	cli "github.com/canonical/vzdispatch/shared/cmd"
	"github.com/canonical/vzdispatch/shared/logger"
)

type cmdMigrate struct {
	global *cmdGlobal

	flagUser     string
	flagPassword bool
	flagKey      string
	flagSession  string

	flagName           string
	flagHome           string
	flagNewID          string
	flagNewPrivate     string
	flagClone          bool
	flagRemoveSource   bool
	flagDontResume     bool
	flagChangeID       bool
	flagIgnoreHardware bool
	flagNoCopy         bool
}

func (c *cmdMigrate) Command() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Use = "migrate <instance> <target>"
	cmd.Short = "Migrate an instance to a peer dispatcher"
	cmd.Long = cli.FormatSection("Description",
		`Migrate an instance to a peer dispatcher

The target is a host, host:port or URL of the peer. The instance is moved
unless --clone is given. Virtual machines are copied by the dispatchers,
containers by the external migration tool tunnelled through them.`)
	cmd.Example = `  vzdispatch migrate web peer.example.com:8444 --user root --key /root/.ssh/id_rsa
  vzdispatch migrate 101 wss://peer.example.com:8444 --user root --password --clone`

	cmd.Flags().StringVarP(&c.flagUser, "user", "u", "root", "Remote user"+"``")
	cmd.Flags().BoolVar(&c.flagPassword, "password", false, "Ask for the password of the remote user")
	cmd.Flags().StringVar(&c.flagKey, "key", "", "Authenticate with the RSA private key at this path"+"``")
	cmd.Flags().StringVar(&c.flagSession, "session", "", "Bind to an existing remote session"+"``")
	cmd.Flags().StringVar(&c.flagName, "name", "", "Name of the instance on the target"+"``")
	cmd.Flags().StringVar(&c.flagHome, "home", "", "Home directory of the virtual machine on the target"+"``")
	cmd.Flags().StringVar(&c.flagNewID, "new-id", "", "New container id on the target"+"``")
	cmd.Flags().StringVar(&c.flagNewPrivate, "new-private", "", "New container private area on the target"+"``")
	cmd.Flags().BoolVar(&c.flagClone, "clone", false, "Keep the source instance")
	cmd.Flags().BoolVar(&c.flagRemoveSource, "remove-source", false, "Delete the source files once the target committed")
	cmd.Flags().BoolVar(&c.flagDontResume, "dont-resume", false, "Leave the instance stopped on both sides")
	cmd.Flags().BoolVar(&c.flagChangeID, "change-id", false, "Register the copy under a new identity")
	cmd.Flags().BoolVar(&c.flagIgnoreHardware, "ignore-hardware", false, "Skip the CPU compatibility checks")
	cmd.Flags().BoolVar(&c.flagNoCopy, "no-copy", false, "Only register the virtual machine on the target")

	cmd.Args = cobra.ExactArgs(2)
	cmd.RunE = c.Run

	return cmd
}

func (c *cmdMigrate) request(id string, target string) migration.Request {
	req := migration.Request{
		ID:         id,
		TargetName: c.flagName,
		TargetHome: c.flagHome,
		NewCtID:    c.flagNewID,
		NewPrivate: c.flagNewPrivate,
		TargetHost: targetHost(target),
	}

	flags := map[uint32]bool{
		migration.FlagClone:          c.flagClone,
		migration.FlagRemoveSource:   c.flagRemoveSource,
		migration.FlagDontResume:     c.flagDontResume,
		migration.FlagChangeID:       c.flagChangeID,
		migration.FlagIgnoreHardware: c.flagIgnoreHardware,
	}

	for flag, set := range flags {
		if set {
			req.MigrationFlags |= flag
		}
	}

	if c.flagNoCopy {
		req.ReservedFlags |= migration.ReservedDontCopyVM
	}

	return req
}

func (c *cmdMigrate) credentials() (auth.Credentials, error) {
	creds := auth.Credentials{User: c.flagUser, SessionUUID: c.flagSession}

	if c.flagKey != "" {
		key, err := auth.LoadPrivateKey(c.flagKey)
		if err != nil {
			return creds, err
		}

		creds.PrivateKey = key
		return creds, nil
	}

	if c.flagPassword {
		pwd, err := cli.AskPassword(fmt.Sprintf("Password for %s: ", c.flagUser))
		if err != nil {
			return creds, err
		}

		creds.Password = pwd
	}

	if creds.Password == "" && creds.SessionUUID == "" {
		return creds, errors.New("One of --key, --password or --session is required")
	}

	return creds, nil
}

func (c *cmdMigrate) Run(cmd *cobra.Command, args []string) error {
	cfg := c.global.config
	id, target := args[0], args[1]

	creds, err := c.credentials()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, unix.SIGTERM)
	defer stop()

	s, err := state.New(ctx, cfg)
	if err != nil {
		return err
	}

	defer s.Close()

	inst, err := s.Instances.Get(id)
	if err != nil {
		inst, err = s.Instances.GetByName(id)
		if err != nil {
			return fmt.Errorf("Instance %q not found: %w", id, err)
		}
	}

	conn, err := transport.Dial(ctx, s.Jobs, target, cfg.ConnectionTimeout())
	if err != nil {
		return err
	}

	defer func() { _ = conn.Close() }()

	session, err := auth.Login(s.Jobs, conn, creds, cfg.SendReceiveTimeout())
	if err != nil {
		return fmt.Errorf("Failed logging into %q: %w", target, err)
	}

	logger.Info("Logged into peer dispatcher", logger.Ctx{"target": target, "session": session})

	source := s.Source(conn)
	source.Progress = func(percent int) {
		fmt.Printf("\rTransferring: %3d%%", percent)
		if percent >= 100 {
			fmt.Println("")
		}
	}

	req := c.request(inst.ID, target)

	var out migration.Outcome
	if inst.Kind == instance.KindContainer {
		out = source.MigrateCT(ctx, req)
	} else {
		out = source.MigrateVM(ctx, req)
	}

	err = auth.Logoff(s.Jobs, conn, cfg.SendReceiveTimeout())
	if err != nil {
		logger.Debug("Logoff failed", logger.Ctx{"err": err})
	}

	if out.Err != nil {
		return fmt.Errorf("Migration of %q %s (code %s): %w", inst.Name, out.State, out.Code.Hex(), out.Err)
	}

	fmt.Printf("Instance %q migrated to %s\n", inst.Name, target)

	return nil
}

// targetHost returns the host name the migration tool is told about.
func targetHost(target string) string {
	u, err := url.Parse(transport.URL(target))
	if err != nil || u.Hostname() == "" {
		return "localhost"
	}

	return u.Hostname()
}
