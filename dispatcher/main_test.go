package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/canonical/vzdispatch/dispatcher/migration"
)

func TestMigrateRequest(t *testing.T) {
	c := cmdMigrate{flagClone: true, flagIgnoreHardware: true, flagNoCopy: true, flagName: "copy"}

	req := c.request("vm1", "https://peer.example.com:8444")
	assert.Equal(t, "vm1", req.ID)
	assert.Equal(t, "copy", req.TargetName)
	assert.Equal(t, "peer.example.com", req.TargetHost)
	assert.Equal(t, migration.FlagClone|migration.FlagIgnoreHardware, req.MigrationFlags)
	assert.Equal(t, migration.ReservedDontCopyVM, req.ReservedFlags)
}

func TestCredentials(t *testing.T) {
	c := cmdMigrate{flagUser: "root"}
	_, err := c.credentials()
	assert.Error(t, err)

	c.flagSession = "5f0c9d9e-3b1e-4d6a-9d55-3c1f1e0a8b21"
	creds, err := c.credentials()
	assert.NoError(t, err)
	assert.Equal(t, "root", creds.User)
	assert.Equal(t, c.flagSession, creds.SessionUUID)
}

func TestReapInterval(t *testing.T) {
	assert.Equal(t, 60*time.Second, reapInterval(600*time.Second))
	assert.Equal(t, time.Second, reapInterval(time.Second))
}
