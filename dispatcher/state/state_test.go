package state

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/canonical/vzdispatch/dispatcher/config"
	"github.com/canonical/vzdispatch/dispatcher/jobs"
)

func testConfig(t *testing.T) *config.Config {
	dir := t.TempDir()

	cfg := config.Default()
	cfg.DataDir = filepath.Join(dir, "instances")
	cfg.UsersFile = filepath.Join(dir, "users.yaml")
	cfg.Migration.BundlesDir = filepath.Join(dir, "bundles")

	return cfg
}

func TestNew(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.UsersFile, []byte("users:\n- name: root\n  authorized_keys: []\n"), 0o600))

	s, err := New(context.Background(), cfg)
	require.NoError(t, err)
	defer s.Close()

	assert.DirExists(t, cfg.DataDir)
	assert.DirExists(t, cfg.Migration.BundlesDir)
	assert.Equal(t, cfg.StartWaitTimeout(), s.Migrations.StartWaitTimeout)
	assert.Equal(t, cfg.Migration.ToolPath, s.Migrations.ToolPath)
	assert.Same(t, s.Registry, s.Router.Registry)

	client, _ := jobs.Pipe("client", "server")
	source := s.Source(client)
	assert.Equal(t, cfg.FileCopy.ChunkSize, source.ChunkSize)
	assert.Equal(t, cfg.SendReceiveTimeout(), source.Timeout)
}

func TestNewWithoutUsers(t *testing.T) {
	s, err := New(context.Background(), testConfig(t))
	require.NoError(t, err)
	defer s.Close()

	assert.Error(t, s.Users.CheckPassword("root", "secret"))
}

func TestNewBadUsers(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.UsersFile, []byte("users: {"), 0o600))

	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
