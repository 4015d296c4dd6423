package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFile(t *testing.T) {
	c, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
	assert.Equal(t, 600*time.Second, c.StartWaitTimeout())
	assert.Equal(t, 1024*1024, c.FileCopy.ChunkSize)
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `listen_address: 127.0.0.1:9000
dispatcher_to_dispatcher:
  send_receive_timeout: 10
migration:
  tool_path: /opt/bin/vzmigrate
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", c.ListenAddress)
	assert.Equal(t, 10*time.Second, c.SendReceiveTimeout())
	assert.Equal(t, 30*time.Second, c.ConnectionTimeout())
	assert.Equal(t, "/opt/bin/vzmigrate", c.Migration.ToolPath)
	assert.Equal(t, 300*time.Second, c.TerminateTimeout())
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		err     string
	}{
		{"zero timeout", "migration:\n  start_wait_timeout: 0\n", "migration.start_wait_timeout"},
		{"negative chunk", "file_copy:\n  chunk_size: -1\n", "file_copy.chunk_size"},
		{"unknown key", "bogus: 1\n", "bogus"},
		{"half tls", "tls_cert_file: /etc/vzdispatch/server.crt\n", "tls_key_file"},
		{"empty tool", "migration:\n  tool_path: \"\"\n", "migration.tool_path"},
		{"bad proxy", "trusted_proxies: [10.0.0.0/8, proxy.example]\n", "proxy.example"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o600))

			_, err := Load(path)
			assert.ErrorContains(t, err, tt.err)
		})
	}
}
