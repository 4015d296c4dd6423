// Package config loads the dispatcher configuration file.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// DefaultPath is the configuration file read when no other is given.
const DefaultPath = "/etc/vzdispatch/config.yaml"

// Peer holds the dispatcher-to-dispatcher connection settings.
type Peer struct {
	// Seconds to wait for a request to be sent or answered.
	SendReceiveTimeout int `yaml:"send_receive_timeout"`

	// Seconds allowed to establish an outgoing connection.
	ConnectionTimeout int `yaml:"connection_timeout"`
}

// Migration holds the settings of migration sessions.
type Migration struct {
	StartWaitTimeout int    `yaml:"start_wait_timeout"`
	ToolPath         string `yaml:"tool_path"`
	TerminateTimeout int    `yaml:"terminate_timeout"`
	BundlesDir       string `yaml:"bundles_dir"`
}

// FileCopy holds the file transfer settings.
type FileCopy struct {
	ChunkSize int `yaml:"chunk_size"`
}

// Config is the dispatcher configuration.
type Config struct {
	ListenAddress string `yaml:"listen_address"`
	DataDir       string `yaml:"data_dir"`
	UsersFile     string `yaml:"users_file"`
	LogFile       string `yaml:"log_file"`

	// TLS is served when both are set.
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`

	// TrustedProxies lists the addresses or networks whose PROXY protocol
	// headers are honoured, for peers reaching the dispatcher through a proxy.
	TrustedProxies []string `yaml:"trusted_proxies"`

	Peer      Peer      `yaml:"dispatcher_to_dispatcher"`
	Migration Migration `yaml:"migration"`
	FileCopy  FileCopy  `yaml:"file_copy"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		ListenAddress: ":8444",
		DataDir:       "/var/lib/vzdispatch/instances",
		UsersFile:     "/etc/vzdispatch/users.yaml",
		Peer: Peer{
			SendReceiveTimeout: 300,
			ConnectionTimeout:  30,
		},
		Migration: Migration{
			StartWaitTimeout: 600,
			ToolPath:         "/usr/sbin/vzmigrate",
			TerminateTimeout: 300,
			BundlesDir:       "/var/lib/vzdispatch/bundles",
		},
		FileCopy: FileCopy{
			ChunkSize: 1024 * 1024,
		},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	c := Default()

	content, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return c, nil
		}

		return nil, fmt.Errorf("Failed reading configuration: %w", err)
	}

	err = yaml.UnmarshalStrict(content, c)
	if err != nil {
		return nil, fmt.Errorf("Failed parsing configuration %q: %w", path, err)
	}

	err = c.Validate()
	if err != nil {
		return nil, fmt.Errorf("Invalid configuration %q: %w", path, err)
	}

	return c, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	positive := map[string]int{
		"dispatcher_to_dispatcher.send_receive_timeout": c.Peer.SendReceiveTimeout,
		"dispatcher_to_dispatcher.connection_timeout":   c.Peer.ConnectionTimeout,
		"migration.start_wait_timeout":                  c.Migration.StartWaitTimeout,
		"migration.terminate_timeout":                   c.Migration.TerminateTimeout,
		"file_copy.chunk_size":                          c.FileCopy.ChunkSize,
	}

	for key, value := range positive {
		if value <= 0 {
			return fmt.Errorf("%q must be greater than zero, got %d", key, value)
		}
	}

	if c.ListenAddress == "" {
		return errors.New(`"listen_address" is required`)
	}

	if c.DataDir == "" {
		return errors.New(`"data_dir" is required`)
	}

	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		return errors.New(`"tls_cert_file" and "tls_key_file" must be set together`)
	}

	if c.Migration.ToolPath == "" {
		return errors.New(`"migration.tool_path" is required`)
	}

	for _, proxy := range c.TrustedProxies {
		if net.ParseIP(proxy) != nil {
			continue
		}

		_, _, err := net.ParseCIDR(proxy)
		if err != nil {
			return fmt.Errorf(`Invalid "trusted_proxies" entry %q`, proxy)
		}
	}

	return nil
}

// SendReceiveTimeout returns the request timeout.
func (c *Config) SendReceiveTimeout() time.Duration {
	return seconds(c.Peer.SendReceiveTimeout)
}

// ConnectionTimeout returns the dial timeout.
func (c *Config) ConnectionTimeout() time.Duration {
	return seconds(c.Peer.ConnectionTimeout)
}

// StartWaitTimeout returns how long a checked migration waits for its start.
func (c *Config) StartWaitTimeout() time.Duration {
	return seconds(c.Migration.StartWaitTimeout)
}

// TerminateTimeout returns the grace period of the external migration tool.
func (c *Config) TerminateTimeout() time.Duration {
	return seconds(c.Migration.TerminateTimeout)
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
