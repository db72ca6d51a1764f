// Package config - yaml configuration of the muxtunnel commands
package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rectcircle/muxtunnel/internal/variable"
	"github.com/rectcircle/muxtunnel/tools"
)

// Link kinds, the physical connection of a tunnel
const (
	LinkTCP     = "tcp"
	LinkStdio   = "stdio"
	LinkCommand = "command"
	LinkSSH     = "ssh"
)

// Config holds the muxtunnel configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Client  ClientConfig  `yaml:"client"`
	Server  ServerConfig  `yaml:"server"`
	SSH     SSHConfig     `yaml:"ssh"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// LogConfig - zap logger options
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ClientConfig - the side that listens for local TCP connections
type ClientConfig struct {
	// Listen - local TCP address, each accepted connection becomes a virtual connection
	Listen string `yaml:"listen"`
	// Link - tcp, command or ssh
	Link string `yaml:"link"`
	// Remote - server address when Link is tcp
	Remote string `yaml:"remote"`
	// Command - command line whose stdio is the physical connection when Link is command
	Command string `yaml:"command"`
	// Interactive - start Command under a pty until the server prints the ready trigger
	Interactive bool `yaml:"interactive"`
}

// ServerConfig - the side that dials the target for each virtual connection
type ServerConfig struct {
	// Target - TCP address dialed for every accepted virtual connection
	Target string `yaml:"target"`
	// Link - stdio or tcp
	Link string `yaml:"link"`
	// Listen - TCP address accepting physical connections when Link is tcp
	Listen string `yaml:"listen"`
}

// SSHConfig - ssh link of the client, and listen options of simplesshd
type SSHConfig struct {
	Address  string `yaml:"address"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	// KnownHostKeyFile - authorized_keys style public key the server must present
	KnownHostKeyFile string `yaml:"known_host_key_file"`
	// HostKeyFile - private host key of simplesshd, created when missing
	HostKeyFile string `yaml:"host_key_file"`
	// Listen - simplesshd listen address
	Listen string `yaml:"listen"`
}

// MetricsConfig - prometheus endpoint
type MetricsConfig struct {
	// Listen - serve /metrics on this address, disabled when empty
	Listen string `yaml:"listen"`
}

// DefaultPath returns the default config file path: ~/.muxtunnel/config.yaml
func DefaultPath() string {
	return filepath.Join(variable.ConfigBaseDir, variable.ConfigFileName)
}

// Default - the configuration written on first use
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Client: ClientConfig{
			Listen:      "127.0.0.1:20096",
			Link:        LinkCommand,
			Remote:      "127.0.0.1:20097",
			Command:     tools.GetUnixUserShell(),
			Interactive: true,
		},
		Server: ServerConfig{
			Target: "127.0.0.1:22",
			Link:   LinkStdio,
			Listen: "127.0.0.1:20097",
		},
		SSH: SSHConfig{
			Address:     "127.0.0.1:20022",
			User:        "muxtunnel",
			HostKeyFile: filepath.Join(variable.ConfigBaseDir, variable.SSHHostKeyFileName),
			Listen:      "127.0.0.1:20022",
		},
	}
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it is created with the default configuration.
func Load(path string) (*Config, error) {
	content, err := tools.ReadOrCreateFile(path, func() ([]byte, error) {
		return yaml.Marshal(Default())
	})
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(content, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ValidateClient - check the options used by `muxtunnel client`
func (c *Config) ValidateClient() error {
	if c.Client.Listen == "" {
		return errors.New("client.listen is required")
	}
	switch c.Client.Link {
	case LinkTCP:
		if c.Client.Remote == "" {
			return errors.New("client.remote is required for a tcp link")
		}
	case LinkCommand:
		if c.Client.Command == "" {
			return errors.New("client.command is required for a command link")
		}
	case LinkSSH:
		if c.SSH.Address == "" {
			return errors.New("ssh.address is required for an ssh link")
		}
	default:
		return fmt.Errorf("unknown client.link %q (want %s, %s or %s)", c.Client.Link, LinkTCP, LinkCommand, LinkSSH)
	}
	return nil
}

// ValidateServer - check the options used by `muxtunnel server`
func (c *Config) ValidateServer() error {
	if c.Server.Target == "" {
		return errors.New("server.target is required")
	}
	switch c.Server.Link {
	case LinkStdio:
	case LinkTCP:
		if c.Server.Listen == "" {
			return errors.New("server.listen is required for a tcp link")
		}
	default:
		return fmt.Errorf("unknown server.link %q (want %s or %s)", c.Server.Link, LinkStdio, LinkTCP)
	}
	return nil
}
