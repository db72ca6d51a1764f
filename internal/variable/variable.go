package variable

import (
	"os"
	"path/filepath"
)

var (
	// ConfigBaseDir - the project config dir
	ConfigBaseDir string
	// ConfigFileName - yaml config file name under ConfigBaseDir
	ConfigFileName string = "config.yaml"
	// SSHHostKeyFileName - simple ssh private host key file name
	SSHHostKeyFileName string = "ssh_host_ed25519_key"
	// ServerLogFileName - log file of `muxtunnel server` on a terminal stdio link
	ServerLogFileName string = "server.log"
	// StdoutReadyTrigger - if muxtunnel server echo this string, then server ready
	StdoutReadyTrigger string = "::muxtunnel-server-ready::"
	// SSHSubsystemName - ssh subsystem that carries a physical connection
	SSHSubsystemName string = "muxtunnel"
	// Version - set by the linker
	Version string = "dev"
)

func init() {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	ConfigBaseDir = filepath.Join(home, ".muxtunnel")
}
