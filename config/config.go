// Package config implements the persisted configuration store: connection
// descriptors, browser settings and port-forward defaults, kept in a JSON
// file under the tool's config directory. Passwords are encrypted at rest.
package config

import (
	"os"
	"path/filepath"

	"github.com/perimetric/periscope/types"
)

const (
	// Version is written to new config files.
	Version = 1

	// DefaultDirName is the config directory created under the user's home.
	DefaultDirName = ".ssh-command-tool3"

	configFilename = "config.json"
	saltFilename   = ".salt"

	// Sentinel replaces password fields on anything that crosses the HTTP
	// boundary.
	Sentinel = "********"

	dirMode  = 0o700
	fileMode = 0o600
)

// Config is the top-level layout of config.json.
type Config struct {
	Version             int                 `json:"version"`
	Connections         []Descriptor        `json:"connections"`
	LastConnectionID    string              `json:"lastConnectionId,omitempty"`
	BrowserSettings     BrowserSettings     `json:"browserSettings"`
	PortForwardDefaults PortForwardDefaults `json:"portForwardDefaults"`
}

// BrowserSettings holds the defaults applied when a session starts a remote
// browser.
type BrowserSettings struct {
	Headless       bool   `json:"headless"`
	ExecutablePath string `json:"executablePath,omitempty"`
	UserDataDir    string `json:"userDataDir,omitempty"`

	// ReadyTimeout bounds the wait for the remote DevTools endpoint to come
	// up. Null means the built-in default; slow hosts can raise it, for
	// example to "30s".
	ReadyTimeout types.NullDuration `json:"readyTimeout"`
}

// PortForwardDefaults holds the defaults for the local forward a session
// establishes.
type PortForwardDefaults struct {
	LocalHost  string `json:"localHost"`
	LocalPort  int    `json:"localPort"`
	RemotePort int    `json:"remotePort"`
}

// NewConfig returns a config with every default filled in.
func NewConfig() *Config {
	return &Config{
		Version:     Version,
		Connections: []Descriptor{},
		BrowserSettings: BrowserSettings{
			Headless: true,
		},
		PortForwardDefaults: PortForwardDefaults{
			LocalHost:  "127.0.0.1",
			LocalPort:  9222,
			RemotePort: 9222,
		},
	}
}

// DefaultDir returns the config directory under the current user's home.
func DefaultDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, DefaultDirName), nil
}
