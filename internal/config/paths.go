package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnvHome overrides the instance directory, mainly for tests and for
// running several brokers side by side.
const EnvHome = "VCIBRIDGE_HOME"

// InstancePaths groups the filesystem locations of one broker instance.
type InstancePaths struct {
	Home   string
	Config string
	Lock   string
	Logs   string
}

// DefaultPaths resolves the instance layout under the user's home
// directory, honoring EnvHome when set.
func DefaultPaths() (InstancePaths, error) {
	home := os.Getenv(EnvHome)
	if home == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			return InstancePaths{}, fmt.Errorf("resolve home directory: %w", err)
		}
		home = filepath.Join(userHome, ".vcibridge")
	}
	return InstancePaths{
		Home:   home,
		Config: filepath.Join(home, "config.yaml"),
		Lock:   filepath.Join(home, "vcid.lock"),
		Logs:   filepath.Join(home, "logs"),
	}, nil
}

// EnsureDirs creates the instance directories if they do not exist.
func (p InstancePaths) EnsureDirs() error {
	for _, dir := range []string{p.Home, p.Logs} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
