package bridgeclient

import (
	"errors"
	"os"
	"os/exec"
	"runtime"

	"github.com/opendiag/vcibridge/internal/config"
)

// EnvBridgeCommand overrides the bridge executable path, taking
// precedence over the search paths but not over an explicit config entry.
const EnvBridgeCommand = "VCIBRIDGE_BRIDGE"

// bridgeExecutable is the name looked up on $PATH as a last resort.
const bridgeExecutable = "vcibridge"

// ErrNoRuntime is returned when no bridge executable can be located.
var ErrNoRuntime = errors.New("bridgeclient: bridge executable not found")

// Locate resolves the bridge executable. Resolution order: explicit
// config entry, VCIBRIDGE_BRIDGE, configured and well-known search
// paths, then $PATH. An explicit entry that does not exist is an error
// rather than a fallthrough, so a typo in the config is not silently
// papered over by an unrelated binary on $PATH.
func Locate(cfg config.BridgeConfig) (string, error) {
	if cfg.Command != "" {
		if _, err := os.Stat(cfg.Command); err != nil {
			return "", errors.Join(ErrNoRuntime, err)
		}
		return cfg.Command, nil
	}

	if path := os.Getenv(EnvBridgeCommand); path != "" {
		if _, err := os.Stat(path); err != nil {
			return "", errors.Join(ErrNoRuntime, err)
		}
		return path, nil
	}

	candidates := append([]string{}, cfg.SearchPaths...)
	candidates = append(candidates, wellKnownPaths()...)
	for _, path := range candidates {
		if info, err := os.Stat(path); err == nil && !info.IsDir() {
			return path, nil
		}
	}

	if path, err := exec.LookPath(bridgeExecutable); err == nil {
		return path, nil
	}
	return "", ErrNoRuntime
}

func wellKnownPaths() []string {
	if runtime.GOOS == "windows" {
		return []string{
			`C:\AWRoot\bin\vcibridge.exe`,
			`C:\Program Files\VCIBridge\vcibridge.exe`,
		}
	}
	return []string{
		"/usr/local/bin/vcibridge",
		"/opt/vcibridge/bin/vcibridge",
	}
}
