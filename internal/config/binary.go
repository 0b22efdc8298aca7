package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

// ErrNoAgentBinary is returned when the agent executable cannot be found.
var ErrNoAgentBinary = errors.New("agent binary not found")

// ResolveAgentBinary resolves the configured agent executable to an
// absolute path. Bare names go through PATH; explicit paths are checked
// directly.
func ResolveAgentBinary(cfg *Config) (string, error) {
	name := "claude"
	if cfg != nil && cfg.Agent.Binary != "" {
		name = os.ExpandEnv(cfg.Agent.Binary)
	}

	if filepath.Base(name) != name {
		abs, err := filepath.Abs(name)
		if err != nil {
			return "", fmt.Errorf("resolve agent binary path: %w", err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return "", fmt.Errorf("%w: %s", ErrNoAgentBinary, abs)
		}
		if info.IsDir() || info.Mode()&0111 == 0 {
			return "", fmt.Errorf("%w: %s is not executable", ErrNoAgentBinary, abs)
		}
		return abs, nil
	}

	path, err := exec.LookPath(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q not in PATH", ErrNoAgentBinary, name)
	}
	return path, nil
}
