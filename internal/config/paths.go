package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths contains all resolved application paths.
// This is the single source of truth for file locations: the license slot and
// the registry database must live in the user data directory so they survive
// application reinstalls that do not wipe user data.
type Paths struct {
	DataDir      string
	LogsDir      string
	LicenseFile  string
	RegistryFile string
}

// ResolvePaths resolves the durable store locations from configuration.
// When DataDir is empty the OS user config directory is used, falling back to
// the executable directory for portable installs.
func ResolvePaths(cfg PathsConfig) (*Paths, error) {
	dataDir := cfg.DataDir
	if dataDir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			exe, exeErr := os.Executable()
			if exeErr != nil {
				return nil, fmt.Errorf("failed to resolve data directory: %w", err)
			}
			base = filepath.Dir(exe)
		}
		dataDir = filepath.Join(base, "clinickey")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", dataDir, err)
	}

	logsDir := filepath.Join(dataDir, "logs")
	if err := os.MkdirAll(logsDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create logs directory %s: %w", logsDir, err)
	}

	return &Paths{
		DataDir:      dataDir,
		LogsDir:      logsDir,
		LicenseFile:  joinIfRelative(dataDir, cfg.LicenseFile),
		RegistryFile: joinIfRelative(dataDir, cfg.RegistryFile),
	}, nil
}

func joinIfRelative(dir, path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(dir, path)
}

// FileExists reports whether path exists and is a regular file
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}
