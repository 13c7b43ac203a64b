package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns default paths, environment first:
//   - CTSYNC_CONFIG_PATH: config file (default ~/.config/ctsync.toml)
//   - CTSYNC_HOME: data directory (default ~/.local/share/ctsync)
func GetDefaults() (map[string]string, error) {
	configPath, err := envOrHome("CTSYNC_CONFIG_PATH", ".config", "ctsync.toml")
	if err != nil {
		return nil, err
	}
	baseDir, err := envOrHome("CTSYNC_HOME", ".local", "share", "ctsync")
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

func envOrHome(env string, elem ...string) (string, error) {
	if v := os.Getenv(env); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(append([]string{home}, elem...)...), nil
}
