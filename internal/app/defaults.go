package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - BSYNC_CONFIG_PATH: config file location (default: ~/.config/bsync.toml)
//   - BSYNC_HOME: base directory for bsync data (default: ~/.local/share/bsync)
func GetDefaults() (map[string]string, error) {
	configPath, err := getConfigPath()
	if err != nil {
		return nil, err
	}

	baseDir, err := getBaseDir()
	if err != nil {
		return nil, err
	}

	return map[string]string{
		"config_path": configPath,
		"base_dir":    baseDir,
		"log_dir":     filepath.Join(baseDir, "log"),
	}, nil
}

// LoadEnvFiles loads variables from the given .env files. Missing files are
// skipped and variables already set in the environment win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// getConfigPath returns the config file path, checking BSYNC_CONFIG_PATH env var first,
// then falling back to the default ~/.config/bsync.toml.
func getConfigPath() (string, error) {
	if path := os.Getenv("BSYNC_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "bsync.toml"), nil
}

// getBaseDir returns the base directory for bsync data, checking BSYNC_HOME env var first,
// then falling back to the XDG default ~/.local/share/bsync.
func getBaseDir() (string, error) {
	if path := os.Getenv("BSYNC_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "bsync"), nil
}
