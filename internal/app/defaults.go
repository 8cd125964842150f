package app

import (
	"fmt"
	"os"
	"path/filepath"
)

// GetDefaults returns application default paths, checking environment variables first.
// Environment variables:
//   - ENDCAT_CONFIG_PATH: config file location (default: ~/.config/endcat.toml)
//   - ENDCAT_HOME: base directory for endcat data (default: ~/.local/share/endcat)
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
		"config_path":  configPath,
		"base_dir":     baseDir,
		"log_dir":      filepath.Join(baseDir, "log"),
		"metadata_dir": filepath.Join(baseDir, "metadata"),
	}, nil
}

func getConfigPath() (string, error) {
	if path := os.Getenv("ENDCAT_CONFIG_PATH"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".config", "endcat.toml"), nil
}

// getBaseDir returns the data home, checking ENDCAT_HOME first,
// then falling back to the XDG default ~/.local/share/endcat.
func getBaseDir() (string, error) {
	if path := os.Getenv("ENDCAT_HOME"); path != "" {
		return path, nil
	}

	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory: %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "endcat"), nil
}
