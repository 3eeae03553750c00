package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// LogDirectory returns the directory for paneflow log files.
//
// Locations:
//   - Windows: %LOCALAPPDATA%\paneflow\logs
//   - Unix: ~/.config/paneflow/logs
func LogDirectory() string {
	if runtime.GOOS == "windows" {
		localAppData := os.Getenv("LOCALAPPDATA")
		if localAppData == "" {
			homeDir, err := os.UserHomeDir()
			if err != nil {
				return filepath.Join(os.TempDir(), "paneflow-logs")
			}
			localAppData = filepath.Join(homeDir, "AppData", "Local")
		}
		return filepath.Join(localAppData, "paneflow", "logs")
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "paneflow-logs")
		}
		return filepath.Join(homeDir, ".config", "paneflow", "logs")
	}
	return filepath.Join(configDir, "paneflow", "logs")
}

// EnsureLogDirectory creates the log directory with owner-only permissions.
func EnsureLogDirectory() error {
	return os.MkdirAll(LogDirectory(), 0700)
}
