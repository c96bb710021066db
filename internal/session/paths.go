package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.relayd.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".relayd")
}

// DBPath returns the app-owned relay.db path.
func DBPath() string {
	return filepath.Join(BaseDir(), "relay.db")
}

// LogDir returns the daemon log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(LogDir(), "relayd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the data directory tree with proper permissions.
func EnsureDir() error {
	dirs := []string{
		BaseDir(),
		LogDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
