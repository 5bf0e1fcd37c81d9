// Package instance lays out the on-disk state of one cnectd instance.
package instance

import (
	"os"
	"path/filepath"
)

// EnvHome relocates the base directory, mostly for tests and containers.
const EnvHome = "CNECTD_HOME"

// BaseDir returns $CNECTD_HOME, or ~/.cnectd.
func BaseDir() string {
	if d := os.Getenv(EnvHome); d != "" {
		return d
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".cnectd")
}

// Dir returns the instance-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "instances", name)
}

// SocketPath returns the control socket path for an instance.
func SocketPath(name string) string {
	return filepath.Join(Dir(name), "control.sock")
}

// LockPath returns the lock file path for an instance.
func LockPath(name string) string {
	return filepath.Join(Dir(name), "LOCK")
}

// DBPath returns the cnectd.db path.
func DBPath(name string) string {
	return filepath.Join(Dir(name), "cnectd.db")
}

// LogDir returns the log directory for an instance.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "cnectd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnvPath returns the .env file loaded next to the config.
func EnvPath() string {
	return filepath.Join(BaseDir(), ".env")
}

// EnsureDir creates the instance directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
