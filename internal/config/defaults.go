package config

import (
	"os"
	"path/filepath"
)

const (
	DefaultEndpoint              = "http://localhost:3000/api"
	DefaultTimeoutSeconds        = 30
	DefaultRefreshTimeoutSeconds = 10
	DefaultLogLevel              = "warn"
)

// Environment variables that override the config file.
const (
	EnvEndpoint = "TFLOW_ENDPOINT"
	EnvLogLevel = "TFLOW_LOG_LEVEL"
	EnvHome     = "TFLOW_HOME"
)

// Dir returns the ~/.tflow directory path, or $TFLOW_HOME when set.
func Dir() string {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tflow"
	}
	return filepath.Join(home, ".tflow")
}

// ConfigPath returns the path to ~/.tflow/config.toml.
func ConfigPath() string {
	return filepath.Join(Dir(), "config.toml")
}

// SessionPath returns the path to ~/.tflow/session.json.
func SessionPath() string {
	return filepath.Join(Dir(), "session.json")
}

// QueuePath returns the path to ~/.tflow/queue.json.
func QueuePath() string {
	return filepath.Join(Dir(), "queue.json")
}
