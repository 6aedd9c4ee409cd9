package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config holds the tflow configuration loaded from ~/.tflow/config.toml.
type Config struct {
	Endpoint              string `toml:"endpoint"`
	TimeoutSeconds        int    `toml:"timeout_seconds"`
	RefreshTimeoutSeconds int    `toml:"refresh_timeout_seconds"`
	LogLevel              string `toml:"log_level"`
}

// Load reads the config from ~/.tflow/config.toml and applies environment
// overrides (a .env file in the working directory is honoured). Returns
// defaults if the file does not exist.
func Load() (*Config, error) {
	// Missing .env is the common case.
	_ = godotenv.Load()
	return LoadFile(ConfigPath())
}

// LoadFile is Load for an explicit path. It does not read .env.
func LoadFile(path string) (*Config, error) {
	cfg := &Config{
		Endpoint:              DefaultEndpoint,
		TimeoutSeconds:        DefaultTimeoutSeconds,
		RefreshTimeoutSeconds: DefaultRefreshTimeoutSeconds,
		LogLevel:              DefaultLogLevel,
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	if v := os.Getenv(EnvEndpoint); v != "" {
		cfg.Endpoint = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}

	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = DefaultTimeoutSeconds
	}
	if cfg.RefreshTimeoutSeconds <= 0 {
		cfg.RefreshTimeoutSeconds = DefaultRefreshTimeoutSeconds
	}
	return cfg, nil
}

// Save writes the config to ~/.tflow/config.toml.
func Save(cfg *Config) error {
	if err := os.MkdirAll(Dir(), 0700); err != nil {
		return err
	}

	f, err := os.Create(ConfigPath())
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

// Timeout is the per-attempt request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// RefreshTimeout bounds a single refresh-token call.
func (c *Config) RefreshTimeout() time.Duration {
	return time.Duration(c.RefreshTimeoutSeconds) * time.Second
}

// Validate checks that the endpoint is an absolute http(s) URL.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint cannot be empty")
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint scheme must be http or https, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("endpoint must include a host")
	}
	return nil
}
