package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Environment variables that override the file.
const (
	EnvJWTSecret = "CNECTD_JWT_SECRET"
	EnvListen    = "CNECTD_LISTEN"
	EnvToken     = "CNECTD_TOKEN"
)

// Config represents the global ~/.cnectd/config.toml.
type Config struct {
	DefaultInstance string `toml:"default_instance"`
	Server          Server `toml:"server"`
	Client          Client `toml:"client"`
}

// Server configures the cnectd daemon.
type Server struct {
	Listen         string   `toml:"listen"`
	JWTSecret      string   `toml:"jwt_secret"`
	PageSize       int      `toml:"page_size"`
	MaxPageSize    int      `toml:"max_page_size"`
	SendQueue      int      `toml:"send_queue"`
	PingIntervalMS int      `toml:"ping_interval_ms"`
	TypingRate     float64  `toml:"typing_rate"`
	TypingBurst    int      `toml:"typing_burst"`
	OriginPatterns []string `toml:"origin_patterns"`
}

// Client configures cnectctl.
type Client struct {
	BaseURL          string `toml:"base_url"`
	Token            string `toml:"token"`
	TypingQuietMS    int    `toml:"typing_quiet_ms"`
	ReconnectMaxMS   int    `toml:"reconnect_max_ms"`
	RequestTimeoutMS int    `toml:"request_timeout_ms"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server: Server{
			Listen:         "127.0.0.1:7420",
			PageSize:       50,
			MaxPageSize:    200,
			SendQueue:      64,
			PingIntervalMS: 30000,
			TypingRate:     5,
			TypingBurst:    5,
		},
		Client: Client{
			BaseURL:          "http://127.0.0.1:7420",
			TypingQuietMS:    1200,
			ReconnectMaxMS:   30000,
			RequestTimeoutMS: 10000,
		},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, except that a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv loads the existing files among envFiles into the process
// environment, without replacing variables already set, then applies the
// overrides to cfg.
func ApplyEnv(cfg *Config, envFiles ...string) error {
	var present []string
	for _, f := range envFiles {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) > 0 {
		if err := godotenv.Load(present...); err != nil {
			return fmt.Errorf("load env files: %w", err)
		}
	}

	if v := os.Getenv(EnvJWTSecret); v != "" {
		cfg.Server.JWTSecret = v
	}
	if v := os.Getenv(EnvListen); v != "" {
		cfg.Server.Listen = v
	}
	if v := os.Getenv(EnvToken); v != "" {
		cfg.Client.Token = v
	}
	return nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
