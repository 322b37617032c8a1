package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	BLE       BLEConfig     `yaml:"ble"`
	Session   SessionConfig `yaml:"session"`
	Hotkey    HotkeyConfig  `yaml:"hotkey"`
	LogLevel  string        `yaml:"log_level"`
	LogFormat string        `yaml:"log_format"` // "text" or "json"
}

// BLEConfig holds radio settings.
type BLEConfig struct {
	ScanTimeout       time.Duration `yaml:"scan_timeout"`
	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	WriteWithResponse bool          `yaml:"write_with_response"`
	Peripheral        string        `yaml:"peripheral"` // optional pin; empty = first advertiser wins
}

// SessionConfig holds session engine behavior.
type SessionConfig struct {
	AutoEnroll               bool `yaml:"auto_enroll"`
	TeardownOnTransportError bool `yaml:"teardown_on_transport_error"`
}

// HotkeyConfig holds the global key combos that trigger each flow.
type HotkeyConfig struct {
	Enroll []string `yaml:"enroll"`
	Auth   []string `yaml:"auth"`
}

// Environment variables that override file settings.
const (
	EnvLogLevel    = "FAKEAGENT_LOG_LEVEL"
	EnvScanTimeout = "FAKEAGENT_SCAN_TIMEOUT"
	EnvPeripheral  = "FAKEAGENT_PERIPHERAL"
)

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "fakeagent")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		BLE: BLEConfig{
			ScanTimeout:       3 * time.Second,
			ConnectTimeout:    10 * time.Second,
			WriteWithResponse: true,
		},
		Session: SessionConfig{
			AutoEnroll:               true,
			TeardownOnTransportError: true,
		},
		Hotkey: HotkeyConfig{
			Enroll: []string{"ctrl", "shift", "e"},
			Auth:   []string{"ctrl", "shift", "a"},
		},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.BLE.Peripheral = strings.TrimSpace(cfg.BLE.Peripheral)

	return cfg, nil
}

// ApplyEnv overrides settings from FAKEAGENT_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvLogLevel); ok && v != "" {
		c.LogLevel = strings.ToLower(v)
	}
	if v, ok := os.LookupEnv(EnvScanTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvScanTimeout, err)
		}
		c.BLE.ScanTimeout = d
	}
	if v, ok := os.LookupEnv(EnvPeripheral); ok {
		c.BLE.Peripheral = strings.TrimSpace(v)
	}
	return nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.BLE.ScanTimeout <= 0 {
		return fmt.Errorf("ble.scan_timeout must be > 0")
	}
	if c.BLE.ConnectTimeout < 0 {
		return fmt.Errorf("ble.connect_timeout must not be negative")
	}

	if len(c.Hotkey.Enroll) == 0 {
		return fmt.Errorf("hotkey.enroll must not be empty")
	}
	if len(c.Hotkey.Auth) == 0 {
		return fmt.Errorf("hotkey.auth must not be empty")
	}
	if strings.Join(c.Hotkey.Enroll, "+") == strings.Join(c.Hotkey.Auth, "+") {
		return fmt.Errorf("hotkey.enroll and hotkey.auth must differ")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	switch c.LogFormat {
	case "text", "json":
	default:
		return fmt.Errorf("log_format must be \"text\" or \"json\", got %q", c.LogFormat)
	}

	return nil
}

// Level returns the slog level for LogLevel.
func (c *Config) Level() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# fakeagent configuration
#
# ble.scan_timeout      how long to scan for the agent before giving up
# ble.peripheral        only connect to this address (empty: first advertiser)
# session.auto_enroll   start enrollment as soon as Bluetooth powers on
# session.teardown_on_transport_error
#                       disconnect on write/read errors instead of stalling

`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there. It returns the path written, or "" if a file was already
// present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0o644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
