package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/chaz8081/fakeagent/internal/ble"
	"github.com/chaz8081/fakeagent/internal/config"
	"github.com/chaz8081/fakeagent/internal/hotkey"
)

// app carries the flags and the loaded config shared by all subcommands.
type app struct {
	configPath string
	envFile    string
	logLevel   string

	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "fakeagent",
		Short:         "BLE central that enrolls with and authenticates against an agent peripheral",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "path to config file (default: ~/.config/fakeagent/config.yaml)")
	pf.StringVar(&a.envFile, "env", ".env", "path to .env file (ignored if missing)")
	pf.StringVar(&a.logLevel, "log-level", "", "override log_level (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(a),
		newFlowCmd(a, flowEnroll),
		newFlowCmd(a, flowAuth),
		newConfigCmd(a),
		newHotkeysCmd(a),
	)
	return root
}

// setup loads .env, the config file and environment overrides, validates
// the result and installs the default logger.
func (a *app) setup() error {
	if err := loadDotEnv(a.envFile); err != nil {
		return fmt.Errorf("loading %s: %w", a.envFile, err)
	}

	cfg, err := loadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := cfg.ApplyEnv(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if a.logLevel != "" {
		cfg.LogLevel = strings.ToLower(a.logLevel)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}

	slog.SetDefault(newLogger(os.Stderr, cfg))
	a.cfg = cfg
	return nil
}

// loadDotEnv loads environment variables from path. If the file does not exist
// it is silently ignored so that .env files remain optional.
func loadDotEnv(path string) error {
	if path == "" {
		return nil
	}
	err := godotenv.Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		slog.Debug("Config loaded", "path", defaultPath)
		return cfg, nil
	}

	slog.Debug("No config file found, using defaults")
	return config.Default(), nil
}

func newLogger(w io.Writer, cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Level()}
	if cfg.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func engineOptions(cfg *config.Config) ble.Options {
	opts := ble.DefaultOptions()
	opts.ScanTimeout = cfg.BLE.ScanTimeout
	opts.Peripheral = cfg.BLE.Peripheral
	opts.AutoEnroll = cfg.Session.AutoEnroll
	opts.TeardownOnTransportError = cfg.Session.TeardownOnTransportError
	opts.Logger = slog.Default()
	return opts
}

func adapterOptions(cfg *config.Config) ble.TinyGoOptions {
	return ble.TinyGoOptions{
		ConnectTimeout:    cfg.BLE.ConnectTimeout,
		WriteWithResponse: cfg.BLE.WriteWithResponse,
	}
}

func hotkeyBindings(cfg *config.Config) []hotkey.Binding {
	return []hotkey.Binding{
		{Action: hotkey.ActionEnroll, Keys: cfg.Hotkey.Enroll},
		{Action: hotkey.ActionAuth, Keys: cfg.Hotkey.Auth},
	}
}

// printBanner displays the startup configuration summary.
func printBanner(w io.Writer, cfg *config.Config) {
	peripheral := cfg.BLE.Peripheral
	if peripheral == "" {
		peripheral = "(first discovered)"
	}
	fmt.Fprintln(w, "=== fakeagent ===")
	fmt.Fprintf(w, "  Scan:       %s timeout\n", cfg.BLE.ScanTimeout)
	fmt.Fprintf(w, "  Peripheral: %s\n", peripheral)
	fmt.Fprintf(w, "  Enroll:     %s\n", strings.Join(cfg.Hotkey.Enroll, "+"))
	fmt.Fprintf(w, "  Auth:       %s\n", strings.Join(cfg.Hotkey.Auth, "+"))
	fmt.Fprintf(w, "  Auto:       %t\n", cfg.Session.AutoEnroll)
	fmt.Fprintf(w, "  Log:        %s (%s)\n", cfg.LogLevel, cfg.LogFormat)
	fmt.Fprintln(w, "=================")
}
