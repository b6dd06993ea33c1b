package main

import (
	"flag"
	"fmt"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	UnitsPath       string
	ExitWhenDone    bool
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool
}

func parseFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}

	// Flags fall back to environment variables
	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("PILOT_CONFIG", ""),
		"Path to configuration file, defaults only when empty (env: PILOT_CONFIG)")

	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("PILOT_CONFIG", ""),
		"Path to configuration file (env: PILOT_CONFIG)")

	fs.StringVar(&cfg.LogLevel, "log-level", "",
		"Log level: debug, info, warn, error; overrides the log section")

	fs.StringVar(&cfg.LogFormat, "log-format", "",
		"Log format: json, text; overrides the log section")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("PILOT_DEBUG_LOG", false),
		"Enable debug logging (env: PILOT_DEBUG_LOG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("PILOT_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: PILOT_SHUTDOWN_TIMEOUT)")

	fs.StringVar(&cfg.UnitsPath, "units", "",
		"YAML or JSON file of unit descriptions to submit at start-up")

	fs.BoolVar(&cfg.ExitWhenDone, "exit-when-done", false,
		"Shut down once every unit from --units is final")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() {
		printDetailedHelp(fs)
	}

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, cfg.LogLevel) {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}

	if cfg.LogFormat != "" && !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	if cfg.UnitsPath != "" {
		if _, err := os.Stat(cfg.UnitsPath); err != nil {
			return fmt.Errorf("units file not found: %s", cfg.UnitsPath)
		}
	}

	if cfg.ExitWhenDone && cfg.UnitsPath == "" {
		return fmt.Errorf("--exit-when-done needs --units")
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	out := fs.Output()
	_, _ = fmt.Fprintf(out, `%s - pilot job agent

Usage: %s [options]

Options:
`, appName, fs.Name())
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(out, `
Examples:
  # Run in-process with defaults, API on :8080
  %s

  # Run with a config file and debug logging
  %s --config=/etc/pilot/agent.json --log-level=debug --log-format=text

  # Execute a batch of units and exit when they finish
  %s --units=units.yaml --exit-when-done

  # Validate configuration only
  %s --config=agent.json --validate

Version: %s
Build: %s
`, fs.Name(), fs.Name(), fs.Name(), fs.Name(), Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
