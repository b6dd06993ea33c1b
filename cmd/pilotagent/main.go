// Package main runs a pilot agent: the four agent stages, the unit manager,
// the websocket notifier and the HTTP API in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/pilotstreams/config"
	"github.com/c360/pilotstreams/unit"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "pilotagent"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := initializeConfiguration(cliCfg)
	if err != nil {
		return err
	}

	if cliCfg.Validate {
		fmt.Printf("Configuration is valid\n%s\n", cfg)
		return nil
	}

	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Log.Level))
	logger := setupLogger(os.Stdout, level, cfg.Log.Format)
	slog.SetDefault(logger)

	slog.Info("Starting pilot agent",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"pilot", cfg.Pilot.ID,
		"cores", cfg.Pilot.Cores)

	var descs []unit.Description
	if cliCfg.UnitsPath != "" {
		descs, err = unit.LoadDescriptions(cliCfg.UnitsPath)
		if err != nil {
			return fmt.Errorf("load units: %w", err)
		}
	}

	return runWithSignalHandling(context.Background(), cfg, cliCfg, level, logger, descs)
}

// initializeCLI parses and validates the flags
func initializeCLI(args []string) (*CLIConfig, bool, error) {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, true, nil
	}

	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil, true, nil
	}

	return cliCfg, false, nil
}

// initializeConfiguration loads the configuration and applies the flag
// overrides
func initializeConfiguration(cliCfg *CLIConfig) (*config.Config, error) {
	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.LogLevel != "" {
		cfg.Log.Level = cliCfg.LogLevel
	}
	if cliCfg.LogFormat != "" {
		cfg.Log.Format = cliCfg.LogFormat
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	if path == "" {
		return loader.Load()
	}
	return loader.LoadFile(path)
}

// runWithSignalHandling starts the agent and runs until a signal arrives or,
// with --exit-when-done, until the submitted units are final
func runWithSignalHandling(
	ctx context.Context,
	cfg *config.Config,
	cliCfg *CLIConfig,
	level *slog.LevelVar,
	logger *slog.Logger,
	descs []unit.Description,
) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	p, err := startPilot(signalCtx, cfg, level, logger)
	if err != nil {
		return err
	}
	slog.Info("Pilot agent started", "stages", len(p.registry.Instances()))

	runCtx := signalCtx
	if len(descs) > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithCancel(signalCtx)
		defer cancel()
		if err := p.submit(runCtx, descs, cliCfg.ExitWhenDone, cancel); err != nil {
			slog.Error("Submitting units failed", "error", err)
		}
	}

	<-runCtx.Done()
	if signalCtx.Err() != nil {
		slog.Info("Received shutdown signal")
	}

	if err := p.shutdown(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	slog.Info("Pilot agent shutdown complete")
	return nil
}

// shutdownBudget splits timeout over n sequential steps
func shutdownBudget(timeout time.Duration, n int) time.Duration {
	if n <= 1 {
		return timeout
	}
	return max(timeout/time.Duration(n), 100*time.Millisecond)
}
