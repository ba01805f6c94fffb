package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/e7canasta/avswitch/internal/config"
	"github.com/e7canasta/avswitch/internal/core"
	"github.com/e7canasta/avswitch/internal/logger"
)

const defaultConfigPath = "config/avswitch.yaml"

// RootOptions holds the daemon flags.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	Debug      bool
	Engine     string
}

// NewRootCommand creates the avswitchd command tree.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "avswitchd",
		Short: "Live video/audio switching server",
		Long: `avswitchd accepts incoming video and audio streams over TCP, republishes each on its own port,
and mixes two of them into a composite output that controllers can switch and rearrange.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", defaultConfigPath, "Path to configuration file")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "Path to .env file with AVSWITCH_* overrides")
	cmd.Flags().BoolVar(&opts.Debug, "debug", false, "Enable debug logging")
	cmd.Flags().StringVar(&opts.Engine, "engine", "", "Graph engine (gstreamer or simulated), overrides config")

	cmd.AddCommand(NewCheckConfigCommand(opts))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}

// loadConfig reads the config file, then .env and AVSWITCH_* overrides, then
// flags. A missing file at the default path falls back to defaults.
func loadConfig(opts *RootOptions) (*config.Config, error) {
	if err := config.LoadEnv(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		if opts.ConfigPath != defaultConfigPath || !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		cfg = config.Default()
	}

	if err := config.ApplyEnv(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if opts.Engine != "" {
		cfg.Engine = opts.Engine
	}
	if opts.Debug {
		cfg.Log.Level = "debug"
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func runDaemon(ctx context.Context, opts *RootOptions) error {
	cfg, err := loadConfig(opts)
	if err != nil {
		slog.Error("failed to load configuration", "config", opts.ConfigPath, "error", err)
		return err
	}

	slog.SetDefault(logger.New(cfg.Log.Level, cfg.Log.Format))

	slog.Info("starting avswitch service",
		"config", opts.ConfigPath,
		"debug", opts.Debug,
	)

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	svc, err := core.NewAVSwitch(cfg)
	if err != nil {
		slog.Error("failed to create avswitch service", "error", err)
		return err
	}

	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx)
	}()

	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
		runErr = <-errChan
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		}
	}

	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		return err
	}
	if runErr != nil {
		return runErr
	}

	slog.Info("avswitch service stopped successfully")
	return nil
}
