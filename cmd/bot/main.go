package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/spf13/cobra"
	"github.com/xaenox/companion-bot/internal/maintenance"
	"github.com/xaenox/companion-bot/internal/memory"
	"github.com/xaenox/companion-bot/pkg/config"
	"go.uber.org/zap"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	debug      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "companion-bot",
		Short:        "Group chat companion bot for Telegram",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "config.yaml", "Config file path (optional)")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable development logging")

	cmd.AddCommand(newServeCmd(opts))
	cmd.AddCommand(newCleanupCmd(opts))
	return cmd
}

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Poll Telegram and answer messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
}

func newCleanupCmd(opts *rootOptions) *cobra.Command {
	var maxAgeDays int
	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete data of users and groups inactive for too long",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(opts.debug)
			if err != nil {
				return err
			}
			defer logger.Sync()

			cfg, err := config.LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-age-days") {
				cfg.Maintenance.MaxAgeDays = maxAgeDays
			}

			store := openStorage(cfg, logger)
			defer store.Close()

			mem := memory.NewService(store, memoryConfig(cfg), logger)
			svc := maintenance.New(maintenanceConfig(cfg), mem, nil, nil, logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Maintenance.JobTimeout)
			defer cancel()
			stats, err := svc.RunCleanup(ctx)
			if err != nil {
				return fmt.Errorf("cleanup failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scanned: %d, deleted: %d\n", stats.Scanned, stats.Deleted)
			return nil
		},
	}
	cmd.Flags().IntVar(&maxAgeDays, "max-age-days", 90, "Inactivity threshold in days")
	return cmd
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runServe(parent context.Context, opts *rootOptions) error {
	logger, err := newLogger(opts.debug)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		logger.Error("Failed to load config", zap.Error(err), zap.String("path", opts.configPath))
		return err
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("Invalid config", zap.Error(err))
		return err
	}

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", zap.Error(err))
		return err
	}
	defer app.Close()

	started := time.Now()
	err = app.Run(ctx)
	logger.Info("Bot stopped", zap.Duration("uptime", time.Since(started)))
	return err
}
