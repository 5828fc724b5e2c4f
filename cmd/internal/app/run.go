package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatlog/cmd/internal/metrics"
)

// Execute is the CLI entrypoint used by cmd/chatlog.
// It returns an error instead of calling os.Exit to keep defers effective.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:   "chatlog",
		Short: "Archive Twitch chat, roll it up into daily logs and search it over HTTP.",
		Long: `chatlog connects to Twitch chat, stores every message, writes one log file per channel
and day at local midnight, and serves plain-text searches over HTTP.

Configuration is read from .env, config.yaml (or --config) and CHATLOG_* environment variables.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")

	load := func() (Config, Logger, error) {
		cfg, err := LoadConfig(configPath)
		if err != nil {
			return Config{}, nil, err
		}
		if err := cfg.Validate(); err != nil {
			return Config{}, nil, fmt.Errorf("invalid config: %w", err)
		}
		return cfg, NewLogger(cfg.Log.Level, cfg.Log.Format), nil
	}

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run ingestion, the midnight rollup and the search server until SIGINT/SIGTERM.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := New(ctx, cfg, log)
			if err != nil {
				return err
			}

			usr1 := make(chan os.Signal, 1)
			signal.Notify(usr1, syscall.SIGUSR1)
			defer signal.Stop(usr1)
			go func() {
				for {
					select {
					case <-ctx.Done():
						return
					case <-usr1:
						log.Info("rollup.signal", "signal", "SIGUSR1")
						a.TriggerRollup()
					}
				}
			}()

			return a.Run(ctx)
		},
	})

	var date string
	rollupCmd := &cobra.Command{
		Use:   "rollup",
		Short: "Export one day of messages to the rollup directory and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			return runRollupOnce(cmd.Context(), cfg, log, date)
		},
	}
	rollupCmd.Flags().StringVar(&date, "date", "", "day to export as YYYY-MM-DD in rollup.timezone (default: today)")
	root.AddCommand(rollupCmd)

	root.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Create the message table and indexes in the configured database.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			st, err := openStore(cmd.Context(), cfg.Database, log)
			if err != nil {
				return err
			}
			defer st.Close()
			return migrate(cmd.Context(), st, log)
		},
	})

	return root
}

func runRollupOnce(ctx context.Context, cfg Config, log Logger, date string) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}
	day := time.Now().In(loc)
	if date != "" {
		if day, err = time.ParseInLocation("2006-01-02", date, loc); err != nil {
			return fmt.Errorf("--date: %w", err)
		}
	}

	st, err := openStore(ctx, cfg.Database, log)
	if err != nil {
		return err
	}
	defer st.Close()
	if cfg.Database.AutoMigrate {
		if err := migrate(ctx, st, log); err != nil {
			return err
		}
	}

	exp, err := newExporter(cfg, st, loc, log)
	if err != nil {
		return err
	}
	report, err := exp.ExportDay(ctx, day)
	if err != nil {
		metrics.RollupRuns.WithLabelValues("once", "error").Inc()
		return err
	}
	metrics.RollupRuns.WithLabelValues("once", "ok").Inc()
	log.Info("rollup.once.done", "day", report.Day, "messages", report.Total(), "files", len(report.Files))
	return nil
}
