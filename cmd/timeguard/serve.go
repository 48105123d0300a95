package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/timeguard/internal/api"
	"github.com/seantiz/timeguard/internal/backend"
	"github.com/seantiz/timeguard/internal/backend/command"
	"github.com/seantiz/timeguard/internal/backend/sleep"
	"github.com/seantiz/timeguard/internal/config"
	"github.com/seantiz/timeguard/internal/engine"
	"github.com/seantiz/timeguard/internal/store"
	"github.com/seantiz/timeguard/internal/watchdog"
)

// drainTimeout bounds how long serve waits for in-flight tasks on shutdown.
const drainTimeout = 10 * time.Second

func newServeCmd(cfg config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use: "serve",

		Short: "Serve the task API",

		Args: cobra.NoArgs,

		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			logger := config.NewLogger(os.Stdout, cfg.LogLevel)

			logger.Info("timeguard: starting",
				"listen_addr", cfg.ListenAddr,
				"db_path", cfg.DBPath,
				"default_timeout", cfg.DefaultTimeout,
				"continue_on_timeout", cfg.ContinueOnTimeout,
			)

			db, err := store.NewSQLiteStore(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer db.Close()

			wd := watchdog.New(logger.With("sys", "watchdog"), watchdogOptions(cfg, os.Stderr))

			reg := backend.NewRegistry()
			reg.Register(sleep.Kind, sleep.New())
			reg.Register(command.Kind, command.New(
				command.Config{GracePeriod: cfg.GracePeriod},
				logger.With("sys", "command"),
			))

			eng := engine.NewEngine(db, reg, wd, logger.With("sys", "engine"), cfg.MaxConcurrency)
			srv := api.NewServer(cfg.ListenAddr, db, reg, eng, logger)

			if err := srv.Run(ctx); err != nil {
				return err
			}

			drained := make(chan struct{})
			go func() {
				eng.Wait()
				close(drained)
			}()
			select {
			case <-drained:
			case <-time.After(drainTimeout):
				logger.Warn("tasks still running at exit", "watched", wd.Len())
			}
			return nil
		},
	}

	fs := cmd.Flags()
	fs.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	fs.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite database path")
	fs.IntVar(&cfg.MaxConcurrency, "max-concurrency", cfg.MaxConcurrency, "batch concurrency limit")
	addWatchdogFlags(fs, &cfg)

	return cmd
}
