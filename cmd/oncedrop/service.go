package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dharsanguruparan/OnceDrop/internal/app"
	"github.com/dharsanguruparan/OnceDrop/internal/config"
	"github.com/dharsanguruparan/OnceDrop/internal/database"
)

func loadApp(cmd *cobra.Command) (*app.App, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return app.New(cmd.Context(), cfg, config.SetupLogger(cfg))
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return app.RunServer(cmd.Context(), a)
		},
	}
}

func newWorkerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Process background cleanup and sweep tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			return app.RunWorker(cmd.Context(), a)
		},
	}
}

func newMigrateCmd() *cobra.Command {
	var databaseURL string
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if databaseURL == "" {
				databaseURL = cfg.DatabaseURL
			}
			if databaseURL == "" {
				return errors.New("no database url: pass --database-url or set ONCEDROP_DATABASE_URL")
			}
			return database.Migrate(databaseURL, config.SetupLogger(cfg))
		},
	}
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "Postgres connection string (defaults to ONCEDROP_DATABASE_URL)")
	return cmd
}

func newSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim expired documents once and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.Close()
			res, err := a.Sweeper().RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reclaimed %d documents (%d deletes queued) in %s\n",
				res.Reclaimed, res.Queued, res.Duration)
			return nil
		},
	}
}
