package main

import (
	"context"
	"fmt"

	"rocketcaster/pkg/config"
	"rocketcaster/pkg/store"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPostgres(cmd.Context(), func(pg *store.Postgres, logger *zap.Logger) error {
					if err := pg.MigrateUp(); err != nil {
						return err
					}
					return printVersion(pg)
				})
			},
		},
		migrateDownCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print the current schema version",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withPostgres(cmd.Context(), func(pg *store.Postgres, logger *zap.Logger) error {
					return printVersion(pg)
				})
			},
		},
	)

	return cmd
}

func migrateDownCmd() *cobra.Command {
	var steps int

	cmd := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if steps <= 0 {
				return fmt.Errorf("--steps must be positive")
			}
			return withPostgres(cmd.Context(), func(pg *store.Postgres, logger *zap.Logger) error {
				if err := pg.MigrateDown(steps); err != nil {
					return err
				}
				return printVersion(pg)
			})
		},
	}

	cmd.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	return cmd
}

func withPostgres(ctx context.Context, fn func(pg *store.Postgres, logger *zap.Logger) error) error {
	logger := setupLogger(verbose)
	defer logger.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Database.Driver != config.DriverPostgres {
		return fmt.Errorf("migrations need the postgres driver; set DATABASE_URL or database.driver")
	}

	pg, err := store.OpenPostgres(ctx, cfg.Database.URL, logger.Named("store"))
	if err != nil {
		return err
	}
	defer pg.Close()

	return fn(pg, logger)
}

func printVersion(pg *store.Postgres) error {
	v, dirty, err := pg.MigrationVersion()
	if err != nil {
		return err
	}
	if dirty {
		fmt.Printf("schema version %d (dirty)\n", v)
		return nil
	}
	fmt.Printf("schema version %d\n", v)
	return nil
}
