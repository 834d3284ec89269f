package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/noah-isme/bansos-api/pkg/config"
	"github.com/noah-isme/bansos-api/pkg/database"
	"github.com/noah-isme/bansos-api/pkg/logger"
)

func newMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Database migration tools",
		Long:  `Apply, roll back or inspect the embedded goose migrations.`,
	}

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Rollback migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDatabase(cmd.Context(), func(ctx context.Context, env *migrateEnv) error {
				return database.MigrateDown(ctx, env.db.DB, steps, env.logger)
			})
		},
	}
	down.Flags().IntVarP(&steps, "steps", "n", 1, "Number of migrations to rollback")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Run all pending migrations",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDatabase(cmd.Context(), func(ctx context.Context, env *migrateEnv) error {
					return database.MigrateUp(ctx, env.db.DB, env.logger)
				})
			},
		},
		down,
		&cobra.Command{
			Use:   "status",
			Short: "Show migration status",
			RunE: func(cmd *cobra.Command, args []string) error {
				return withDatabase(cmd.Context(), func(ctx context.Context, env *migrateEnv) error {
					return database.MigrationStatus(ctx, env.db.DB)
				})
			},
		},
	)
	return cmd
}

type migrateEnv struct {
	db     *sqlx.DB
	logger *zap.Logger
}

func withDatabase(ctx context.Context, fn func(ctx context.Context, env *migrateEnv) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logr, err := logger.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to init logger: %w", err)
	}
	defer logr.Sync() //nolint:errcheck

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	db, err := database.NewPostgres(connectCtx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to connect database: %w", err)
	}
	defer db.Close()

	if err := fn(ctx, &migrateEnv{db: db, logger: logr}); err != nil {
		logr.Error("migration command failed", zap.Error(err))
		return err
	}
	return nil
}
