package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"salesdash/backend/internal/config"
	"salesdash/backend/internal/httpapi"
	"salesdash/backend/internal/logging"
	pgstore "salesdash/backend/internal/store/postgres"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema to DATABASE_URL",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if cfg.DatabaseURL == "" {
				return errors.New("DATABASE_URL is not set")
			}
			logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(contextOrBackground(cmd.Context()), 30*time.Second)
			defer cancel()

			pg, err := pgstore.New(ctx, cfg.DatabaseURL, logger)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer func() { _ = pg.Close() }()

			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema applied")
			return nil
		},
	}
}

// newTokenCmd mints a bearer token with the configured secret. Meant for
// local development when no auth service is running.
func newTokenCmd() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token <user-id>",
		Short: "Print a signed bearer token for a user id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Load()
			if err := validateSecurityConfig(cfg); err != nil {
				return err
			}
			if logging.IsProduction(cfg.AppEnv) {
				return errors.New("token command is disabled in production")
			}

			token, err := httpapi.NewTokenVerifier(cfg.AuthSecret, cfg.AuthIssuer).Sign(args[0], ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), token)
			return err
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "token lifetime")
	return cmd
}

func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
