package main

import (
	"ApolloLedger/internal/config"
	"ApolloLedger/internal/persistence"
	"ApolloLedger/internal/projection"

	"github.com/spf13/cobra"
)

func migrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back schema migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd, true)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the last migration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigration(cmd, false)
		},
	})
	return cmd
}

func runMigration(cmd *cobra.Command, up bool) error {
	cfg := config.FromContext(cmd.Context())
	log := newLogger(cfg, "migrate")

	db, err := openDB(cmd.Context(), cfg.PostgresDSN)
	if err != nil {
		return err
	}
	defer db.Close()

	migrator := persistence.NewMigrator(db, persistence.DefaultMigrations(), log)
	if up {
		if err := migrator.Up(cmd.Context()); err != nil {
			return err
		}
		log.Info().Msg("all migrations applied")
		return nil
	}
	if err := migrator.Down(cmd.Context()); err != nil {
		return err
	}
	log.Info().Msg("last migration rolled back")
	return nil
}

func rebuildProjectionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-projections",
		Short: "Rebuild the projection tables from the event log",
		Long: "Truncates the projection tables and replays the event log into them. " +
			"Run it with the ledger stopped.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromContext(cmd.Context())
			log := newLogger(cfg, "rebuild")

			db, err := openDB(cmd.Context(), cfg.PostgresDSN)
			if err != nil {
				return err
			}
			defer db.Close()

			return projection.Rebuild(cmd.Context(), db, log)
		},
	}
}
