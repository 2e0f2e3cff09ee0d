package main

import (
	"ApolloLedger/internal/config"
	"ApolloLedger/internal/observability"
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/automaxprocs/maxprocs"
)

const programName = "apolloledger"

var (
	configFile string
	debug      bool
)

// newLogger builds a component logger at the configured level.
func newLogger(cfg *config.Config, component string) zerolog.Logger {
	level := observability.ParseLogLevel(cfg.LogLevel)
	if debug {
		level = zerolog.DebugLevel
	}
	return observability.NewLoggerTo(os.Stdout, component, level)
}

// openDB opens the Postgres pool and waits for one successful ping.
func openDB(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return db, nil
}

func main() {
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "Micro-insurance accounting engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "D", false, "enable debug logging")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		log := newLogger(cfg, programName)
		if _, err := maxprocs.Set(maxprocs.Logger(func(format string, v ...any) {
			log.Info().Msgf(format, v...)
		})); err != nil {
			return fmt.Errorf("set GOMAXPROCS: %w", err)
		}

		cmd.SetContext(config.WithContext(cmd.Context(), cfg))
		return nil
	}

	rootCmd.AddCommand(serveCommand())
	rootCmd.AddCommand(migrateCommand())
	rootCmd.AddCommand(adjudicateCommand())
	rootCmd.AddCommand(rebuildProjectionsCommand())

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		log := observability.NewLogger(programName)
		log.Fatal().Err(err).Msg("command failed")
	}
}
