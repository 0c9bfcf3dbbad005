package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"text/tabwriter"

	"CDPLedger/internal/config"
	"CDPLedger/internal/observability"
	"CDPLedger/internal/persistence"
	"CDPLedger/internal/projection"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var logger = observability.NewLogger("migrate")

func main() {
	if err := rootCommand().Execute(); err != nil {
		logger.Error().Err(err).Msg("migrate failed")
		os.Exit(1)
	}
}

func rootCommand() *cobra.Command {
	var configPath string

	c := &cobra.Command{
		Use:           "migrate",
		Short:         "Manages the CDPLedger database schema",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	c.PersistentFlags().StringVar(&configPath, "config", "", "path to a TOML config file (default $"+config.EnvConfigPath+")")

	withDB := func(fn func(ctx context.Context, cfg config.Config, db *sql.DB) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			db, err := sql.Open("postgres", cfg.PostgresURL)
			if err != nil {
				return fmt.Errorf("open db: %w", err)
			}
			defer db.Close()
			return fn(cmd.Context(), cfg, db)
		}
	}

	c.AddCommand(
		&cobra.Command{
			Use:   "up",
			Short: "Apply all pending migrations",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, cfg config.Config, db *sql.DB) error {
				if err := persistence.NewMigrator(db, cfg.MigrationsDir).Up(ctx); err != nil {
					return fmt.Errorf("migrate up: %w", err)
				}
				logger.Info().Msg("all migrations applied")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "down",
			Short: "Roll back the last applied migration",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, cfg config.Config, db *sql.DB) error {
				if err := persistence.NewMigrator(db, cfg.MigrationsDir).Down(ctx); err != nil {
					return fmt.Errorf("migrate down: %w", err)
				}
				logger.Info().Msg("last migration rolled back")
				return nil
			}),
		},
		&cobra.Command{
			Use:   "status",
			Short: "List migrations and whether each is applied",
			Args:  cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, cfg config.Config, db *sql.DB) error {
				statuses, err := persistence.NewMigrator(db, cfg.MigrationsDir).Status(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "VERSION\tAPPLIED\tFILE")
				for _, s := range statuses {
					fmt.Fprintf(tw, "%s\t%t\t%s\n", s.Version, s.Applied, s.Filename)
				}
				return tw.Flush()
			}),
		},
		&cobra.Command{
			Use:   "rebuild-projections",
			Short: "Empty the projections and rebuild them from the event log",
			Long: "Replays the whole event log through a scratch core and rewrites every\n" +
				"projection table. Run it with the service stopped.",
			Args: cobra.NoArgs,
			RunE: withDB(func(ctx context.Context, cfg config.Config, db *sql.DB) error {
				return rebuild(ctx, cfg, db, logger)
			}),
		},
	)
	return c
}

func rebuild(ctx context.Context, cfg config.Config, db *sql.DB, logger zerolog.Logger) error {
	last, err := projection.RebuildProjections(ctx, projection.NewPostgresStore(db), persistence.NewSnapshotManager(db), cfg.ProgramID)
	if err != nil {
		return fmt.Errorf("rebuild projections: %w", err)
	}
	logger.Info().Int64("last_sequence", last).Msg("projections rebuilt")
	return nil
}
