package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kimhsiao/today/backend/internal/config"
	"github.com/kimhsiao/today/backend/internal/export"
	"github.com/kimhsiao/today/backend/internal/legacy"
	"github.com/kimhsiao/today/backend/internal/logging"
	"github.com/kimhsiao/today/backend/internal/sync/remote/postgres"
)

func exportCmd(flags *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Write a snapshot of all tasks and time entries",
		Long: `Write a snapshot to file, or to stdout when no file is given.
The format follows the file extension (.json, .yaml, optionally .gz).`,
		Args: cobra.MaximumNArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			if len(args) == 0 {
				f, err := export.ParseFormat(format)
				if err != nil {
					return err
				}
				_, err = a.export.Export(ctx, a.out, f)
				return err
			}

			res, err := a.export.ExportFile(ctx, args[0])
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(res)
			}
			fmt.Fprintf(os.Stderr, "Exported %d tasks and %d time entries to %s (%d bytes)\n",
				res.Tasks, res.TimeEntries, res.FilePath, res.SizeBytes)
			return nil
		}),
	}
	cmd.Flags().StringVar(&format, "format", "json", "stdout format: json or yaml")
	return cmd
}

func importCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "import [file]",
		Short: "Import a snapshot; invalid records are skipped and reported",
		Args:  cobra.ExactArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			res, err := a.export.ImportFile(ctx, args[0])
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(res)
			}
			a.printf("Imported %d records\n", res.Imported)
			for _, s := range res.Skipped {
				a.printf("  skipped %s %s: %s\n", s.Entity, s.ID, s.Reason)
			}
			return nil
		}),
	}
}

func migrateLegacyCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate-legacy [file]",
		Short: "Convert the legacy key-value blob into the record store (runs once)",
		Args:  cobra.MaximumNArgs(1),
		RunE: withApp(flags, func(ctx context.Context, a *app, args []string) error {
			path := a.cfg.Store.LegacyBlob
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" {
				return fmt.Errorf("no legacy file given and store.legacy_blob is not set")
			}

			res, err := legacy.NewMigrator(a.store, a.tracker).MigrateFile(ctx, path, a.tracker.Owner())
			if err != nil {
				return err
			}
			if a.asJSON {
				return a.printJSON(res)
			}
			if res.AlreadyMigrated {
				a.printf("Legacy data was already migrated.\n")
				return nil
			}
			a.printf("Migrated %d tasks and %d time entries\n", res.Tasks, res.TimeEntries)
			if len(res.Skipped) > 0 {
				a.printf("Skipped %d invalid records: %v\n", len(res.Skipped), res.Skipped)
			}
			return nil
		}),
	}
}

func remoteCmd(flags *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remote",
		Short: "Manage the remote backend",
	}

	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the remote PostgreSQL schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if cfg.Remote.Kind != "postgres" {
				return fmt.Errorf("remote migrate needs the postgres remote (got %q)", cfg.Remote.Kind)
			}
			logger := setupLogging(cfg)
			defer logger.Close()

			version, err := postgres.Migrate(cmd.Context(), cfg.Remote.DSN)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Remote schema at version %d\n", version)
			return nil
		},
	}

	cmd.AddCommand(migrate)
	return cmd
}

func setupLogging(cfg *config.Config) *logging.Logger {
	return logging.Setup(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   true,
	})
}
