package cmd

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/arcward/scene/scene"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create or migrate the guild configuration database",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if cfg.DatabaseType == "" {
			log.Fatal(
				"Environment variable SCENE_DATABASE_TYPE not set " +
					"(must be one of: sqlite, postgres, surrealdb, memory)",
			)
		}
		if cfg.Database == "" && cfg.DatabaseType != "surrealdb" && cfg.DatabaseType != "memory" {
			log.Fatal(
				"Environment variable SCENE_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}

		handler := tint.NewHandler(
			os.Stderr,
			&tint.Options{Level: cfg.DatabaseLogLevel, AddSource: true},
		)
		docs, err := scene.OpenDocumentStore(ctx, cfg, handler)
		if err != nil {
			log.Fatalf("Error opening database: %v", err)
		}
		defer func() {
			if closeErr := docs.Close(ctx); closeErr != nil {
				slog.Error("error closing database", tint.Err(closeErr))
			}
		}()

		if counter, ok := docs.(scene.DocumentCounter); ok {
			n, err := counter.Count(ctx)
			if err != nil {
				log.Fatalf("Error counting guild configurations: %v", err)
			}
			fmt.Fprintf(out, "Database ready (%s): %d guild configurations.\n", cfg.DatabaseType, n)
		} else {
			fmt.Fprintf(out, "Database ready (%s).\n", cfg.DatabaseType)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)
}
