package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyderes/bili-ingest/internal/apperr"
	"github.com/cyderes/bili-ingest/internal/storage"
)

var migrateKeyCmd = &cobra.Command{
	Use:   "migrate-key <db_path>",
	Short: "Rebuild a table that was created without its primary key",
	Long: `Copy every row of a table lacking its (bvid) or (bvid, type) key into a
keyed table. Rows are replayed in fetch order so the latest observation of
each key wins; rows with an empty key are dropped. Tables that already carry
the key are left untouched.

Examples:
  bili-ingest migrate-key video_details_with_type.db
  bili-ingest migrate-key video_details.db --table videos`,
	Args: cobra.ExactArgs(1),
	RunE: runMigrateKey,
}

func init() {
	rootCmd.AddCommand(migrateKeyCmd)

	migrateKeyCmd.Flags().String("table", storage.TypesTableName, "table to rebuild")
}

func runMigrateKey(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("table")

	table, ok := storage.TableByName(name)
	if !ok {
		return apperr.Validation("unknown table %s (must be %s or %s)", name, storage.VideosTableName, storage.TypesTableName)
	}

	store, err := openFile(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := store.MigrateKey(cmd.Context(), table)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.AlreadyKeyed {
		fmt.Fprintf(out, "%s: already keyed, nothing to do\n", res.Table)
		return nil
	}
	logger.Info("rebuilt table with key", "table", res.Table, "rows", res.Rows, "kept", res.Kept, "skipped", res.Skipped)
	fmt.Fprintf(out, "%s: rows: %d  kept: %d  skipped: %d\n", res.Table, res.Rows, res.Kept, res.Skipped)
	return nil
}
