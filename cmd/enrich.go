package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyderes/bili-ingest/internal/apperr"
	"github.com/cyderes/bili-ingest/internal/ingestion"
	"github.com/cyderes/bili-ingest/internal/storage"
)

var enrichCmd = &cobra.Command{
	Use:   "enrich <db_path>",
	Short: "Fill creator follower counts into a stored table",
	Long: `Look up the current follower count of every distinct creator in a table
and write it to all of that creator's rows. The follower column is added
when the table lacks it. Failed lookups keep the previous value.

Examples:
  bili-ingest enrich video_details_with_type.db
  bili-ingest enrich video_details.db --table videos --only-missing`,
	Args: cobra.ExactArgs(1),
	RunE: runEnrich,
}

func init() {
	rootCmd.AddCommand(enrichCmd)

	enrichCmd.Flags().String("table", storage.TypesTableName, "table to enrich")
	enrichCmd.Flags().Bool("only-missing", false, "only look up creators whose rows have no follower count")
}

func runEnrich(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("table")
	onlyMissing, _ := cmd.Flags().GetBool("only-missing")

	table, ok := storage.TableByName(name)
	if !ok {
		return apperr.Validation("unknown table %s (must be %s or %s)", name, storage.VideosTableName, storage.TypesTableName)
	}

	store, err := openFile(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := ingestion.NewEnricher(store, newSource(), logger).Run(cmd.Context(), table, onlyMissing)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "creators: %d  updated: %d  failed: %d\n", res.Creators, res.Updated, res.Failed)
	return nil
}
