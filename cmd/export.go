package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyderes/bili-ingest/internal/export"
)

const defaultExportLimit = 100

var exportCmd = &cobra.Command{
	Use:   "export <db_path> [output]",
	Short: "Export a stored table as a spreadsheet report",
	Long: `Read a filtered slice of a table and write it as an .xlsx report with
readable dates and durations. Without an output path the report is printed
as a table instead.

Examples:
  bili-ingest export video_details.db                        # Preview the first table
  bili-ingest export video_details.db report.xlsx --sort-by view --desc
  bili-ingest export video_details_with_type.db types.xlsx --type 1_day
  bili-ingest export video_details.db --start 2025-07-01 --end "2025-07-20 23:59:59"`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runExport,
}

func init() {
	rootCmd.AddCommand(exportCmd)

	exportCmd.Flags().String("table", "", "table to export (default: first known table present)")
	exportCmd.Flags().String("start", "", "earliest publish time (YYYY-MM-DD[ HH:MM:SS])")
	exportCmd.Flags().String("end", "", "latest publish time (YYYY-MM-DD[ HH:MM:SS])")
	exportCmd.Flags().String("type", "", "only rows in this age bucket")
	exportCmd.Flags().String("sort-by", "", "column to sort by")
	exportCmd.Flags().Bool("desc", false, "sort descending")
	exportCmd.Flags().Int("limit", defaultExportLimit, "maximum rows (0 for all)")
	exportCmd.Flags().String("sheet", "", "sheet name (default from config)")
}

func runExport(cmd *cobra.Command, args []string) error {
	opts := export.Options{}
	opts.Table, _ = cmd.Flags().GetString("table")
	opts.Start, _ = cmd.Flags().GetString("start")
	opts.End, _ = cmd.Flags().GetString("end")
	opts.Type, _ = cmd.Flags().GetString("type")
	opts.SortBy, _ = cmd.Flags().GetString("sort-by")
	opts.Desc, _ = cmd.Flags().GetBool("desc")
	opts.Limit, _ = cmd.Flags().GetInt("limit")

	store, err := openFile(args[0])
	if err != nil {
		return err
	}
	defer store.Close()

	report, err := export.NewExporter(store, cfg.Location(), logger).Build(cmd.Context(), opts)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if len(args) < 2 {
		return export.Preview(out, report, cfg.Export.PreviewRows)
	}
	if report.Empty() {
		fmt.Fprintln(out, "(no data)")
		return nil
	}

	sheet, _ := cmd.Flags().GetString("sheet")
	if sheet == "" {
		sheet = cfg.Export.Sheet
	}
	if err := export.WriteXLSX(args[1], sheet, report); err != nil {
		return err
	}
	fmt.Fprintf(out, "wrote %d rows from %s to %s\n", len(report.Rows), report.Table, args[1])
	return nil
}
