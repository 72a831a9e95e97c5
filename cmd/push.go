package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/cyderes/bili-ingest/internal/export"
	"github.com/cyderes/bili-ingest/internal/feishu"
)

var pushCmd = &cobra.Command{
	Use:   "push",
	Short: "Upload an .xlsx report to a Feishu spreadsheet",
	Long: `Read every cell of one sheet of an .xlsx file and write it into a Feishu
spreadsheet range. App credentials come from config or the environment
(BILI_INGEST_FEISHU_APP_ID, BILI_INGEST_FEISHU_APP_SECRET).

Examples:
  bili-ingest push --excel-path report.xlsx
  bili-ingest push --excel-path report.xlsx --spreadsheet-token shtcnXXXX --sheet-id 0b12ab --start-cell B2`,
	Args: cobra.NoArgs,
	RunE: runPush,
}

func init() {
	rootCmd.AddCommand(pushCmd)

	pushCmd.Flags().String("excel-path", "", "report to upload")
	pushCmd.Flags().String("sheet-name", "", "sheet of the report to read (default: first sheet)")
	pushCmd.Flags().String("spreadsheet-token", "", "target spreadsheet token (default from config)")
	pushCmd.Flags().String("sheet-id", "", "target sheet id (default from config)")
	pushCmd.Flags().String("start-cell", "", "top-left target cell (default from config)")
	_ = pushCmd.MarkFlagRequired("excel-path")
}

func runPush(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("excel-path")
	sheetName, _ := cmd.Flags().GetString("sheet-name")

	target := cfg.Feishu
	if v, _ := cmd.Flags().GetString("spreadsheet-token"); v != "" {
		target.SpreadsheetToken = v
	}
	if v, _ := cmd.Flags().GetString("sheet-id"); v != "" {
		target.SheetID = v
	}
	if v, _ := cmd.Flags().GetString("start-cell"); v != "" {
		target.StartCell = v
	}

	values, err := export.ReadXLSX(path, sheetName)
	if err != nil {
		return err
	}

	client := feishu.NewClient(cmd.Context(), feishu.Options{
		BaseURL:     target.BaseURL,
		AppID:       target.AppID,
		AppSecret:   target.AppSecret,
		Timeout:     target.Timeout,
		MaxRows:     target.MaxRows,
		MaxAttempts: cfg.Source.MaxAttempts,
		BaseDelay:   cfg.Source.BaseDelay,
		Logger:      logger,
	})

	n, err := client.WriteValues(cmd.Context(), target.SpreadsheetToken, target.SheetID, target.StartCell, values)
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d rows to sheet %s in %d request(s)\n", len(values), target.SheetID, n)
	return nil
}
