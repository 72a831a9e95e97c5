package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyderes/bili-ingest/internal/apperr"
	"github.com/cyderes/bili-ingest/internal/export"
	"github.com/cyderes/bili-ingest/internal/ingestion"
	"github.com/cyderes/bili-ingest/internal/models"
)

var crawlCmd = &cobra.Command{
	Use:   "crawl <region_id>",
	Short: "Crawl the newest items of a category",
	Long: `Page through the newest items of a category, newest first, until a page
is empty, the oldest item on a page predates the cutoff, or the page limit
is reached. Every item is written to the primary table; items whose age
matches a bucket are also snapshotted into the bucket table.

Examples:
  bili-ingest crawl 21                               # Cutoff 7 days back
  bili-ingest crawl 21 --end-date "2025-07-20 12:00:00"
  bili-ingest crawl 21 --max-pages 5 --interval 2s
  bili-ingest crawl 21 --every 1h                    # Repeat until interrupted`,
	Args: cobra.ExactArgs(1),
	RunE: runCrawl,
}

func init() {
	rootCmd.AddCommand(crawlCmd)

	crawlCmd.Flags().String("end-date", "", "stop at items published before this time (YYYY-MM-DD[ HH:MM:SS])")
	crawlCmd.Flags().Int("max-pages", 0, "page limit (default from config)")
	crawlCmd.Flags().Duration("interval", 0, "pause between pages (default from config)")
	crawlCmd.Flags().String("videos-db", "", "SQLite file for the primary table")
	crawlCmd.Flags().String("types-db", "", "SQLite file for the bucket table")
	crawlCmd.Flags().Duration("every", 0, "repeat the crawl at this interval until interrupted")
}

func runCrawl(cmd *cobra.Command, args []string) error {
	regionID, err := strconv.Atoi(args[0])
	if err != nil || regionID <= 0 {
		return apperr.Validation("invalid region id %q", args[0])
	}

	opts := ingestion.RunOptions{RegionID: regionID}
	if endDate, _ := cmd.Flags().GetString("end-date"); endDate != "" {
		cutoff, err := export.ParseTime(endDate, cfg.Location())
		if err != nil {
			return err
		}
		opts.Cutoff = cutoff
	}
	opts.MaxPages, _ = cmd.Flags().GetInt("max-pages")

	if interval, _ := cmd.Flags().GetDuration("interval"); interval > 0 {
		cfg.Ingestion.PageInterval = interval
	}
	if path, _ := cmd.Flags().GetString("videos-db"); path != "" {
		cfg.Storage.VideosDB = path
	}
	if path, _ := cmd.Flags().GetString("types-db"); path != "" {
		cfg.Storage.TypesDB = path
	}
	every, _ := cmd.Flags().GetDuration("every")
	if every <= 0 {
		every = cfg.Ingestion.Interval
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := ingestion.NewService(cfg.Ingestion, store, newSource(), logger)

	if every > 0 {
		err := svc.Start(ctx, opts, every)
		if errors.Is(err, context.Canceled) {
			logger.Info("crawl stopped")
			return nil
		}
		return err
	}

	run, err := svc.Run(ctx, opts)
	if run != nil {
		printRun(cmd.OutOrStdout(), run)
	}
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func printRun(w io.Writer, run *models.CrawlRun) {
	fmt.Fprintf(w, "run %s: %s (%s)\n", run.ID, run.Status, run.StopReason)
	fmt.Fprintf(w, "  pages: %d  items: %d  classified: %d  item failures: %d  fetch failures: %d\n",
		run.Pages, run.Items, run.Classified, run.ItemFailures, run.FetchFailures)
	if !run.FinishedAt.IsZero() {
		fmt.Fprintf(w, "  took: %s\n", run.FinishedAt.Sub(run.StartedAt).Round(time.Millisecond))
	}
}
