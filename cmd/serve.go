package cmd

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cyderes/bili-ingest/internal/ingestion"
	"github.com/cyderes/bili-ingest/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only API and optionally crawl on a schedule",
	Long: `Start the HTTP API (/health, /videos, /videos/{bvid}, /status, /metrics).
With --region and --every the crawler also runs in the background; it is the
only writer.

Examples:
  bili-ingest serve --port 8080
  bili-ingest serve --region 21 --every 1h`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "listen port (default from config)")
	serveCmd.Flags().Int("region", 0, "region to crawl in the background (default from config)")
	serveCmd.Flags().Duration("every", 0, "background crawl interval (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}
	region, _ := cmd.Flags().GetInt("region")
	if region <= 0 {
		region = cfg.Ingestion.RegionID
	}
	every, _ := cmd.Flags().GetDuration("every")
	if every <= 0 {
		every = cfg.Ingestion.Interval
	}

	// Create context for graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	httpServer := server.NewServer(cfg.Server, store, cfg.Location(), logger)

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// The crawler writes its final run record on cancellation; the store must
	// stay open until it has returned.
	var crawler sync.WaitGroup
	defer func() {
		stop()
		crawler.Wait()
	}()

	if region > 0 && every > 0 {
		ingestor := ingestion.NewService(cfg.Ingestion, store, newSource(), logger)
		crawler.Add(1)
		go func() {
			defer crawler.Done()
			logger.Info("starting scheduled crawl", "region", region, "every", every)
			if err := ingestor.Start(ctx, ingestion.RunOptions{RegionID: region}, every); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("scheduled crawl stopped", "err", err)
			}
		}()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, gracefully shutting down")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}

	stop()
	crawler.Wait()
	logger.Info("shutdown complete")
	return nil
}
