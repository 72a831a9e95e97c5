// Package cmd contains all CLI commands for bili-ingest
package cmd

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/spf13/cobra"

	"github.com/cyderes/bili-ingest/internal/bilibili"
	"github.com/cyderes/bili-ingest/internal/config"
	"github.com/cyderes/bili-ingest/internal/logging"
	"github.com/cyderes/bili-ingest/internal/storage"
)

var (
	cfgFile   string
	envFile   string
	logLevel  string
	logFormat string
	cfg       *config.Config
	logger    *log.Logger
	closeLog  = func() error { return nil }
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "bili-ingest",
	Short: "Category listing crawler with age-bucket snapshots",
	Long: `bili-ingest pages through the newest items of a video category, stores the
latest observation of each item and a snapshot per age bucket, and turns the
stored data into spreadsheet reports.

Example usage:
  bili-ingest crawl 21                           # Crawl the last 7 days of region 21
  bili-ingest crawl 21 --end-date 2025-07-20     # Stop at items published before this date
  bili-ingest enrich video_details_with_type.db  # Fill creator follower counts
  bili-ingest export video_details.db out.xlsx   # Write a report
  bili-ingest migrate-key video_details_with_type.db  # Add the key to a table from an old crawl
  bili-ingest push --excel-path out.xlsx         # Upload a report to a cloud sheet
  bili-ingest serve --region 21 --every 1h       # Serve the API and crawl hourly`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return closeLog()
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is .bili-ingest.yaml)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "dotenv file with credentials (default is .env when present)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format: text or json")
}

// initConfig reads in config file and ENV variables, then builds the logger.
func initConfig() error {
	var err error

	cfg, err = config.Load(cfgFile, envFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	logger, closeLog, err = logging.New(logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return err
	}

	logger.Debug("configuration loaded",
		"storage", cfg.Storage.Type,
		"videos_db", cfg.Storage.VideosDB,
		"types_db", cfg.Storage.TypesDB,
		"time_zone", cfg.Export.TimeZone,
	)
	return nil
}

// newSource builds the remote API client from configuration.
func newSource() *bilibili.Client {
	var throttle *bilibili.Throttle
	if cfg.Source.Throttle {
		throttle = bilibili.NewThrottle(cfg.Source.RequestsPerSecond, cfg.Source.MinJitter, cfg.Source.MaxJitter)
	}
	return bilibili.NewClient(bilibili.Options{
		BaseURL:     cfg.Source.BaseURL,
		Timeout:     cfg.Source.Timeout,
		MaxAttempts: cfg.Source.MaxAttempts,
		BaseDelay:   cfg.Source.BaseDelay,
		MaxDelay:    cfg.Source.MaxDelay,
		UserAgents:  cfg.Source.UserAgents,
		Throttle:    throttle,
		Logger:      logger,
	})
}

// openStore opens the configured backend.
func openStore(ctx context.Context) (storage.Storage, error) {
	store, err := storage.NewStorage(ctx, cfg.Storage, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	return store, nil
}

// openFile opens a single SQLite file holding any of the tables.
func openFile(path string) (*storage.SQLiteStorage, error) {
	store, err := storage.NewSQLiteStorage(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	return store, nil
}
