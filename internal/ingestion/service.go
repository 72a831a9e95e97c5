package ingestion

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/cyderes/bili-ingest/internal/agebucket"
	"github.com/cyderes/bili-ingest/internal/bilibili"
	"github.com/cyderes/bili-ingest/internal/config"
	"github.com/cyderes/bili-ingest/internal/logging"
	"github.com/cyderes/bili-ingest/internal/metrics"
	"github.com/cyderes/bili-ingest/internal/models"
	"github.com/cyderes/bili-ingest/internal/storage"
)

// Source is the remote listing the crawler reads from.
type Source interface {
	ListItems(ctx context.Context, regionID, page, pageSize int) ([]models.Video, error)
	FollowerCount(ctx context.Context, mid int64) (int64, error)
}

// RunOptions selects what a single crawl covers.
type RunOptions struct {
	RegionID int
	Cutoff   time.Time // zero means now minus the configured cutoff days
	MaxPages int       // zero means the configured maximum
}

// Service handles paged ingestion of a category listing
type Service struct {
	config     config.IngestionConfig
	storage    storage.Storage
	source     Source
	classifier *agebucket.Classifier
	logger     *log.Logger

	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
	jitter func() time.Duration
}

// NewService creates a new ingestion service
func NewService(cfg config.IngestionConfig, store storage.Storage, src Source, logger *log.Logger) *Service {
	return &Service{
		config:     cfg,
		storage:    store,
		source:     src,
		classifier: agebucket.New(agebucket.DefaultBuckets, cfg.Tolerance),
		logger:     logging.OrDiscard(logger).WithPrefix("crawl"),
		now:        time.Now,
		sleep:      bilibili.Sleep,
		jitter: func() time.Duration {
			return bilibili.Jitter(10*time.Millisecond, 100*time.Millisecond)
		},
	}
}

// Start runs one crawl, then another every interval until ctx is cancelled.
// A non-positive interval runs once.
func (s *Service) Start(ctx context.Context, opts RunOptions, every time.Duration) error {
	// Perform initial ingestion
	if _, err := s.Run(ctx, opts); err != nil {
		return fmt.Errorf("initial ingestion failed: %w", err)
	}
	if every <= 0 {
		return nil
	}

	// Set up periodic ingestion
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Run(ctx, opts); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				// Log error but don't stop the service
				s.logger.Error("ingestion failed", "err", err)
			}
		}
	}
}

// PrepareSchema creates both item tables and reports missing columns of
// existing ones. Nothing is migrated.
func (s *Service) PrepareSchema(ctx context.Context) error {
	for _, t := range storage.ItemTables {
		missing, err := s.storage.EnsureSchema(ctx, t)
		if err != nil {
			return fmt.Errorf("failed to prepare table %s: %w", t.Name, err)
		}
		for _, col := range missing {
			s.logger.Warn("column missing, table may need a manual update", "table", t.Name, "column", col)
		}
	}
	return nil
}

// Run pages through the listing until a stop condition and returns the run
// summary. Per-item failures are logged and counted, not returned.
func (s *Service) Run(ctx context.Context, opts RunOptions) (*models.CrawlRun, error) {
	if err := s.PrepareSchema(ctx); err != nil {
		return nil, err
	}

	cutoff := opts.Cutoff
	if cutoff.IsZero() {
		cutoff = s.now().AddDate(0, 0, -s.config.CutoffDays)
	}
	maxPages := opts.MaxPages
	if maxPages <= 0 {
		maxPages = s.config.MaxPages
	}
	maxFailures := max(s.config.MaxConsecutiveFailures, 1)
	region := strconv.Itoa(opts.RegionID)

	run := &models.CrawlRun{
		ID:        uuid.NewString(),
		RegionID:  opts.RegionID,
		StartedAt: s.now().UTC(),
		Status:    models.RunRunning,
	}
	s.saveRun(ctx, run)

	logger := s.logger.With("run", run.ID, "region", opts.RegionID)
	logger.Info("crawl started", "cutoff", cutoff.Format(time.DateOnly), "max_pages", maxPages)

	var (
		lastErr     error
		consecutive int
	)
	for page := 1; ; page++ {
		logger.Debug("fetching page", "page", page)
		videos, err := s.source.ListItems(ctx, opts.RegionID, page, s.config.PageSize)

		if ctx.Err() != nil {
			run.StopReason = models.StopCancelled
			lastErr = ctx.Err()
			break
		}

		if err != nil {
			consecutive++
			run.FetchFailures++
			lastErr = err
			metrics.RecordPage(region, "error")
			logger.Error("page fetch failed", "page", page, "consecutive", consecutive, "err", err)
			if consecutive >= maxFailures {
				run.StopReason = models.StopFetchFailures
				break
			}
		} else {
			consecutive = 0
			run.Pages++
			if len(videos) == 0 {
				metrics.RecordPage(region, "empty")
				logger.Info("page has no items", "page", page)
				run.StopReason = models.StopEmptyPage
				break
			}
			metrics.RecordPage(region, "success")

			newest := s.processPage(ctx, logger, run, videos)
			logger.Info("page stored", "page", page, "items", len(videos), "newest", newest)

			if newest < cutoff.Unix() {
				logger.Info("cutoff reached", "page", page, "newest", time.Unix(newest, 0).UTC(), "cutoff", cutoff)
				run.StopReason = models.StopCutoffReached
				break
			}
		}

		if page >= maxPages {
			logger.Info("page limit reached", "max_pages", maxPages)
			run.StopReason = models.StopPageLimit
			break
		}

		if err := s.sleep(ctx, s.config.PageInterval+s.jitter()); err != nil {
			run.StopReason = models.StopCancelled
			lastErr = err
			break
		}
	}

	run.FinishedAt = s.now().UTC()
	run.Status = models.RunSuccess
	if run.StopReason == models.StopFetchFailures || run.StopReason == models.StopCancelled {
		run.Status = models.RunFailure
		if lastErr != nil {
			run.ErrorMessage = lastErr.Error()
		}
	}
	// Record the outcome even when ctx is already cancelled.
	s.saveRun(context.WithoutCancel(ctx), run)
	metrics.RecordRun(run.Status, run.StopReason)

	logger.Info("crawl finished",
		"stop_reason", run.StopReason,
		"pages", run.Pages,
		"items", run.Items,
		"classified", run.Classified,
		"item_failures", run.ItemFailures,
		"fetch_failures", run.FetchFailures)

	if run.StopReason == models.StopCancelled {
		return run, lastErr
	}
	return run, nil
}

// processPage classifies, enriches and persists each item of a page and
// returns the newest publish time seen.
func (s *Service) processPage(ctx context.Context, logger *log.Logger, run *models.CrawlRun, videos []models.Video) int64 {
	var newest int64
	for _, v := range videos {
		newest = max(newest, v.PubTimestamp)
		run.Items++
		if err := s.processItem(ctx, logger, run, v); err != nil {
			run.ItemFailures++
			logger.Error("item failed", "bvid", v.BVID, "err", err)
		}
	}
	return newest
}

func (s *Service) processItem(ctx context.Context, logger *log.Logger, run *models.CrawlRun, v models.Video) error {
	var errs []error

	if label, ok := s.classifier.Classify(v.PubTimestamp, v.FetchTimestamp); ok {
		run.Classified++

		followers, err := s.source.FollowerCount(ctx, v.UpID)
		metrics.RecordFollowerLookup(err)
		if err != nil {
			logger.Warn("follower lookup failed", "bvid", v.BVID, "up_id", v.UpID, "err", err)
		} else {
			v.Follower = &followers
		}

		typed := v
		typed.Type = label
		err = s.storage.Upsert(ctx, storage.TypesTable, typed)
		metrics.RecordPersist(storage.TypesTableName, err)
		if err != nil {
			errs = append(errs, err)
		}
	}

	v.Type = ""
	err := s.storage.Upsert(ctx, storage.VideosTable, v)
	metrics.RecordPersist(storage.VideosTableName, err)
	if err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

func (s *Service) saveRun(ctx context.Context, run *models.CrawlRun) {
	if err := s.storage.SaveRun(ctx, *run); err != nil {
		s.logger.Warn("failed to record crawl run", "run", run.ID, "err", err)
	}
}
