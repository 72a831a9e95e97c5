package ingestion

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/cyderes/bili-ingest/internal/logging"
	"github.com/cyderes/bili-ingest/internal/metrics"
	"github.com/cyderes/bili-ingest/internal/storage"
)

// flushEvery bounds how many looked-up creators are held before writing.
const flushEvery = 50

// EnrichResult summarises a follower backfill.
type EnrichResult struct {
	Creators int `json:"creators"`
	Updated  int `json:"updated"`
	Failed   int `json:"failed"`
}

// Enricher backfills follower counts for rows already stored.
type Enricher struct {
	storage storage.Storage
	source  Source
	logger  *log.Logger
}

// NewEnricher creates an enricher over store using src for lookups.
func NewEnricher(store storage.Storage, src Source, logger *log.Logger) *Enricher {
	return &Enricher{
		storage: store,
		source:  src,
		logger:  logging.OrDiscard(logger).WithPrefix("enrich"),
	}
}

// Run looks up every distinct creator of t, or only those with rows lacking
// a follower count, and writes the results back. A failed lookup keeps the
// previous value.
func (e *Enricher) Run(ctx context.Context, t storage.Table, onlyMissing bool) (EnrichResult, error) {
	var res EnrichResult

	if err := e.storage.EnsureColumn(ctx, t, storage.ColFollower); err != nil {
		return res, err
	}

	ids, err := e.storage.CreatorIDs(ctx, t, onlyMissing)
	if err != nil {
		return res, fmt.Errorf("failed to list creators: %w", err)
	}
	res.Creators = len(ids)
	e.logger.Info("enrichment started", "table", t.Name, "creators", len(ids), "only_missing", onlyMissing)

	pending := make(map[int64]int64, flushEvery)
	flush := func(ctx context.Context) error {
		if len(pending) == 0 {
			return nil
		}
		if err := e.storage.UpdateFollowers(ctx, t, pending); err != nil {
			return err
		}
		res.Updated += len(pending)
		clear(pending)
		return nil
	}

	for i, id := range ids {
		if ctx.Err() != nil {
			if err := flush(context.WithoutCancel(ctx)); err != nil {
				return res, err
			}
			return res, ctx.Err()
		}

		n, err := e.source.FollowerCount(ctx, id)
		metrics.RecordFollowerLookup(err)
		if err != nil {
			res.Failed++
			e.logger.Warn("follower lookup failed", "up_id", id, "err", err)
			continue
		}
		pending[id] = n
		e.logger.Debug("follower count", "up_id", id, "followers", n, "progress", fmt.Sprintf("%d/%d", i+1, len(ids)))

		if len(pending) >= flushEvery {
			if err := flush(ctx); err != nil {
				return res, err
			}
		}
	}

	if err := flush(ctx); err != nil {
		return res, err
	}

	e.logger.Info("enrichment finished", "table", t.Name, "updated", res.Updated, "failed", res.Failed)
	return res, nil
}
