package storage

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/cyderes/bili-ingest/internal/config"
	"github.com/cyderes/bili-ingest/internal/models"
)

// ErrNotFound is returned when a keyed lookup finds nothing.
var ErrNotFound = errors.New("not found")

// Query filters and orders a table read.
type Query struct {
	From   *int64 // inclusive lower bound on pub_timestamp
	To     *int64 // inclusive upper bound on pub_timestamp
	Type   string // equality on type; ignored for tables without it
	BVID   string // equality on bvid
	SortBy string // column name; unknown columns are ignored
	Desc   bool
	Limit  int // 0 means no cap
}

// normalized swaps a reversed range and drops filters the table cannot serve.
func (q Query) normalized(t Table) Query {
	if q.From != nil && q.To != nil && *q.From > *q.To {
		q.From, q.To = q.To, q.From
	}
	if !t.HasColumn(ColType) {
		q.Type = ""
	}
	if q.SortBy != "" && !t.HasColumn(q.SortBy) {
		q.SortBy = ""
	}
	if q.Limit < 0 {
		q.Limit = 0
	}
	return q
}

// Storage interface defines the contract for data storage
type Storage interface {
	// EnsureSchema creates the table when absent. For an existing table it
	// returns the declared columns it lacks; nothing is migrated. An existing
	// table without a unique key on t.Key is a validation error.
	EnsureSchema(ctx context.Context, t Table) ([]string, error)
	// EnsureColumn adds a single declared column to an existing table.
	EnsureColumn(ctx context.Context, t Table, column string) error
	// Upsert inserts or wholesale-replaces the record with the same key.
	Upsert(ctx context.Context, t Table, v models.Video) error
	ReadAll(ctx context.Context, t Table, q Query) ([]models.Video, error)
	Tables(ctx context.Context) ([]string, error)
	Columns(ctx context.Context, table string) ([]string, error)
	// CreatorIDs returns the distinct up_id values, optionally only those
	// of rows without a follower count.
	CreatorIDs(ctx context.Context, t Table, onlyMissing bool) ([]int64, error)
	// UpdateFollowers sets follower on every row of each creator.
	UpdateFollowers(ctx context.Context, t Table, followers map[int64]int64) error
	SaveRun(ctx context.Context, run models.CrawlRun) error
	LastRun(ctx context.Context) (*models.CrawlRun, error)
	Close() error
}

// NewStorage creates a new storage instance based on configuration
func NewStorage(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) (Storage, error) {
	switch cfg.Type {
	case "sqlite", "":
		return NewSQLitePair(cfg.VideosDB, cfg.TypesDB)
	case "postgresql":
		return NewPostgreSQLStorage(ctx, cfg)
	case "mongodb":
		return NewMongoDBStorage(ctx, cfg)
	case "dynamodb":
		return NewDynamoDBStorage(ctx, cfg, logger)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// NewSQLitePair opens the primary and bucket table files. When both paths
// name the same file a single handle serves every table.
func NewSQLitePair(videosPath, typesPath string) (Storage, error) {
	if typesPath == "" || samePath(videosPath, typesPath) {
		return NewSQLiteStorage(videosPath)
	}

	videos, err := NewSQLiteStorage(videosPath)
	if err != nil {
		return nil, err
	}
	types, err := NewSQLiteStorage(typesPath)
	if err != nil {
		videos.Close()
		return nil, err
	}
	return &splitStorage{primary: videos, byTable: map[string]Storage{TypesTableName: types}}, nil
}

func samePath(a, b string) bool {
	if a == b {
		return true
	}
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	return errA == nil && errB == nil && absA == absB
}

// splitStorage routes each table to its own backend. Tables without a
// dedicated backend, run history included, go to primary.
type splitStorage struct {
	primary Storage
	byTable map[string]Storage
}

func (s *splitStorage) route(table string) Storage {
	if st, ok := s.byTable[table]; ok {
		return st
	}
	return s.primary
}

func (s *splitStorage) EnsureSchema(ctx context.Context, t Table) ([]string, error) {
	return s.route(t.Name).EnsureSchema(ctx, t)
}

func (s *splitStorage) EnsureColumn(ctx context.Context, t Table, column string) error {
	return s.route(t.Name).EnsureColumn(ctx, t, column)
}

func (s *splitStorage) Upsert(ctx context.Context, t Table, v models.Video) error {
	return s.route(t.Name).Upsert(ctx, t, v)
}

func (s *splitStorage) ReadAll(ctx context.Context, t Table, q Query) ([]models.Video, error) {
	return s.route(t.Name).ReadAll(ctx, t, q)
}

func (s *splitStorage) Tables(ctx context.Context) ([]string, error) {
	names, err := s.primary.Tables(ctx)
	if err != nil {
		return nil, err
	}
	for table, st := range s.byTable {
		other, err := st.Tables(ctx)
		if err != nil {
			return nil, err
		}
		if slices.Contains(other, table) && !slices.Contains(names, table) {
			names = append(names, table)
		}
	}
	slices.Sort(names)
	return names, nil
}

func (s *splitStorage) Columns(ctx context.Context, table string) ([]string, error) {
	return s.route(table).Columns(ctx, table)
}

func (s *splitStorage) CreatorIDs(ctx context.Context, t Table, onlyMissing bool) ([]int64, error) {
	return s.route(t.Name).CreatorIDs(ctx, t, onlyMissing)
}

func (s *splitStorage) UpdateFollowers(ctx context.Context, t Table, followers map[int64]int64) error {
	return s.route(t.Name).UpdateFollowers(ctx, t, followers)
}

func (s *splitStorage) SaveRun(ctx context.Context, run models.CrawlRun) error {
	return s.primary.SaveRun(ctx, run)
}

func (s *splitStorage) LastRun(ctx context.Context) (*models.CrawlRun, error) {
	return s.primary.LastRun(ctx)
}

func (s *splitStorage) Close() error {
	errs := []error{s.primary.Close()}
	for _, st := range s.byTable {
		errs = append(errs, st.Close())
	}
	return errors.Join(errs...)
}
