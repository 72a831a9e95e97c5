package storage

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/bili-ingest/internal/apperr"
	"github.com/cyderes/bili-ingest/internal/models"
)

func newTestSQLite(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleVideo(bvid string, pub int64, views int64) models.Video {
	return models.Video{
		BVID:           bvid,
		Title:          "title " + bvid,
		UpName:         "creator",
		UpID:           42,
		PubTimestamp:   pub,
		Stats:          models.Stats{View: views, Like: 1, Reply: 2, Danmaku: 3, Favorite: 4, Coin: 5, Share: 6},
		Description:    "desc",
		Cover:          "cover.jpg",
		Duration:       61,
		Tag:            "daily",
		VideoURL:       models.VideoURL(bvid),
		FetchTimestamp: pub + 86400,
		RegionID:       21,
	}
}

func ptr[T any](v T) *T { return &v }

func TestSQLite_UpsertReplacesWholesale(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	missing, err := s.EnsureSchema(ctx, VideosTable)
	require.NoError(t, err)
	assert.Empty(t, missing)

	first := sampleVideo("BV1", 1000, 10)
	first.Follower = ptr(int64(99))
	require.NoError(t, s.Upsert(ctx, VideosTable, first))

	second := sampleVideo("BV1", 1000, 20)
	second.Title = "renamed"
	require.NoError(t, s.Upsert(ctx, VideosTable, second))

	rows, err := s.ReadAll(ctx, VideosTable, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(20), rows[0].View)
	assert.Equal(t, "renamed", rows[0].Title)
	assert.Nil(t, rows[0].Follower)
	assert.Equal(t, second, rows[0])
}

func TestSQLite_TypeTableKey(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	_, err := s.EnsureSchema(ctx, TypesTable)
	require.NoError(t, err)

	day := sampleVideo("BV1", 1000, 10)
	day.Type = "1_day"
	week := sampleVideo("BV1", 1000, 50)
	week.Type = "7_day"

	require.NoError(t, s.Upsert(ctx, TypesTable, day))
	require.NoError(t, s.Upsert(ctx, TypesTable, week))

	rows, err := s.ReadAll(ctx, TypesTable, Query{})
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	day.View = 15
	require.NoError(t, s.Upsert(ctx, TypesTable, day))

	rows, err = s.ReadAll(ctx, TypesTable, Query{Type: "1_day"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(15), rows[0].View)
}

func TestSQLite_ReadAllFilters(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	_, err := s.EnsureSchema(ctx, VideosTable)
	require.NoError(t, err)

	for i, pub := range []int64{100, 200, 300, 400} {
		require.NoError(t, s.Upsert(ctx, VideosTable, sampleVideo("BV"+string(rune('A'+i)), pub, int64(i))))
	}

	rows, err := s.ReadAll(ctx, VideosTable, Query{From: ptr(int64(200)), To: ptr(int64(300)), SortBy: "pub_timestamp"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "BVB", rows[0].BVID)
	assert.Equal(t, "BVC", rows[1].BVID)

	swapped, err := s.ReadAll(ctx, VideosTable, Query{From: ptr(int64(300)), To: ptr(int64(200)), SortBy: "pub_timestamp"})
	require.NoError(t, err)
	assert.Equal(t, rows, swapped)

	top, err := s.ReadAll(ctx, VideosTable, Query{SortBy: "view", Desc: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, "BVD", top[0].BVID)
	assert.Equal(t, "BVC", top[1].BVID)

	byID, err := s.ReadAll(ctx, VideosTable, Query{BVID: "BVA", Type: "1_day", SortBy: "no_such_column"})
	require.NoError(t, err)
	require.Len(t, byID, 1)
	assert.Equal(t, int64(100), byID[0].PubTimestamp)
}

func TestSQLite_ReadAllMissingTable(t *testing.T) {
	s := newTestSQLite(t)

	_, err := s.ReadAll(context.Background(), TypesTable, Query{})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSQLite_LegacyTableWithoutFollower(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.Exec(`CREATE TABLE videos (
		bvid TEXT PRIMARY KEY, title TEXT, up_name TEXT, up_id INTEGER,
		pub_timestamp INTEGER, view INTEGER, like INTEGER, reply INTEGER,
		danmaku INTEGER, favorite INTEGER, coin INTEGER, share INTEGER,
		description TEXT, cover TEXT, duration INTEGER, tag TEXT,
		video_url TEXT, fetch_timestamp INTEGER, region_id INTEGER)`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	s, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	defer s.Close()

	missing, err := s.EnsureSchema(ctx, VideosTable)
	require.NoError(t, err)
	assert.Equal(t, []string{"follower"}, missing)

	v := sampleVideo("BV1", 1000, 10)
	v.Follower = ptr(int64(5))
	require.NoError(t, s.Upsert(ctx, VideosTable, v))

	rows, err := s.ReadAll(ctx, VideosTable, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Follower)

	require.NoError(t, s.EnsureColumn(ctx, VideosTable, ColFollower))
	cols, err := s.Columns(ctx, VideosTable.Name)
	require.NoError(t, err)
	assert.Contains(t, cols, "follower")

	require.NoError(t, s.UpdateFollowers(ctx, VideosTable, map[int64]int64{42: 1234}))
	rows, err = s.ReadAll(ctx, VideosTable, Query{})
	require.NoError(t, err)
	require.NotNil(t, rows[0].Follower)
	assert.Equal(t, int64(1234), *rows[0].Follower)
}

func TestSQLite_CreatorIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)
	_, err := s.EnsureSchema(ctx, VideosTable)
	require.NoError(t, err)

	a := sampleVideo("BV1", 1, 1)
	a.UpID = 7
	a.Follower = ptr(int64(70))
	b := sampleVideo("BV2", 1, 1)
	b.UpID = 8
	c := sampleVideo("BV3", 1, 1)
	c.UpID = 8
	for _, v := range []models.Video{a, b, c} {
		require.NoError(t, s.Upsert(ctx, VideosTable, v))
	}

	all, err := s.CreatorIDs(ctx, VideosTable, false)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, 8}, all)

	missing, err := s.CreatorIDs(ctx, VideosTable, true)
	require.NoError(t, err)
	assert.Equal(t, []int64{8}, missing)
}

func TestSQLite_Runs(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t)

	last, err := s.LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.RunNever, last.Status)

	started := time.Date(2025, 7, 26, 12, 0, 0, 0, time.UTC)
	older := models.CrawlRun{ID: "a", RegionID: 21, StartedAt: started.Add(-time.Hour), Status: models.RunSuccess}
	newer := models.CrawlRun{
		ID: "b", RegionID: 21, StartedAt: started, FinishedAt: started.Add(time.Minute),
		Status: models.RunSuccess, StopReason: models.StopCutoffReached, Pages: 3, Items: 150, Classified: 12,
	}
	require.NoError(t, s.SaveRun(ctx, older))
	require.NoError(t, s.SaveRun(ctx, newer))

	last, err = s.LastRun(ctx)
	require.NoError(t, err)
	assert.Equal(t, newer, *last)
}

func TestNewSQLitePair(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	pair, err := NewSQLitePair(filepath.Join(dir, "videos.db"), filepath.Join(dir, "types.db"))
	require.NoError(t, err)
	defer pair.Close()

	for _, tbl := range ItemTables {
		_, err := pair.EnsureSchema(ctx, tbl)
		require.NoError(t, err)
	}

	v := sampleVideo("BV1", 1000, 10)
	require.NoError(t, pair.Upsert(ctx, VideosTable, v))
	v.Type = "3_day"
	require.NoError(t, pair.Upsert(ctx, TypesTable, v))

	tables, err := pair.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"video_types", "videos"}, tables)

	videosOnly, err := NewSQLiteStorage(filepath.Join(dir, "videos.db"))
	require.NoError(t, err)
	defer videosOnly.Close()
	names, err := videosOnly.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"videos"}, names)

	same, err := NewSQLitePair(filepath.Join(dir, "one.db"), filepath.Join(dir, ".", "one.db"))
	require.NoError(t, err)
	defer same.Close()
	_, ok := same.(*SQLiteStorage)
	assert.True(t, ok)
}

// createUnkeyedTypes builds a video_types table the way early crawls did:
// no primary key, so repeated observations piled up as duplicate rows.
func createUnkeyedTypes(t *testing.T, path string) {
	t.Helper()
	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer raw.Close()

	_, err = raw.Exec(`CREATE TABLE video_types (
		bvid TEXT, title TEXT, up_id INTEGER, pub_timestamp INTEGER,
		view INTEGER, fetch_timestamp INTEGER, type TEXT)`)
	require.NoError(t, err)
	_, err = raw.Exec(`INSERT INTO video_types VALUES
		('BV1', 'old', 42, 1000, 10, 2000, '1_day'),
		('BV1', 'new', 42, 1000, 30, 3000, '1_day'),
		('BV1', 'week', 42, 1000, 50, 2500, '7_day'),
		('BV2', 'other', 43, 1000, 5, 2000, '1_day'),
		('BV3', 'untyped', 44, 1000, 1, 2000, NULL)`)
	require.NoError(t, err)
}

func TestSQLite_UnkeyedTableRejected(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "types.db")
	createUnkeyedTypes(t, path)

	s, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	defer s.Close()

	missing, err := s.EnsureSchema(ctx, TypesTable)
	require.Error(t, err)
	assert.Nil(t, missing)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
	assert.Contains(t, err.Error(), "no unique key on (bvid, type)")
	assert.Contains(t, err.Error(), "migrate-key")
}

func TestSQLite_MigrateKey(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "types.db")
	createUnkeyedTypes(t, path)

	s, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	defer s.Close()

	res, err := s.MigrateKey(ctx, TypesTable)
	require.NoError(t, err)
	assert.Equal(t, KeyMigration{Table: "video_types", Rows: 5, Kept: 3, Skipped: 1}, res)

	missing, err := s.EnsureSchema(ctx, TypesTable)
	require.NoError(t, err)
	assert.Empty(t, missing)

	rows, err := s.ReadAll(ctx, TypesTable, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 3)
	byKey := make(map[string]models.Video)
	for _, r := range rows {
		byKey[r.BVID+"/"+r.Type] = r
	}
	assert.Equal(t, "new", byKey["BV1/1_day"].Title)
	assert.Equal(t, int64(30), byKey["BV1/1_day"].View)
	assert.Equal(t, int64(3000), byKey["BV1/1_day"].FetchTimestamp)
	assert.Equal(t, "week", byKey["BV1/7_day"].Title)
	assert.Equal(t, "other", byKey["BV2/1_day"].Title)

	v := sampleVideo("BV1", 1000, 99)
	v.Type = "1_day"
	require.NoError(t, s.Upsert(ctx, TypesTable, v))
	rows, err = s.ReadAll(ctx, TypesTable, Query{BVID: "BV1", Type: "1_day"})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(99), rows[0].View)

	again, err := s.MigrateKey(ctx, TypesTable)
	require.NoError(t, err)
	assert.True(t, again.AlreadyKeyed)

	tables, err := s.Tables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"video_types"}, tables)
}

func TestSQLite_MigrateKeyMissingTable(t *testing.T) {
	s := newTestSQLite(t)

	_, err := s.MigrateKey(context.Background(), TypesTable)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSQLite_PathWithURIDelimiters(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "crawl?v=2#50%.db")

	s, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	_, err = s.EnsureSchema(ctx, VideosTable)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, VideosTable, sampleVideo("BV1", 1000, 10)))
	require.NoError(t, s.Close())

	assert.FileExists(t, path)
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.Contains(t, []string{"crawl?v=2#50%.db", "crawl?v=2#50%.db-wal", "crawl?v=2#50%.db-shm"}, e.Name())
	}

	reopened, err := NewSQLiteStorage(path)
	require.NoError(t, err)
	defer reopened.Close()
	rows, err := reopened.ReadAll(ctx, VideosTable, Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "BV1", rows[0].BVID)
}

func TestSQLiteDSN(t *testing.T) {
	assert.Equal(t, "file:/data/a%3Fb%23c%25.db?_pragma=busy_timeout%285000%29", sqliteDSN("/data/a?b#c%.db"))
	assert.Equal(t, "file:video_details.db?_pragma=busy_timeout%285000%29", sqliteDSN("video_details.db"))
}
