package export

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/bili-ingest/internal/apperr"
	"github.com/cyderes/bili-ingest/internal/models"
	"github.com/cyderes/bili-ingest/internal/storage"
)

var day0 = time.Date(2025, 7, 20, 0, 0, 0, 0, time.UTC)

func video(bvid string, pub time.Time, views int64) models.Video {
	return models.Video{
		BVID:           bvid,
		Title:          "title " + bvid,
		UpName:         "creator",
		UpID:           7,
		PubTimestamp:   pub.Unix(),
		Stats:          models.Stats{View: views},
		Duration:       3725,
		VideoURL:       models.VideoURL(bvid),
		FetchTimestamp: pub.Add(24 * time.Hour).Unix(),
		RegionID:       21,
	}
}

func newStore(t *testing.T) storage.Storage {
	t.Helper()
	s, err := storage.NewSQLiteStorage(filepath.Join(t.TempDir(), "export.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s storage.Storage, table storage.Table, videos ...models.Video) {
	t.Helper()
	ctx := context.Background()
	_, err := s.EnsureSchema(ctx, table)
	require.NoError(t, err)
	for _, v := range videos {
		require.NoError(t, s.Upsert(ctx, table, v))
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		seconds int64
		want    string
	}{
		{0, "00:00"},
		{61, "01:01"},
		{3599, "59:59"},
		{3600, "01:00:00"},
		{3725, "01:02:05"},
		{-5, "00:00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatDuration(tt.seconds), "seconds=%d", tt.seconds)
	}
}

func TestParseTime(t *testing.T) {
	shanghai := time.FixedZone("CST", 8*3600)

	got, err := ParseTime("2025-07-20", shanghai)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 7, 20, 0, 0, 0, 0, shanghai).Unix(), got.Unix())

	got, err = ParseTime("2025-07-20 08:30:00", time.UTC)
	require.NoError(t, err)
	assert.Equal(t, day0.Add(8*time.Hour+30*time.Minute), got)

	_, err = ParseTime("20/07/2025", time.UTC)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestBuild_PicksFirstKnownTable(t *testing.T) {
	s := newStore(t)
	seed(t, s, storage.TypesTable, func() models.Video {
		v := video("BV1", day0, 5)
		v.Type = "1_day"
		return v
	}())
	seed(t, s, storage.VideosTable, video("BV1", day0, 5))

	report, err := NewExporter(s, nil, nil).Build(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, storage.VideosTableName, report.Table)
	assert.Equal(t, "视频ID", report.Header[0])
	require.Len(t, report.Rows, 1)
	assert.Equal(t, "BV1", report.Rows[0][0])
	assert.Equal(t, "01:02:05", report.Rows[0][2])
	assert.Equal(t, "2025-07-20 00:00:00", report.Rows[0][4])
}

func TestBuild_FiltersSortsAndLimits(t *testing.T) {
	s := newStore(t)
	seed(t, s, storage.VideosTable,
		video("BV1", day0, 10),
		video("BV2", day0.Add(24*time.Hour), 30),
		video("BV3", day0.Add(48*time.Hour), 20),
		video("BV4", day0.Add(96*time.Hour), 40),
	)

	report, err := NewExporter(s, time.UTC, nil).Build(context.Background(), Options{
		Table:  storage.VideosTableName,
		Start:  "2025-07-23",
		End:    "2025-07-21",
		SortBy: "view",
		Desc:   true,
		Limit:  2,
	})
	require.NoError(t, err)
	require.Len(t, report.Rows, 2)
	assert.Equal(t, "BV2", report.Rows[0][0])
	assert.Equal(t, "BV3", report.Rows[1][0])
}

func TestBuild_IgnoresUnknownSortAndTypeFilter(t *testing.T) {
	s := newStore(t)
	seed(t, s, storage.VideosTable, video("BV1", day0, 1), video("BV2", day0, 2))

	e := NewExporter(s, time.UTC, nil)
	_, q, err := e.Resolve(context.Background(), Options{
		Table:  storage.VideosTableName,
		SortBy: "nope",
		Type:   "1_day",
	})
	require.NoError(t, err)
	assert.Empty(t, q.SortBy)
	assert.Empty(t, q.Type)

	report, err := e.Build(context.Background(), Options{Table: storage.VideosTableName, Type: "1_day"})
	require.NoError(t, err)
	assert.Len(t, report.Rows, 2)
}

func TestBuild_TypeFilter(t *testing.T) {
	s := newStore(t)
	one := video("BV1", day0, 1)
	one.Type = "1_day"
	three := video("BV1", day0, 1)
	three.Type = "3_day"
	seed(t, s, storage.TypesTable, one, three)

	report, err := NewExporter(s, time.UTC, nil).Build(context.Background(), Options{Type: "3_day"})
	require.NoError(t, err)
	assert.Equal(t, storage.TypesTableName, report.Table)
	require.Len(t, report.Rows, 1)
	assert.Equal(t, "3_day", report.Rows[0][len(report.Header)-1])
	assert.Equal(t, "", report.Rows[0][4])
}

func TestBuild_UnknownTable(t *testing.T) {
	s := newStore(t)
	seed(t, s, storage.VideosTable, video("BV1", day0, 1))

	_, err := NewExporter(s, nil, nil).Build(context.Background(), Options{Table: "missing"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
	assert.Contains(t, err.Error(), storage.VideosTableName)
}

func TestBuild_EmptyDatabase(t *testing.T) {
	_, err := NewExporter(newStore(t), nil, nil).Build(context.Background(), Options{})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestBuild_BadStartIsValidationError(t *testing.T) {
	s := newStore(t)
	seed(t, s, storage.VideosTable, video("BV1", day0, 1))

	_, err := NewExporter(s, nil, nil).Build(context.Background(), Options{Start: "yesterday"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestXLSXRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out.xlsx")
	report := Report{
		Header: []string{"视频ID", "播放数", "粉丝数（采集时）"},
		Rows: [][]any{
			{"BV1", int64(10), int64(5)},
			{"BV2", int64(20), ""},
		},
	}

	require.NoError(t, WriteXLSX(path, "videos", report))

	grid, err := ReadXLSX(path, "videos")
	require.NoError(t, err)
	require.Len(t, grid, 3)
	assert.Equal(t, []any{"视频ID", "播放数", "粉丝数（采集时）"}, grid[0])
	assert.Equal(t, []any{"BV1", int64(10), int64(5)}, grid[1])
	assert.Equal(t, []any{"BV2", int64(20), ""}, grid[2])
}

func TestReadXLSX_Errors(t *testing.T) {
	_, err := ReadXLSX(filepath.Join(t.TempDir(), "nope.xlsx"), "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))

	path := filepath.Join(t.TempDir(), "out.xlsx")
	require.NoError(t, WriteXLSX(path, "", Report{Header: []string{"a"}}))
	_, err = ReadXLSX(path, "other")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestPreview(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Preview(&buf, Report{Header: []string{"a"}}, 10))
	assert.Equal(t, "(no data)\n", buf.String())

	buf.Reset()
	report := Report{
		Header: []string{"视频ID", "播放数"},
		Rows:   [][]any{{"BV1", int64(1)}, {"BV2", int64(2)}, {"BV3", int64(3)}},
	}
	require.NoError(t, Preview(&buf, report, 2))
	out := buf.String()
	assert.Contains(t, out, "BV1")
	assert.Contains(t, out, "BV2")
	assert.NotContains(t, out, "BV3")
	assert.Contains(t, out, "2 of 3 rows shown")
}
