package ingestion

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/cyderes/bili-ingest/internal/apperr"
	"github.com/cyderes/bili-ingest/internal/models"
	"github.com/cyderes/bili-ingest/internal/storage"
)

func seedTypes(t *testing.T, store storage.Storage, videos ...models.Video) {
	t.Helper()
	ctx := context.Background()
	_, err := store.EnsureSchema(ctx, storage.TypesTable)
	require.NoError(t, err)
	for _, v := range videos {
		require.NoError(t, store.Upsert(ctx, storage.TypesTable, v))
	}
}

func typed(v models.Video, label string, follower *int64) models.Video {
	v.Type = label
	v.Follower = follower
	return v
}

func TestEnricher_Run(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	known := int64(10)

	seedTypes(t, store,
		typed(item("BV1", 1, 24*time.Hour), "1_day", nil),
		typed(item("BV1", 1, 24*time.Hour), "3_day", nil),
		typed(item("BV2", 2, 24*time.Hour), "1_day", &known),
		typed(item("BV3", 3, 24*time.Hour), "1_day", nil),
	)

	src := new(MockSource)
	src.On("FollowerCount", mock.Anything, int64(1)).Return(int64(100), nil).Once()
	src.On("FollowerCount", mock.Anything, int64(2)).Return(int64(200), nil).Once()
	src.On("FollowerCount", mock.Anything, int64(3)).Return(int64(0), apperr.Transport("relation_stat", errors.New("reset"))).Once()

	res, err := NewEnricher(store, src, nil).Run(ctx, storage.TypesTable, false)
	require.NoError(t, err)
	assert.Equal(t, EnrichResult{Creators: 3, Updated: 2, Failed: 1}, res)

	rows, err := store.ReadAll(ctx, storage.TypesTable, storage.Query{SortBy: "bvid"})
	require.NoError(t, err)
	require.Len(t, rows, 4)

	followers := map[string]*int64{}
	for _, r := range rows {
		followers[r.BVID+"/"+r.Type] = r.Follower
	}
	assert.Equal(t, int64(100), *followers["BV1/1_day"])
	assert.Equal(t, int64(100), *followers["BV1/3_day"])
	assert.Equal(t, int64(200), *followers["BV2/1_day"])
	assert.Nil(t, followers["BV3/1_day"])
	src.AssertExpectations(t)
}

func TestEnricher_OnlyMissing(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	known := int64(10)

	seedTypes(t, store,
		typed(item("BV1", 1, 24*time.Hour), "1_day", &known),
		typed(item("BV2", 2, 24*time.Hour), "1_day", nil),
	)

	src := new(MockSource)
	src.On("FollowerCount", mock.Anything, int64(2)).Return(int64(20), nil).Once()

	res, err := NewEnricher(store, src, nil).Run(ctx, storage.TypesTable, true)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Creators)
	assert.Equal(t, 1, res.Updated)
	src.AssertNotCalled(t, "FollowerCount", mock.Anything, int64(1))
}

func TestEnricher_FailedLookupKeepsPreviousValue(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	known := int64(10)

	seedTypes(t, store, typed(item("BV1", 1, 24*time.Hour), "1_day", &known))

	src := new(MockSource)
	src.On("FollowerCount", mock.Anything, int64(1)).Return(int64(0), apperr.Application("relation_stat", -412, "request was banned")).Once()

	res, err := NewEnricher(store, src, nil).Run(ctx, storage.TypesTable, false)
	require.NoError(t, err)
	assert.Equal(t, EnrichResult{Creators: 1, Updated: 0, Failed: 1}, res)

	rows, err := store.ReadAll(ctx, storage.TypesTable, storage.Query{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.NotNil(t, rows[0].Follower)
	assert.Equal(t, int64(10), *rows[0].Follower)
}

func TestEnricher_MissingTable(t *testing.T) {
	store := newTestStore(t)

	_, err := NewEnricher(store, new(MockSource), nil).Run(context.Background(), storage.VideosTable, false)
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestEnricher_FlushesInBatches(t *testing.T) {
	store := new(MockStorage)
	src := new(MockSource)

	ids := make([]int64, flushEvery+5)
	for i := range ids {
		ids[i] = int64(i + 1)
	}
	store.On("EnsureColumn", mock.Anything, storage.VideosTable, storage.ColFollower).Return(nil)
	store.On("CreatorIDs", mock.Anything, storage.VideosTable, false).Return(ids, nil)
	store.On("UpdateFollowers", mock.Anything, storage.VideosTable, mock.Anything).Return(nil)
	src.On("FollowerCount", mock.Anything, mock.Anything).Return(int64(1), nil)

	res, err := NewEnricher(store, src, nil).Run(context.Background(), storage.VideosTable, false)
	require.NoError(t, err)
	assert.Equal(t, flushEvery+5, res.Updated)
	store.AssertNumberOfCalls(t, "UpdateFollowers", 2)
}
