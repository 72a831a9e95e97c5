package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/cyderes/bili-ingest/internal/apperr"
	"github.com/cyderes/bili-ingest/internal/config"
	"github.com/cyderes/bili-ingest/internal/models"
)

// MongoDBStorage implements Storage interface using one collection per table
type MongoDBStorage struct {
	client *mongo.Client
	db     *mongo.Database
	prefix string
}

// NewMongoDBStorage connects to cfg.MongoDBURI
func NewMongoDBStorage(ctx context.Context, cfg config.StorageConfig) (*MongoDBStorage, error) {
	if cfg.MongoDBURI == "" {
		return nil, errors.New("mongodb_uri is required for mongodb storage")
	}

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoDBURI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}

	return &MongoDBStorage{
		client: client,
		db:     client.Database(cfg.MongoDatabase),
		prefix: cfg.TablePrefix,
	}, nil
}

func (m *MongoDBStorage) collection(table string) *mongo.Collection {
	return m.db.Collection(m.prefix + table)
}

func (m *MongoDBStorage) EnsureSchema(ctx context.Context, t Table) ([]string, error) {
	if t.HasColumn(ColPubTimestamp) {
		_, err := m.collection(t.Name).Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys: bson.D{{Key: ColPubTimestamp, Value: 1}},
		})
		if err != nil {
			return nil, fmt.Errorf("failed to index %s: %w", t.Name, err)
		}
	}
	return nil, nil
}

// EnsureColumn is a no-op: documents carry every field they are written with.
func (m *MongoDBStorage) EnsureColumn(ctx context.Context, t Table, column string) error {
	if !t.HasColumn(column) {
		return apperr.Validation("column %s is not part of table %s", column, t.Name)
	}
	return nil
}

func (m *MongoDBStorage) Upsert(ctx context.Context, t Table, v models.Video) error {
	doc := mongoDocument(t, &v)
	_, err := m.collection(t.Name).ReplaceOne(ctx,
		bson.M{"_id": doc["_id"]}, doc, options.Replace().SetUpsert(true))
	if err != nil {
		return apperr.Persistence("upsert "+t.Name, fmt.Errorf("bvid %s: %w", v.BVID, err))
	}
	return nil
}

func (m *MongoDBStorage) ReadAll(ctx context.Context, t Table, q Query) ([]models.Video, error) {
	q = q.normalized(t)

	opts := options.Find()
	if q.SortBy != "" {
		dir := 1
		if q.Desc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.SortBy, Value: dir}})
	}
	if q.Limit > 0 {
		opts.SetLimit(int64(q.Limit))
	}

	cursor, err := m.collection(t.Name).Find(ctx, mongoFilter(q), opts)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", t.Name, err)
	}
	defer cursor.Close(ctx)

	var videos []models.Video
	if err := cursor.All(ctx, &videos); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", t.Name, err)
	}
	return videos, nil
}

func (m *MongoDBStorage) Tables(ctx context.Context) ([]string, error) {
	names, err := m.db.ListCollectionNames(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}
	var out []string
	for _, n := range names {
		if len(n) >= len(m.prefix) && n[:len(m.prefix)] == m.prefix {
			out = append(out, n[len(m.prefix):])
		}
	}
	slices.Sort(out)
	return out, nil
}

// Columns reports the fields of one stored document, or the declared
// columns of a known table that has no documents yet.
func (m *MongoDBStorage) Columns(ctx context.Context, table string) ([]string, error) {
	var doc bson.D
	err := m.collection(table).FindOne(ctx, bson.D{}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		if t, ok := TableByName(table); ok {
			return t.ColumnNames(), nil
		}
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to sample %s: %w", table, err)
	}

	var cols []string
	for _, e := range doc {
		if e.Key != "_id" {
			cols = append(cols, e.Key)
		}
	}
	return cols, nil
}

func (m *MongoDBStorage) CreatorIDs(ctx context.Context, t Table, onlyMissing bool) ([]int64, error) {
	filter := bson.M{ColUpID: bson.M{"$ne": nil}}
	if onlyMissing {
		filter[ColFollower] = nil
	}

	raw, err := m.collection(t.Name).Distinct(ctx, ColUpID, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list creators in %s: %w", t.Name, err)
	}

	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		if id, ok := toInt64(r); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (m *MongoDBStorage) UpdateFollowers(ctx context.Context, t Table, followers map[int64]int64) error {
	coll := m.collection(t.Name)
	for id, n := range followers {
		_, err := coll.UpdateMany(ctx, bson.M{ColUpID: id}, bson.M{"$set": bson.M{ColFollower: n}})
		if err != nil {
			return apperr.Persistence("update followers in "+t.Name, fmt.Errorf("up_id %d: %w", id, err))
		}
	}
	return nil
}

func (m *MongoDBStorage) SaveRun(ctx context.Context, run models.CrawlRun) error {
	_, err := m.collection(RunsTableName).ReplaceOne(ctx,
		bson.M{"_id": run.ID}, run, options.Replace().SetUpsert(true))
	if err != nil {
		return apperr.Persistence("save crawl run", err)
	}
	return nil
}

func (m *MongoDBStorage) LastRun(ctx context.Context) (*models.CrawlRun, error) {
	var run models.CrawlRun
	err := m.collection(RunsTableName).FindOne(ctx, bson.D{},
		options.FindOne().SetSort(bson.D{{Key: "started_at", Value: -1}})).Decode(&run)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return &models.CrawlRun{Status: models.RunNever}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last crawl run: %w", err)
	}
	return &run, nil
}

// Close disconnects the client
func (m *MongoDBStorage) Close() error {
	return m.client.Disconnect(context.Background())
}

// mongoKey is the _id of a record: the key columns as an ordered document.
func mongoKey(t Table, v *models.Video) bson.D {
	key := make(bson.D, 0, len(t.Key))
	for _, k := range t.Key {
		key = append(key, bson.E{Key: k, Value: videoValue(v, k)})
	}
	return key
}

// mongoDocument is the full replacement document for a record.
func mongoDocument(t Table, v *models.Video) bson.M {
	doc := bson.M{"_id": mongoKey(t, v)}
	for _, c := range t.Columns {
		doc[c.Name] = videoValue(v, c.Name)
	}
	return doc
}

func mongoFilter(q Query) bson.M {
	filter := bson.M{}
	if q.From != nil || q.To != nil {
		rng := bson.M{}
		if q.From != nil {
			rng["$gte"] = *q.From
		}
		if q.To != nil {
			rng["$lte"] = *q.To
		}
		filter[ColPubTimestamp] = rng
	}
	if q.Type != "" {
		filter[ColType] = q.Type
	}
	if q.BVID != "" {
		filter[ColBVID] = q.BVID
	}
	return filter
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int32:
		return int64(n), true
	case int:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
