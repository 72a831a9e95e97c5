package storage

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbiface"
	"github.com/charmbracelet/log"

	"github.com/cyderes/bili-ingest/internal/apperr"
	"github.com/cyderes/bili-ingest/internal/config"
	"github.com/cyderes/bili-ingest/internal/logging"
	"github.com/cyderes/bili-ingest/internal/models"
)

// DynamoDBStorage implements Storage interface using AWS DynamoDB
type DynamoDBStorage struct {
	client dynamodbiface.DynamoDBAPI
	prefix string
	logger *log.Logger

	mu    sync.Mutex
	ready map[string]bool
}

// NewDynamoDBStorage creates a new DynamoDB storage instance
func NewDynamoDBStorage(ctx context.Context, cfg config.StorageConfig, logger *log.Logger) (*DynamoDBStorage, error) {
	awsConfig := &aws.Config{
		Region: aws.String(cfg.Region),
	}

	// For local testing with DynamoDB Local
	if cfg.Endpoint != "" {
		awsConfig.Endpoint = aws.String(cfg.Endpoint)
	}

	sess, err := session.NewSession(awsConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create AWS session: %w", err)
	}

	return newDynamoDBStorage(dynamodb.New(sess), cfg.TablePrefix, logger), nil
}

func newDynamoDBStorage(client dynamodbiface.DynamoDBAPI, prefix string, logger *log.Logger) *DynamoDBStorage {
	return &DynamoDBStorage{
		client: client,
		prefix: prefix,
		logger: logging.OrDiscard(logger).WithPrefix("dynamodb"),
		ready:  make(map[string]bool),
	}
}

func (d *DynamoDBStorage) tableName(table string) string {
	return d.prefix + table
}

// keySchema maps the first key column to HASH and the second to RANGE.
func keySchema(t Table) ([]*dynamodb.KeySchemaElement, []*dynamodb.AttributeDefinition) {
	keyTypes := []string{dynamodb.KeyTypeHash, dynamodb.KeyTypeRange}
	var (
		schema []*dynamodb.KeySchemaElement
		defs   []*dynamodb.AttributeDefinition
	)
	for i, k := range t.Key {
		if i >= len(keyTypes) {
			break
		}
		attrType := dynamodb.ScalarAttributeTypeS
		if t.column(k).Kind == Integer {
			attrType = dynamodb.ScalarAttributeTypeN
		}
		schema = append(schema, &dynamodb.KeySchemaElement{
			AttributeName: aws.String(k),
			KeyType:       aws.String(keyTypes[i]),
		})
		defs = append(defs, &dynamodb.AttributeDefinition{
			AttributeName: aws.String(k),
			AttributeType: aws.String(attrType),
		})
	}
	return schema, defs
}

// ensureTable creates the DynamoDB table if it doesn't exist
func (d *DynamoDBStorage) ensureTable(ctx context.Context, t Table) error {
	d.mu.Lock()
	done := d.ready[t.Name]
	d.mu.Unlock()
	if done {
		return nil
	}

	name := d.tableName(t.Name)
	_, err := d.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(name),
	})
	if err != nil {
		if !isNotFound(err) {
			return fmt.Errorf("failed to describe table %s: %w", name, err)
		}

		schema, defs := keySchema(t)
		_, err = d.client.CreateTableWithContext(ctx, &dynamodb.CreateTableInput{
			TableName:            aws.String(name),
			KeySchema:            schema,
			AttributeDefinitions: defs,
			BillingMode:          aws.String(dynamodb.BillingModePayPerRequest),
		})
		if err != nil {
			return fmt.Errorf("failed to create table %s: %w", name, err)
		}

		// Wait for table to be created
		if err := d.client.WaitUntilTableExistsWithContext(ctx, &dynamodb.DescribeTableInput{
			TableName: aws.String(name),
		}); err != nil {
			return fmt.Errorf("failed waiting for table %s: %w", name, err)
		}
		d.logger.Info("created table", "table", name)
	}

	d.mu.Lock()
	d.ready[t.Name] = true
	d.mu.Unlock()
	return nil
}

func isNotFound(err error) bool {
	var aerr awserr.Error
	return errors.As(err, &aerr) && aerr.Code() == dynamodb.ErrCodeResourceNotFoundException
}

func (d *DynamoDBStorage) EnsureSchema(ctx context.Context, t Table) ([]string, error) {
	return nil, d.ensureTable(ctx, t)
}

// EnsureColumn is a no-op: items carry every attribute they are written with.
func (d *DynamoDBStorage) EnsureColumn(ctx context.Context, t Table, column string) error {
	if !t.HasColumn(column) {
		return apperr.Validation("column %s is not part of table %s", column, t.Name)
	}
	return nil
}

// dynamoItem marshals a record, dropping attributes the table does not declare.
func dynamoItem(t Table, v models.Video) (map[string]*dynamodb.AttributeValue, error) {
	item, err := dynamodbattribute.MarshalMap(v)
	if err != nil {
		return nil, err
	}
	for name := range item {
		if !t.HasColumn(name) {
			delete(item, name)
		}
	}
	return item, nil
}

func (d *DynamoDBStorage) Upsert(ctx context.Context, t Table, v models.Video) error {
	op := "upsert " + t.Name
	item, err := dynamoItem(t, v)
	if err != nil {
		return apperr.Persistence(op, fmt.Errorf("failed to marshal %s: %w", v.BVID, err))
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName(t.Name)),
		Item:      item,
	})
	if err != nil {
		return apperr.Persistence(op, fmt.Errorf("bvid %s: %w", v.BVID, err))
	}
	return nil
}

func (d *DynamoDBStorage) scan(ctx context.Context, t Table) ([]models.Video, error) {
	var (
		videos  []models.Video
		pageErr error
	)
	err := d.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(d.tableName(t.Name)),
	}, func(page *dynamodb.ScanOutput, last bool) bool {
		var batch []models.Video
		if err := dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); err != nil {
			pageErr = fmt.Errorf("failed to unmarshal %s: %w", t.Name, err)
			return false
		}
		videos = append(videos, batch...)
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", t.Name, err)
	}
	return videos, pageErr
}

func (d *DynamoDBStorage) ReadAll(ctx context.Context, t Table, q Query) ([]models.Video, error) {
	videos, err := d.scan(ctx, t)
	if err != nil {
		return nil, err
	}
	return applyQuery(videos, t, q), nil
}

func (d *DynamoDBStorage) Tables(ctx context.Context) ([]string, error) {
	var names []string
	err := d.client.ListTablesPagesWithContext(ctx, &dynamodb.ListTablesInput{},
		func(page *dynamodb.ListTablesOutput, last bool) bool {
			for _, n := range page.TableNames {
				if name, ok := strings.CutPrefix(aws.StringValue(n), d.prefix); ok {
					names = append(names, name)
				}
			}
			return true
		})
	if err != nil {
		return nil, fmt.Errorf("failed to list tables: %w", err)
	}
	slices.Sort(names)
	return names, nil
}

// Columns returns the declared columns of a known table, or only the key
// attributes of any other existing table.
func (d *DynamoDBStorage) Columns(ctx context.Context, table string) ([]string, error) {
	out, err := d.client.DescribeTableWithContext(ctx, &dynamodb.DescribeTableInput{
		TableName: aws.String(d.tableName(table)),
	})
	if isNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to describe table %s: %w", table, err)
	}
	if t, ok := TableByName(table); ok {
		return t.ColumnNames(), nil
	}
	var cols []string
	for _, def := range out.Table.AttributeDefinitions {
		cols = append(cols, aws.StringValue(def.AttributeName))
	}
	return cols, nil
}

func (d *DynamoDBStorage) CreatorIDs(ctx context.Context, t Table, onlyMissing bool) ([]int64, error) {
	videos, err := d.scan(ctx, t)
	if err != nil {
		return nil, err
	}
	var ids []int64
	for _, v := range videos {
		if onlyMissing && v.Follower != nil {
			continue
		}
		ids = append(ids, v.UpID)
	}
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

func (d *DynamoDBStorage) UpdateFollowers(ctx context.Context, t Table, followers map[int64]int64) error {
	if len(followers) == 0 {
		return nil
	}
	op := "update followers in " + t.Name

	videos, err := d.scan(ctx, t)
	if err != nil {
		return apperr.Persistence(op, err)
	}

	for _, v := range videos {
		n, ok := followers[v.UpID]
		if !ok {
			continue
		}
		key := make(map[string]*dynamodb.AttributeValue, len(t.Key))
		for _, k := range t.Key {
			key[k] = &dynamodb.AttributeValue{S: aws.String(fmt.Sprint(videoValue(&v, k)))}
		}
		_, err := d.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(d.tableName(t.Name)),
			Key:                      key,
			UpdateExpression:         aws.String("SET #f = :f"),
			ExpressionAttributeNames: map[string]*string{"#f": aws.String(ColFollower)},
			ExpressionAttributeValues: map[string]*dynamodb.AttributeValue{
				":f": {N: aws.String(strconv.FormatInt(n, 10))},
			},
		})
		if err != nil {
			return apperr.Persistence(op, fmt.Errorf("bvid %s: %w", v.BVID, err))
		}
	}
	return nil
}

// SaveRun stores a run summary in the run history table
func (d *DynamoDBStorage) SaveRun(ctx context.Context, run models.CrawlRun) error {
	if err := d.ensureTable(ctx, RunsTable); err != nil {
		return err
	}

	item, err := dynamodbattribute.MarshalMap(run)
	if err != nil {
		return fmt.Errorf("failed to marshal crawl run: %w", err)
	}

	_, err = d.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(d.tableName(RunsTableName)),
		Item:      item,
	})
	if err != nil {
		return apperr.Persistence("save crawl run", err)
	}
	return nil
}

// LastRun returns the most recently started run
func (d *DynamoDBStorage) LastRun(ctx context.Context) (*models.CrawlRun, error) {
	var runs []models.CrawlRun
	err := d.client.ScanPagesWithContext(ctx, &dynamodb.ScanInput{
		TableName: aws.String(d.tableName(RunsTableName)),
	}, func(page *dynamodb.ScanOutput, last bool) bool {
		var batch []models.CrawlRun
		if err := dynamodbattribute.UnmarshalListOfMaps(page.Items, &batch); err == nil {
			runs = append(runs, batch...)
		}
		return true
	})
	if isNotFound(err) {
		return &models.CrawlRun{Status: models.RunNever}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last crawl run: %w", err)
	}
	if len(runs) == 0 {
		// Return default status if not found
		return &models.CrawlRun{Status: models.RunNever}, nil
	}

	latest := slices.MaxFunc(runs, func(a, b models.CrawlRun) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return &latest, nil
}

// Close closes the DynamoDB connection
func (d *DynamoDBStorage) Close() error {
	// DynamoDB client doesn't need explicit closing
	return nil
}
