package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyderes/bili-ingest/internal/apperr"
	"github.com/cyderes/bili-ingest/internal/models"
)

// dialect captures what differs between the SQL backends.
type dialect struct {
	name         string
	intType      string
	placeholder  func(n int) string
	tablesQuery  string
	columnsQuery string
	// keyQuery lists (index, column) pairs of the unique indexes or
	// constraints of a table, in key order.
	keyQuery string
}

var sqliteDialect = dialect{
	name:         "sqlite",
	intType:      "INTEGER",
	placeholder:  func(int) string { return "?" },
	tablesQuery:  `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`,
	columnsQuery: `SELECT name FROM pragma_table_info(?) ORDER BY cid`,
	keyQuery: `SELECT il.name, ii.name FROM pragma_index_list(?) AS il, pragma_index_info(il.name) AS ii
		WHERE il."unique" = 1 ORDER BY il.name, ii.seqno`,
}

var postgresDialect = dialect{
	name:        "postgresql",
	intType:     "BIGINT",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	tablesQuery: `SELECT table_name FROM information_schema.tables
		WHERE table_schema = current_schema() ORDER BY table_name`,
	columnsQuery: `SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1 ORDER BY ordinal_position`,
	keyQuery: `SELECT tc.constraint_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
			ON kcu.constraint_schema = tc.constraint_schema
			AND kcu.constraint_name = tc.constraint_name
			AND kcu.table_name = tc.table_name
		WHERE tc.table_schema = current_schema() AND tc.table_name = $1
			AND tc.constraint_type IN ('PRIMARY KEY', 'UNIQUE')
		ORDER BY tc.constraint_name, kcu.ordinal_position`,
}

func quote(ident string) string {
	return `"` + strings.ReplaceAll(ident, `"`, `""`) + `"`
}

func quoteAll(idents []string) []string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = quote(id)
	}
	return out
}

func (d dialect) columnType(c Column) string {
	if c.Kind == Integer {
		return d.intType
	}
	return "TEXT"
}

func (d dialect) createTable(t Table) string {
	defs := make([]string, 0, len(t.Columns)+1)
	for _, c := range t.Columns {
		defs = append(defs, quote(c.Name)+" "+d.columnType(c))
	}
	defs = append(defs, "PRIMARY KEY ("+strings.Join(quoteAll(t.Key), ", ")+")")
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", quote(t.Name), strings.Join(defs, ",\n\t"))
}

func (d dialect) createPubIndex(t Table) string {
	return fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
		quote("idx_"+t.Name+"_pub"), quote(t.Name), quote(ColPubTimestamp))
}

func (d dialect) addColumn(t Table, c Column) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", quote(t.Name), quote(c.Name), d.columnType(c))
}

// upsert builds an insert that replaces every non-key column on key conflict.
func (d dialect) upsert(t Table, cols []string) string {
	marks := make([]string, len(cols))
	for i := range cols {
		marks[i] = d.placeholder(i + 1)
	}

	var sets []string
	for _, c := range cols {
		if slices.Contains(t.Key, c) {
			continue
		}
		sets = append(sets, fmt.Sprintf("%s = excluded.%s", quote(c), quote(c)))
	}
	action := "DO NOTHING"
	if len(sets) > 0 {
		action = "DO UPDATE SET " + strings.Join(sets, ", ")
	}

	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) %s",
		quote(t.Name),
		strings.Join(quoteAll(cols), ", "),
		strings.Join(marks, ", "),
		strings.Join(quoteAll(t.Key), ", "),
		action)
}

// selectRows builds a filtered read. q must already be normalized and cols
// must be present in the table.
func (d dialect) selectRows(t Table, cols []string, q Query) (string, []any) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return d.placeholder(len(args))
	}

	if q.From != nil {
		where = append(where, quote(ColPubTimestamp)+" >= "+arg(*q.From))
	}
	if q.To != nil {
		where = append(where, quote(ColPubTimestamp)+" <= "+arg(*q.To))
	}
	if q.Type != "" && slices.Contains(cols, ColType) {
		where = append(where, quote(ColType)+" = "+arg(q.Type))
	}
	if q.BVID != "" {
		where = append(where, quote(ColBVID)+" = "+arg(q.BVID))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", strings.Join(quoteAll(cols), ", "), quote(t.Name))
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	if q.SortBy != "" && slices.Contains(cols, q.SortBy) {
		dir := "ASC"
		if q.Desc {
			dir = "DESC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", quote(q.SortBy), dir)
	}
	if q.Limit > 0 {
		b.WriteString(" LIMIT " + arg(q.Limit))
	}
	return b.String(), args
}

// sqlStore implements Storage over database/sql for any dialect.
type sqlStore struct {
	db *sql.DB
	d  dialect

	mu      sync.Mutex
	present map[string][]string
}

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{db: db, d: d, present: make(map[string][]string)}
}

func (s *sqlStore) Tables(ctx context.Context) ([]string, error) {
	return s.queryStrings(ctx, s.d.tablesQuery)
}

func (s *sqlStore) Columns(ctx context.Context, table string) ([]string, error) {
	return s.queryStrings(ctx, s.d.columnsQuery, table)
}

func (s *sqlStore) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s catalog: %w", s.d.name, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan catalog row: %w", err)
		}
		out = append(out, name)
	}
	return out, rows.Err()
}

func (s *sqlStore) EnsureSchema(ctx context.Context, t Table) ([]string, error) {
	present, err := s.Columns(ctx, t.Name)
	if err != nil {
		return nil, err
	}

	if len(present) == 0 {
		if _, err := s.db.ExecContext(ctx, s.d.createTable(t)); err != nil {
			return nil, fmt.Errorf("failed to create table %s: %w", t.Name, err)
		}
		if t.HasColumn(ColPubTimestamp) {
			if _, err := s.db.ExecContext(ctx, s.d.createPubIndex(t)); err != nil {
				return nil, fmt.Errorf("failed to create index on %s: %w", t.Name, err)
			}
		}
		s.remember(t.Name, t.ColumnNames())
		return nil, nil
	}

	keyed, err := s.hasKey(ctx, t)
	if err != nil {
		return nil, err
	}
	if !keyed {
		return nil, apperr.Validation("table %s has no unique key on (%s); run migrate-key to rebuild it",
			t.Name, strings.Join(t.Key, ", "))
	}

	s.remember(t.Name, present)
	return t.Missing(present), nil
}

// hasKey reports whether a unique index or constraint of the table covers
// exactly its key columns, which the upsert conflict target needs.
func (s *sqlStore) hasKey(ctx context.Context, t Table) (bool, error) {
	rows, err := s.db.QueryContext(ctx, s.d.keyQuery, t.Name)
	if err != nil {
		return false, fmt.Errorf("failed to query %s keys: %w", s.d.name, err)
	}
	defer rows.Close()

	indexes := make(map[string][]string)
	for rows.Next() {
		var index, column string
		if err := rows.Scan(&index, &column); err != nil {
			return false, fmt.Errorf("failed to scan key row: %w", err)
		}
		indexes[index] = append(indexes[index], column)
	}
	if err := rows.Err(); err != nil {
		return false, err
	}

	want := slices.Sorted(slices.Values(t.Key))
	for _, cols := range indexes {
		slices.Sort(cols)
		if slices.Equal(cols, want) {
			return true, nil
		}
	}
	return false, nil
}

// KeyMigration summarizes a MigrateKey pass.
type KeyMigration struct {
	Table        string
	AlreadyKeyed bool
	Rows         int // rows read from the unkeyed table
	Kept         int // rows left after deduplication
	Skipped      int // rows with an empty key column
}

// MigrateKey rebuilds a table that was created without its key. Rows are
// replayed in fetch order through the upsert, so the latest observation of
// each key wins. Declared columns the old table lacked are added empty.
func (s *sqlStore) MigrateKey(ctx context.Context, t Table) (KeyMigration, error) {
	res := KeyMigration{Table: t.Name}
	op := "migrate key of " + t.Name

	present, err := s.Columns(ctx, t.Name)
	if err != nil {
		return res, err
	}
	if len(present) == 0 {
		return res, apperr.Validation("table %s does not exist", t.Name)
	}
	for _, k := range t.Key {
		if !slices.Contains(present, k) {
			return res, apperr.Validation("table %s has no %s column", t.Name, k)
		}
	}
	keyed, err := s.hasKey(ctx, t)
	if err != nil {
		return res, err
	}
	if keyed {
		res.AlreadyKeyed = true
		return res, nil
	}

	var cols []string
	for _, c := range t.Columns {
		if slices.Contains(present, c.Name) {
			cols = append(cols, c.Name)
		}
	}
	old := t.Name + "_unkeyed"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return res, apperr.Persistence(op, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s RENAME TO %s", quote(t.Name), quote(old))); err != nil {
		return res, apperr.Persistence(op, err)
	}
	if _, err := tx.ExecContext(ctx, s.d.createTable(t)); err != nil {
		return res, apperr.Persistence(op, err)
	}

	query := fmt.Sprintf("SELECT %s FROM %s", strings.Join(quoteAll(cols), ", "), quote(old))
	if slices.Contains(cols, ColFetchTimestamp) {
		query += " ORDER BY " + quote(ColFetchTimestamp)
	}
	records, err := scanRecords(ctx, tx, query, len(cols))
	if err != nil {
		return res, apperr.Persistence(op, err)
	}
	res.Rows = len(records)

	stmt, err := tx.PrepareContext(ctx, s.d.upsert(t, cols))
	if err != nil {
		return res, apperr.Persistence(op, err)
	}
	defer stmt.Close()

	for _, rec := range records {
		if !hasKeyValues(t, cols, rec) {
			res.Skipped++
			continue
		}
		if _, err := stmt.ExecContext(ctx, rec...); err != nil {
			return res, apperr.Persistence(op, err)
		}
	}

	if _, err := tx.ExecContext(ctx, "DROP TABLE "+quote(old)); err != nil {
		return res, apperr.Persistence(op, err)
	}
	if t.HasColumn(ColPubTimestamp) {
		if _, err := tx.ExecContext(ctx, s.d.createPubIndex(t)); err != nil {
			return res, apperr.Persistence(op, err)
		}
	}
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+quote(t.Name)).Scan(&res.Kept); err != nil {
		return res, apperr.Persistence(op, err)
	}
	if err := tx.Commit(); err != nil {
		return res, apperr.Persistence(op, err)
	}

	s.remember(t.Name, t.ColumnNames())
	return res, nil
}

// scanRecords buffers every row of query as driver values. Text arrives as
// string so it binds back as text on every driver.
func scanRecords(ctx context.Context, tx *sql.Tx, query string, width int) ([][]any, error) {
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out [][]any
	for rows.Next() {
		rec := make([]any, width)
		dest := make([]any, width)
		for i := range rec {
			dest[i] = &rec[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		for i, v := range rec {
			if b, ok := v.([]byte); ok {
				rec[i] = string(b)
			}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func hasKeyValues(t Table, cols []string, rec []any) bool {
	for i, c := range cols {
		if !slices.Contains(t.Key, c) {
			continue
		}
		if rec[i] == nil || rec[i] == "" {
			return false
		}
	}
	return true
}

func (s *sqlStore) EnsureColumn(ctx context.Context, t Table, column string) error {
	if !t.HasColumn(column) {
		return apperr.Validation("column %s is not part of table %s", column, t.Name)
	}
	present, err := s.Columns(ctx, t.Name)
	if err != nil {
		return err
	}
	if len(present) == 0 {
		return apperr.Validation("table %s does not exist", t.Name)
	}
	if !slices.Contains(present, column) {
		if _, err := s.db.ExecContext(ctx, s.d.addColumn(t, t.column(column))); err != nil {
			return fmt.Errorf("failed to add column %s.%s: %w", t.Name, column, err)
		}
		present = append(present, column)
	}
	s.remember(t.Name, present)
	return nil
}

func (s *sqlStore) remember(table string, cols []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.present[table] = slices.Clone(cols)
}

// writableColumns returns the declared columns that exist in the table, in
// declaration order.
func (s *sqlStore) writableColumns(ctx context.Context, t Table) ([]string, error) {
	s.mu.Lock()
	present, ok := s.present[t.Name]
	s.mu.Unlock()

	if !ok {
		var err error
		present, err = s.Columns(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		if len(present) == 0 {
			return nil, apperr.Validation("table %s does not exist", t.Name)
		}
		s.remember(t.Name, present)
	}

	var cols []string
	for _, c := range t.Columns {
		if slices.Contains(present, c.Name) {
			cols = append(cols, c.Name)
		}
	}
	return cols, nil
}

func (s *sqlStore) Upsert(ctx context.Context, t Table, v models.Video) error {
	op := "upsert " + t.Name
	cols, err := s.writableColumns(ctx, t)
	if err != nil {
		return apperr.Persistence(op, err)
	}

	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = videoValue(&v, c)
	}

	if _, err := s.db.ExecContext(ctx, s.d.upsert(t, cols), args...); err != nil {
		return apperr.Persistence(op, fmt.Errorf("bvid %s: %w", v.BVID, err))
	}
	return nil
}

func (s *sqlStore) ReadAll(ctx context.Context, t Table, q Query) ([]models.Video, error) {
	cols, err := s.writableColumns(ctx, t)
	if err != nil {
		return nil, err
	}
	q = q.normalized(t)

	query, args := s.d.selectRows(t, cols, q)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", t.Name, err)
	}
	defer rows.Close()

	var videos []models.Video
	for rows.Next() {
		dest := make([]any, len(cols))
		for i, c := range cols {
			if t.column(c).Kind == Integer {
				dest[i] = new(sql.NullInt64)
			} else {
				dest[i] = new(sql.NullString)
			}
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", t.Name, err)
		}

		var v models.Video
		for i, c := range cols {
			switch d := dest[i].(type) {
			case *sql.NullInt64:
				setVideoInt(&v, c, *d)
			case *sql.NullString:
				setVideoText(&v, c, *d)
			}
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

func (s *sqlStore) CreatorIDs(ctx context.Context, t Table, onlyMissing bool) ([]int64, error) {
	cols, err := s.writableColumns(ctx, t)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf("SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL",
		quote(ColUpID), quote(t.Name), quote(ColUpID))
	if onlyMissing && slices.Contains(cols, ColFollower) {
		query += " AND " + quote(ColFollower) + " IS NULL"
	}
	query += " ORDER BY " + quote(ColUpID)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list creators in %s: %w", t.Name, err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan creator id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *sqlStore) UpdateFollowers(ctx context.Context, t Table, followers map[int64]int64) error {
	if len(followers) == 0 {
		return nil
	}
	op := "update followers in " + t.Name

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return apperr.Persistence(op, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf("UPDATE %s SET %s = %s WHERE %s = %s",
		quote(t.Name), quote(ColFollower), s.d.placeholder(1), quote(ColUpID), s.d.placeholder(2)))
	if err != nil {
		return apperr.Persistence(op, err)
	}
	defer stmt.Close()

	ids := make([]int64, 0, len(followers))
	for id := range followers {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, followers[id], id); err != nil {
			return apperr.Persistence(op, fmt.Errorf("up_id %d: %w", id, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return apperr.Persistence(op, err)
	}
	return nil
}

func (s *sqlStore) SaveRun(ctx context.Context, run models.CrawlRun) error {
	if _, err := s.db.ExecContext(ctx, s.d.createTable(RunsTable)); err != nil {
		return fmt.Errorf("failed to create table %s: %w", RunsTable.Name, err)
	}

	cols := RunsTable.ColumnNames()
	args := []any{
		run.ID,
		int64(run.RegionID),
		unixMilli(run.StartedAt),
		unixMilli(run.FinishedAt),
		run.Status,
		run.StopReason,
		int64(run.Pages),
		int64(run.Items),
		int64(run.Classified),
		int64(run.ItemFailures),
		int64(run.FetchFailures),
		run.ErrorMessage,
	}
	if _, err := s.db.ExecContext(ctx, s.d.upsert(RunsTable, cols), args...); err != nil {
		return apperr.Persistence("save crawl run", err)
	}
	return nil
}

func (s *sqlStore) LastRun(ctx context.Context) (*models.CrawlRun, error) {
	present, err := s.Columns(ctx, RunsTable.Name)
	if err != nil {
		return nil, err
	}
	if len(present) == 0 {
		return &models.CrawlRun{Status: models.RunNever}, nil
	}

	query := fmt.Sprintf("SELECT %s FROM %s ORDER BY %s DESC LIMIT 1",
		strings.Join(quoteAll(RunsTable.ColumnNames()), ", "), quote(RunsTable.Name), quote("started_at"))

	var (
		run                              models.CrawlRun
		region, pages, items, classified int64
		itemFailures, fetchFailures      int64
		started, finished                int64
	)
	err = s.db.QueryRowContext(ctx, query).Scan(
		&run.ID, &region, &started, &finished, &run.Status, &run.StopReason,
		&pages, &items, &classified, &itemFailures, &fetchFailures, &run.ErrorMessage,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return &models.CrawlRun{Status: models.RunNever}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get last crawl run: %w", err)
	}

	run.RegionID = int(region)
	run.StartedAt = fromUnixMilli(started)
	run.FinishedAt = fromUnixMilli(finished)
	run.Pages = int(pages)
	run.Items = int(items)
	run.Classified = int(classified)
	run.ItemFailures = int(itemFailures)
	run.FetchFailures = int(fetchFailures)
	return &run, nil
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
