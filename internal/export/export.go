// Package export reads filtered slices of the store and reshapes them into
// spreadsheet reports.
package export

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/cyderes/bili-ingest/internal/apperr"
	"github.com/cyderes/bili-ingest/internal/logging"
	"github.com/cyderes/bili-ingest/internal/storage"
)

// Options selects the rows of a report.
type Options struct {
	Table  string // empty picks the first known table present
	Start  string // YYYY-MM-DD or YYYY-MM-DD HH:MM:SS
	End    string
	Type   string
	SortBy string
	Desc   bool
	Limit  int
}

// Report is a rendered table ready to write.
type Report struct {
	Table  string
	Header []string
	Rows   [][]any
}

// Empty reports whether the report has no data rows.
func (r Report) Empty() bool {
	return len(r.Rows) == 0
}

// Exporter builds reports from a store.
type Exporter struct {
	store  storage.Storage
	loc    *time.Location
	logger *log.Logger
}

// NewExporter creates an exporter rendering dates in loc (UTC when nil).
func NewExporter(store storage.Storage, loc *time.Location, logger *log.Logger) *Exporter {
	if loc == nil {
		loc = time.UTC
	}
	return &Exporter{store: store, loc: loc, logger: logging.OrDiscard(logger).WithPrefix("export")}
}

var inputLayouts = []string{time.DateTime, time.DateOnly}

// ParseTime accepts YYYY-MM-DD or YYYY-MM-DD HH:MM:SS in loc.
func ParseTime(s string, loc *time.Location) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range inputLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, apperr.Validation("invalid time %q (use YYYY-MM-DD or YYYY-MM-DD HH:MM:SS)", s)
}

// Resolve validates opts against the store and returns the table and query
// to read. Unknown sort columns and type filters on tables without a type
// column are dropped with a warning.
func (e *Exporter) Resolve(ctx context.Context, opts Options) (storage.Table, storage.Query, error) {
	tables, err := e.store.Tables(ctx)
	if err != nil {
		return storage.Table{}, storage.Query{}, err
	}

	table, err := pickTable(opts.Table, tables)
	if err != nil {
		return storage.Table{}, storage.Query{}, err
	}

	columns, err := e.store.Columns(ctx, table.Name)
	if err != nil {
		return storage.Table{}, storage.Query{}, err
	}

	q := storage.Query{Desc: opts.Desc, Limit: opts.Limit}

	if opts.Start != "" {
		t, err := ParseTime(opts.Start, e.loc)
		if err != nil {
			return storage.Table{}, storage.Query{}, err
		}
		from := t.Unix()
		q.From = &from
	}
	if opts.End != "" {
		t, err := ParseTime(opts.End, e.loc)
		if err != nil {
			return storage.Table{}, storage.Query{}, err
		}
		to := t.Unix()
		q.To = &to
	}
	if q.From != nil && q.To != nil && *q.From > *q.To {
		e.logger.Warn("start is after end, swapping", "start", opts.Start, "end", opts.End)
		q.From, q.To = q.To, q.From
	}

	if opts.SortBy != "" {
		if slices.Contains(columns, opts.SortBy) && table.HasColumn(opts.SortBy) {
			q.SortBy = opts.SortBy
		} else {
			e.logger.Warn("sort column does not exist, ignoring sort", "column", opts.SortBy, "table", table.Name)
		}
	}

	if opts.Type != "" {
		if slices.Contains(columns, storage.ColType) {
			q.Type = opts.Type
		} else {
			e.logger.Warn("table has no type column, ignoring type filter", "table", table.Name)
		}
	}

	return table, q, nil
}

func pickTable(name string, present []string) (storage.Table, error) {
	if len(present) == 0 {
		return storage.Table{}, apperr.Validation("database has no tables")
	}

	if name != "" {
		if !slices.Contains(present, name) {
			return storage.Table{}, apperr.Validation("table %s does not exist; available tables: %s", name, strings.Join(present, ", "))
		}
		t, ok := storage.TableByName(name)
		if !ok {
			return storage.Table{}, apperr.Validation("table %s cannot be exported; known tables: %s, %s",
				name, storage.VideosTableName, storage.TypesTableName)
		}
		return t, nil
	}

	for _, t := range storage.ItemTables {
		if slices.Contains(present, t.Name) {
			return t, nil
		}
	}
	return storage.Table{}, apperr.Validation("no exportable table found; available tables: %s", strings.Join(present, ", "))
}

// Build reads the selected rows and renders them in the table's layout.
func (e *Exporter) Build(ctx context.Context, opts Options) (Report, error) {
	table, q, err := e.Resolve(ctx, opts)
	if err != nil {
		return Report{}, err
	}

	videos, err := e.store.ReadAll(ctx, table, q)
	if err != nil {
		return Report{}, err
	}
	e.logger.Info("rows selected", "table", table.Name, "rows", len(videos))

	fields := layouts[table.Name]
	report := Report{Table: table.Name, Header: Headers(table.Name), Rows: make([][]any, 0, len(videos))}
	for i := range videos {
		row := make([]any, len(fields))
		for j, f := range fields {
			row[j] = f.Value(&videos[i], e.loc)
		}
		report.Rows = append(report.Rows, row)
	}
	return report, nil
}
