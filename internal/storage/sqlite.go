package storage

import (
	"database/sql"
	"fmt"
	"net/url"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStorage implements Storage on a single SQLite file
type SQLiteStorage struct {
	*sqlStore
	path string
}

// NewSQLiteStorage opens (or creates) the database file at path. Tables are
// created by EnsureSchema, not here.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	connStr := sqliteDSN(path)
	if path == ":memory:" {
		connStr = "file::memory:?cache=shared"
	}

	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database %s: %w", path, err)
	}

	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite database %s: %w", path, err)
	}

	if path != ":memory:" {
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
	}

	return &SQLiteStorage{sqlStore: newSQLStore(db, sqliteDialect), path: path}, nil
}

// uriPath escapes the characters that end or encode the path part of an
// SQLite URI filename.
var uriPath = strings.NewReplacer("%", "%25", "?", "%3F", "#", "%23")

// sqliteDSN builds a URI filename for path; SQLite decodes the escapes
// before opening the file.
func sqliteDSN(path string) string {
	u := url.URL{
		Scheme:   "file",
		Opaque:   uriPath.Replace(path),
		RawQuery: url.Values{"_pragma": {"busy_timeout(5000)"}}.Encode(),
	}
	return u.String()
}

// Path returns the database file path.
func (s *SQLiteStorage) Path() string {
	return s.path
}
