package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// SQLiteStore is the single-node adapter. The schema is created on open.
type SQLiteStore struct {
	sqlStore
	path string
}

var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		username VARCHAR(50) NOT NULL,
		email VARCHAR(100) NOT NULL UNIQUE,
		password_hash VARCHAR(255) NOT NULL,
		created_at TIMESTAMP NOT NULL,
		last_login TIMESTAMP NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tokens (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		user_id INTEGER NOT NULL REFERENCES users(id),
		token_value TEXT NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL,
		expires_at TIMESTAMP NOT NULL,
		issued_for VARCHAR(255) NULL,
		CHECK (expires_at > created_at)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tokens_user_id ON tokens(user_id)`,
	`CREATE INDEX IF NOT EXISTS idx_tokens_expires_at ON tokens(expires_at)`,
	`CREATE TABLE IF NOT EXISTS registered_services (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		name VARCHAR(100) NOT NULL,
		domain VARCHAR(255) NOT NULL UNIQUE,
		client_id VARCHAR(36) NOT NULL UNIQUE,
		client_secret VARCHAR(64) NOT NULL UNIQUE,
		created_at TIMESTAMP NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1
	)`,
}

var sqliteDialect = dialect{
	name: "sqlite",
	isConstraint: func(err error) bool {
		var se *sqlite.Error
		if errors.As(err, &se) {
			return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
		}
		return false
	},
	isConnectionFailed: func(err error) bool {
		var se *sqlite.Error
		if errors.As(err, &se) {
			switch se.Code() & 0xff {
			case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_IOERR:
				return true
			}
		}
		return false
	},
}

// NewSQLiteStore opens (creating if needed) the database at path. path may be
// a file name or a "file:" URI such as "file:test?mode=memory&cache=shared".
func NewSQLiteStore(ctx context.Context, path string, log zerolog.Logger) (*SQLiteStore, error) {
	d, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serialises writers; one connection avoids SQLITE_BUSY under load.
	d.SetMaxOpenConns(1)
	d.SetMaxIdleConns(1)
	d.SetConnMaxLifetime(0)

	s := &SQLiteStore{
		sqlStore: sqlStore{db: d, dialect: sqliteDialect, log: log, now: time.Now},
		path:     path,
	}
	if err := s.Init(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return s, nil
}

// sqliteDSN pins the write format for time values so TIMESTAMP columns parse
// back, and turns on foreign keys for every connection the pool opens.
func sqliteDSN(path string) string {
	var params []string
	if !strings.Contains(path, "_time_format=") {
		params = append(params, "_time_format=sqlite")
	}
	if !strings.Contains(path, "foreign_keys") {
		params = append(params, "_pragma=foreign_keys(1)")
	}
	if len(params) == 0 {
		return path
	}
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join(params, "&")
}

func (s *SQLiteStore) Init(ctx context.Context) error {
	for _, q := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
