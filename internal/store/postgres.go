package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// PostgresStore is the production adapter. Its schema is owned by the
// embedded migrations (see ApplyMigrations).
type PostgresStore struct {
	sqlStore
	dsn string
}

var postgresDialect = dialect{
	name:           "postgres",
	numberedParams: true,
	isConstraint: func(err error) bool {
		var pqErr *pq.Error
		// class 23: integrity constraint violation
		return errors.As(err, &pqErr) && pqErr.Code.Class() == "23"
	},
	isConnectionFailed: func(err error) bool {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			// class 08: connection exception, 57P: operator intervention (shutdown)
			return pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57"
		}
		return false
	},
}

// PoolOptions bounds the connection pool. Connections are checked out per
// statement or transaction and always returned by database/sql.
type PoolOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

func NewPostgresStore(ctx context.Context, dsn string, pool PoolOptions, log zerolog.Logger) (*PostgresStore, error) {
	d, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return newPostgresStore(ctx, d, dsn, pool, log)
}

func newPostgresStore(ctx context.Context, d *sql.DB, dsn string, pool PoolOptions, log zerolog.Logger) (*PostgresStore, error) {
	if pool.MaxOpenConns > 0 {
		d.SetMaxOpenConns(pool.MaxOpenConns)
	}
	if pool.MaxIdleConns > 0 {
		d.SetMaxIdleConns(pool.MaxIdleConns)
	}
	d.SetConnMaxIdleTime(5 * time.Minute)

	p := &PostgresStore{
		sqlStore: sqlStore{db: d, dialect: postgresDialect, log: log, now: time.Now},
		dsn:      dsn,
	}
	// rely on migrations to create tables; just verify connectivity
	if err := p.Ping(ctx); err != nil {
		d.Close()
		return nil, err
	}
	return p, nil
}
