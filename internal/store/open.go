package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
)

type Options struct {
	Adapter     string // postgres, sqlite or memory
	PostgresDSN string
	SQLiteFile  string
	Pool        PoolOptions
	Migrate     bool // apply Postgres migrations before connecting
}

// Open selects and connects the configured adapter. Any failure here is
// meant to abort startup.
func Open(ctx context.Context, opts Options, log zerolog.Logger) (Store, error) {
	switch opts.Adapter {
	case "postgres":
		if opts.Migrate {
			log.Info().Msg("applying database migrations")
			if err := ApplyMigrations(opts.PostgresDSN, log); err != nil {
				return nil, fmt.Errorf("migrations: %w", err)
			}
		}
		p, err := NewPostgresStore(ctx, opts.PostgresDSN, opts.Pool, log)
		if err != nil {
			return nil, fmt.Errorf("postgres init: %w", err)
		}
		log.Info().Msg("connected to PostgreSQL database")
		return p, nil
	case "sqlite":
		if !strings.HasPrefix(opts.SQLiteFile, "file:") {
			if dir := filepath.Dir(opts.SQLiteFile); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return nil, fmt.Errorf("sqlite init: %w", err)
				}
			}
		}
		s, err := NewSQLiteStore(ctx, opts.SQLiteFile, log)
		if err != nil {
			return nil, fmt.Errorf("sqlite init: %w", err)
		}
		log.Info().Str("file", opts.SQLiteFile).Msg("opened SQLite database")
		return s, nil
	case "memory":
		log.Warn().Msg("using in-memory database (not recommended for production)")
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unsupported adapter: %s (supported: postgres, sqlite, memory)", opts.Adapter)
	}
}
