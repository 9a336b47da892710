// Package store is the broker's credential store: users, issued tokens and
// registered relying services, with Postgres, SQLite and in-memory adapters.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract shared by all adapters. Every write is
// atomic per call. Failures other than ErrNotFound are *StorageError.
type Store interface {
	CreateUser(ctx context.Context, username, email, passwordHash string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	UpdateLastLogin(ctx context.Context, id int64, at time.Time) error

	// CreateToken persists t. The owning user must exist.
	CreateToken(ctx context.Context, t *Token) (*Token, error)
	GetTokenByValue(ctx context.Context, value string) (*Token, error)
	// DeleteToken revokes a token by removing its row.
	DeleteToken(ctx context.Context, value string) error
	// DeleteExpiredTokens removes rows whose expiry is before the given time.
	DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error)

	CreateService(ctx context.Context, s *Service) (*Service, error)
	GetServiceByDomain(ctx context.Context, domain string) (*Service, error)
	// GetServiceByAPIKey looks a service up by the digest of its API key.
	GetServiceByAPIKey(ctx context.Context, keyHash string) (*Service, error)
	SetServiceActive(ctx context.Context, domain string, active bool) (*Service, error)
	ListServices(ctx context.Context) ([]*Service, error)

	Ping(ctx context.Context) error
	Close() error
}

// Compile-time interface assertions.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// stamp normalises timestamps before they are persisted.
func stamp(t time.Time) time.Time {
	return t.UTC().Truncate(time.Second)
}
