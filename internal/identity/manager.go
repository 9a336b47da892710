// Package identity registers and authenticates end users.
package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/example/crafteriauth/internal/store"
	"github.com/rs/zerolog"
)

var (
	// ErrInvalidCredentials covers both an unknown email and a wrong password.
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrEmailTaken         = errors.New("email already exists")
	ErrPersistFailure     = errors.New("failed to create account")
	ErrInvalidInput       = errors.New("username, email and password are required")
)

const (
	maxUsernameLen = 50
	maxEmailLen    = 100
)

type Manager struct {
	store  store.Store
	hasher Hasher
	log    zerolog.Logger
	now    func() time.Time

	dummyOnce   sync.Once
	dummyDigest string
}

func NewManager(s store.Store, h Hasher, log zerolog.Logger) *Manager {
	if h == nil {
		h = BcryptHasher{}
	}
	return &Manager{store: s, hasher: h, log: log, now: time.Now}
}

// NormalizeEmail trims and lower-cases an address so lookups and the unique
// constraint agree.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Authenticate returns the public identity for a matching email and password.
// Unknown emails still pay for one digest comparison so the two failure cases
// take comparable time.
func (m *Manager) Authenticate(ctx context.Context, email, password string) (store.Identity, error) {
	email = NormalizeEmail(email)
	u, err := m.store.GetUserByEmail(ctx, email)
	switch {
	case errors.Is(err, store.ErrNotFound):
		m.hasher.Verify(m.dummy(), password)
		m.log.Warn().Msg("failed login attempt")
		return store.Identity{}, ErrInvalidCredentials
	case err != nil:
		return store.Identity{}, fmt.Errorf("authenticate: %w", err)
	}

	if !m.hasher.Verify(u.PasswordHash, password) {
		m.log.Warn().Int64("user_id", u.ID).Msg("failed login attempt")
		return store.Identity{}, ErrInvalidCredentials
	}

	if err := m.store.UpdateLastLogin(ctx, u.ID, m.now()); err != nil {
		return store.Identity{}, fmt.Errorf("update last login: %w", err)
	}
	m.log.Info().Int64("user_id", u.ID).Msg("user logged in")
	return u.Identity(), nil
}

// Register creates a user. The email pre-check gives a friendly answer in the
// common case; the storage unique constraint settles concurrent signups.
func (m *Manager) Register(ctx context.Context, username, email, password string) (store.Identity, error) {
	username = strings.TrimSpace(username)
	email = NormalizeEmail(email)
	if username == "" || email == "" || password == "" {
		return store.Identity{}, ErrInvalidInput
	}
	if len(username) > maxUsernameLen || len(email) > maxEmailLen || !strings.Contains(email, "@") {
		return store.Identity{}, ErrInvalidInput
	}

	_, err := m.store.GetUserByEmail(ctx, email)
	switch {
	case err == nil:
		m.log.Warn().Msg("signup attempt with existing email")
		return store.Identity{}, ErrEmailTaken
	case !errors.Is(err, store.ErrNotFound):
		return store.Identity{}, fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}

	digest, err := m.hasher.Hash(password)
	if err != nil {
		return store.Identity{}, fmt.Errorf("%w: hash password: %v", ErrPersistFailure, err)
	}

	u, err := m.store.CreateUser(ctx, username, email, digest)
	if err != nil {
		if store.IsConstraintViolation(err) {
			return store.Identity{}, ErrEmailTaken
		}
		m.log.Error().Err(err).Msg("failed to create user")
		return store.Identity{}, fmt.Errorf("%w: %v", ErrPersistFailure, err)
	}
	m.log.Info().Int64("user_id", u.ID).Msg("new user created")
	return u.Identity(), nil
}

// Lookup resolves a user id to its public identity.
func (m *Manager) Lookup(ctx context.Context, id int64) (store.Identity, error) {
	u, err := m.store.GetUserByID(ctx, id)
	if err != nil {
		return store.Identity{}, err
	}
	return u.Identity(), nil
}

func (m *Manager) dummy() string {
	m.dummyOnce.Do(func() {
		d, err := m.hasher.Hash("not-a-real-password")
		if err == nil {
			m.dummyDigest = d
		}
	})
	return m.dummyDigest
}
