package identity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/example/crafteriauth/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestManager(t *testing.T) (*Manager, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return NewManager(s, BcryptHasher{Cost: bcrypt.MinCost}, zerolog.Nop()), s
}

func TestSignupThenLogin(t *testing.T) {
	ctx := context.Background()
	m, s := newTestManager(t)

	created, err := m.Register(ctx, "alice", "alice@x.com", "pw1")
	require.NoError(t, err)
	assert.Equal(t, "alice", created.Username)
	assert.Equal(t, "alice@x.com", created.Email)

	got, err := m.Authenticate(ctx, "alice@x.com", "pw1")
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)

	u, err := s.GetUserByID(ctx, created.ID)
	require.NoError(t, err)
	assert.NotNil(t, u.LastLogin)
	assert.NotEqual(t, "pw1", u.PasswordHash)
}

func TestAuthenticate_FailuresAreIndistinguishable(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	_, err := m.Register(ctx, "alice", "alice@x.com", "pw1")
	require.NoError(t, err)

	_, wrongPassword := m.Authenticate(ctx, "alice@x.com", "wrong")
	_, unknownUser := m.Authenticate(ctx, "nobody@x.com", "pw1")

	require.ErrorIs(t, wrongPassword, ErrInvalidCredentials)
	require.ErrorIs(t, unknownUser, ErrInvalidCredentials)
	assert.Equal(t, wrongPassword.Error(), unknownUser.Error())
}

func TestAuthenticate_NormalizesEmail(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	_, err := m.Register(ctx, "bob", " Bob@X.com ", "pw")
	require.NoError(t, err)

	id, err := m.Authenticate(ctx, "BOB@x.COM", "pw")
	require.NoError(t, err)
	assert.Equal(t, "bob@x.com", id.Email)
}

func TestRegister_EmailTaken(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	first, err := m.Register(ctx, "alice", "alice@x.com", "pw1")
	require.NoError(t, err)

	_, err = m.Register(ctx, "alice2", "alice@x.com", "pw2")
	require.ErrorIs(t, err, ErrEmailTaken)

	// the original account still answers to its own password
	got, err := m.Authenticate(ctx, "alice@x.com", "pw1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestRegister_InvalidInput(t *testing.T) {
	m, _ := newTestManager(t)
	cases := []struct{ username, email, password string }{
		{"", "a@x.com", "pw"},
		{"a", "", "pw"},
		{"a", "a@x.com", ""},
		{"a", "not-an-email", "pw"},
	}
	for _, tc := range cases {
		_, err := m.Register(context.Background(), tc.username, tc.email, tc.password)
		assert.ErrorIs(t, err, ErrInvalidInput, "%+v", tc)
	}
}

// racyStore hides existing users from the pre-check so the insert hits the
// unique constraint, as a concurrent signup would.
type racyStore struct {
	*store.MemoryStore
}

func (r racyStore) GetUserByEmail(context.Context, string) (*store.User, error) {
	return nil, store.ErrNotFound
}

func TestRegister_ConstraintViolationIsEmailTaken(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	_, err := mem.CreateUser(ctx, "alice", "alice@x.com", "digest")
	require.NoError(t, err)

	m := NewManager(racyStore{mem}, BcryptHasher{Cost: bcrypt.MinCost}, zerolog.Nop())
	_, err = m.Register(ctx, "alice", "alice@x.com", "pw")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

type failingStore struct {
	*store.MemoryStore
	createErr error
	loginErr  error
}

func (f failingStore) CreateUser(ctx context.Context, username, email, hash string) (*store.User, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.MemoryStore.CreateUser(ctx, username, email, hash)
}

func (f failingStore) UpdateLastLogin(ctx context.Context, id int64, at time.Time) error {
	if f.loginErr != nil {
		return f.loginErr
	}
	return f.MemoryStore.UpdateLastLogin(ctx, id, at)
}

func TestRegister_PersistFailure(t *testing.T) {
	storageErr := &store.StorageError{Kind: store.ConnectionFailure, Op: "create_user", Err: errors.New("down")}
	m := NewManager(failingStore{MemoryStore: store.NewMemoryStore(), createErr: storageErr}, BcryptHasher{Cost: bcrypt.MinCost}, zerolog.Nop())

	_, err := m.Register(context.Background(), "a", "a@x.com", "pw")
	require.ErrorIs(t, err, ErrPersistFailure)
	assert.NotErrorIs(t, err, ErrEmailTaken)
}

func TestAuthenticate_LastLoginFailurePropagates(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	seed := NewManager(mem, BcryptHasher{Cost: bcrypt.MinCost}, zerolog.Nop())
	_, err := seed.Register(ctx, "a", "a@x.com", "pw")
	require.NoError(t, err)

	m := NewManager(failingStore{MemoryStore: mem, loginErr: errors.New("write failed")}, BcryptHasher{Cost: bcrypt.MinCost}, zerolog.Nop())
	_, err = m.Authenticate(ctx, "a@x.com", "pw")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrInvalidCredentials)
}

func TestLookup(t *testing.T) {
	ctx := context.Background()
	m, _ := newTestManager(t)
	id, err := m.Register(ctx, "carol", "carol@x.com", "pw")
	require.NoError(t, err)

	got, err := m.Lookup(ctx, id.ID)
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = m.Lookup(ctx, 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBcryptHasher(t *testing.T) {
	h := BcryptHasher{Cost: bcrypt.MinCost}
	d, err := h.Hash("secret")
	require.NoError(t, err)
	assert.True(t, h.Verify(d, "secret"))
	assert.False(t, h.Verify(d, "other"))
	assert.False(t, h.Verify("", "secret"))
}
