package registry

import (
	"context"
	"testing"

	"github.com/example/crafteriauth/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*Registry, *store.MemoryStore) {
	t.Helper()
	s := store.NewMemoryStore()
	return New(s, zerolog.Nop()), s
}

func TestRegisterService(t *testing.T) {
	ctx := context.Background()
	r, s := newTestRegistry(t)

	reg, err := r.RegisterService(ctx, "Shop", "Shop.Example.com")
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", reg.Service.Domain)
	assert.True(t, reg.Service.Active)
	assert.Len(t, reg.APIKey, 64)
	assert.Len(t, reg.Service.ClientID, 36)

	// only the digest is stored
	stored, err := s.GetServiceByDomain(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.NotEqual(t, reg.APIKey, stored.SecretHash)
	assert.Equal(t, HashAPIKey(reg.APIKey), stored.SecretHash)
}

func TestRegisterService_DuplicateDomain(t *testing.T) {
	ctx := context.Background()
	r, s := newTestRegistry(t)

	first, err := r.RegisterService(ctx, "Shop", "shop.example.com")
	require.NoError(t, err)

	_, err = r.RegisterService(ctx, "Imposter", "https://SHOP.example.com/whatever")
	require.ErrorIs(t, err, ErrDomainTaken)

	stored, err := s.GetServiceByDomain(ctx, "shop.example.com")
	require.NoError(t, err)
	assert.Equal(t, "Shop", stored.Name)
	assert.Equal(t, first.Service.ClientID, stored.ClientID)

	svc, err := r.AuthorizeAPIKey(ctx, first.APIKey)
	require.NoError(t, err)
	assert.Equal(t, first.Service.ID, svc.ID)
}

// blindStore hides existing services from the pre-check, as a concurrent
// registration would.
type blindStore struct {
	*store.MemoryStore
	hidden bool
}

func (b *blindStore) GetServiceByDomain(ctx context.Context, domain string) (*store.Service, error) {
	if b.hidden {
		b.hidden = false
		return nil, store.ErrNotFound
	}
	return b.MemoryStore.GetServiceByDomain(ctx, domain)
}

func TestRegisterService_ConstraintIsDomainTaken(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()
	_, err := New(mem, zerolog.Nop()).RegisterService(ctx, "Shop", "shop.example.com")
	require.NoError(t, err)

	r := New(&blindStore{MemoryStore: mem, hidden: true}, zerolog.Nop())
	_, err = r.RegisterService(ctx, "Shop 2", "shop.example.com")
	assert.ErrorIs(t, err, ErrDomainTaken)
}

func TestRegisterService_InvalidInput(t *testing.T) {
	r, _ := newTestRegistry(t)
	for _, tc := range []struct{ name, domain string }{
		{"", "a.example.com"},
		{"A", ""},
		{"  ", "a.example.com"},
	} {
		_, err := r.RegisterService(context.Background(), tc.name, tc.domain)
		assert.ErrorIs(t, err, ErrInvalidInput, "%+v", tc)
	}
	_, err := r.RegisterService(context.Background(), "A", "user@host")
	assert.ErrorIs(t, err, ErrInvalidDomain)
}

func TestRegisterService_KeysAreDistinct(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	a, err := r.RegisterService(ctx, "A", "a.example.com")
	require.NoError(t, err)
	b, err := r.RegisterService(ctx, "B", "b.example.com")
	require.NoError(t, err)
	assert.NotEqual(t, a.APIKey, b.APIKey)
	assert.NotEqual(t, a.Service.ClientID, b.Service.ClientID)
}

func TestAuthorizeAPIKey(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	reg, err := r.RegisterService(ctx, "Shop", "shop.example.com")
	require.NoError(t, err)

	_, err = r.AuthorizeAPIKey(ctx, "")
	assert.ErrorIs(t, err, ErrMissingKey)

	_, err = r.AuthorizeAPIKey(ctx, "deadbeef")
	assert.ErrorIs(t, err, ErrUnauthorized)

	// the stored digest is not itself a usable key
	_, err = r.AuthorizeAPIKey(ctx, HashAPIKey(reg.APIKey))
	assert.ErrorIs(t, err, ErrUnauthorized)

	svc, err := r.AuthorizeAPIKey(ctx, reg.APIKey)
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", svc.Domain)

	_, err = r.SetActive(ctx, "shop.example.com", false)
	require.NoError(t, err)
	_, err = r.AuthorizeAPIKey(ctx, reg.APIKey)
	assert.ErrorIs(t, err, ErrInactiveService)

	_, err = r.SetActive(ctx, "shop.example.com", true)
	require.NoError(t, err)
	_, err = r.AuthorizeAPIKey(ctx, reg.APIKey)
	assert.NoError(t, err)
}

func TestSetActive_Unknown(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.SetActive(context.Background(), "nope.example.com", false)
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestList(t *testing.T) {
	ctx := context.Background()
	r, _ := newTestRegistry(t)
	_, err := r.RegisterService(ctx, "A", "a.example.com")
	require.NoError(t, err)
	_, err = r.RegisterService(ctx, "B", "b.example.com")
	require.NoError(t, err)

	list, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "a.example.com", list[0].Domain)
}

func TestNormalizeDomain(t *testing.T) {
	for in, want := range map[string]string{
		"Example.COM":                    "example.com",
		"  app.example.com  ":            "app.example.com",
		"https://app.example.com/cb?x=1": "app.example.com",
		"localhost:8081":                 "localhost:8081",
		"app.example.com/path":           "app.example.com",
	} {
		got, err := NormalizeDomain(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"", ":8080", "user@example.com"} {
		_, err := NormalizeDomain(bad)
		assert.Error(t, err, bad)
	}
}
