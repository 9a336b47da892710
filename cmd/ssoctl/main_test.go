package main

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/example/crafteriauth/internal/config"
	"github.com/example/crafteriauth/internal/registry"
	"github.com/example/crafteriauth/internal/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nopCloser keeps the shared memory store usable across commands.
type nopCloser struct{ *store.MemoryStore }

func (nopCloser) Close() error { return nil }

func newTestCLI(adapter string) (*cli, *store.MemoryStore, *bytes.Buffer) {
	mem := store.NewMemoryStore()
	out := &bytes.Buffer{}
	c := &cli{
		cfg: &config.Config{DBAdapter: adapter},
		out: out,
		log: zerolog.Nop(),
		open: func(context.Context) (store.Store, error) {
			return nopCloser{mem}, nil
		},
	}
	return c, mem, out
}

func TestServiceCommands(t *testing.T) {
	c, mem, out := newTestCLI("memory")
	ctx := context.Background()

	require.NoError(t, c.run(ctx, []string{"service", "register", "--name", "Shop", "--domain", "Shop.Example.com"}))
	assert.Contains(t, out.String(), "registered Shop (shop.example.com)")

	var key string
	for _, line := range strings.Split(out.String(), "\n") {
		if strings.HasPrefix(line, "api key:") {
			key = strings.TrimSpace(strings.TrimPrefix(line, "api key:"))
		}
	}
	require.Len(t, key, 64)
	svc, err := registry.New(mem, zerolog.Nop()).AuthorizeAPIKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", svc.Domain)

	out.Reset()
	require.NoError(t, c.run(ctx, []string{"service", "deactivate", "--domain", "shop.example.com"}))
	assert.Equal(t, "shop.example.com active=false\n", out.String())

	out.Reset()
	require.NoError(t, c.run(ctx, []string{"service", "list"}))
	assert.Contains(t, out.String(), "DOMAIN")
	assert.Contains(t, out.String(), "shop.example.com")
	assert.Contains(t, out.String(), "false")
	assert.NotContains(t, out.String(), key)

	err = c.run(ctx, []string{"service", "register", "--name", "Again", "--domain", "shop.example.com"})
	assert.ErrorIs(t, err, registry.ErrDomainTaken)
}

func TestServiceCommands_Usage(t *testing.T) {
	c, _, _ := newTestCLI("memory")
	ctx := context.Background()

	for _, args := range [][]string{
		{},
		{"bogus"},
		{"service"},
		{"service", "register", "--name", "x"},
		{"service", "activate"},
		{"service", "register", "--unknown-flag"},
		{"migrate"},
	} {
		assert.ErrorIs(t, c.run(ctx, args), errUsage, "%v", args)
	}
}

func TestSweep(t *testing.T) {
	c, mem, out := newTestCLI("memory")
	ctx := context.Background()

	u, err := mem.CreateUser(ctx, "a", "a@x.com", "d")
	require.NoError(t, err)
	_, err = mem.CreateToken(ctx, &store.Token{UserID: u.ID, Value: "old", ExpiresAt: time.Now().Add(-time.Hour)})
	require.NoError(t, err)
	_, err = mem.CreateToken(ctx, &store.Token{UserID: u.ID, Value: "live", ExpiresAt: time.Now().Add(time.Hour)})
	require.NoError(t, err)

	require.NoError(t, c.run(ctx, []string{"sweep"}))
	assert.Equal(t, "deleted 1 expired tokens\n", out.String())
}

func TestMigrate_RequiresPostgres(t *testing.T) {
	c, _, _ := newTestCLI("sqlite")
	err := c.run(context.Background(), []string{"migrate", "up"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PostgreSQL")
}

func TestOpenStore_LogsAdapter(t *testing.T) {
	var logs bytes.Buffer
	c := &cli{
		cfg: &config.Config{DBAdapter: "memory"},
		out: &bytes.Buffer{},
		log: zerolog.New(&logs),
	}
	s, err := c.openStore(context.Background())
	require.NoError(t, err)
	defer s.Close()

	assert.Contains(t, logs.String(), `"adapter":"memory"`)
	assert.Contains(t, logs.String(), "using in-memory database")
}
