package sso

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/example/crafteriauth/internal/registry"
	"github.com/example/crafteriauth/internal/store"
	"github.com/example/crafteriauth/internal/token"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	flow     *Flow
	store    *store.MemoryStore
	verifier *token.Verifier
	user     store.Identity
	cookies  []*http.Cookie
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemoryStore()
	reg := registry.New(s, zerolog.Nop())
	_, err := reg.RegisterService(ctx, "Shop", "shop.example.com")
	require.NoError(t, err)
	u, err := s.CreateUser(ctx, "alice", "alice@x.com", "digest")
	require.NoError(t, err)

	secret := []byte("flow-secret")
	iss := token.NewIssuer(s, secret, zerolog.Nop())
	return &harness{
		flow:     NewFlow(NewCookieStore([]byte("0123456789abcdef0123456789abcdef"), false), reg, iss, zerolog.Nop(), opts...),
		store:    s,
		verifier: token.NewVerifier(s, secret, zerolog.Nop()),
		user:     u.Identity(),
	}
}

// request builds a request carrying the cookies collected so far.
func (h *harness) request(method, target string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	for _, c := range h.cookies {
		r.AddCookie(c)
	}
	return r
}

func (h *harness) keep(w *httptest.ResponseRecorder) {
	if got := w.Result().Cookies(); len(got) > 0 {
		h.cookies = got
	}
}

func TestCaptureThenComplete_RedirectsWithToken(t *testing.T) {
	h := newHarness(t)

	w := httptest.NewRecorder()
	cb, err := h.flow.Capture(w, h.request(http.MethodGet, "/login"), "https://shop.example.com/auth/callback?state=xyz")
	require.NoError(t, err)
	require.NotNil(t, cb)
	h.keep(w)
	assert.Equal(t, "https://shop.example.com/auth/callback?state=xyz", h.flow.Pending(h.request(http.MethodGet, "/login")))

	w = httptest.NewRecorder()
	target, err := h.flow.Complete(w, h.request(http.MethodPost, "/login"), h.user)
	require.NoError(t, err)
	h.keep(w)

	u, err := url.Parse(target)
	require.NoError(t, err)
	assert.Equal(t, "shop.example.com", u.Host)
	assert.Equal(t, "/auth/callback", u.Path)
	assert.Equal(t, "xyz", u.Query().Get("state"))
	raw := u.Query().Get("token")
	require.NotEmpty(t, raw)

	res, err := h.verifier.Verify(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, h.user.ID, res.User.ID)
	assert.Equal(t, "shop.example.com", res.Audience)

	// consumed: the next login lands on the dashboard
	assert.Empty(t, h.flow.Pending(h.request(http.MethodGet, "/login")))
	w = httptest.NewRecorder()
	target, err = h.flow.Complete(w, h.request(http.MethodPost, "/login"), h.user)
	require.NoError(t, err)
	assert.Equal(t, DashboardPath, target)
}

func TestCapture_BareDomain(t *testing.T) {
	h := newHarness(t)
	w := httptest.NewRecorder()
	_, err := h.flow.Capture(w, h.request(http.MethodGet, "/login"), "shop.example.com")
	require.NoError(t, err)
	h.keep(w)

	target, err := h.flow.Complete(httptest.NewRecorder(), h.request(http.MethodPost, "/login"), h.user)
	require.NoError(t, err)
	assert.Contains(t, target, "https://shop.example.com/auth/callback?token=")
}

func TestComplete_WithoutCallbackStartsDashboardSession(t *testing.T) {
	h := newHarness(t)

	w := httptest.NewRecorder()
	target, err := h.flow.Complete(w, h.request(http.MethodPost, "/login"), h.user)
	require.NoError(t, err)
	assert.Equal(t, DashboardPath, target)
	h.keep(w)

	id, ok := h.flow.CurrentUser(h.request(http.MethodGet, "/dashboard"))
	require.True(t, ok)
	assert.Equal(t, h.user.ID, id)

	w = httptest.NewRecorder()
	require.NoError(t, h.flow.Logout(w, h.request(http.MethodGet, "/logout")))
	h.keep(w)
	_, ok = h.flow.CurrentUser(h.request(http.MethodGet, "/dashboard"))
	assert.False(t, ok)
}

func TestCapture_RejectsUnregisteredCallback(t *testing.T) {
	h := newHarness(t)

	w := httptest.NewRecorder()
	_, err := h.flow.Capture(w, h.request(http.MethodGet, "/login"), "https://evil.example.net/steal")
	require.ErrorIs(t, err, ErrCallbackRejected)
	h.keep(w)

	target, err := h.flow.Complete(httptest.NewRecorder(), h.request(http.MethodPost, "/login"), h.user)
	require.NoError(t, err)
	assert.Equal(t, DashboardPath, target)
}

func TestCapture_AllowUnregistered(t *testing.T) {
	h := newHarness(t, AllowUnregisteredCallbacks(true))

	w := httptest.NewRecorder()
	cb, err := h.flow.Capture(w, h.request(http.MethodGet, "/login"), "http://localhost:5001/auth/callback")
	require.NoError(t, err)
	assert.Equal(t, "localhost:5001", cb.Audience)
	assert.Nil(t, cb.Service)
	h.keep(w)

	target, err := h.flow.Complete(httptest.NewRecorder(), h.request(http.MethodPost, "/login"), h.user)
	require.NoError(t, err)
	assert.Contains(t, target, "http://localhost:5001/auth/callback?token=")
}

func TestCapture_EmptyServiceClearsStaleValue(t *testing.T) {
	h := newHarness(t)

	w := httptest.NewRecorder()
	_, err := h.flow.Capture(w, h.request(http.MethodGet, "/login"), "shop.example.com")
	require.NoError(t, err)
	h.keep(w)

	w = httptest.NewRecorder()
	cb, err := h.flow.Capture(w, h.request(http.MethodGet, "/signup"), "")
	require.NoError(t, err)
	assert.Nil(t, cb)
	h.keep(w)

	assert.Empty(t, h.flow.Pending(h.request(http.MethodGet, "/login")))
}

func TestPending_Expires(t *testing.T) {
	h := newHarness(t, WithCaptureTTL(time.Minute))
	start := time.Now()
	h.flow.now = func() time.Time { return start }

	w := httptest.NewRecorder()
	_, err := h.flow.Capture(w, h.request(http.MethodGet, "/login"), "shop.example.com")
	require.NoError(t, err)
	h.keep(w)

	h.flow.now = func() time.Time { return start.Add(2 * time.Minute) }
	assert.Empty(t, h.flow.Pending(h.request(http.MethodGet, "/login")))
}

type brokenIssuer struct{}

func (brokenIssuer) Issue(context.Context, int64, string) (string, error) {
	return "", errors.New("store down")
}

func TestComplete_IssueFailureKeepsCapturedValue(t *testing.T) {
	h := newHarness(t)
	h.flow.issuer = brokenIssuer{}

	w := httptest.NewRecorder()
	_, err := h.flow.Capture(w, h.request(http.MethodGet, "/login"), "shop.example.com")
	require.NoError(t, err)
	h.keep(w)

	_, err = h.flow.Complete(httptest.NewRecorder(), h.request(http.MethodPost, "/login"), h.user)
	require.Error(t, err)
	assert.Equal(t, "shop.example.com", h.flow.Pending(h.request(http.MethodGet, "/login")))
}

func TestComplete_ServiceDeactivatedMeanwhile(t *testing.T) {
	h := newHarness(t)

	w := httptest.NewRecorder()
	_, err := h.flow.Capture(w, h.request(http.MethodGet, "/login"), "shop.example.com")
	require.NoError(t, err)
	h.keep(w)

	_, err = h.store.SetServiceActive(context.Background(), "shop.example.com", false)
	require.NoError(t, err)

	_, err = h.flow.Complete(httptest.NewRecorder(), h.request(http.MethodPost, "/login"), h.user)
	assert.ErrorIs(t, err, ErrCallbackRejected)
}

func TestBuildCallbackURL(t *testing.T) {
	u, err := url.Parse("https://a.example.com/cb?x=1")
	require.NoError(t, err)
	got := BuildCallbackURL(u, "abc.def")
	assert.Equal(t, "https://a.example.com/cb?token=abc.def&x=1", got)
	// the input URL is not modified
	assert.Equal(t, "x=1", u.RawQuery)
}
