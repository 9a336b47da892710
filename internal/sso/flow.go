// Package sso carries a browser from a relying service's login request back
// to that service with a freshly issued token.
package sso

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/example/crafteriauth/internal/registry"
	"github.com/example/crafteriauth/internal/store"
	"github.com/gorilla/sessions"
	"github.com/rs/zerolog"
)

const (
	SessionName = "sso_session"

	keyRedirect   = "redirect_service"
	keyCapturedAt = "redirect_captured_at"
	keyUserID     = "user_id"

	// DashboardPath is where a login without an external caller lands.
	DashboardPath = "/dashboard"

	defaultCaptureTTL = 15 * time.Minute
)

var ErrCallbackRejected = errors.New("callback not allowed")

// Issuer mints the token handed to the relying service.
type Issuer interface {
	Issue(ctx context.Context, userID int64, audience string) (string, error)
}

type Flow struct {
	sessions          sessions.Store
	registry          *registry.Registry
	issuer            Issuer
	log               zerolog.Logger
	allowUnregistered bool
	captureTTL        time.Duration
	now               func() time.Time
}

type Option func(*Flow)

// AllowUnregisteredCallbacks accepts any well-formed http(s) callback.
func AllowUnregisteredCallbacks(allow bool) Option {
	return func(f *Flow) { f.allowUnregistered = allow }
}

func WithCaptureTTL(d time.Duration) Option {
	return func(f *Flow) { f.captureTTL = d }
}

func NewFlow(st sessions.Store, reg *registry.Registry, iss Issuer, log zerolog.Logger, opts ...Option) *Flow {
	f := &Flow{
		sessions:   st,
		registry:   reg,
		issuer:     iss,
		log:        log,
		captureTTL: defaultCaptureTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewCookieStore returns the session store used by the broker's pages.
func NewCookieStore(authKey []byte, secure bool) *sessions.CookieStore {
	cs := sessions.NewCookieStore(authKey)
	cs.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   int((24 * time.Hour).Seconds()),
		HttpOnly: true,
		Secure:   secure,
		SameSite: http.SameSiteLaxMode,
	}
	return cs
}

func (f *Flow) session(r *http.Request) *sessions.Session {
	sess, err := f.sessions.Get(r, SessionName)
	if err != nil {
		// tampered or stale cookie; Get still hands back a fresh session
		f.log.Debug().Err(err).Msg("discarding unreadable session cookie")
	}
	return sess
}

func (f *Flow) resolve(ctx context.Context, service string) (*registry.Callback, error) {
	cb, err := f.registry.ResolveCallback(ctx, service)
	if err == nil {
		return cb, nil
	}
	if f.allowUnregistered && errors.Is(err, registry.ErrUnknownService) {
		return registry.UnregisteredCallback(service)
	}
	return nil, err
}

// Capture records the caller's callback when a login or signup form is shown.
// An empty service clears whatever an earlier visit left behind.
func (f *Flow) Capture(w http.ResponseWriter, r *http.Request, service string) (*registry.Callback, error) {
	sess := f.session(r)
	delete(sess.Values, keyRedirect)
	delete(sess.Values, keyCapturedAt)

	var cb *registry.Callback
	var resolveErr error
	if service != "" {
		cb, resolveErr = f.resolve(r.Context(), service)
		if resolveErr == nil {
			sess.Values[keyRedirect] = service
			sess.Values[keyCapturedAt] = f.now().Unix()
		} else {
			f.log.Warn().Err(resolveErr).Str("service", service).Msg("rejected sso callback")
		}
	}
	if err := sess.Save(r, w); err != nil {
		return nil, fmt.Errorf("save session: %w", err)
	}
	if resolveErr != nil {
		return nil, fmt.Errorf("%w: %v", ErrCallbackRejected, resolveErr)
	}
	return cb, nil
}

// Pending reports the callback captured for this browser, if any.
func (f *Flow) Pending(r *http.Request) string {
	service, _ := f.pending(f.session(r))
	return service
}

func (f *Flow) pending(sess *sessions.Session) (string, bool) {
	service, _ := sess.Values[keyRedirect].(string)
	if service == "" {
		return "", false
	}
	at, _ := sess.Values[keyCapturedAt].(int64)
	if f.now().Sub(time.Unix(at, 0)) > f.captureTTL {
		return "", false
	}
	return service, true
}

// Complete finishes a successful login or signup. With a captured callback it
// issues a token bound to that service and returns the callback URL carrying
// it; otherwise it returns the dashboard path. The captured value is removed
// only once a redirect has been produced, so a failed attempt can be retried.
// Either way the browser gets a first-party session.
func (f *Flow) Complete(w http.ResponseWriter, r *http.Request, user store.Identity) (string, error) {
	sess := f.session(r)
	sess.Values[keyUserID] = user.ID

	service, ok := f.pending(sess)
	if !ok {
		delete(sess.Values, keyRedirect)
		delete(sess.Values, keyCapturedAt)
		if err := sess.Save(r, w); err != nil {
			return "", fmt.Errorf("save session: %w", err)
		}
		return DashboardPath, nil
	}

	cb, err := f.resolve(r.Context(), service)
	if err != nil {
		delete(sess.Values, keyRedirect)
		delete(sess.Values, keyCapturedAt)
		_ = sess.Save(r, w)
		return "", fmt.Errorf("%w: %v", ErrCallbackRejected, err)
	}

	tok, err := f.issuer.Issue(r.Context(), user.ID, cb.Audience)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}

	delete(sess.Values, keyRedirect)
	delete(sess.Values, keyCapturedAt)
	if err := sess.Save(r, w); err != nil {
		return "", fmt.Errorf("save session: %w", err)
	}
	f.log.Info().Int64("user_id", user.ID).Str("audience", cb.Audience).Msg("redirecting to relying service")
	return BuildCallbackURL(cb.URL, tok), nil
}

// CurrentUser returns the user id of the first-party session.
func (f *Flow) CurrentUser(r *http.Request) (int64, bool) {
	id, ok := f.session(r).Values[keyUserID].(int64)
	return id, ok && id > 0
}

// Logout drops the first-party session and any captured callback.
func (f *Flow) Logout(w http.ResponseWriter, r *http.Request) error {
	sess := f.session(r)
	delete(sess.Values, keyUserID)
	delete(sess.Values, keyRedirect)
	delete(sess.Values, keyCapturedAt)
	return sess.Save(r, w)
}

// BuildCallbackURL appends token to the callback's existing query.
func BuildCallbackURL(callback *url.URL, token string) string {
	u := *callback
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}
