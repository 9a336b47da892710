package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/example/crafteriauth/internal/logging"
	"github.com/example/crafteriauth/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Result is what a successful verification resolves to.
type Result struct {
	User      store.Identity
	Audience  string
	ExpiresAt time.Time
}

type Verifier struct {
	store  store.Store
	secret []byte
	log    zerolog.Logger
	opts   options
	parser *jwt.Parser
}

func NewVerifier(s store.Store, secret []byte, log zerolog.Logger, opts ...Option) *Verifier {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Verifier{
		store:  s,
		secret: secret,
		log:    log,
		opts:   o,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{signingMethod.Alg()}),
			jwt.WithTimeFunc(o.now),
			jwt.WithExpirationRequired(),
			jwt.WithIssuedAt(),
			// exp is whole seconds and a token is still live at exactly exp;
			// the row's expires_at check below has the final say
			jwt.WithLeeway(time.Second),
		),
	}
}

// Verify checks, in order: signature and claims, presence of the stored row,
// the row's own expiry, and the owning user. Each stage has its own error;
// storage failures are returned wrapped and unclassified.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Result, error) {
	prefix := logging.TokenPrefix(raw)

	claims, userID, err := v.parse(raw)
	if err != nil {
		v.log.Warn().Err(err).Str("token", prefix).Msg("token rejected")
		return nil, err
	}

	row, err := v.store.GetTokenByValue(ctx, raw)
	if errors.Is(err, store.ErrNotFound) {
		v.log.Warn().Str("token", prefix).Msg("token not found in store")
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup token: %w", err)
	}
	if row.UserID != userID {
		v.log.Warn().Str("token", prefix).Msg("token subject does not match stored owner")
		return nil, ErrTokenNotFound
	}

	// the stored expiry is authoritative if it disagrees with the claim
	if v.opts.now().After(row.ExpiresAt) {
		v.log.Warn().Str("token", prefix).Msg("token expired")
		return nil, ErrExpired
	}

	u, err := v.store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		v.log.Warn().Str("token", prefix).Int64("user_id", userID).Msg("user not found for token")
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lookup user: %w", err)
	}

	audience := row.IssuedFor
	if audience == "" && len(claims.Audience) > 0 {
		audience = claims.Audience[0]
	}
	v.log.Debug().Int64("user_id", u.ID).Str("token", prefix).Msg("token verified")
	return &Result{User: u.Identity(), Audience: audience, ExpiresAt: row.ExpiresAt}, nil
}

func (v *Verifier) parse(raw string) (*Claims, int64, error) {
	if raw == "" {
		return nil, 0, ErrInvalidSignature
	}
	claims := &Claims{}
	tok, err := v.parser.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, 0, ErrExpired
		}
		return nil, 0, ErrInvalidSignature
	}
	if !tok.Valid || claims.IssuedAt == nil {
		return nil, 0, ErrInvalidSignature
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil || userID <= 0 {
		return nil, 0, ErrInvalidSignature
	}
	return claims, userID, nil
}
