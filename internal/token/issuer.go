package token

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/example/crafteriauth/internal/logging"
	"github.com/example/crafteriauth/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type Issuer struct {
	store  store.Store
	secret []byte
	log    zerolog.Logger
	opts   options
}

func NewIssuer(s store.Store, secret []byte, log zerolog.Logger, opts ...Option) *Issuer {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Issuer{store: s, secret: secret, log: log, opts: o}
}

// Issue signs a token for userID, optionally bound to audience, and persists
// it. When the row cannot be written no token is returned.
func (i *Issuer) Issue(ctx context.Context, userID int64, audience string) (string, error) {
	if len(i.secret) == 0 {
		return "", errors.New("issue token: empty signing secret")
	}

	now := i.opts.now().UTC().Truncate(jwt.TimePrecision)
	expires := now.Add(Lifetime)

	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(userID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
		ID:        uuid.NewString(),
	}}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}

	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	_, err = i.store.CreateToken(ctx, &store.Token{
		UserID:    userID,
		Value:     signed,
		CreatedAt: now,
		ExpiresAt: expires,
		IssuedFor: audience,
	})
	if err != nil {
		return "", fmt.Errorf("persist token: %w", err)
	}

	ev := i.log.Info().Int64("user_id", userID).Str("token", logging.TokenPrefix(signed))
	if audience != "" {
		ev = ev.Str("audience", audience)
	}
	ev.Msg("token issued")
	return signed, nil
}
