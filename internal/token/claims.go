// Package token issues and verifies the broker's signed credentials.
//
// A token is an HS256 JWT whose claim set is fixed (see Claims). Every issued
// token is also persisted; verification requires the row to still exist, so
// deleting it revokes the token regardless of its signature.
package token

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Lifetime is the validity window of every issued token.
const Lifetime = 24 * time.Hour

var (
	ErrInvalidSignature = errors.New("invalid token")
	ErrExpired          = errors.New("token expired")
	ErrTokenNotFound    = errors.New("token not found")
	ErrUserNotFound     = errors.New("user not found")
)

// Claims is the claim set carried by every token: sub, iat, exp, an optional
// aud and a random jti that keeps two tokens issued in the same second apart.
type Claims struct {
	jwt.RegisteredClaims
}

var signingMethod = jwt.SigningMethodHS256

type Option func(*options)

type options struct {
	now func() time.Time
}

func defaultOptions() options {
	return options{now: time.Now}
}

// WithClock replaces the wall clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}
