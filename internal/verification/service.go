// Package verification is what relying services talk to: it authorizes the
// caller by API key, verifies tokens on its behalf and lets it revoke the
// tokens issued for it. Credential failures leave this package as one opaque
// error so callers cannot tell which check failed.
package verification

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/crafteriauth/internal/logging"
	"github.com/example/crafteriauth/internal/registry"
	"github.com/example/crafteriauth/internal/store"
	"github.com/example/crafteriauth/internal/token"
	"github.com/rs/zerolog"
)

// Messages shown to relying services.
const (
	MsgInvalidToken      = "Invalid token"
	MsgVerificationError = "Verification error"
	MsgAPIKeyRequired    = "API key required"
	MsgInvalidAPIKey     = "Invalid API key"
)

var (
	ErrInvalidToken  = errors.New("invalid token")
	ErrTokenNotOwned = errors.New("token not found")
)

type Service struct {
	store    store.Store
	registry *registry.Registry
	verifier *token.Verifier
	log      zerolog.Logger
}

func NewService(s store.Store, reg *registry.Registry, v *token.Verifier, log zerolog.Logger) *Service {
	return &Service{store: s, registry: reg, verifier: v, log: log}
}

// Authorize resolves an API key to its active service.
func (s *Service) Authorize(ctx context.Context, apiKey string) (*store.Service, error) {
	return s.registry.AuthorizeAPIKey(ctx, apiKey)
}

func isCredentialError(err error) bool {
	return errors.Is(err, token.ErrInvalidSignature) ||
		errors.Is(err, token.ErrExpired) ||
		errors.Is(err, token.ErrTokenNotFound) ||
		errors.Is(err, token.ErrUserNotFound)
}

// Verify checks raw on behalf of caller. A token bound to an audience is only
// valid for the service that audience belongs to.
func (s *Service) Verify(ctx context.Context, caller *store.Service, raw string) (store.Identity, error) {
	res, err := s.verifier.Verify(ctx, raw)
	if err != nil {
		if isCredentialError(err) {
			return store.Identity{}, ErrInvalidToken
		}
		s.log.Error().Err(err).Msg("token verification failed")
		return store.Identity{}, fmt.Errorf("verify: %w", err)
	}
	if res.Audience != "" && !registry.AudienceMatches(caller, res.Audience) {
		s.log.Warn().
			Str("token", logging.TokenPrefix(raw)).
			Str("audience", res.Audience).
			Str("caller", callerDomain(caller)).
			Msg("token presented by a service it was not issued for")
		return store.Identity{}, ErrInvalidToken
	}
	return res.User, nil
}

// Revoke deletes a token issued for caller. Tokens that do not exist, or that
// belong to another service, are reported alike.
func (s *Service) Revoke(ctx context.Context, caller *store.Service, raw string) error {
	if raw == "" {
		return ErrTokenNotOwned
	}
	row, err := s.store.GetTokenByValue(ctx, raw)
	if errors.Is(err, store.ErrNotFound) {
		return ErrTokenNotOwned
	}
	if err != nil {
		return fmt.Errorf("revoke: %w", err)
	}
	if !registry.AudienceMatches(caller, row.IssuedFor) {
		return ErrTokenNotOwned
	}
	if err := s.store.DeleteToken(ctx, raw); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrTokenNotOwned
		}
		return fmt.Errorf("revoke: %w", err)
	}
	s.log.Info().Str("token", logging.TokenPrefix(raw)).Str("caller", callerDomain(caller)).Msg("token revoked")
	return nil
}

// GateMessage maps an Authorize error to the message returned to the caller.
func GateMessage(err error) string {
	switch {
	case errors.Is(err, registry.ErrMissingKey):
		return MsgAPIKeyRequired
	case errors.Is(err, registry.ErrUnauthorized), errors.Is(err, registry.ErrInactiveService):
		return MsgInvalidAPIKey
	default:
		return MsgVerificationError
	}
}

func callerDomain(svc *store.Service) string {
	if svc == nil {
		return ""
	}
	return svc.Domain
}
