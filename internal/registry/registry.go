// Package registry keeps the relying services allowed to use the broker and
// gates the verification API by their API keys.
package registry

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/example/crafteriauth/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrDomainTaken     = errors.New("service domain already registered")
	ErrInvalidInput    = errors.New("name and domain are required")
	ErrMissingKey      = errors.New("API key required")
	ErrUnauthorized    = errors.New("invalid API key")
	ErrInactiveService = errors.New("service is inactive")
	ErrUnknownService  = errors.New("service not registered")
)

const (
	apiKeyBytes    = 32
	maxNameLen     = 100
	maxDomainLen   = 255
	createAttempts = 3
)

// Registration is returned once by RegisterService. APIKey is the only copy
// of the plaintext key; the store keeps its SHA-256 digest.
type Registration struct {
	Service *store.Service
	APIKey  string
}

type Registry struct {
	store store.Store
	log   zerolog.Logger
}

func New(s store.Store, log zerolog.Logger) *Registry {
	return &Registry{store: s, log: log}
}

// HashAPIKey is the digest persisted and looked up in place of the key.
func HashAPIKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func genAPIKey() (string, error) {
	b := make([]byte, apiKeyBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (r *Registry) RegisterService(ctx context.Context, name, domain string) (*Registration, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(domain) == "" {
		return nil, ErrInvalidInput
	}
	if len(name) > maxNameLen {
		return nil, fmt.Errorf("%w: name too long", ErrInvalidInput)
	}
	domain, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}

	if _, err := r.store.GetServiceByDomain(ctx, domain); err == nil {
		return nil, ErrDomainTaken
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("check domain: %w", err)
	}

	for attempt := 1; ; attempt++ {
		key, err := genAPIKey()
		if err != nil {
			return nil, fmt.Errorf("generate api key: %w", err)
		}
		svc, err := r.store.CreateService(ctx, &store.Service{
			Name:       name,
			Domain:     domain,
			ClientID:   uuid.NewString(),
			SecretHash: HashAPIKey(key),
		})
		if err == nil {
			r.log.Info().Str("domain", svc.Domain).Str("client_id", svc.ClientID).Msg("service registered")
			return &Registration{Service: svc, APIKey: key}, nil
		}
		if !store.IsConstraintViolation(err) {
			return nil, fmt.Errorf("create service: %w", err)
		}
		// the unique domain constraint is the authoritative duplicate check
		if _, lookupErr := r.store.GetServiceByDomain(ctx, domain); lookupErr == nil {
			return nil, ErrDomainTaken
		}
		if attempt == createAttempts {
			return nil, fmt.Errorf("create service: %w", err)
		}
	}
}

// AuthorizeAPIKey resolves a presented key to its active service.
func (r *Registry) AuthorizeAPIKey(ctx context.Context, key string) (*store.Service, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil, ErrMissingKey
	}
	svc, err := r.store.GetServiceByAPIKey(ctx, HashAPIKey(key))
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnauthorized
	}
	if err != nil {
		return nil, fmt.Errorf("authorize api key: %w", err)
	}
	if !svc.Active {
		r.log.Warn().Str("domain", svc.Domain).Msg("api call from inactive service")
		return nil, ErrInactiveService
	}
	return svc, nil
}

func (r *Registry) SetActive(ctx context.Context, domain string, active bool) (*store.Service, error) {
	domain, err := NormalizeDomain(domain)
	if err != nil {
		return nil, err
	}
	svc, err := r.store.SetServiceActive(ctx, domain, active)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUnknownService
	}
	if err != nil {
		return nil, err
	}
	r.log.Info().Str("domain", domain).Bool("active", active).Msg("service status changed")
	return svc, nil
}

func (r *Registry) List(ctx context.Context) ([]*store.Service, error) {
	return r.store.ListServices(ctx)
}
