package registry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"

	"github.com/example/crafteriauth/internal/store"
)

var (
	ErrInvalidDomain   = errors.New("invalid domain")
	ErrInvalidCallback = errors.New("invalid callback URL")
)

// DefaultCallbackPath is used when a caller names only its domain.
const DefaultCallbackPath = "/auth/callback"

// Callback is a validated SSO return address.
type Callback struct {
	URL      *url.URL
	Audience string
	// Service is nil for callbacks accepted without registration.
	Service *store.Service
}

// NormalizeDomain reduces a domain or URL to a lower-cased host[:port].
func NormalizeDomain(raw string) (string, error) {
	d := strings.ToLower(strings.TrimSpace(raw))
	if d == "" {
		return "", ErrInvalidInput
	}
	if len(d) > maxDomainLen {
		return "", ErrInvalidDomain
	}
	if !strings.Contains(d, "://") {
		d = "//" + d
	}
	u, err := url.Parse(d)
	if err != nil || u.User != nil || u.Hostname() == "" || strings.ContainsAny(u.Host, " \t") {
		return "", ErrInvalidDomain
	}
	return u.Host, nil
}

// ParseCallback accepts an absolute http(s) URL, or a bare domain which is
// expanded to https://<domain>/auth/callback.
func ParseCallback(raw string) (*url.URL, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ErrInvalidCallback
	}
	if !strings.Contains(raw, "://") {
		if strings.Contains(raw, "/") {
			raw = "https://" + raw
		} else {
			host, err := NormalizeDomain(raw)
			if err != nil {
				return nil, ErrInvalidCallback
			}
			return &url.URL{Scheme: "https", Host: host, Path: DefaultCallbackPath}, nil
		}
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.User != nil || u.Hostname() == "" ||
		len(u.Host) > maxDomainLen {
		return nil, ErrInvalidCallback
	}
	u.Host = strings.ToLower(u.Host)
	u.Fragment, u.RawFragment = "", ""
	return u, nil
}

// ResolveCallback binds a callback to the active service registered for its
// host. A service registered without a port matches the host on any port.
func (r *Registry) ResolveCallback(ctx context.Context, raw string) (*Callback, error) {
	u, err := ParseCallback(raw)
	if err != nil {
		return nil, err
	}

	candidates := []string{u.Host}
	if u.Port() != "" {
		candidates = append(candidates, u.Hostname())
	}
	for _, domain := range candidates {
		svc, err := r.store.GetServiceByDomain(ctx, domain)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve callback: %w", err)
		}
		if !svc.Active {
			return nil, ErrInactiveService
		}
		return &Callback{URL: u, Audience: svc.Domain, Service: svc}, nil
	}
	return nil, ErrUnknownService
}

// UnregisteredCallback validates the URL shape only; the audience is the
// callback host.
func UnregisteredCallback(raw string) (*Callback, error) {
	u, err := ParseCallback(raw)
	if err != nil {
		return nil, err
	}
	return &Callback{URL: u, Audience: u.Host}, nil
}

// AudienceMatches reports whether a token audience belongs to svc. The
// audience may be a domain, host:port or a callback URL.
func AudienceMatches(svc *store.Service, audience string) bool {
	if svc == nil || audience == "" {
		return false
	}
	host, err := NormalizeDomain(audience)
	if err != nil {
		return false
	}
	if host == svc.Domain {
		return true
	}
	if h, _, err := net.SplitHostPort(host); err == nil && h == svc.Domain {
		return true
	}
	return false
}
