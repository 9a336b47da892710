package main

import (
	"errors"
	"net/http"
	"time"

	"github.com/example/crafteriauth/internal/registry"
	"github.com/example/crafteriauth/internal/store"
	"github.com/example/crafteriauth/internal/verification"
	"github.com/gorilla/mux"
)

type tokenRequest struct {
	Token string `json:"token"`
}

type verifyResponse struct {
	Valid bool            `json:"valid"`
	User  *store.Identity `json:"user,omitempty"`
	Error string          `json:"error,omitempty"`
}

// serviceView is the administrative view of a relying service. ClientSecret
// holds the API key and is only filled in by registration.
type serviceView struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	Domain       string    `json:"domain"`
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	Active       bool      `json:"is_active"`
	CreatedAt    time.Time `json:"created_at"`
}

func viewOf(s *store.Service) serviceView {
	return serviceView{
		ID:        s.ID,
		Name:      s.Name,
		Domain:    s.Domain,
		ClientID:  s.ClientID,
		Active:    s.Active,
		CreatedAt: s.CreatedAt,
	}
}

// HandleVerifyToken answers a relying service asking whether a token is live.
func (a *App) HandleVerifyToken(w http.ResponseWriter, r *http.Request) {
	var in tokenRequest
	if err := decodeJSON(r, &in); err != nil {
		writeJSON(w, http.StatusBadRequest, verifyResponse{Error: "Invalid request body"})
		return
	}

	user, err := a.verification.Verify(r.Context(), callerFrom(r.Context()), in.Token)
	switch {
	case errors.Is(err, verification.ErrInvalidToken):
		writeJSON(w, http.StatusUnauthorized, verifyResponse{Error: verification.MsgInvalidToken})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, verifyResponse{Error: verification.MsgVerificationError})
	default:
		writeJSON(w, http.StatusOK, verifyResponse{Valid: true, User: &user})
	}
}

func (a *App) HandleRevokeToken(w http.ResponseWriter, r *http.Request) {
	var in tokenRequest
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}
	if in.Token == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Token is required")
		return
	}

	err := a.verification.Revoke(r.Context(), callerFrom(r.Context()), in.Token)
	switch {
	case errors.Is(err, verification.ErrTokenNotOwned):
		writeError(w, http.StatusNotFound, "TOKEN_NOT_FOUND", "Token not found")
	case err != nil:
		a.log.Error().Err(err).Msg("revoke token")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to revoke token")
	default:
		writeJSON(w, http.StatusOK, map[string]bool{"revoked": true})
	}
}

// HandleRegisterService registers a relying service. The API key in the
// response is never shown again.
func (a *App) HandleRegisterService(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name   string `json:"name"`
		Domain string `json:"domain"`
	}
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
		return
	}

	reg, err := a.registry.RegisterService(r.Context(), in.Name, in.Domain)
	switch {
	case errors.Is(err, registry.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "Name and domain are required")
		return
	case errors.Is(err, registry.ErrInvalidDomain):
		writeError(w, http.StatusBadRequest, "INVALID_DOMAIN", "Invalid service domain")
		return
	case errors.Is(err, registry.ErrDomainTaken):
		writeError(w, http.StatusBadRequest, "DOMAIN_TAKEN", "Service domain already registered")
		return
	case err != nil:
		a.log.Error().Err(err).Msg("register service")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to register service")
		return
	}

	view := viewOf(reg.Service)
	view.ClientSecret = reg.APIKey
	writeJSON(w, http.StatusCreated, map[string]interface{}{"service": view})
}

func (a *App) HandleListServices(w http.ResponseWriter, r *http.Request) {
	services, err := a.registry.List(r.Context())
	if err != nil {
		a.log.Error().Err(err).Msg("list services")
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list services")
		return
	}
	views := make([]serviceView, 0, len(services))
	for _, s := range services {
		views = append(views, viewOf(s))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"services": views})
}

// HandleSetServiceActive serves both the activate and deactivate routes.
func (a *App) HandleSetServiceActive(active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		svc, err := a.registry.SetActive(r.Context(), mux.Vars(r)["domain"], active)
		switch {
		case errors.Is(err, registry.ErrUnknownService):
			writeError(w, http.StatusNotFound, "SERVICE_NOT_FOUND", "Service not found")
			return
		case errors.Is(err, registry.ErrInvalidDomain), errors.Is(err, registry.ErrInvalidInput):
			writeError(w, http.StatusBadRequest, "INVALID_DOMAIN", "Invalid service domain")
			return
		case err != nil:
			a.log.Error().Err(err).Msg("set service status")
			writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to update service")
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"service": viewOf(svc)})
	}
}
