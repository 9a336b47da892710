package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/example/crafteriauth/internal/registry"
	"github.com/example/crafteriauth/internal/store"
	"github.com/example/crafteriauth/internal/verification"
	"golang.org/x/time/rate"
)

type ctxKey int

const (
	callerKey ctxKey = iota
	callerSlotKey
)

// callerFrom returns the relying service authorized by APIKeyAuth.
func callerFrom(ctx context.Context) *store.Service {
	svc, _ := ctx.Value(callerKey).(*store.Service)
	return svc
}

func bearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// gateReject writes the response for a request the API key gate turned away.
type gateReject func(w http.ResponseWriter, status int, msg string)

// APIKeyAuth resolves X-API-Key (or Authorization: Bearer) to an active
// relying service and stores it in the request context.
func (a *App) APIKeyAuth(next http.Handler) http.Handler {
	return a.apiKeyGate(next, func(w http.ResponseWriter, status int, msg string) {
		code := "UNAUTHORIZED"
		if status == http.StatusInternalServerError {
			code = "INTERNAL_ERROR"
		}
		writeError(w, status, code, msg)
	})
}

// VerifyKeyAuth is APIKeyAuth for /api/verify-token, whose callers always
// get a verification result body.
func (a *App) VerifyKeyAuth(next http.Handler) http.Handler {
	return a.apiKeyGate(next, func(w http.ResponseWriter, status int, msg string) {
		writeJSON(w, status, verifyResponse{Error: msg})
	})
}

func (a *App) apiKeyGate(next http.Handler, reject gateReject) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = bearer(r)
		}

		svc, err := a.verification.Authorize(r.Context(), apiKey)
		if err != nil {
			if errors.Is(err, registry.ErrMissingKey) || errors.Is(err, registry.ErrUnauthorized) ||
				errors.Is(err, registry.ErrInactiveService) {
				reject(w, http.StatusUnauthorized, verification.GateMessage(err))
				return
			}
			a.log.Error().Err(err).Msg("api key lookup failed")
			reject(w, http.StatusInternalServerError, verification.MsgVerificationError)
			return
		}

		reportCaller(r.Context(), svc)
		ctx := context.WithValue(r.Context(), callerKey, svc)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// AdminAuth guards service administration with the configured admin token.
// With no token configured the endpoints are open; main warns about it.
func (a *App) AdminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.adminToken == "" {
			next.ServeHTTP(w, r)
			return
		}
		presented := bearer(r)
		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), []byte(a.adminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Admin token required")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RateLimiter implements per-service rate limiting
type RateLimiter struct {
	limiters map[int64]*rate.Limiter
	perMin   int
	mu       sync.RWMutex
}

func NewRateLimiter(limitPerMinute int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[int64]*rate.Limiter),
		perMin:   limitPerMinute,
	}
}

func (rl *RateLimiter) getLimiter(serviceID int64) *rate.Limiter {
	rl.mu.RLock()
	limiter, exists := rl.limiters[serviceID]
	rl.mu.RUnlock()

	if !exists {
		rl.mu.Lock()
		// Double-check after acquiring write lock
		limiter, exists = rl.limiters[serviceID]
		if !exists {
			limiter = rate.NewLimiter(rate.Limit(rl.perMin)/60, rl.perMin)
			rl.limiters[serviceID] = limiter
		}
		rl.mu.Unlock()
	}

	return limiter
}

// RateLimit enforces the per-service limit. It must run after the API key gate.
func (a *App) RateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		svc := callerFrom(r.Context())
		if svc == nil {
			next.ServeHTTP(w, r)
			return
		}
		if !a.rateLimiter.getLimiter(svc.ID).Allow() {
			writeError(w, http.StatusTooManyRequests, "RATE_LIMIT_EXCEEDED", "Rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Logging middleware logs requests
func (a *App) Logging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		// APIKeyAuth runs further down the chain; let it report the caller back here.
		var caller *store.Service
		r = r.WithContext(context.WithValue(r.Context(), callerSlotKey, &caller))
		next.ServeHTTP(wrapped, r)

		ev := a.log.Info()
		if wrapped.statusCode >= http.StatusInternalServerError {
			ev = a.log.Error()
		}
		ev = ev.Str("method", r.Method).
			Str("path", r.URL.Path).
			Str("remote", r.RemoteAddr).
			Int("status", wrapped.statusCode).
			Dur("duration", time.Since(start))
		if caller != nil {
			ev = ev.Str("client_id", caller.ClientID)
		}
		ev.Msg("request")
	})
}

// reportCaller hands the authorized service to the access log, if present.
func reportCaller(ctx context.Context, svc *store.Service) {
	if slot, ok := ctx.Value(callerSlotKey).(**store.Service); ok && slot != nil {
		*slot = svc
	}
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// SecurityHeaders middleware adds security headers
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("X-XSS-Protection", "1; mode=block")
		w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}
