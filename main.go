package main

import (
	"context"
	"fmt"
	"html/template"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/crafteriauth/internal/config"
	"github.com/example/crafteriauth/internal/identity"
	"github.com/example/crafteriauth/internal/logging"
	"github.com/example/crafteriauth/internal/natsverify"
	"github.com/example/crafteriauth/internal/registry"
	"github.com/example/crafteriauth/internal/sso"
	"github.com/example/crafteriauth/internal/store"
	"github.com/example/crafteriauth/internal/token"
	"github.com/example/crafteriauth/internal/verification"
	"github.com/gorilla/mux"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

type App struct {
	log          zerolog.Logger
	store        store.Store
	users        *identity.Manager
	registry     *registry.Registry
	flow         *sso.Flow
	verification *verification.Service
	rateLimiter  *RateLimiter
	pages        *template.Template
	adminToken   string
}

// newApp wires the broker's components over an opened store.
func newApp(c *config.Config, s store.Store, hasher identity.Hasher, log zerolog.Logger) (*App, error) {
	pages, err := parsePages()
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	secret := []byte(c.SecretKey)
	reg := registry.New(s, logging.Component(log, "registry"))
	issuer := token.NewIssuer(s, secret, logging.Component(log, "token"))
	verifier := token.NewVerifier(s, secret, logging.Component(log, "token"))

	flow := sso.NewFlow(
		sso.NewCookieStore(c.SessionKey(), c.SessionSecure),
		reg, issuer, logging.Component(log, "sso"),
		sso.AllowUnregisteredCallbacks(c.AllowUnregisteredCallbacks),
	)

	return &App{
		log:          logging.Component(log, "http"),
		store:        s,
		users:        identity.NewManager(s, hasher, logging.Component(log, "identity")),
		registry:     reg,
		flow:         flow,
		verification: verification.NewService(s, reg, verifier, logging.Component(log, "verification")),
		rateLimiter:  NewRateLimiter(c.RateLimitPerMinute),
		pages:        pages,
		adminToken:   c.AdminToken,
	}, nil
}

func (a *App) routes() *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(SecurityHeaders)
	r.Use(a.Logging)

	// Health check endpoints (no auth required)
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")

	// Browser-facing SSO pages
	r.HandleFunc("/", a.HandleHome).Methods("GET")
	r.HandleFunc("/login", a.HandleLoginPage).Methods("GET")
	r.HandleFunc("/login", a.HandleLogin).Methods("POST")
	r.HandleFunc("/signup", a.HandleSignupPage).Methods("GET")
	r.HandleFunc("/signup", a.HandleSignup).Methods("POST")
	r.HandleFunc("/dashboard", a.HandleDashboard).Methods("GET")
	r.HandleFunc("/logout", a.HandleLogout).Methods("GET")

	// Relying-service API: API key, then per-service rate limit
	r.Handle("/api/verify-token", a.VerifyKeyAuth(a.RateLimit(http.HandlerFunc(a.HandleVerifyToken)))).Methods("POST")
	r.Handle("/api/revoke-token", a.APIKeyAuth(a.RateLimit(http.HandlerFunc(a.HandleRevokeToken)))).Methods("POST")

	// Service administration
	r.Handle("/api/register-service", a.AdminAuth(http.HandlerFunc(a.HandleRegisterService))).Methods("POST")
	r.Handle("/api/services", a.AdminAuth(http.HandlerFunc(a.HandleListServices))).Methods("GET")
	r.Handle("/api/services/{domain}/activate", a.AdminAuth(a.HandleSetServiceActive(true))).Methods("POST")
	r.Handle("/api/services/{domain}/deactivate", a.AdminAuth(a.HandleSetServiceActive(false))).Methods("POST")

	return r
}

func (a *App) HandleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.store.Ping(ctx); err != nil {
		a.log.Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run() error {
	c, err := config.New()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := logging.New(c.LogLevel, c.LogFormat)

	opts := store.Options{
		Adapter:    c.DBAdapter,
		SQLiteFile: c.SQLiteFile,
		Pool:       store.PoolOptions{MaxOpenConns: c.DBMaxOpenConns, MaxIdleConns: c.DBMaxIdleConns},
		Migrate:    c.MigrateOnStart,
	}
	if c.DBAdapter == "postgres" {
		if opts.PostgresDSN, err = c.BuildPostgresDSN(); err != nil {
			return fmt.Errorf("postgres config error: %w", err)
		}
	}

	initCtx, cancelInit := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := store.Open(initCtx, opts, logging.With(logging.Component(log, "store"), logging.Fields{"adapter": c.DBAdapter}))
	cancelInit()
	if err != nil {
		log.Error().Err(err).Msg("store unavailable")
		return err
	}
	defer db.Close()

	app, err := newApp(c, db, identity.BcryptHasher{}, log)
	if err != nil {
		return err
	}
	if c.AdminToken == "" {
		log.Warn().Msg("ADMIN_TOKEN is not set; service administration endpoints are unauthenticated")
	}

	bg, stopBackground := context.WithCancel(context.Background())
	defer stopBackground()

	if c.TokenSweepInterval > 0 {
		sweeper := token.NewSweeper(db, logging.Component(log, "sweeper"))
		go sweeper.Run(bg, c.TokenSweepInterval)
		log.Info().Dur("interval", c.TokenSweepInterval).Msg("expired token sweep enabled")
	}

	var nc *nats.Conn
	if c.NATSURL != "" {
		nc, err = nats.Connect(c.NATSURL, nats.Name("sso-broker"))
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		h := natsverify.NewHandler(app.verification, logging.Component(log, "nats"))
		if _, err := h.Subscribe(nc, c.NATSVerifySubject, c.NATSQueue); err != nil {
			nc.Close()
			return fmt.Errorf("nats subscribe: %w", err)
		}
		log.Info().Str("subject", c.NATSVerifySubject).Str("queue", c.NATSQueue).Msg("nats verification responder started")
	}

	srv := &http.Server{
		Handler:      app.routes(),
		Addr:         ":" + c.Port,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("port", c.Port).Str("adapter", c.DBAdapter).Msg("starting sso broker")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
		}
		close(serveErr)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("shutdown failed")
	}
	stopBackground()
	if nc != nil {
		if err := nc.Drain(); err != nil {
			log.Warn().Err(err).Msg("nats drain")
		}
	}
	log.Info().Msg("server exited properly")
	return nil
}
