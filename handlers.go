package main

import (
	"embed"
	"errors"
	"html/template"
	"net/http"

	"github.com/example/crafteriauth/internal/identity"
	"github.com/example/crafteriauth/internal/sso"
	"github.com/example/crafteriauth/internal/store"
)

//go:embed templates/*.html
var templateFS embed.FS

func parsePages() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.html")
}

type pageData struct {
	Title    string
	Error    string
	Service  string
	Username string
	Email    string
	User     store.Identity
}

const msgTryAgain = "Something went wrong, please try again"

func (a *App) render(w http.ResponseWriter, status int, name string, data pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := a.pages.ExecuteTemplate(w, name, data); err != nil {
		a.log.Error().Err(err).Str("page", name).Msg("render page")
	}
}

func (a *App) HandleHome(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/login", http.StatusFound)
}

// showForm captures the caller's ?service= and renders the form.
func (a *App) showForm(w http.ResponseWriter, r *http.Request, name, title string) {
	service := r.URL.Query().Get("service")
	data := pageData{Title: title}

	cb, err := a.flow.Capture(w, r, service)
	switch {
	case errors.Is(err, sso.ErrCallbackRejected):
		data.Error = "The application you came from is not registered with this sign-in service"
		a.render(w, http.StatusBadRequest, name, data)
		return
	case err != nil:
		a.log.Error().Err(err).Msg("capture callback")
		data.Error = msgTryAgain
		a.render(w, http.StatusInternalServerError, name, data)
		return
	}
	if cb != nil {
		data.Service = cb.Audience
	}
	a.render(w, http.StatusOK, name, data)
}

func (a *App) HandleLoginPage(w http.ResponseWriter, r *http.Request) {
	a.showForm(w, r, "login.html", "Log in")
}

func (a *App) HandleSignupPage(w http.ResponseWriter, r *http.Request) {
	a.showForm(w, r, "signup.html", "Sign up")
}

func (a *App) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.render(w, http.StatusBadRequest, "login.html", pageData{Title: "Log in", Error: "Invalid form submission"})
		return
	}
	email := r.PostForm.Get("email")
	data := pageData{Title: "Log in", Email: email, Service: a.flow.Pending(r)}

	user, err := a.users.Authenticate(r.Context(), email, r.PostForm.Get("password"))
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		data.Error = "Invalid email or password"
		a.render(w, http.StatusUnauthorized, "login.html", data)
		return
	case err != nil:
		a.log.Error().Err(err).Msg("login failed")
		data.Error = msgTryAgain
		a.render(w, http.StatusInternalServerError, "login.html", data)
		return
	}
	a.complete(w, r, user, "login.html", data)
}

func (a *App) HandleSignup(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		a.render(w, http.StatusBadRequest, "signup.html", pageData{Title: "Sign up", Error: "Invalid form submission"})
		return
	}
	data := pageData{
		Title:    "Sign up",
		Username: r.PostForm.Get("username"),
		Email:    r.PostForm.Get("email"),
		Service:  a.flow.Pending(r),
	}

	user, err := a.users.Register(r.Context(), data.Username, data.Email, r.PostForm.Get("password"))
	switch {
	case errors.Is(err, identity.ErrInvalidInput):
		data.Error = "Username, email and password are required"
		a.render(w, http.StatusBadRequest, "signup.html", data)
		return
	case errors.Is(err, identity.ErrEmailTaken):
		data.Error = "Email already exists"
		a.render(w, http.StatusConflict, "signup.html", data)
		return
	case err != nil:
		a.log.Error().Err(err).Msg("signup failed")
		data.Error = "Failed to create account"
		a.render(w, http.StatusInternalServerError, "signup.html", data)
		return
	}
	a.complete(w, r, user, "signup.html", data)
}

// complete sends an authenticated browser back to its caller, or to the dashboard.
func (a *App) complete(w http.ResponseWriter, r *http.Request, user store.Identity, page string, data pageData) {
	target, err := a.flow.Complete(w, r, user)
	switch {
	case errors.Is(err, sso.ErrCallbackRejected):
		// the caller went away while the form was open; the user is still signed in here
		target = sso.DashboardPath
	case err != nil:
		a.log.Error().Err(err).Int64("user_id", user.ID).Msg("complete sign-in")
		data.Error = msgTryAgain
		a.render(w, http.StatusInternalServerError, page, data)
		return
	}
	http.Redirect(w, r, target, http.StatusFound)
}

func (a *App) HandleDashboard(w http.ResponseWriter, r *http.Request) {
	id, ok := a.flow.CurrentUser(r)
	if !ok {
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	user, err := a.users.Lookup(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		_ = a.flow.Logout(w, r)
		http.Redirect(w, r, "/login", http.StatusFound)
		return
	}
	if err != nil {
		a.log.Error().Err(err).Int64("user_id", id).Msg("load dashboard user")
		a.render(w, http.StatusInternalServerError, "dashboard.html", pageData{Title: "Dashboard", Error: msgTryAgain})
		return
	}
	a.render(w, http.StatusOK, "dashboard.html", pageData{Title: "Dashboard", User: user})
}

func (a *App) HandleLogout(w http.ResponseWriter, r *http.Request) {
	if err := a.flow.Logout(w, r); err != nil {
		a.log.Warn().Err(err).Msg("logout")
	}
	http.Redirect(w, r, "/login", http.StatusFound)
}
