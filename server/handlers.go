package server

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/oauth2"
)

const localProviderName = "local"

// App bundles runtime dependencies for the HTTP service.
type App struct {
	Config          Config
	Logger          *slog.Logger
	Keys            *KeyRing
	Sessions        *SessionManager
	Providers       map[string]IdentityProvider
	DefaultProvider string
	Policy          RedirectPolicy
	Gate            *Gate
}

// NewApp wires together the application state from configuration.
func NewApp(ctx context.Context, cfg Config, logger *slog.Logger) (*App, error) {
	keys, err := NewKeyRing(cfg.Server.SecretsPath, cfg.Auth.KeyRotation, cfg.Auth.SessionTTL, logger)
	if err != nil {
		return nil, err
	}
	sessions := NewSessionManager(cfg, keys, logger)

	providers, err := BuildProviders(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	defaultProvider := cfg.Auth.Providers.Default
	if cfg.Server.DevMode && defaultProvider == "" {
		defaultProvider = localProviderName
	}

	return &App{
		Config:          cfg,
		Logger:          logger,
		Keys:            keys,
		Sessions:        sessions,
		Providers:       providers,
		DefaultProvider: defaultProvider,
		Policy:          NewRedirectPolicy(cfg),
		Gate:            NewGate(sessions, cfg.CallbackFallbacks()),
	}, nil
}

func (a *App) handleIndex(w http.ResponseWriter, r *http.Request) {
	view := indexView{
		Title:     a.Config.Widget.Title,
		Identity:  IdentityFromContext(r.Context()),
		ScriptURL: a.Config.Widget.ScriptURL,
		SignOut:   RouteSignOut,
	}
	if err := renderTemplate(w, indexTemplate, view); err != nil {
		a.Logger.Error("render index", "error", err)
	}
}

func (a *App) handleSignIn(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	callback := q.Get("callbackUrl")
	code := q.Get("error")

	if code == "" {
		sess, err := a.Gate.Lookup(r)
		switch {
		case err == nil:
			annotateRequest(r.Context(), sess.UserID, sess.IDP)
			http.Redirect(w, r, a.resolveRedirect(r, callback), http.StatusFound)
			return
		case !errors.Is(err, ErrNoSession):
			a.Logger.Warn("session rejected", "error", err, "request_id", RequestIDFromContext(r.Context()))
			a.Sessions.Clear(w)
		}
	}

	view := signInView{
		Title:     a.Config.Widget.Title,
		Providers: a.providerButtons(callback),
		Error:     errorMessage(code),
		RetryHref: signInURL("", callback),
	}
	if err := renderTemplate(w, signInTemplate, view); err != nil {
		a.Logger.Error("render signin", "error", err)
	}
}

func (a *App) handleSignInStart(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "idp")
	requested := r.URL.Query().Get("callbackUrl")
	callback := a.resolveRedirect(r, requested)

	provider, ok := a.Providers[providerName]
	if !ok {
		if a.devLoginEnabled(providerName) {
			a.handleDevLogin(w, r, callback)
			return
		}
		a.Logger.Warn("unknown provider", "provider", providerName)
		a.redirectToSignIn(w, r, ErrorConfiguration, requested)
		return
	}

	state, err := randomToken()
	if err != nil {
		a.Logger.Error("login state", "error", err)
		a.redirectToSignIn(w, r, ErrorConfiguration, requested)
		return
	}
	nonce, err := randomToken()
	if err != nil {
		a.Logger.Error("login nonce", "error", err)
		a.redirectToSignIn(w, r, ErrorConfiguration, requested)
		return
	}
	verifier := oauth2.GenerateVerifier()

	err = a.Sessions.BeginLogin(w, PendingLogin{
		Provider:    providerName,
		State:       state,
		Nonce:       nonce,
		Verifier:    verifier,
		CallbackURL: callback,
	})
	if err != nil {
		a.Logger.Error("login begin", "error", err)
		a.redirectToSignIn(w, r, ErrorConfiguration, requested)
		return
	}

	a.Logger.Info("login.start", "provider", providerName, "request_id", RequestIDFromContext(r.Context()))
	http.Redirect(w, r, provider.AuthCodeURL(state, nonce, verifier), http.StatusFound)
}

func (a *App) handleDevLogin(w http.ResponseWriter, r *http.Request, callback string) {
	user := ProviderUser{
		Subject: "dev-user",
		Email:   "dev@example.com",
		Name:    "Dev User",
	}
	sess, err := a.Sessions.Create(w, localProviderName, user)
	if err != nil {
		a.Logger.Error("dev login", "error", err)
		a.redirectToSignIn(w, r, ErrorConfiguration, "")
		return
	}
	annotateRequest(r.Context(), sess.UserID, sess.IDP)
	a.Logger.Info("login.complete", "provider", localProviderName, "user_sub", sess.UserID)
	http.Redirect(w, r, callback, http.StatusFound)
}

func (a *App) handleCallback(w http.ResponseWriter, r *http.Request) {
	providerName := chi.URLParam(r, "idp")
	provider, ok := a.Providers[providerName]
	if !ok {
		a.Logger.Warn("callback for unknown provider", "provider", providerName)
		a.redirectToSignIn(w, r, ErrorConfiguration, "")
		return
	}

	q := r.URL.Query()
	pending, err := a.Sessions.ConsumeLogin(w, r, providerName, q.Get("state"))

	if upstreamErr := q.Get("error"); upstreamErr != "" {
		a.Logger.Warn("provider returned error", "provider", providerName, "error", upstreamErr,
			"description", q.Get("error_description"))
		code := ErrorOAuthCallback
		if upstreamErr == "access_denied" {
			code = ErrorAccessDenied
		}
		a.redirectToSignIn(w, r, code, pending.CallbackURL)
		return
	}
	if err != nil {
		a.Logger.Warn("login state rejected", "provider", providerName, "error", err)
		a.redirectToSignIn(w, r, ErrorOAuthCallback, "")
		return
	}

	code := q.Get("code")
	if code == "" {
		a.redirectToSignIn(w, r, ErrorOAuthCallback, pending.CallbackURL)
		return
	}

	user, err := provider.Exchange(r.Context(), code, pending.Verifier, pending.Nonce)
	if err != nil {
		a.Logger.Error("exchange failed", "provider", providerName, "error", err)
		a.redirectToSignIn(w, r, ErrorOAuthCallback, pending.CallbackURL)
		return
	}
	if user.Subject == "" {
		a.Logger.Error("provider user without subject", "provider", providerName)
		a.redirectToSignIn(w, r, ErrorOAuthCallback, pending.CallbackURL)
		return
	}

	sess, err := a.Sessions.Create(w, providerName, user)
	if err != nil {
		a.Logger.Error("session create", "error", err)
		a.redirectToSignIn(w, r, ErrorConfiguration, pending.CallbackURL)
		return
	}

	annotateRequest(r.Context(), sess.UserID, sess.IDP)
	a.Logger.Info("login.complete", "provider", providerName, "user_sub", sess.UserID)
	http.Redirect(w, r, a.resolveRedirect(r, pending.CallbackURL), http.StatusFound)
}

func (a *App) handleSignOut(w http.ResponseWriter, r *http.Request) {
	if !a.sameOriginPost(r) {
		http.Error(w, "cross-origin sign-out rejected", http.StatusForbidden)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "invalid form", http.StatusBadRequest)
		return
	}

	if sess, err := a.Gate.Lookup(r); err == nil {
		annotateRequest(r.Context(), sess.UserID, sess.IDP)
		a.Logger.Info("logout", "user_sub", sess.UserID)
	}
	a.Sessions.Clear(w)

	target := RouteSignIn
	if callback := r.PostFormValue("callbackUrl"); callback != "" {
		target = a.resolveRedirect(r, callback)
	}
	http.Redirect(w, r, target, http.StatusSeeOther)
}

func (a *App) handleSession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	sess, err := a.Gate.Lookup(r)
	if err != nil {
		writeJSON(w, http.StatusOK, sessionResponse{})
		return
	}
	user := sess.User
	writeJSON(w, http.StatusOK, sessionResponse{
		User:    &user,
		Expires: sess.ExpiresAt.UTC().Format(time.RFC3339),
	})
}

func (a *App) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// resolveRedirect runs requested through the redirect policy and logs which
// rule decided it. A callback lifted out of a login-route target is the next
// hop, so it has to pass the policy on its own before the browser goes there.
func (a *App) resolveRedirect(r *http.Request, requested string) string {
	target, verdict := a.Policy.Evaluate(requested)
	if verdict == VerdictLoginCallback {
		target, verdict = a.Policy.Evaluate(target)
		if verdict == VerdictLoginCallback {
			target, verdict = a.Policy.BaseURL, VerdictDenied
		}
	}
	level := slog.LevelDebug
	if verdict == VerdictDenied && requested != "" {
		level = slog.LevelWarn
	}
	a.Logger.Log(r.Context(), level, "redirect resolved",
		"verdict", string(verdict),
		"requested", requested,
		"target", target,
		"request_id", RequestIDFromContext(r.Context()),
	)
	return target
}

func (a *App) redirectToSignIn(w http.ResponseWriter, r *http.Request, code, callback string) {
	http.Redirect(w, r, signInURL(code, callback), http.StatusFound)
}

func (a *App) providerButtons(callback string) []providerButton {
	names := sortedNames(a.Providers)
	if a.devLoginEnabled(localProviderName) {
		names = append(names, localProviderName)
	}
	buttons := make([]providerButton, 0, len(names))
	for _, name := range names {
		btn := providerButton{
			Name:  name,
			Label: providerLabel(a.Config, name),
			Href:  withCallback(RouteSignIn+"/"+url.PathEscape(name), callback),
		}
		if name == a.DefaultProvider {
			buttons = append([]providerButton{btn}, buttons...)
			continue
		}
		buttons = append(buttons, btn)
	}
	return buttons
}

func (a *App) devLoginEnabled(name string) bool {
	if !a.Config.Server.DevMode || name != localProviderName {
		return false
	}
	_, shadowed := a.Providers[localProviderName]
	return !shadowed
}

// sameOriginPost rejects form posts whose Origin header names another site.
// Requests without Origin are let through; SameSite cookies cover them.
func (a *App) sameOriginPost(r *http.Request) bool {
	raw := r.Header.Get("Origin")
	if raw == "" {
		return true
	}
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	origin, ok := originOf(u)
	if !ok {
		return false
	}
	if origin == a.Policy.BaseURL {
		return true
	}
	self, err := url.Parse(BuildCallbackURL(OriginFromRequest(r), a.Config.CallbackFallbacks()))
	if err != nil {
		return false
	}
	selfOrigin, ok := originOf(self)
	return ok && selfOrigin == origin
}

func signInURL(code, callback string) string {
	values := url.Values{}
	if code != "" {
		values.Set("error", code)
	}
	if callback != "" {
		values.Set("callbackUrl", callback)
	}
	if len(values) == 0 {
		return RouteSignIn
	}
	return RouteSignIn + "?" + values.Encode()
}

func withCallback(path, callback string) string {
	if callback == "" {
		return path
	}
	return path + "?callbackUrl=" + url.QueryEscape(callback)
}

func randomToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
