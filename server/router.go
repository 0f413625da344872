package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

const (
	RouteAuthPrefix     = "/api/auth"
	RouteSignIn         = RouteAuthPrefix + "/signin"
	RouteCallbackPrefix = RouteAuthPrefix + "/callback/"
	RouteSignOut        = RouteAuthPrefix + "/signout"
	RouteSession        = RouteAuthPrefix + "/session"
	RouteHealth         = "/healthz"
)

// Routes constructs the HTTP router: the gated page plus the auth endpoints.
func (a *App) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(a.Logger))
	r.Use(RecoveryMiddleware(a.Logger, a.Config.Server.DevMode))
	r.Use(SecurityHeadersMiddleware(a.Config.Server.TLS.HSTSMaxAge, a.Config.Server.DevMode))

	r.Method(http.MethodGet, "/", a.Gate.Require(http.HandlerFunc(a.handleIndex)))

	r.Get(RouteSignIn, a.handleSignIn)
	r.Get(RouteSignIn+"/{idp}", a.handleSignInStart)
	r.Get(RouteCallbackPrefix+"{idp}", a.handleCallback)
	r.Post(RouteSignOut, a.handleSignOut)
	r.Get(RouteSession, a.handleSession)

	r.Get(RouteHealth, a.handleHealth)

	return r
}
