package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// anonymousLabel is shown for a session that carries neither name nor email.
const anonymousLabel = "Authenticated user"

// ErrNoSession is returned by Gate.Lookup for an anonymous request.
var ErrNoSession = errors.New("no session")

// SessionReader looks up the session attached to a request. A nil session
// with a nil error means the request is anonymous.
type SessionReader interface {
	Fetch(r *http.Request) (*Session, error)
}

// GateDecision is the outcome of Gate.Guard. Exactly one of Allow or
// RedirectTo is meaningful.
type GateDecision struct {
	Allow      bool
	Session    *Session
	Identity   string
	RedirectTo string
}

// Gate protects server-rendered pages: anonymous visitors are sent to the
// login entry point with a callback pointing back at this application.
type Gate struct {
	sessions  SessionReader
	fallbacks []string
	loginPath string
}

// NewGate constructs a gate reading sessions from sessions and falling back
// to the given origins when a request carries no host.
func NewGate(sessions SessionReader, fallbacks []string) *Gate {
	return &Gate{
		sessions:  sessions,
		fallbacks: fallbacks,
		loginPath: RouteSignIn,
	}
}

// Guard decides whether r may proceed. A failed session lookup counts as no
// session.
func (g *Gate) Guard(r *http.Request) GateDecision {
	sess, err := g.Lookup(r)
	if err != nil {
		callback := BuildCallbackURL(OriginFromRequest(r), g.fallbacks)
		return GateDecision{
			RedirectTo: g.loginPath + "?callbackUrl=" + url.QueryEscape(callback),
		}
	}
	return GateDecision{
		Allow:    true,
		Session:  sess,
		Identity: DisplayIdentity(sess),
	}
}

// Lookup returns the live session of r, or ErrNoSession. Errors from the
// reader are passed through so callers can tell a tampered cookie apart.
func (g *Gate) Lookup(r *http.Request) (*Session, error) {
	sess, err := g.sessions.Fetch(r)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.ExpiresAt.After(time.Now()) {
		return nil, ErrNoSession
	}
	return sess, nil
}

// Require wraps next so that it only runs for authenticated requests.
func (g *Gate) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := g.Guard(r)
		if !decision.Allow {
			http.Redirect(w, r, decision.RedirectTo, http.StatusFound)
			return
		}
		ctx := context.WithValue(r.Context(), sessionKey{}, decision.Session)
		ctx = context.WithValue(ctx, identityKey{}, decision.Identity)
		annotateRequest(ctx, decision.Session.UserID, decision.Session.IDP)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// DisplayIdentity picks the label shown for a session: name, then email.
func DisplayIdentity(sess *Session) string {
	if sess == nil {
		return anonymousLabel
	}
	if name := strings.TrimSpace(sess.User.Name); name != "" {
		return name
	}
	if email := strings.TrimSpace(sess.User.Email); email != "" {
		return email
	}
	return anonymousLabel
}

// IdentityFromContext returns the display identity stored by Gate.Require.
func IdentityFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(identityKey{}).(string); ok {
		return v
	}
	return ""
}

// SessionFromContext returns the session stored by Gate.Require.
func SessionFromContext(ctx context.Context) *Session {
	if v, ok := ctx.Value(sessionKey{}).(*Session); ok {
		return v
	}
	return nil
}

type sessionKey struct{}
type identityKey struct{}
