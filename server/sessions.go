package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	sessionCookieName = "chatgate_session"
	loginCookieName   = "chatgate_login"

	loginStateTTL = 10 * time.Minute
)

var (
	// ErrNoLoginState is returned when the callback arrives without a usable login cookie.
	ErrNoLoginState = errors.New("login state missing or expired")
	// ErrLoginStateMismatch is returned when the callback's state or provider differs from the login cookie.
	ErrLoginStateMismatch = errors.New("login state mismatch")
)

type sessionClaims struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	IDP   string `json:"idp"`
	jwt.RegisteredClaims
}

type loginClaims struct {
	Provider    string `json:"idp"`
	State       string `json:"state"`
	Nonce       string `json:"nonce,omitempty"`
	Verifier    string `json:"pkce,omitempty"`
	CallbackURL string `json:"cb,omitempty"`
	jwt.RegisteredClaims
}

// SessionManager issues and reads stateless session cookies. The cookie holds
// a signed token; nothing is stored server-side.
type SessionManager struct {
	keys         *KeyRing
	logger       *slog.Logger
	ttl          time.Duration
	secure       bool
	cookieDomain string
}

// NewSessionManager constructs a session manager honouring config.
func NewSessionManager(cfg Config, keys *KeyRing, logger *slog.Logger) *SessionManager {
	return &SessionManager{
		keys:         keys,
		logger:       logger,
		ttl:          cfg.Auth.SessionTTL,
		secure:       !cfg.Server.DevMode,
		cookieDomain: cfg.Server.CookieDomain,
	}
}

// Fetch returns the session carried by the request cookie. A missing cookie
// yields (nil, nil); a cookie that fails verification yields an error.
func (sm *SessionManager) Fetch(r *http.Request) (*Session, error) {
	cookie, err := r.Cookie(sessionCookieName)
	if err != nil || cookie.Value == "" {
		return nil, nil
	}

	var claims sessionClaims
	if err := sm.keys.Parse(cookie.Value, &claims); err != nil {
		return nil, fmt.Errorf("verify session: %w", err)
	}
	if claims.Subject == "" || claims.ExpiresAt == nil {
		return nil, errors.New("verify session: incomplete claims")
	}

	sess := &Session{
		ID:        claims.ID,
		UserID:    claims.Subject,
		IDP:       claims.IDP,
		User:      SessionUser{Name: claims.Name, Email: claims.Email},
		ExpiresAt: claims.ExpiresAt.Time,
	}
	if claims.IssuedAt != nil {
		sess.AuthTime = claims.IssuedAt.Time
	}
	return sess, nil
}

// Create signs a new session for user and sets the cookie.
func (sm *SessionManager) Create(w http.ResponseWriter, provider string, user ProviderUser) (*Session, error) {
	now := time.Now()
	sess := &Session{
		ID:        uuid.NewString(),
		UserID:    buildUserID(provider, user.Subject),
		IDP:       provider,
		User:      SessionUser{Name: user.Name, Email: user.Email},
		AuthTime:  now,
		ExpiresAt: now.Add(sm.ttl),
	}

	token, err := sm.keys.Sign(sessionClaims{
		Name:  sess.User.Name,
		Email: sess.User.Email,
		IDP:   provider,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        sess.ID,
			Subject:   sess.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(sess.ExpiresAt),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sign session: %w", err)
	}

	http.SetCookie(w, sm.cookie(sessionCookieName, token, "/", sm.ttl))
	return sess, nil
}

// Clear removes the session cookie for logout.
func (sm *SessionManager) Clear(w http.ResponseWriter) {
	http.SetCookie(w, sm.cookie(sessionCookieName, "", "/", -1))
}

// BeginLogin stores the pending login in a short-lived signed cookie scoped
// to the auth routes.
func (sm *SessionManager) BeginLogin(w http.ResponseWriter, login PendingLogin) error {
	now := time.Now()
	token, err := sm.keys.Sign(loginClaims{
		Provider:    login.Provider,
		State:       login.State,
		Nonce:       login.Nonce,
		Verifier:    login.Verifier,
		CallbackURL: login.CallbackURL,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(loginStateTTL)),
		},
	})
	if err != nil {
		return fmt.Errorf("sign login state: %w", err)
	}
	http.SetCookie(w, sm.cookie(loginCookieName, token, RouteAuthPrefix, loginStateTTL))
	return nil
}

// ConsumeLogin reads the pending login for provider, checks state against it
// and clears the cookie whatever the outcome.
func (sm *SessionManager) ConsumeLogin(w http.ResponseWriter, r *http.Request, provider, state string) (PendingLogin, error) {
	cookie, err := r.Cookie(loginCookieName)
	if err != nil || cookie.Value == "" {
		return PendingLogin{}, ErrNoLoginState
	}
	http.SetCookie(w, sm.cookie(loginCookieName, "", RouteAuthPrefix, -1))

	var claims loginClaims
	if err := sm.keys.Parse(cookie.Value, &claims); err != nil {
		return PendingLogin{}, fmt.Errorf("%w: %v", ErrNoLoginState, err)
	}
	if claims.Provider != provider || claims.State == "" || claims.State != state {
		return PendingLogin{}, ErrLoginStateMismatch
	}

	return PendingLogin{
		Provider:    claims.Provider,
		State:       claims.State,
		Nonce:       claims.Nonce,
		Verifier:    claims.Verifier,
		CallbackURL: claims.CallbackURL,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

func (sm *SessionManager) cookie(name, value, path string, ttl time.Duration) *http.Cookie {
	maxAge := int(ttl.Seconds())
	if ttl < 0 {
		maxAge = -1
	}
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		Domain:   sm.cookieDomain,
		HttpOnly: true,
		Secure:   sm.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   maxAge,
	}
}

func buildUserID(provider, subject string) string {
	return provider + ":" + strings.TrimSpace(subject)
}
