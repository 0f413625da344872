package server

import "time"

// Session captures a logged-in browser session carried by the session cookie.
type Session struct {
	ID        string
	UserID    string
	IDP       string
	User      SessionUser
	AuthTime  time.Time
	ExpiresAt time.Time
}

// SessionUser is the display profile copied from the provider at login.
type SessionUser struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// PendingLogin is the state kept in the browser between the redirect to the
// provider and the provider's callback.
type PendingLogin struct {
	Provider    string
	State       string
	Nonce       string
	Verifier    string
	CallbackURL string
	ExpiresAt   time.Time
}

// ProviderUser is the identity an upstream provider vouched for.
type ProviderUser struct {
	Subject string
	Email   string
	Name    string
}

// sessionResponse is the JSON body of the session endpoint.
type sessionResponse struct {
	User    *SessionUser `json:"user,omitempty"`
	Expires string       `json:"expires,omitempty"`
}
