package server

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"
)

type stubSessionReader struct {
	sess *Session
	err  error
}

func (s stubSessionReader) Fetch(r *http.Request) (*Session, error) {
	return s.sess, s.err
}

func liveSession(name, email string) *Session {
	return &Session{
		ID:        "sess-1",
		UserID:    "google:123",
		IDP:       "google",
		User:      SessionUser{Name: name, Email: email},
		AuthTime:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

func TestGateRedirectsAnonymous(t *testing.T) {
	gate := NewGate(stubSessionReader{}, []string{"https://chat.example.com"})

	req := httptest.NewRequest("GET", "/", nil)
	req.Host = "localhost:3000"
	req.Header.Set("X-Forwarded-Proto", "http")

	decision := gate.Guard(req)
	if decision.Allow {
		t.Fatalf("anonymous request must not be allowed")
	}
	want := "/api/auth/signin?callbackUrl=" + url.QueryEscape("http://localhost:3000/")
	if decision.RedirectTo != want {
		t.Fatalf("redirect %q, want %q", decision.RedirectTo, want)
	}
}

func TestGateRedirectUsesForwardedHost(t *testing.T) {
	gate := NewGate(stubSessionReader{}, nil)

	req := httptest.NewRequest("GET", "/", nil)
	req.Host = "10.0.0.7:8080"
	req.Header.Set("X-Forwarded-Host", "chat.example.com")

	decision := gate.Guard(req)
	if decision.Allow || decision.RedirectTo != "/api/auth/signin?callbackUrl=https%3A%2F%2Fchat.example.com%2F" {
		t.Fatalf("unexpected decision %+v", decision)
	}
}

func TestGateCallbackIsAbsoluteForPortOnlyHost(t *testing.T) {
	gate := NewGate(stubSessionReader{}, []string{"https://chat.example.com"})

	req := httptest.NewRequest("GET", "/", nil)
	req.Host = ":8080"

	loc, err := url.Parse(gate.Guard(req).RedirectTo)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	callback, err := url.Parse(loc.Query().Get("callbackUrl"))
	if err != nil || !callback.IsAbs() || callback.Hostname() == "" {
		t.Fatalf("callbackUrl %q is not an absolute URL with a host", loc.Query().Get("callbackUrl"))
	}
	if callback.String() != "https://chat.example.com/" {
		t.Fatalf("expected configured fallback, got %q", callback)
	}
}

func TestGateTreatsReadErrorAsAnonymous(t *testing.T) {
	gate := NewGate(stubSessionReader{err: errors.New("bad signature")}, []string{"https://chat.example.com"})

	decision := gate.Guard(httptest.NewRequest("GET", "/", nil))
	if decision.Allow || decision.RedirectTo == "" || decision.Session != nil {
		t.Fatalf("read error should redirect to sign-in, got %+v", decision)
	}
}

func TestGateTreatsExpiredSessionAsAnonymous(t *testing.T) {
	sess := liveSession("Ada", "")
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	gate := NewGate(stubSessionReader{sess: sess}, nil)

	if _, err := gate.Lookup(httptest.NewRequest("GET", "/", nil)); !errors.Is(err, ErrNoSession) {
		t.Fatalf("expired session: got %v, want ErrNoSession", err)
	}
	if gate.Guard(httptest.NewRequest("GET", "/", nil)).Allow {
		t.Fatalf("expired session must not be allowed")
	}
}

func TestGateLookup(t *testing.T) {
	readErr := errors.New("bad signature")
	if _, err := NewGate(stubSessionReader{err: readErr}, nil).Lookup(httptest.NewRequest("GET", "/", nil)); !errors.Is(err, readErr) {
		t.Fatalf("reader error should pass through, got %v", err)
	}

	if _, err := NewGate(stubSessionReader{}, nil).Lookup(httptest.NewRequest("GET", "/", nil)); !errors.Is(err, ErrNoSession) {
		t.Fatalf("missing session: got %v, want ErrNoSession", err)
	}

	sess := liveSession("Ada", "")
	got, err := NewGate(stubSessionReader{sess: sess}, nil).Lookup(httptest.NewRequest("GET", "/", nil))
	if err != nil || got != sess {
		t.Fatalf("Lookup = (%v, %v), want the live session", got, err)
	}
}

func TestGateAllowsSession(t *testing.T) {
	sess := liveSession("Ada Lovelace", "ada@example.com")
	gate := NewGate(stubSessionReader{sess: sess}, nil)

	decision := gate.Guard(httptest.NewRequest("GET", "/", nil))
	if !decision.Allow || decision.Session != sess || decision.RedirectTo != "" {
		t.Fatalf("unexpected decision %+v", decision)
	}
	if decision.Identity != "Ada Lovelace" {
		t.Fatalf("identity %q", decision.Identity)
	}
}

func TestGateRequire(t *testing.T) {
	var seenIdentity string
	var seenSession *Session
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenIdentity = IdentityFromContext(r.Context())
		seenSession = SessionFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	t.Run("anonymous", func(t *testing.T) {
		gate := NewGate(stubSessionReader{}, []string{"https://chat.example.com"})
		req := httptest.NewRequest("GET", "/", nil)
		req.Host = ""
		rec := httptest.NewRecorder()

		gate.Require(next).ServeHTTP(rec, req)
		if rec.Code != http.StatusFound {
			t.Fatalf("status %d, want 302", rec.Code)
		}
		if got := rec.Header().Get("Location"); got != "/api/auth/signin?callbackUrl=https%3A%2F%2Fchat.example.com%2F" {
			t.Fatalf("location %q", got)
		}
	})

	t.Run("authenticated", func(t *testing.T) {
		sess := liveSession("", "ada@example.com")
		gate := NewGate(stubSessionReader{sess: sess}, nil)
		rec := httptest.NewRecorder()

		gate.Require(next).ServeHTTP(rec, httptest.NewRequest("GET", "/", nil))
		if rec.Code != http.StatusNoContent {
			t.Fatalf("status %d, want 204", rec.Code)
		}
		if seenIdentity != "ada@example.com" || seenSession != sess {
			t.Fatalf("context not populated: identity=%q session=%v", seenIdentity, seenSession)
		}
	})
}

func TestDisplayIdentity(t *testing.T) {
	tests := []struct {
		name string
		sess *Session
		want string
	}{
		{"name", liveSession("Ada", "ada@example.com"), "Ada"},
		{"email_when_no_name", liveSession("", "ada@example.com"), "ada@example.com"},
		{"blank_name", liveSession("   ", "ada@example.com"), "ada@example.com"},
		{"neither", liveSession("", ""), anonymousLabel},
		{"nil_session", nil, anonymousLabel},
	}
	for _, tt := range tests {
		if got := DisplayIdentity(tt.sess); got != tt.want {
			t.Fatalf("%s: DisplayIdentity = %q, want %q", tt.name, got, tt.want)
		}
	}
}
