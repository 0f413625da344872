package server

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func signTestClaims(t *testing.T, ring *KeyRing, exp time.Time) string {
	t.Helper()
	token, err := ring.Sign(jwt.RegisteredClaims{
		Subject:   "google:123",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return token
}

func TestKeyRingSignAndParse(t *testing.T) {
	ring, err := NewKeyRing("", time.Hour, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	token := signTestClaims(t, ring, time.Now().Add(time.Minute))
	var claims jwt.RegisteredClaims
	if err := ring.Parse(token, &claims); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if claims.Subject != "google:123" {
		t.Fatalf("unexpected subject %q", claims.Subject)
	}
}

func TestKeyRingRejectsExpired(t *testing.T) {
	ring, err := NewKeyRing("", time.Hour, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	token := signTestClaims(t, ring, time.Now().Add(-time.Minute))
	var claims jwt.RegisteredClaims
	if err := ring.Parse(token, &claims); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired error, got %v", err)
	}
}

func TestKeyRingRequiresExpiry(t *testing.T) {
	ring, err := NewKeyRing("", time.Hour, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	token, err := ring.Sign(jwt.RegisteredClaims{Subject: "google:123"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var claims jwt.RegisteredClaims
	if err := ring.Parse(token, &claims); err == nil {
		t.Fatalf("expected token without exp to be rejected")
	}
}

func TestKeyRingRejectsForeignKey(t *testing.T) {
	ring, err := NewKeyRing("", time.Hour, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	other, err := NewKeyRing("", time.Hour, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	token := signTestClaims(t, other, time.Now().Add(time.Minute))
	var claims jwt.RegisteredClaims
	if err := ring.Parse(token, &claims); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("expected ErrUnknownKey, got %v", err)
	}
}

func TestKeyRingRejectsHMACDowngrade(t *testing.T) {
	ring, err := NewKeyRing("", time.Hour, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "google:123",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Minute)),
	})
	token.Header["kid"] = ring.current.Kid
	raw, err := token.SignedString([]byte("guessable"))
	if err != nil {
		t.Fatalf("sign hmac: %v", err)
	}

	var claims jwt.RegisteredClaims
	if err := ring.Parse(raw, &claims); err == nil {
		t.Fatalf("expected HS256 token to be rejected")
	}
}

func TestKeyRingRotationDropsKeysPastTokenTTL(t *testing.T) {
	ring, err := NewKeyRing("", time.Hour, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	first := signTestClaims(t, ring, time.Now().Add(time.Minute))
	if err := ring.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	var claims jwt.RegisteredClaims
	if err := ring.Parse(first, &claims); err != nil {
		t.Fatalf("token signed before one rotation should verify: %v", err)
	}

	if err := ring.rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if err := ring.Parse(first, &claims); !errors.Is(err, ErrUnknownKey) {
		t.Fatalf("token outliving its key by more than the ttl should be rejected, got %v", err)
	}
}

func TestKeyRingKeepsKeysForDefaultSessionTTL(t *testing.T) {
	cfg := DefaultConfig()
	ring, err := NewKeyRing("", cfg.Auth.KeyRotation, cfg.Auth.SessionTTL, testLogger())
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}

	token := signTestClaims(t, ring, time.Now().Add(time.Minute))
	rotations := retiredKeysFor(cfg.Auth.SessionTTL, cfg.Auth.KeyRotation)
	if time.Duration(rotations)*cfg.Auth.KeyRotation < cfg.Auth.SessionTTL {
		t.Fatalf("%d rotations of %s do not cover %s", rotations, cfg.Auth.KeyRotation, cfg.Auth.SessionTTL)
	}
	for i := 0; i < rotations; i++ {
		if err := ring.rotate(); err != nil {
			t.Fatalf("rotate: %v", err)
		}
		var claims jwt.RegisteredClaims
		if err := ring.Parse(token, &claims); err != nil {
			t.Fatalf("session should verify after %d rotations: %v", i+1, err)
		}
	}
}

func TestRetiredKeysFor(t *testing.T) {
	tests := []struct {
		ttl, every time.Duration
		want       int
	}{
		{30 * 24 * time.Hour, 7 * 24 * time.Hour, 5},
		{14 * 24 * time.Hour, 7 * 24 * time.Hour, 2},
		{time.Hour, 24 * time.Hour, 1},
		{time.Hour, 0, 1},
	}
	for _, tt := range tests {
		if got := retiredKeysFor(tt.ttl, tt.every); got != tt.want {
			t.Fatalf("retiredKeysFor(%s, %s) = %d, want %d", tt.ttl, tt.every, got, tt.want)
		}
	}
}

func TestKeyRingPersistsRetiredKeys(t *testing.T) {
	dir := t.TempDir()
	ring, err := NewKeyRing(dir, time.Hour, 3*time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	token := signTestClaims(t, ring, time.Now().Add(time.Minute))
	for i := 0; i < 3; i++ {
		if err := ring.rotate(); err != nil {
			t.Fatalf("rotate: %v", err)
		}
	}

	reloaded, err := NewKeyRing(dir, time.Hour, 3*time.Hour, testLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	var claims jwt.RegisteredClaims
	if err := reloaded.Parse(token, &claims); err != nil {
		t.Fatalf("token signed three rotations ago should verify after restart: %v", err)
	}
}

func TestKeyRingPersistsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	ring, err := NewKeyRing(dir, time.Hour, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	token := signTestClaims(t, ring, time.Now().Add(time.Minute))

	info, err := os.Stat(filepath.Join(dir, keyRingFile))
	if err != nil {
		t.Fatalf("key file not written: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("key file mode %v, want 0600", info.Mode().Perm())
	}

	reloaded, err := NewKeyRing(dir, time.Hour, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	var claims jwt.RegisteredClaims
	if err := reloaded.Parse(token, &claims); err != nil {
		t.Fatalf("token should verify after restart: %v", err)
	}
}

func TestKeyRingRejectsCorruptKeyFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, keyRingFile), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewKeyRing(dir, time.Hour, time.Hour, testLogger()); err == nil {
		t.Fatalf("expected corrupt key file to fail startup")
	}
}

func TestKeyRingStartRotation(t *testing.T) {
	ring, err := NewKeyRing("", 10*time.Millisecond, time.Hour, testLogger())
	if err != nil {
		t.Fatalf("NewKeyRing: %v", err)
	}
	ring.mu.RLock()
	before := ring.current.Kid
	ring.mu.RUnlock()

	stop := make(chan struct{})
	ring.StartRotation(stop)
	defer close(stop)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		ring.mu.RLock()
		kid := ring.current.Kid
		ring.mu.RUnlock()
		if kid != before {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("key was not rotated")
}
