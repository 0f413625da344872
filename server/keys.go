package server

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnknownKey is returned when a token names a key the ring no longer holds.
var ErrUnknownKey = errors.New("unknown signing key")

const keyRingFile = "session-keys.json"

type keyPair struct {
	PrivateKey *ecdsa.PrivateKey
	JWK        jose.JSONWebKey
	Kid        string
}

// KeyRing holds the ES256 keys that sign session and login-state cookies.
// Retired keys are kept until every token they signed has expired.
type KeyRing struct {
	mu          sync.RWMutex
	current     keyPair
	previous    []keyPair
	retain      int
	rotateEvery time.Duration
	storePath   string
	logger      *slog.Logger
}

// NewKeyRing loads persisted keys from secretsPath, or generates a fresh key.
// An empty secretsPath keeps the ring in memory only. tokenTTL is the longest
// lifetime of a token the ring signs.
func NewKeyRing(secretsPath string, rotateEvery, tokenTTL time.Duration, logger *slog.Logger) (*KeyRing, error) {
	ring := &KeyRing{
		retain:      retiredKeysFor(tokenTTL, rotateEvery),
		rotateEvery: rotateEvery,
		logger:      logger,
	}
	if secretsPath != "" {
		ring.storePath = filepath.Join(secretsPath, keyRingFile)
		if err := ring.loadFromDisk(); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load session keys: %w", err)
		}
	}

	if ring.current.PrivateKey == nil {
		if err := ring.rotate(); err != nil {
			return nil, err
		}
	}
	return ring, nil
}

// StartRotation launches background rotation ticker.
func (k *KeyRing) StartRotation(stop <-chan struct{}) {
	if k.rotateEvery <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(k.rotateEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := k.rotate(); err != nil {
					k.logger.Error("session key rotate", "error", err)
				}
			case <-stop:
				return
			}
		}
	}()
}

// Sign signs claims with the current key.
func (k *KeyRing) Sign(claims jwt.Claims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	k.mu.RLock()
	defer k.mu.RUnlock()
	token.Header["kid"] = k.current.Kid
	return token.SignedString(k.current.PrivateKey)
}

// Keyfunc resolves the verification key named by a token's kid header.
func (k *KeyRing) Keyfunc(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	k.mu.RLock()
	defer k.mu.RUnlock()
	if kid == k.current.Kid {
		return &k.current.PrivateKey.PublicKey, nil
	}
	for _, prev := range k.previous {
		if prev.Kid == kid {
			return &prev.PrivateKey.PublicKey, nil
		}
	}
	return nil, ErrUnknownKey
}

// Parse verifies raw against the ring and decodes it into claims.
func (k *KeyRing) Parse(raw string, claims jwt.Claims) error {
	_, err := jwt.ParseWithClaims(raw, claims, k.Keyfunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodES256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	return err
}

func (k *KeyRing) rotate() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("generate session key: %w", err)
	}
	kid, err := randomKID()
	if err != nil {
		return err
	}
	jwk := jose.JSONWebKey{Key: key, KeyID: kid, Algorithm: string(jose.ES256), Use: "sig"}

	k.mu.Lock()
	if k.current.PrivateKey != nil {
		k.previous = append([]keyPair{k.current}, k.previous...)
		if len(k.previous) > k.retain {
			k.previous = k.previous[:k.retain]
		}
	}
	k.current = keyPair{PrivateKey: key, JWK: jwk, Kid: kid}
	k.mu.Unlock()

	if k.storePath != "" {
		if err := k.persist(); err != nil {
			return err
		}
	}
	return nil
}

func (k *KeyRing) persist() error {
	k.mu.RLock()
	defer k.mu.RUnlock()

	keys := []jose.JSONWebKey{k.current.JWK}
	for _, prev := range k.previous {
		keys = append(keys, prev.JWK)
	}
	payload, err := json.MarshalIndent(jose.JSONWebKeySet{Keys: keys}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session keys: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(k.storePath), 0o700); err != nil {
		return fmt.Errorf("create secrets dir: %w", err)
	}
	return os.WriteFile(k.storePath, payload, 0o600)
}

func (k *KeyRing) loadFromDisk() error {
	payload, err := os.ReadFile(k.storePath)
	if err != nil {
		return err
	}
	var set jose.JSONWebKeySet
	if err := json.Unmarshal(payload, &set); err != nil {
		return err
	}
	var pairs []keyPair
	for _, key := range set.Keys {
		priv, ok := key.Key.(*ecdsa.PrivateKey)
		if !ok {
			continue
		}
		pairs = append(pairs, keyPair{PrivateKey: priv, JWK: key, Kid: key.KeyID})
	}
	if len(pairs) == 0 {
		return errors.New("no usable keys in key file")
	}
	k.current = pairs[0]
	k.previous = pairs[1:]
	if len(k.previous) > k.retain {
		k.previous = k.previous[:k.retain]
	}
	return nil
}

// retiredKeysFor is how many retired keys must be kept so that a token
// signed just before a rotation outlives its key by at least tokenTTL.
func retiredKeysFor(tokenTTL, rotateEvery time.Duration) int {
	if rotateEvery <= 0 || tokenTTL <= rotateEvery {
		return 1
	}
	return int((tokenTTL + rotateEvery - 1) / rotateEvery)
}

func randomKID() (string, error) {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate key id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
