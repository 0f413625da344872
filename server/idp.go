package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// IdentityProvider is an upstream login the sign-in flow can hand off to.
type IdentityProvider interface {
	// AuthCodeURL returns the authorize URL for one login attempt. nonce and
	// verifier are bound into the request when non-empty.
	AuthCodeURL(state, nonce, verifier string) string
	// Exchange redeems code and returns the verified user.
	Exchange(ctx context.Context, code, verifier, expectedNonce string) (ProviderUser, error)
}

var (
	errNoIDToken     = errors.New("token response carries no id_token")
	errNonceMismatch = errors.New("id_token nonce does not match login")
)

// OIDCProvider talks to an OpenID Connect issuer found through discovery.
type OIDCProvider struct {
	name     string
	oauth    oauth2.Config
	idTokens *oidc.IDTokenVerifier
	logger   *slog.Logger
}

// idClaims are the profile claims read from a verified ID token.
type idClaims struct {
	Email             string `json:"email"`
	Name              string `json:"name"`
	PreferredUsername string `json:"preferred_username"`
}

func (c idClaims) displayName() string {
	if c.Name != "" {
		return c.Name
	}
	return c.PreferredUsername
}

// NewOIDCProvider runs discovery against upstream.Issuer. redirect is the
// absolute callback URL registered with the provider.
func NewOIDCProvider(ctx context.Context, name string, upstream UpstreamProvider, redirect string, logger *slog.Logger) (*OIDCProvider, error) {
	if upstream.Issuer == "" {
		return nil, fmt.Errorf("provider %s: issuer is required", name)
	}

	discovered, err := oidc.NewProvider(ctx, upstream.Issuer)
	if err != nil {
		return nil, fmt.Errorf("provider %s: discovery: %w", name, err)
	}

	// Public clients authenticate with client_id in the form body.
	endpoint := discovered.Endpoint()
	if upstream.ClientSecret == "" {
		endpoint.AuthStyle = oauth2.AuthStyleInParams
	}

	return &OIDCProvider{
		name: name,
		oauth: oauth2.Config{
			ClientID:     upstream.ClientID,
			ClientSecret: upstream.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  redirect,
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		idTokens: discovered.Verifier(&oidc.Config{ClientID: upstream.ClientID}),
		logger:   logger,
	}, nil
}

func (p *OIDCProvider) AuthCodeURL(state, nonce, verifier string) string {
	var opts []oauth2.AuthCodeOption
	if nonce != "" {
		opts = append(opts, oidc.Nonce(nonce))
	}
	if verifier != "" {
		opts = append(opts, oauth2.S256ChallengeOption(verifier))
	}
	return p.oauth.AuthCodeURL(state, opts...)
}

func (p *OIDCProvider) Exchange(ctx context.Context, code, verifier, expectedNonce string) (ProviderUser, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	token, err := p.oauth.Exchange(ctx, code, opts...)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("code exchange: %w", err)
	}

	raw, _ := token.Extra("id_token").(string)
	if raw == "" {
		return ProviderUser{}, errNoIDToken
	}
	idToken, err := p.idTokens.Verify(ctx, raw)
	if err != nil {
		return ProviderUser{}, fmt.Errorf("id_token: %w", err)
	}
	if expectedNonce != "" && idToken.Nonce != expectedNonce {
		return ProviderUser{}, errNonceMismatch
	}

	var claims idClaims
	if err := idToken.Claims(&claims); err != nil {
		return ProviderUser{}, fmt.Errorf("id_token claims: %w", err)
	}

	p.logger.Debug("provider login verified", "provider", p.name, "sub", idToken.Subject)
	return ProviderUser{
		Subject: idToken.Subject,
		Email:   claims.Email,
		Name:    claims.displayName(),
	}, nil
}

// BuildProviders runs discovery for every provider with an issuer and client
// ID. Outside dev mode a failed discovery or a missing default provider is
// fatal; in dev mode both are logged and skipped.
func BuildProviders(ctx context.Context, cfg Config, logger *slog.Logger) (map[string]IdentityProvider, error) {
	upstreams := map[string]UpstreamProvider{"google": cfg.Auth.Providers.Google}
	for name, upstream := range cfg.Auth.Providers.Extra {
		upstreams[name] = upstream
	}

	providers := make(map[string]IdentityProvider, len(upstreams))
	for _, name := range sortedNames(upstreams) {
		upstream := upstreams[name]
		if upstream.Issuer == "" || upstream.ClientID == "" {
			continue
		}
		p, err := NewOIDCProvider(ctx, name, upstream, cfg.BaseURL()+RouteCallbackPrefix+name, logger)
		switch {
		case err == nil:
			providers[name] = p
		case cfg.Server.DevMode:
			logger.Warn("skipping provider", "provider", name, "error", err)
		default:
			return nil, err
		}
	}

	def := cfg.Auth.Providers.Default
	if _, ok := providers[def]; ok {
		return providers, nil
	}
	switch {
	case cfg.Server.DevMode:
		if def != "" {
			logger.Warn("default provider unavailable", "provider", def)
		}
	case def == "":
		return nil, errors.New("no default provider configured")
	default:
		return nil, fmt.Errorf("default provider %s not configured", def)
	}
	return providers, nil
}

// providerLabel is the text on a provider's sign-in button.
func providerLabel(cfg Config, name string) string {
	if name == localProviderName {
		return "Dev User"
	}
	if p := cfg.Provider(name); p != nil && p.DisplayName != "" {
		return p.DisplayName
	}
	if name == "" {
		return ""
	}
	return strings.ToUpper(name[:1]) + name[1:]
}

func sortedNames[V any](m map[string]V) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
