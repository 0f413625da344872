package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"chatgate/server"
)

const maxConnectHops = 10

// runConnect follows the provider's authorize URL until it reaches a page,
// which proves the client ID and redirect URI are accepted upstream.
func runConnect(ctx context.Context, cfg server.Config, logger *slog.Logger, providerName string, provided map[string]server.IdentityProvider, httpClient *http.Client) error {
	if providerName == "" {
		return errors.New("provider name required")
	}

	providers := provided
	if providers == nil {
		built, err := server.BuildProviders(ctx, cfg, logger)
		if err != nil {
			return fmt.Errorf("build providers: %w", err)
		}
		providers = built
	}
	provider, ok := providers[providerName]
	if !ok {
		return fmt.Errorf("provider %q is not configured", providerName)
	}

	authURL := provider.AuthCodeURL(uuid.NewString(), uuid.NewString(), oauth2.GenerateVerifier())
	logger.Info("connect.start", "provider", providerName, "auth_url", authURL)

	// Work on a copy so the caller's CheckRedirect is left alone.
	client := &http.Client{Timeout: 30 * time.Second}
	if httpClient != nil {
		copied := *httpClient
		client = &copied
	}
	inner := client.CheckRedirect
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= maxConnectHops {
			return fmt.Errorf("stopped after %d redirects", len(via))
		}
		logger.Debug("connect.hop", "provider", providerName, "hop", len(via), "url", req.URL.String())
		if inner != nil {
			return inner(req, via)
		}
		return nil
	}

	resp, err := fetch(ctx, client, authURL)
	if err != nil {
		return fmt.Errorf("authorize endpoint: %w", err)
	}
	landed := resp.Request.URL.String()
	logger.Info("connect.result", "provider", providerName, "status", resp.StatusCode, "url", landed)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("provider answered %s at %s", resp.Status, landed)
	}
	logger.Info("connect.ok", "provider", providerName)
	return nil
}

// fetch GETs url and drains a bounded amount of the body so the connection
// can be reused.
func fetch(ctx context.Context, client *http.Client, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))
	resp.Body.Close()
	return resp, nil
}

// checkReachable reports an error when url does not answer below 400. An empty url
// is not checked.
func checkReachable(ctx context.Context, url string) error {
	if url == "" {
		return nil
	}
	resp, err := fetch(ctx, &http.Client{Timeout: 5 * time.Second}, url)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

type discoveryTarget struct {
	provider string
	url      string
}

// discoveryTargets lists the discovery documents of providers that have
// credentials configured.
func discoveryTargets(cfg server.Config) []discoveryTarget {
	names := []string{"google"}
	for name := range cfg.Auth.Providers.Extra {
		names = append(names, name)
	}
	var targets []discoveryTarget
	for _, name := range names {
		p := cfg.Provider(name)
		if p == nil || p.Issuer == "" || p.ClientID == "" {
			continue
		}
		targets = append(targets, discoveryTarget{
			provider: name,
			url:      strings.TrimSuffix(p.Issuer, "/") + "/.well-known/openid-configuration",
		})
	}
	return targets
}

// warnUnreachableProviders runs at startup. The server still starts when a
// provider cannot be reached.
func warnUnreachableProviders(ctx context.Context, cfg server.Config, logger *slog.Logger) {
	for _, target := range discoveryTargets(cfg) {
		if err := checkReachable(ctx, target.url); err != nil {
			logger.Warn("provider discovery unreachable, sign-in may fail",
				"provider", target.provider, "url", target.url, "error", err)
			continue
		}
		logger.Debug("provider discovery reachable", "provider", target.provider)
	}
}

func runConfigValidate(path string, logger *slog.Logger) error {
	cfg, err := server.LoadConfig(path)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	for _, target := range discoveryTargets(cfg) {
		if err := checkReachable(ctx, target.url); err != nil {
			logger.Error("provider discovery unreachable", "provider", target.provider, "url", target.url, "error", err)
			continue
		}
		logger.Info("provider discovery reachable", "provider", target.provider, "url", target.url)
	}
	if err := checkReachable(ctx, cfg.Widget.ScriptURL); err != nil {
		logger.Error("widget script unreachable", "url", cfg.Widget.ScriptURL, "error", err)
	}
	return nil
}
