package server

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Hardcoded session and key defaults
const (
	DefaultSessionTTL  = 30 * 24 * time.Hour
	DefaultKeyRotation = 7 * 24 * time.Hour
	DefaultHSTSMaxAge  = 63072000

	envPrefix = "CHATGATE_"
)

// GoogleIssuer is the discovery issuer used when the google provider has none configured.
const GoogleIssuer = "https://accounts.google.com"

// Config is the chatgate configuration. YAML keys and CHATGATE_* variables
// map onto the same fields.
type Config struct {
	Server ServerConfig `yaml:"server" envPrefix:"SERVER_"`
	Auth   AuthConfig   `yaml:"auth" envPrefix:"AUTH_"`
	Widget WidgetConfig `yaml:"widget" envPrefix:"WIDGET_"`
}

// ServerConfig holds listeners, the public origin and cookie scope.
type ServerConfig struct {
	PublicURL       string    `yaml:"public_url" env:"PUBLIC_URL"`
	DeploymentURL   string    `yaml:"deployment_url" env:"DEPLOYMENT_URL"`
	DevListenAddr   string    `yaml:"dev_listen_addr" env:"DEV_LISTEN_ADDR"`
	HTTPListenAddr  string    `yaml:"http_listen_addr" env:"HTTP_LISTEN_ADDR"`
	HTTPSListenAddr string    `yaml:"https_listen_addr" env:"HTTPS_LISTEN_ADDR"`
	DevMode         bool      `yaml:"dev_mode" env:"DEV_MODE"`
	CookieDomain    string    `yaml:"cookie_domain" env:"COOKIE_DOMAIN"`
	SecretsPath     string    `yaml:"secrets_path" env:"SECRETS_PATH"`
	TLS             TLSConfig `yaml:"tls" envPrefix:"TLS_"`
}

// TLSConfig drives autocert in production.
type TLSConfig struct {
	Domains    []string `yaml:"domains" env:"DOMAINS" envSeparator:","`
	Email      string   `yaml:"email" env:"EMAIL"`
	MinVersion string   `yaml:"min_version" env:"MIN_VERSION"`
	HSTSMaxAge int      `yaml:"hsts_max_age" env:"HSTS_MAX_AGE"`
}

// AuthConfig controls sessions, signing keys and upstream providers.
type AuthConfig struct {
	SessionTTL           time.Duration  `yaml:"session_ttl" env:"SESSION_TTL"`
	KeyRotation          time.Duration  `yaml:"key_rotation" env:"KEY_ROTATION"`
	StrictCallbackOrigin bool           `yaml:"strict_callback_origin" env:"STRICT_CALLBACK_ORIGIN"`
	Providers            ProviderConfig `yaml:"providers"`
}

// ProviderConfig lists the upstream logins. Google is built in; other OIDC
// issuers go under Extra keyed by the name used in sign-in URLs.
type ProviderConfig struct {
	Default string                      `yaml:"default" env:"DEFAULT_PROVIDER"`
	Google  UpstreamProvider            `yaml:"google" envPrefix:"GOOGLE_"`
	Extra   map[string]UpstreamProvider `yaml:"extra"`
}

// UpstreamProvider is one OIDC client registration.
type UpstreamProvider struct {
	Issuer       string `yaml:"issuer" env:"ISSUER"`
	ClientID     string `yaml:"client_id" env:"CLIENT_ID"`
	ClientSecret string `yaml:"client_secret" env:"CLIENT_SECRET"`
	DisplayName  string `yaml:"display_name" env:"DISPLAY_NAME"`
}

// WidgetConfig describes the hosted chat widget embedded on the protected page.
type WidgetConfig struct {
	ScriptURL string `yaml:"script_url" env:"SCRIPT_URL"`
	Title     string `yaml:"title" env:"TITLE"`
}

// LoadConfig builds the effective configuration: defaults, then the YAML
// file at path (when non-empty), then CHATGATE_* environment variables. The
// result is validated before it is returned.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		if err := decodeConfigFile(path, &cfg); err != nil {
			slog.Error("config file rejected", "file", path, "error", err)
			return Config{}, err
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// decodeConfigFile decodes path over cfg. Unknown keys are errors so typos
// do not silently fall back to defaults. An empty file is not an error.
func decodeConfigFile(path string, cfg *Config) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(stripYAMLComments(raw)))
	dec.KnownFields(true)
	err = dec.Decode(cfg)
	switch {
	case err == nil, errors.Is(err, io.EOF):
		return nil
	case strings.Contains(err.Error(), "not found"):
		return fmt.Errorf("unknown config field: %w", err)
	default:
		return fmt.Errorf("parse config: %w", err)
	}
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			PublicURL:       "http://localhost:8080",
			DevListenAddr:   "127.0.0.1:8080",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			SecretsPath:     ".secrets",
			TLS: TLSConfig{
				Domains:    []string{"localhost"},
				MinVersion: "1.2",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		Auth: AuthConfig{
			SessionTTL:  DefaultSessionTTL,
			KeyRotation: DefaultKeyRotation,
			Providers: ProviderConfig{
				Google: UpstreamProvider{
					Issuer:      GoogleIssuer,
					DisplayName: "Google",
				},
			},
		},
		Widget: WidgetConfig{
			ScriptURL: "https://cdn.platform.openai.com/deployments/chatkit/chatkit.js",
			Title:     "ChatKit AI",
		},
	}
}

// DefaultConfig is a dev-mode configuration that serves on localhost.
func DefaultConfig() Config {
	return defaultConfig()
}

func stripYAMLComments(in []byte) []byte {
	lines := bytes.Split(in, []byte("\n"))
	out := make([][]byte, 0, len(lines))
	for _, line := range lines {
		trim := bytes.TrimLeft(line, " \t")
		if len(trim) > 0 && trim[0] == '#' {
			continue
		}
		out = append(out, line)
	}
	return bytes.Join(out, []byte("\n"))
}

// applyEnvOverrides layers CHATGATE_* variables over the file values. Unset
// variables leave the loaded values untouched.
func applyEnvOverrides(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: envPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// BaseURL returns the canonical origin of the application, the trust anchor
// for redirect decisions. It is only meaningful on a validated config.
func (c Config) BaseURL() string {
	u, err := url.Parse(strings.TrimSpace(c.Server.PublicURL))
	if err != nil {
		return ""
	}
	origin, ok := originOf(u)
	if !ok {
		return ""
	}
	return origin
}

// CallbackFallbacks lists the configured origins the callback builder falls
// back to when a request carries no usable host, in priority order.
func (c Config) CallbackFallbacks() []string {
	fallbacks := []string{c.Server.PublicURL}
	if dep := strings.TrimSpace(c.Server.DeploymentURL); dep != "" {
		if !strings.Contains(dep, "://") {
			dep = "https://" + dep
		}
		fallbacks = append(fallbacks, dep)
	}
	return append(fallbacks, localDevelopmentURL)
}

// FieldError reports one invalid configuration value.
type FieldError struct {
	Field  string
	Value  string
	Reason string
}

func (e *FieldError) Error() string {
	return e.Field + ": " + e.Reason
}

func invalid(field, value, reason string, args ...any) *FieldError {
	return &FieldError{Field: field, Value: value, Reason: fmt.Sprintf(reason, args...)}
}

// Validate reports the first invalid setting, logging it with its field.
func (c Config) Validate() error {
	err := c.validate()
	var fe *FieldError
	if errors.As(err, &fe) {
		slog.Error("invalid configuration", "field", fe.Field, "value", fe.Value, "reason", fe.Reason)
	}
	return err
}

func (c Config) validate() error {
	s := c.Server
	switch {
	case s.PublicURL == "":
		return invalid("server.public_url", "", "is required")
	case !strings.HasPrefix(s.PublicURL, "http://") && !strings.HasPrefix(s.PublicURL, "https://"):
		return invalid("server.public_url", s.PublicURL, "must start with http:// or https://")
	case c.BaseURL() == "":
		return invalid("server.public_url", s.PublicURL, "has no usable origin")
	case !s.DevMode && len(s.TLS.Domains) == 0:
		return invalid("server.tls.domains", "", "at least one domain is required outside dev mode")
	case s.TLS.MinVersion != "" && s.TLS.MinVersion != "1.2" && s.TLS.MinVersion != "1.3":
		return invalid("server.tls.min_version", s.TLS.MinVersion, "must be 1.2 or 1.3")
	case c.Auth.SessionTTL <= 0:
		return invalid("auth.session_ttl", c.Auth.SessionTTL.String(), "must be positive")
	}

	if s.CookieDomain != "" {
		u, _ := url.Parse(s.PublicURL)
		host := strings.ToLower(u.Hostname())
		domain := strings.ToLower(strings.TrimPrefix(s.CookieDomain, "."))
		if host != domain && !strings.HasSuffix(host, "."+domain) {
			return invalid("server.cookie_domain", s.CookieDomain, "does not cover the public_url host %s", host)
		}
	}

	if script := c.Widget.ScriptURL; script != "" {
		if u, err := url.Parse(script); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return invalid("widget.script_url", script, "must be an absolute http:// or https:// URL")
		}
	}

	return c.validateDefaultProvider()
}

// validateDefaultProvider checks the provider the sign-in page leads with.
// Dev mode may run without one and may use a public client.
func (c Config) validateDefaultProvider() error {
	name := c.Auth.Providers.Default
	if name == "" {
		if c.Server.DevMode {
			return nil
		}
		return invalid("auth.providers.default", "", "is required outside dev mode")
	}

	p := c.Provider(name)
	field := "auth.providers." + name
	switch {
	case p == nil:
		return invalid("auth.providers.default", name, "%s is not configured, expected google or an entry under extra (have %s)", name, strings.Join(c.providerNames(), ", "))
	case p.Issuer == "":
		return invalid(field+".issuer", "", "is required")
	case p.ClientID == "":
		return invalid(field+".client_id", "", "is required")
	case p.ClientSecret == "" && !c.Server.DevMode:
		return invalid(field+".client_secret", "", "is required outside dev mode")
	}
	return nil
}

// Provider returns the upstream settings for name, or nil when none exist.
func (c Config) Provider(name string) *UpstreamProvider {
	switch name {
	case "google":
		return &c.Auth.Providers.Google
	default:
		if p, ok := c.Auth.Providers.Extra[name]; ok {
			return &p
		}
		return nil
	}
}

func (c Config) providerNames() []string {
	return append([]string{"google"}, sortedNames(c.Auth.Providers.Extra)...)
}
