package server

import (
	"net"
	"net/url"
	"strings"
)

// Verdict names the rule that decided a redirect.
type Verdict string

const (
	VerdictLoginCallback Verdict = "login-callback"
	VerdictLoginFallback Verdict = "login-fallback"
	VerdictRelative      Verdict = "relative"
	VerdictSameOrigin    Verdict = "same-origin"
	VerdictDenied        Verdict = "denied"
)

// RedirectPolicy decides where the browser may be sent after an auth step.
// BaseURL is the application's origin, without a trailing slash.
type RedirectPolicy struct {
	BaseURL   string
	LoginPath string

	// StrictCallbackOrigin makes a callbackUrl extracted from a login-route
	// target go through the policy again instead of being returned as-is.
	StrictCallbackOrigin bool
}

// NewRedirectPolicy builds the policy for cfg.
func NewRedirectPolicy(cfg Config) RedirectPolicy {
	return RedirectPolicy{
		BaseURL:              cfg.BaseURL(),
		LoginPath:            RouteSignIn,
		StrictCallbackOrigin: cfg.Auth.StrictCallbackOrigin,
	}
}

// Resolve returns the final redirect target for requested.
func (p RedirectPolicy) Resolve(requested string) string {
	target, _ := p.Evaluate(requested)
	return target
}

// Evaluate is Resolve plus the rule that produced the answer.
//
// A callbackUrl embedded in a login-route target is returned verbatim, even
// when it is cross-origin. It is expected to come from BuildCallbackURL;
// set StrictCallbackOrigin to re-check it.
func (p RedirectPolicy) Evaluate(requested string) (string, Verdict) {
	target := p.parseTarget(requested)
	switch target.kind {
	case targetLoginRoute:
		callback := target.url.Query().Get("callbackUrl")
		if callback == "" {
			return p.BaseURL, VerdictLoginFallback
		}
		if p.StrictCallbackOrigin {
			inner := p
			inner.StrictCallbackOrigin = false
			if resolved, verdict := inner.Evaluate(callback); verdict != VerdictLoginCallback {
				return resolved, verdict
			}
			return p.BaseURL, VerdictDenied
		}
		return callback, VerdictLoginCallback
	case targetRelative:
		return p.BaseURL + target.raw, VerdictRelative
	case targetAbsolute:
		if origin, ok := originOf(target.url); ok && origin == p.BaseURL {
			return target.raw, VerdictSameOrigin
		}
	}
	return p.BaseURL, VerdictDenied
}

type targetKind int

const (
	targetMalformed targetKind = iota
	targetLoginRoute
	targetRelative
	targetAbsolute
)

// parsedTarget is the outcome of classifying a requested redirect. A
// malformed target carries no URL.
type parsedTarget struct {
	kind targetKind
	raw  string
	url  *url.URL
}

func (p RedirectPolicy) parseTarget(raw string) parsedTarget {
	if strings.HasPrefix(raw, "/") {
		if p.LoginPath != "" && strings.HasPrefix(raw, p.LoginPath) {
			u, err := url.Parse(p.BaseURL + raw)
			if err != nil {
				// Unparseable query: no callbackUrl can be read from it.
				return parsedTarget{kind: targetLoginRoute, raw: raw, url: &url.URL{}}
			}
			return parsedTarget{kind: targetLoginRoute, raw: raw, url: u}
		}
		if _, err := url.Parse(p.BaseURL + raw); err != nil {
			return parsedTarget{kind: targetMalformed, raw: raw}
		}
		return parsedTarget{kind: targetRelative, raw: raw}
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return parsedTarget{kind: targetMalformed, raw: raw}
	}
	return parsedTarget{kind: targetAbsolute, raw: raw, url: u}
}

// originOf renders scheme://host[:port] the way browsers compare origins:
// lowercase, default ports dropped. Only http and https have one.
func originOf(u *url.URL) (string, bool) {
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", false
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", false
	}
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "http" && port == "80") || (scheme == "https" && port == "443") {
		port = ""
	}
	if port != "" {
		return scheme + "://" + net.JoinHostPort(strings.Trim(host, "[]"), port), true
	}
	return scheme + "://" + host, true
}
