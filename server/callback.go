package server

import (
	"net/http"
	"net/url"
	"strings"
)

// localDevelopmentURL is the last-resort origin when neither the request nor
// the configuration supplies one.
const localDevelopmentURL = "http://localhost:8080"

// RequestOrigin is the per-request view of where the browser believes it is
// talking to. Every field comes from headers a client or proxy can set.
type RequestOrigin struct {
	ForwardedHost  string
	ForwardedProto string
	Host           string
}

// OriginFromRequest captures the origin-related headers of r.
func OriginFromRequest(r *http.Request) RequestOrigin {
	return RequestOrigin{
		ForwardedHost:  firstListValue(r.Header.Get("X-Forwarded-Host")),
		ForwardedProto: firstListValue(r.Header.Get("X-Forwarded-Proto")),
		Host:           strings.TrimSpace(r.Host),
	}
}

// BuildCallbackURL returns the absolute URL to come back to after login. The
// request's own host wins; otherwise the first non-empty fallback is used.
// The result always ends in "/". The host is not checked against the
// application's origin: RedirectPolicy does that when the URL is used.
func BuildCallbackURL(origin RequestOrigin, fallbacks []string) string {
	host := origin.ForwardedHost
	if host == "" {
		host = origin.Host
	}
	if host != "" {
		proto := strings.ToLower(origin.ForwardedProto)
		if proto != "http" && proto != "https" {
			proto = "https"
		}
		if callback, ok := hostCallback(proto, host); ok {
			return callback
		}
	}

	for _, fallback := range fallbacks {
		if v := strings.TrimSpace(fallback); v != "" {
			return strings.TrimRight(v, "/") + "/"
		}
	}
	return localDevelopmentURL + "/"
}

// hostCallback formats proto://host/ and reports false when host would not
// survive as a bare authority.
func hostCallback(proto, host string) (string, bool) {
	if strings.ContainsAny(host, "/?#@\\ \t\r\n") {
		return "", false
	}
	callback := proto + "://" + host + "/"
	u, err := url.Parse(callback)
	if err != nil || u.Host != host || u.Hostname() == "" || u.Path != "/" {
		return "", false
	}
	return callback, true
}

func firstListValue(v string) string {
	if i := strings.IndexByte(v, ','); i >= 0 {
		v = v[:i]
	}
	return strings.TrimSpace(v)
}
