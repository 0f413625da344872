package server

import (
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
)

func TestBuildCallbackURL(t *testing.T) {
	fallbacks := []string{"https://chat.example.com", "https://deploy.example.app", localDevelopmentURL}

	tests := []struct {
		name      string
		origin    RequestOrigin
		fallbacks []string
		want      string
	}{
		{
			name:   "forwarded_host_and_proto",
			origin: RequestOrigin{ForwardedHost: "chat.example.com", ForwardedProto: "http", Host: "10.0.0.5:3000"},
			want:   "http://chat.example.com/",
		},
		{
			name:   "forwarded_host_defaults_to_https",
			origin: RequestOrigin{ForwardedHost: "chat.example.com", Host: "10.0.0.5:3000"},
			want:   "https://chat.example.com/",
		},
		{
			name:   "direct_host_only",
			origin: RequestOrigin{Host: "localhost:3000"},
			want:   "https://localhost:3000/",
		},
		{
			name:   "direct_host_with_proto",
			origin: RequestOrigin{Host: "localhost:3000", ForwardedProto: "http"},
			want:   "http://localhost:3000/",
		},
		{
			name:   "proto_is_case_insensitive",
			origin: RequestOrigin{Host: "localhost:3000", ForwardedProto: "HTTP"},
			want:   "http://localhost:3000/",
		},
		{
			name:   "unknown_proto_treated_as_absent",
			origin: RequestOrigin{Host: "chat.example.com", ForwardedProto: "javascript"},
			want:   "https://chat.example.com/",
		},
		{
			name:   "ipv6_host",
			origin: RequestOrigin{Host: "[::1]:8080", ForwardedProto: "http"},
			want:   "http://[::1]:8080/",
		},
		{
			name:      "no_host_uses_first_fallback",
			fallbacks: fallbacks,
			want:      "https://chat.example.com/",
		},
		{
			name:      "empty_fallbacks_are_skipped",
			fallbacks: []string{"", "  ", "https://deploy.example.app"},
			want:      "https://deploy.example.app/",
		},
		{
			name:      "fallback_trailing_slash_normalized",
			fallbacks: []string{"https://chat.example.com///"},
			want:      "https://chat.example.com/",
		},
		{
			name: "nothing_at_all",
			want: "http://localhost:8080/",
		},
		{
			name:      "host_with_path_is_rejected",
			origin:    RequestOrigin{Host: "evil.com/path"},
			fallbacks: fallbacks,
			want:      "https://chat.example.com/",
		},
		{
			name:      "host_with_userinfo_is_rejected",
			origin:    RequestOrigin{ForwardedHost: "chat.example.com@evil.com"},
			fallbacks: fallbacks,
			want:      "https://chat.example.com/",
		},
		{
			name:      "host_with_space_is_rejected",
			origin:    RequestOrigin{Host: "chat example.com"},
			fallbacks: fallbacks,
			want:      "https://chat.example.com/",
		},
		{
			name:      "host_without_hostname",
			origin:    RequestOrigin{Host: ":8080"},
			fallbacks: fallbacks,
			want:      "https://chat.example.com/",
		},
		{
			name:      "forwarded_host_without_hostname",
			origin:    RequestOrigin{ForwardedHost: ":443", Host: "chat.example.com"},
			fallbacks: []string{"https://deploy.example.app"},
			want:      "https://deploy.example.app/",
		},
		{
			name:      "invalid_forwarded_host_falls_back_to_config_not_host",
			origin:    RequestOrigin{ForwardedHost: "a.com?x", Host: "internal:3000"},
			fallbacks: fallbacks,
			want:      "https://chat.example.com/",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := BuildCallbackURL(tt.origin, tt.fallbacks)
			if got != tt.want {
				t.Fatalf("BuildCallbackURL(%+v) = %q, want %q", tt.origin, got, tt.want)
			}
			if !strings.HasSuffix(got, "/") {
				t.Fatalf("callback %q does not end in /", got)
			}
			u, err := url.Parse(got)
			if err != nil || !u.IsAbs() || u.Hostname() == "" {
				t.Fatalf("callback %q is not an absolute URL with a host", got)
			}
		})
	}
}

func TestBuildCallbackURLDoesNotValidateHost(t *testing.T) {
	got := BuildCallbackURL(RequestOrigin{ForwardedHost: "evil.example"}, []string{"https://chat.example.com"})
	if got != "https://evil.example/" {
		t.Fatalf("host should be used as-is, got %q", got)
	}
}

func TestOriginFromRequest(t *testing.T) {
	req := httptest.NewRequest("GET", "/", nil)
	req.Host = "internal:3000"
	req.Header.Set("X-Forwarded-Host", " chat.example.com , proxy.local")
	req.Header.Set("X-Forwarded-Proto", "https,http")

	origin := OriginFromRequest(req)
	want := RequestOrigin{
		ForwardedHost:  "chat.example.com",
		ForwardedProto: "https",
		Host:           "internal:3000",
	}
	if origin != want {
		t.Fatalf("OriginFromRequest = %+v, want %+v", origin, want)
	}
	if got := BuildCallbackURL(origin, nil); got != "https://chat.example.com/" {
		t.Fatalf("callback %q", got)
	}
}
