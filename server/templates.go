package server

import (
	"html/template"
	"net/http"
)

// Error codes carried in the sign-in page's error query parameter. The names
// follow what browser-side auth libraries already understand.
const (
	ErrorConfiguration = "Configuration"
	ErrorAccessDenied  = "AccessDenied"
	ErrorOAuthCallback = "OAuthCallback"
)

var errorMessages = map[string]string{
	ErrorConfiguration: "Sign-in is not configured correctly. Please contact the administrator.",
	ErrorAccessDenied:  "Access was denied by the identity provider.",
	ErrorOAuthCallback: "We could not complete sign-in with the identity provider.",
}

// errorMessage maps an error code to the text shown in the overlay. Unknown
// codes get a generic message rather than being echoed back.
func errorMessage(code string) string {
	if code == "" {
		return ""
	}
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "Something went wrong while signing in."
}

type providerButton struct {
	Name  string
	Label string
	Href  string
}

type signInView struct {
	Title     string
	Providers []providerButton
	Error     string
	RetryHref string
}

type indexView struct {
	Title     string
	Identity  string
	ScriptURL string
	SignOut   string
}

const pageStyle = `
body { font-family: -apple-system, "Segoe UI", Arial, sans-serif; margin: 0; color: #1d1d1f; background: #f7f7fb; }
header { display: flex; justify-content: space-between; align-items: center; padding: 0.75rem 1.5rem; background: #fff; border-bottom: 1px solid #e3e3ea; }
main { max-width: 960px; margin: 2rem auto; padding: 0 1rem; position: relative; }
button, .button { padding: 0.6rem 1.2rem; font-size: 1rem; cursor: pointer; border-radius: 8px; border: 1px solid #d0d0d5; background: #fff; color: inherit; text-decoration: none; display: inline-block; }
.providers { display: flex; flex-direction: column; gap: 0.75rem; max-width: 320px; margin: 3rem auto; }
.overlay { max-width: 420px; margin: 2rem auto; padding: 1.5rem; border-radius: 12px; background: #fbeaea; border: 1px solid #d32f2f; text-align: center; }
#chat { min-height: 70vh; }
`

var signInTemplate = template.Must(template.New("signin").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>Sign in · {{.Title}}</title>
<style>` + pageStyle + `</style>
</head>
<body>
<main>
{{if .Error}}
  <div class="overlay" role="alert">
    <p>{{.Error}}</p>
    <a class="button" href="{{.RetryHref}}">Try again</a>
  </div>
{{end}}
  <div class="providers">
  {{range .Providers}}
    <a class="button" href="{{.Href}}">Sign in with {{.Label}}</a>
  {{else}}
    <p>No identity provider is configured.</p>
  {{end}}
  </div>
</main>
</body>
</html>
`))

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
<script src="{{.ScriptURL}}"></script>
<style>` + pageStyle + `</style>
</head>
<body>
<header>
  <strong>{{.Title}}</strong>
  <form method="post" action="{{.SignOut}}">
    <span>{{.Identity}}</span>
    <button type="submit">Sign out</button>
  </form>
</header>
<main>
  <div id="chat"></div>
</main>
</body>
</html>
`))

func renderTemplate(w http.ResponseWriter, tmpl *template.Template, view any) error {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	return tmpl.Execute(w, view)
}
