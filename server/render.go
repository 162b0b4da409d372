package server

import (
	"bytes"
	"encoding/json"
	"html/template"
	"net/http"
	"time"

	"tampaweb/consent"
	"tampaweb/identity"
	"tampaweb/scopes"
)

const pageStyle = `
body { font-family: system-ui, -apple-system, Arial, sans-serif; margin: 3rem auto; max-width: 520px; color: #1d1d1f; padding: 0 1rem; }
.card { border: 1px solid #d0d0d5; border-radius: 12px; padding: 1.5rem; }
.client { display: flex; align-items: center; gap: 0.75rem; margin-bottom: 1rem; }
.client img { width: 48px; height: 48px; border-radius: 8px; }
ul.groups { list-style: none; padding: 0; }
ul.groups li { border-top: 1px solid #eee; padding: 0.75rem 0; }
ul.groups li small { color: #555; display: block; }
.icon { font-family: monospace; color: #1976d2; margin-right: 0.35rem; }
.actions { display: flex; gap: 0.75rem; margin-top: 1.25rem; }
.actions form { flex: 1; }
button { width: 100%; padding: 0.7rem 1rem; font-size: 1rem; cursor: pointer; border-radius: 8px; border: 1px solid #1976d2; }
button.approve { background: #1976d2; color: #fff; }
button.deny { background: #fff; color: #1976d2; }
button[disabled] { opacity: 0.6; cursor: progress; }
.muted { color: #555; font-size: 0.9rem; }
.error { border-color: #d32f2f; background: #fbeaea; }
`

type consentView struct {
	Style     template.CSS
	Client    consent.ClientInfo
	ClientURI template.URL
	LogoURI   template.URL
	Groups    []scopes.Group
	User      *identity.User
	Envelope  string
	UserID    string
	Scopes    string
	Redirect  string
	State     string
}

type errorView struct {
	Style     template.CSS
	Title     string
	Message   string
	LoginLink string
}

type completeView struct {
	Style   template.CSS
	Target  template.URL
	Raw     string
	Seconds int
}

var consentTemplate = template.Must(template.New("consent").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>Authorize {{.Client.DisplayName}}</title>
<style>{{.Style}}</style>
</head>
<body>
<div class="card">
  <div class="client">
    {{if .LogoURI}}<img src="{{.LogoURI}}" alt="">{{end}}
    <div>
      <strong>{{if .ClientURI}}<a href="{{.ClientURI}}" rel="noopener noreferrer" target="_blank">{{.Client.DisplayName}}</a>{{else}}{{.Client.DisplayName}}{{end}}</strong>
      <div class="muted">wants to access your Tampa.dev account</div>
    </div>
  </div>
  {{if .User}}<p class="muted">Signed in as {{if .User.Name}}{{.User.Name}}{{else if .User.Username}}{{.User.Username}}{{else}}{{.User.Email}}{{end}}</p>{{end}}
  {{if .Groups}}
  <p>This application will be able to:</p>
  <ul class="groups">
  {{range .Groups}}
    <li><span class="icon">{{.Icon}}</span><strong>{{.Label}}</strong><small>{{.Description}}</small></li>
  {{end}}
  </ul>
  {{else}}
  <p>This application is not requesting any additional permissions.</p>
  {{end}}
  <div class="actions">
    <form method="post" action="/oauth/authorize" class="decision">
      <input type="hidden" name="intent" value="deny">
      <input type="hidden" name="oauthRequest" value="{{.Envelope}}">
      <input type="hidden" name="userId" value="{{.UserID}}">
      <input type="hidden" name="redirectUri" value="{{.Redirect}}">
      <input type="hidden" name="state" value="{{.State}}">
      <button type="submit" class="deny">Deny</button>
    </form>
    <form method="post" action="/oauth/authorize" class="decision">
      <input type="hidden" name="intent" value="approve">
      <input type="hidden" name="oauthRequest" value="{{.Envelope}}">
      <input type="hidden" name="userId" value="{{.UserID}}">
      <input type="hidden" name="approvedScopes" value="{{.Scopes}}">
      <input type="hidden" name="redirectUri" value="{{.Redirect}}">
      <input type="hidden" name="state" value="{{.State}}">
      <button type="submit" class="approve">Approve</button>
    </form>
  </div>
  {{if .Client.PolicyURI}}<p class="muted">Review the application's privacy policy before approving.</p>{{end}}
</div>
<script>
document.querySelectorAll("form.decision").forEach(function (form) {
  form.addEventListener("submit", function (ev) {
    if (form.dataset.sent) { ev.preventDefault(); return; }
    form.dataset.sent = "1";
    document.querySelectorAll("form.decision button").forEach(function (b) { b.disabled = true; });
  });
});
</script>
</body>
</html>
`))

var errorTemplate = template.Must(template.New("error").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Title}}</title>
<style>{{.Style}}</style>
</head>
<body>
<div class="card error">
  <h1>{{.Title}}</h1>
  <p>{{.Message}}</p>
  {{if .LoginLink}}<p><a href="{{.LoginLink}}">Sign in</a></p>{{end}}
</div>
</body>
</html>
`))

var completeTemplate = template.Must(template.New("complete").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<meta http-equiv="refresh" content="{{.Seconds}};url={{.Raw}}">
<title>Returning to the application</title>
<style>{{.Style}}</style>
</head>
<body>
<div class="card">
  <h1>Authorization complete</h1>
  <p>Returning you to the application. If nothing happens, <a id="continue" href="{{.Target}}">continue manually</a>.</p>
  <p class="muted">You can close this window once the application has opened.</p>
</div>
<script>window.location.href = {{.Raw}};</script>
</body>
</html>
`))

func (a *App) renderConsent(w http.ResponseWriter, screen *consent.Screen, user *identity.User) {
	approved, err := json.Marshal(screen.Scopes)
	if err != nil {
		a.renderError(w, http.StatusInternalServerError, "Something went wrong", consent.MessageCommunication)
		return
	}
	view := consentView{
		Style:    template.CSS(pageStyle),
		Client:   screen.Client,
		Groups:   screen.Groups,
		User:     user,
		Envelope: screen.Envelope,
		UserID:   screen.UserID,
		Scopes:   string(approved),
		Redirect: screen.Request.RedirectURI,
		State:    screen.Request.State,
	}
	if isHTTPURL(screen.Client.ClientURI) {
		view.ClientURI = template.URL(screen.Client.ClientURI)
	}
	if isHTTPURL(screen.Client.LogoURI) {
		view.LogoURI = template.URL(screen.Client.LogoURI)
	}
	a.renderPage(w, http.StatusOK, consentTemplate, view)
}

func (a *App) renderError(w http.ResponseWriter, status int, title, message string) {
	a.renderPage(w, status, errorTemplate, errorView{
		Style:   template.CSS(pageStyle),
		Title:   title,
		Message: message,
	})
}

// renderComplete is used for targets the browser may not leave the page
// for, such as native app schemes. Callers vet target with consent.SafeRedirect.
func (a *App) renderComplete(w http.ResponseWriter, target string) {
	delay := a.Config.FallbackDelay()
	a.renderPage(w, http.StatusOK, completeTemplate, completeView{
		Style:   template.CSS(pageStyle),
		Target:  template.URL(target),
		Raw:     target,
		Seconds: int((delay + time.Second - 1) / time.Second),
	})
}

func (a *App) renderPage(w http.ResponseWriter, status int, tmpl *template.Template, view any) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, view); err != nil {
		a.Logger.Error("render page", "template", tmpl.Name(), "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if _, err := buf.WriteTo(w); err != nil {
		a.Logger.Debug("write page", "error", err)
	}
}
