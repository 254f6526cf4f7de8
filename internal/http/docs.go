package httpapi

import (
	"html/template"
	"net/http"
	"sort"
	"strings"

	"github.com/Cypherspark/signalerr/api"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

type endpoint struct {
	Method, Path, Summary string
}

var endpointSummaries = map[string]string{
	"GET /api/users":          "List users, only active ones with ?active=true.",
	"POST /api/users":         "Register a phone number.",
	"PATCH /api/users/{id}":   "Change role, limits, verbosity or auto-notify.",
	"DELETE /api/users/{id}":  "Deactivate a user. History is kept.",
	"GET /api/requests":       "Browse media requests by status and since, newest first.",
	"GET /api/settings":       "Read runtime settings.",
	"PUT /api/settings/{key}": "Write one runtime setting. The bot picks it up on its next read.",
	"GET /api/logs":           "Read the audit log, newest first.",
	"GET /api/stats":          "Request and user counters for the dashboard.",
}

var docsPage = template.Must(template.New("docs").Parse(`<!doctype html>
<html>
  <head>
    <title>Signalerr Admin API</title>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1">
    <style>
      body { margin: 0; font-family: sans-serif; }
      #index { padding: 1rem 2rem; border-bottom: 1px solid #ddd; }
      code { background: #f4f4f4; padding: 0 .25rem; }
      td { padding: .15rem .75rem .15rem 0; vertical-align: top; }
    </style>
    <script src="https://cdn.redoc.ly/redoc/latest/bundles/redoc.standalone.js"></script>
  </head>
  <body>
    <section id="index">
      <h1>Signalerr Admin API</h1>
      <p>Manages who may talk to the bot and what it is allowed to do.
      Every <code>/api</code> route needs the <code>X-Api-Key</code> header set to the
      configured admin key. With no key configured the API answers 401 to everyone.</p>
      <table>
        {{- range .}}
        <tr><td><code>{{.Method}}</code></td><td><code>{{.Path}}</code></td><td>{{.Summary}}</td></tr>
        {{- end}}
      </table>
      <p>Machine-readable schema: <a href="/openapi.yaml">/openapi.yaml</a></p>
    </section>
    <redoc spec-url="/openapi.yaml"></redoc>
  </body>
</html>
`))

// apiEndpoints lists the routes registered under /api on root.
func apiEndpoints(root chi.Routes) ([]endpoint, error) {
	var out []endpoint
	err := chi.Walk(root, func(method, route string, _ http.Handler, _ ...func(http.Handler) http.Handler) error {
		if !strings.HasPrefix(route, "/api/") {
			return nil
		}
		out = append(out, endpoint{Method: method, Path: route, Summary: endpointSummaries[method+" "+route]})
		return nil
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Method < out[j].Method
	})
	return out, err
}

// mountDocs serves the schema and a docs page whose endpoint index is read
// from root at request time, so it always matches what is mounted.
func (s *Server) mountDocs(root chi.Router) {
	root.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/yaml")
		http.ServeFileFS(w, r, api.FS, "openapi.yaml")
	})
	root.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		eps, err := apiEndpoints(root)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := docsPage.Execute(w, eps); err != nil {
			s.Log.Warn("render docs", zap.Error(err))
		}
	})
}
