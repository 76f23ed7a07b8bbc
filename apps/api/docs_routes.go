package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html/template"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"

	"github.com/zenGate-Global/palmyra-farmops/contracts"
)

// publishedDoc is a contract loaded once at startup, rendered in both formats.
type publishedDoc struct {
	spec *openapi3.T
	json []byte
	yaml []byte
	etag string
}

type docsRegistry struct {
	names []string
	docs  map[string]publishedDoc
}

// loadDocs validates every embedded contract. A broken contract stops the server from starting.
func loadDocs(documents []contracts.Document) (*docsRegistry, error) {
	reg := &docsRegistry{docs: make(map[string]publishedDoc, len(documents))}
	for _, d := range documents {
		spec, err := d.Load()
		if err != nil {
			return nil, fmt.Errorf("load contract %q: %w", d.Name, err)
		}
		body, err := spec.MarshalJSON()
		if err != nil {
			return nil, fmt.Errorf("marshal contract %q: %w", d.Name, err)
		}
		sum := sha256.Sum256(d.YAML)
		reg.names = append(reg.names, d.Name)
		reg.docs[d.Name] = publishedDoc{
			spec: spec,
			json: body,
			yaml: d.YAML,
			etag: `"` + hex.EncodeToString(sum[:8]) + `"`,
		}
	}
	return reg, nil
}

func (reg *docsRegistry) spec(name string) (*openapi3.T, bool) {
	d, ok := reg.docs[name]
	return d.spec, ok
}

func (reg *docsRegistry) register(router chi.Router) {
	router.Get("/docs", reg.serveUI)
	router.Get("/openapi/{name}.json", reg.serveDoc("application/json", func(d publishedDoc) []byte { return d.json }))
	router.Get("/openapi/{name}.yaml", reg.serveDoc("application/yaml", func(d publishedDoc) []byte { return d.yaml }))
}

func (reg *docsRegistry) serveDoc(contentType string, body func(publishedDoc) []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		d, ok := reg.docs[chi.URLParam(r, "name")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("ETag", d.etag)
		w.Header().Set("Cache-Control", "no-cache")
		if r.Header.Get("If-None-Match") == d.etag {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(body(d))
	}
}

var swaggerUI = template.Must(template.New("docs").Parse(`<!doctype html>
<html>
  <head>
    <meta charset="utf-8" />
    <title>FarmOps API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body style="margin:0">
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-standalone-preset.js"></script>
    <script>
      window.ui = SwaggerUIBundle({
        urls: [{{range .}}{ url: "/openapi/{{.}}.json", name: "{{.}}" },{{end}}],
        dom_id: "#swagger-ui",
        deepLinking: true,
        presets: [SwaggerUIBundle.presets.apis, SwaggerUIStandalonePreset],
        layout: "StandaloneLayout"
      });
    </script>
  </body>
</html>`))

func (reg *docsRegistry) serveUI(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = swaggerUI.Execute(w, reg.names)
}
