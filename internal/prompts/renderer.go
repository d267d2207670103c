// Package prompts renders the agent-facing prompts for both orchestrators
// from embedded text/template files, loaded once and rendered many times.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"io/fs"
	"strings"
	"sync"
	"text/template"
)

//go:embed templates/hardening/*.md.tmpl templates/enhance/*.md.tmpl
var templatesFS embed.FS

// Renderer holds every parsed template, keyed by "<mode>/<name>".
type Renderer struct {
	mu        sync.RWMutex
	templates map[string]*template.Template
}

// New loads and parses every embedded template.
func New() (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*template.Template)}
	if err := r.load(); err != nil {
		return nil, fmt.Errorf("loading prompt templates: %w", err)
	}
	return r, nil
}

func (r *Renderer) load() error {
	return fs.WalkDir(templatesFS, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".md.tmpl") {
			return nil
		}
		content, err := templatesFS.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		name := strings.TrimPrefix(path, "templates/")
		name = strings.TrimSuffix(name, ".md.tmpl")

		tmpl, err := template.New(name).Funcs(templateFuncs()).Parse(string(content))
		if err != nil {
			return fmt.Errorf("parsing template %s: %w", name, err)
		}
		r.templates[name] = tmpl
		return nil
	})
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"join":      strings.Join,
		"trimSpace": strings.TrimSpace,
	}
}

// Render executes the named template ("hardening/analyze", "enhance/audit",
// etc.) against data.
func (r *Renderer) Render(name string, data interface{}) (string, error) {
	r.mu.RLock()
	tmpl, ok := r.templates[name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("prompt template %q not found", name)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("executing prompt template %s: %w", name, err)
	}
	return buf.String(), nil
}
