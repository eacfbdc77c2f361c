// Package template renders machine definition templates.
//
// Templates are mustache documents. A template in the configured override
// directory wins over the built-in copy of the same name, so users can
// customize a role's definition without rebuilding baker.
package template

import (
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/cbroglie/mustache"
)

// Built-in template names.
const (
	ControlNode = "control.yaml.mustache"
	DockerHost  = "dockerhost.yaml.mustache"
	MacRuntime  = "hyperkit.env.mustache"
	BakerDoc    = "baker.yml.mustache"
)

//go:embed templates/*.mustache
var builtin embed.FS

// Renderer renders templates by reference. It performs no I/O beyond reading
// the template source.
type Renderer struct {
	overrideDir string
	builtin     fs.FS
}

// NewRenderer returns a Renderer that prefers templates in overrideDir.
// An empty overrideDir uses only the built-in templates.
func NewRenderer(overrideDir string) *Renderer {
	sub, err := fs.Sub(builtin, "templates")
	if err != nil {
		// embed guarantees the directory exists
		panic(err)
	}
	return &Renderer{overrideDir: overrideDir, builtin: sub}
}

// Render renders the template ref against data. Output is not HTML escaped.
func (r *Renderer) Render(ref string, data any) (string, error) {
	src, err := r.source(ref)
	if err != nil {
		return "", err
	}

	tmpl, err := mustache.ParseStringRaw(src, true)
	if err != nil {
		return "", fmt.Errorf("failed to parse template %s: %w", ref, err)
	}
	out, err := tmpl.Render(data)
	if err != nil {
		return "", fmt.Errorf("failed to render template %s: %w", ref, err)
	}
	return out, nil
}

func (r *Renderer) source(ref string) (string, error) {
	if r.overrideDir != "" {
		data, err := os.ReadFile(filepath.Join(r.overrideDir, ref))
		if err == nil {
			return string(data), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("failed to read template %s: %w", ref, err)
		}
	}

	data, err := fs.ReadFile(r.builtin, ref)
	if err != nil {
		return "", fmt.Errorf("template %s not found: %w", ref, err)
	}
	return string(data), nil
}
