// Package shim renders the entry-point module the hosting platform loads.
//
// The user's entry text is inserted verbatim into one of three embedded
// templates. The plain shim is the entry itself; the web adapter converts
// API Gateway proxy events to WSGI calls; the platform variant wraps a WSGI
// callable under the name Elastic Beanstalk looks for.
package shim

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"strings"
	"text/template"

	"github.com/oshokin/pybundle/internal/domain/dist"
)

//go:embed templates/*.py.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("shim").ParseFS(templateFS, "templates/*.py.tmpl"))

var errEmptyEntry = errors.New("entry must not be empty")

// Shim is a generated entry-point file.
type Shim struct {
	// Path is the archive-root-relative file name.
	Path string
	// Content is the complete module source.
	Content []byte
	// Handler is the entry point to configure on the hosting platform.
	Handler string
}

type variant struct {
	template string
	path     string
	handler  string
}

var variants = map[dist.AppType]variant{
	dist.AppPlain:           {template: "plain.py.tmpl", path: "index.py", handler: "index.handler"},
	dist.AppWebAdapter:      {template: "web_adapter.py.tmpl", path: "index.py", handler: "index.handler"},
	dist.AppPlatformVariant: {template: "platform_variant.py.tmpl", path: "application.py", handler: "application:application"},
}

// Generate renders the shim for the descriptor's application type.
func Generate(d dist.Descriptor) (Shim, error) {
	v, ok := variants[d.Type]
	if !ok {
		return Shim{}, fmt.Errorf("%w: %q", dist.ErrUnknownAppType, d.Type)
	}

	entry := strings.TrimRight(d.Entry, "\r\n")
	if strings.TrimSpace(entry) == "" {
		return Shim{}, errEmptyEntry
	}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, v.template, struct{ Entry string }{Entry: entry}); err != nil {
		return Shim{}, fmt.Errorf("render %s shim: %w", d.Type, err)
	}

	return Shim{Path: v.path, Content: buf.Bytes(), Handler: v.handler}, nil
}
