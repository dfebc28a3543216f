// Package renderer turns Mermaid source into images by delegating to an
// external renderer. Backends hold only immutable configuration and are safe
// for concurrent use.
package renderer

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	u "mermaid2img/internal/utils"
)

// Format is an output image format.
type Format string

const (
	FormatPNG Format = "png"
	FormatSVG Format = "svg"
	FormatPDF Format = "pdf"
)

// Theme is a Mermaid theme name.
type Theme string

const (
	ThemeDefault Theme = "default"
	ThemeForest  Theme = "forest"
	ThemeDark    Theme = "dark"
	ThemeNeutral Theme = "neutral"
)

var (
	Formats = []Format{FormatPNG, FormatSVG, FormatPDF}
	Themes  = []Theme{ThemeDefault, ThemeForest, ThemeDark, ThemeNeutral}
)

var contentTypes = map[Format]string{
	FormatPNG: "image/png",
	FormatSVG: "image/svg+xml",
	FormatPDF: "application/pdf",
}

var (
	ErrEmptySource         = errors.New("mermaid code cannot be empty")
	ErrSourceTooLarge      = errors.New("mermaid code exceeds size limit")
	ErrInvalidFormat       = errors.New("invalid output format")
	ErrInvalidTheme        = errors.New("invalid theme")
	ErrRendererUnavailable = errors.New("mermaid rendering service is unavailable")
	ErrRenderFailed        = errors.New("error rendering diagram")
	ErrNotPreviewable      = errors.New("format cannot be previewed")
)

// ContentType returns the MIME type for f.
func (f Format) ContentType() string {
	if ct, ok := contentTypes[f]; ok {
		return ct
	}
	return "application/octet-stream"
}

// Valid reports whether f is a supported format.
func (f Format) Valid() bool {
	_, ok := contentTypes[f]
	return ok
}

// Valid reports whether t is a supported theme.
func (t Theme) Valid() bool {
	for _, v := range Themes {
		if t == v {
			return true
		}
	}
	return false
}

// Request is a single render job.
type Request struct {
	Source string
	Format Format
	Theme  Theme
}

// Validate checks the request against the supported enumerations. maxBytes <= 0
// disables the size check.
func (r Request) Validate(maxBytes int) error {
	if strings.TrimSpace(r.Source) == "" {
		return ErrEmptySource
	}
	if maxBytes > 0 && len(r.Source) > maxBytes {
		return fmt.Errorf("%w: %d bytes allowed", ErrSourceTooLarge, maxBytes)
	}
	if !r.Format.Valid() {
		return fmt.Errorf("%w %q: choose from %s", ErrInvalidFormat, r.Format, joinFormats())
	}
	if !r.Theme.Valid() {
		return fmt.Errorf("%w %q: choose from %s", ErrInvalidTheme, r.Theme, joinThemes())
	}
	return nil
}

func joinFormats() string {
	s := make([]string, len(Formats))
	for i, f := range Formats {
		s[i] = string(f)
	}
	return strings.Join(s, ", ")
}

func joinThemes() string {
	s := make([]string, len(Themes))
	for i, t := range Themes {
		s[i] = string(t)
	}
	return strings.Join(s, ", ")
}

// Result is a rendered diagram.
type Result struct {
	Data        []byte
	Format      Format
	ContentType string
	// Diagnostics holds whatever the renderer wrote to stderr, even on success.
	Diagnostics string
}

// Renderer produces diagrams.
type Renderer interface {
	// Name identifies the backend ("cli" or "chrome").
	Name() string
	// Available returns ErrRendererUnavailable (wrapped) when the backend
	// cannot run on this host.
	Available() error
	Render(ctx context.Context, req Request) (*Result, error)
}

// New builds the backend selected by cfg.Backend.
func New(cfg u.RendererConfig, maxSourceBytes int) (Renderer, error) {
	cfg.ApplyDefaults()
	switch cfg.Backend {
	case u.BackendCLI:
		return NewCLIRenderer(cfg, maxSourceBytes), nil
	case u.BackendChrome:
		return NewChromeRenderer(cfg, maxSourceBytes), nil
	default:
		return nil, fmt.Errorf("unknown renderer backend %q", cfg.Backend)
	}
}

// EncodePreview converts rendered bytes into the inline string used by the
// preview endpoint: SVG markup as text, PNG as standard base64.
func EncodePreview(f Format, data []byte) (string, error) {
	switch f {
	case FormatSVG:
		if !utf8.Valid(data) {
			return "", fmt.Errorf("%w: generated SVG is not valid UTF-8", ErrRenderFailed)
		}
		return string(data), nil
	case FormatPNG:
		return base64.StdEncoding.EncodeToString(data), nil
	default:
		return "", fmt.Errorf("%w: %s", ErrNotPreviewable, f)
	}
}
