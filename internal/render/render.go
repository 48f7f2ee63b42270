// Package render converts canned markdown replies into sanitized HTML.
package render

import (
	"bytes"
	"fmt"

	chromahtml "github.com/alecthomas/chroma/v2/formatters/html"
	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting/v2"
	gmhtml "github.com/yuin/goldmark/renderer/html"
)

// Markdown renders markdown to HTML that is safe to embed in a page.
type Markdown struct {
	md     goldmark.Markdown
	policy *bluemonday.Policy
}

// New builds a renderer using the given chroma style for fenced code blocks.
func New(style string) *Markdown {
	if style == "" {
		style = "dracula"
	}

	md := goldmark.New(
		goldmark.WithRendererOptions(gmhtml.WithHardWraps()),
		goldmark.WithExtensions(
			highlighting.NewHighlighting(
				highlighting.WithStyle(style),
				highlighting.WithFormatOptions(
					chromahtml.WithLineNumbers(false),
				),
			),
		),
	)

	p := bluemonday.UGCPolicy()
	p.AllowAttrs("class").OnElements("code", "pre", "span")
	p.AllowAttrs("style").OnElements("pre", "span")

	return &Markdown{md: md, policy: p}
}

// HTML converts src and sanitizes the result.
func (m *Markdown) HTML(src string) (string, error) {
	var buf bytes.Buffer
	if err := m.md.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("convert markdown: %w", err)
	}
	return string(m.policy.SanitizeBytes(buf.Bytes())), nil
}
