package markdown

import (
	"bytes"
	"fmt"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
)

var renderer = goldmark.New(
	goldmark.WithExtensions(extension.GFM),
)

// ToHTML renders markdown source as HTML. Raw HTML in the source is
// omitted by goldmark's default renderer.
func ToHTML(src string) (string, error) {
	if src == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := renderer.Convert([]byte(src), &buf); err != nil {
		return "", fmt.Errorf("failed to render markdown: %w", err)
	}
	return buf.String(), nil
}

// ToHTMLPtr renders an optional field, keeping nil as nil
func ToHTMLPtr(src *string) (*string, error) {
	if src == nil {
		return nil, nil
	}
	out, err := ToHTML(*src)
	if err != nil {
		return nil, err
	}
	return &out, nil
}
