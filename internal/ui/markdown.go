package ui

import (
	"fmt"
	"os"

	"github.com/charmbracelet/glamour"
)

// RenderMarkdown prints md to stdout, styled for the terminal unless color
// is disabled.
func RenderMarkdown(md string) {
	fmt.Fprint(os.Stdout, MarkdownString(md, 100))
}

// MarkdownString renders md at the given wrap width. The raw text is
// returned when rendering fails or color is off.
func MarkdownString(md string, width int) string {
	if NoColor {
		return md
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return md
	}
	out, err := renderer.Render(md)
	if err != nil {
		return md
	}
	return out
}
