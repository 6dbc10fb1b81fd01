package monitor

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"

	"github.com/kokistudios/evolve/internal/ui"
)

// Theme is the chroma style used for the code pane.
const Theme = "monokai"

// Highlight renders src with line numbers, syntax-colored by the lexer that
// matches path. Color is dropped when the ui has it disabled.
func Highlight(path, src string) string {
	src = strings.TrimRight(src, "\n")
	if src == "" {
		return ""
	}
	if ui.NoColor {
		return numbered(strings.Split(src, "\n"))
	}

	lexer := lexers.Match(filepath.Base(path))
	if lexer == nil {
		lexer = lexers.Analyse(src)
	}
	if lexer == nil {
		lexer = lexers.Fallback
	}
	lexer = chroma.Coalesce(lexer)

	it, err := lexer.Tokenise(nil, src)
	if err != nil {
		return numbered(strings.Split(src, "\n"))
	}
	style := styles.Get(Theme)
	lines := chroma.SplitTokensIntoLines(it.Tokens())
	width := len(strconv.Itoa(len(lines)))

	var b strings.Builder
	for i, line := range lines {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(lineNoStyle.Render(fmt.Sprintf("%*d ", width, i+1)))
		if n := len(line); n > 0 {
			last := line[n-1]
			last.Value = strings.TrimSuffix(last.Value, "\n")
			line = append(line[:n-1:n-1], last)
		}
		if err := formatters.TTY256.Format(&b, style, chroma.Literator(line...)); err != nil {
			return numbered(strings.Split(src, "\n"))
		}
	}
	return b.String()
}

func numbered(lines []string) string {
	width := len(strconv.Itoa(len(lines)))
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = fmt.Sprintf("%*d %s", width, i+1, l)
	}
	return strings.Join(out, "\n")
}
