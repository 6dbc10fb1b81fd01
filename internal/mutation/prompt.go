package mutation

import (
	"bytes"
	"embed"
	"fmt"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/kokistudios/evolve/internal/snapshot"
	"github.com/kokistudios/evolve/internal/task"
)

//go:embed templates/*.md
var templateFS embed.FS

// maxPriorOutput bounds how much verifier output of each prior attempt is
// quoted back to the agent.
const maxPriorOutput = 1500

// fileInfo holds display data for one tracked file.
type fileInfo struct {
	Path string
	Kind string
}

// PriorAttempt summarizes a rejected generation for the next prompt.
type PriorAttempt struct {
	Sequence   int
	Status     string
	Outcome    string
	Reason     string
	OutputTail string
}

// promptData holds the data injected into the mutation template.
type promptData struct {
	Language      string
	ProjectName   string
	Files         []fileInfo
	TestCommand   string
	CodeQuality   []string
	TestQuality   []string
	Instruction   string
	Sequence      int
	Base          string
	PriorAttempts []PriorAttempt
}

var languageNames = map[string]string{
	"rust":       "Rust",
	"python":     "Python",
	"go":         "Go",
	"javascript": "JavaScript",
	"typescript": "TypeScript",
}

var codeQuality = map[string][]string{
	"rust": {
		"Write idiomatic Rust code with proper error handling using Result<T, E>",
		"Follow Rust naming conventions (snake_case for functions, CamelCase for types)",
		"Add documentation comments (///) for public APIs",
		"Ensure code compiles without warnings",
		"Use appropriate ownership and borrowing patterns",
		"Leverage the type system for safety (avoid unwrap() in production code)",
	},
	"python": {
		"Write idiomatic Python code following PEP 8 style guidelines",
		"Add type hints for function signatures",
		"Include docstrings for modules, classes, and functions",
		"Use appropriate error handling with try/except blocks",
		"Follow Python naming conventions (snake_case for functions, PascalCase for classes)",
		"Ensure code passes linting (no unused imports, proper formatting)",
	},
	"go": {
		"Write idiomatic Go: explicit error returns, small interfaces, gofmt formatting",
		"Wrap errors with context using fmt.Errorf and %w",
		"Add doc comments for exported identifiers",
		"Ensure go vet reports nothing",
	},
}

var testQuality = map[string][]string{
	"rust": {
		"Write comprehensive tests covering base cases, boundary values and error conditions",
		"Use descriptive test names (good: test_fibonacci_returns_zero_for_input_zero; bad: test1)",
		"Group related tests in test modules using mod tests { ... }",
		"Use #[should_panic] or Result<()> for tests expecting errors",
		"Consider property-based testing with proptest for complex logic",
		"Test both success and failure paths",
	},
	"python": {
		"Write comprehensive tests covering base cases, empty inputs, None values and exceptions",
		"Use descriptive test names following test_<what>_<condition>_<expected>",
		"Use pytest fixtures for setup and teardown",
		"Use pytest.mark.parametrize for testing multiple inputs",
		"Use pytest.raises for exception testing",
		"Include both unit tests and integration tests",
	},
	"go": {
		"Use table-driven tests with t.Run subtests",
		"Cover zero values, boundaries and error returns",
		"Use t.TempDir() for filesystem fixtures",
	},
}

var genericCodeQuality = []string{
	"Write clean, maintainable code",
	"Follow language best practices",
}

var genericTestQuality = []string{
	"Write comprehensive tests covering edge cases",
	"Use descriptive test names",
	"Test both success and failure paths",
}

// PromptInput is everything BuildPrompt needs.
type PromptInput struct {
	TargetDir     string
	Task          *task.Settings
	Sequence      int
	Base          string
	PriorAttempts []PriorAttempt
}

// BuildPrompt renders the instruction payload sent to the mutation agent.
func BuildPrompt(in PromptInput) (string, error) {
	raw, err := templateFS.ReadFile("templates/mutation.md")
	if err != nil {
		return "", fmt.Errorf("mutation template missing: %w", err)
	}
	tmpl, err := template.New("mutation").Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("failed to parse mutation template: %w", err)
	}

	lang := in.Task.ResolvedProjectType()
	data := promptData{
		Language:    languageName(lang),
		ProjectName: filepath.Base(filepath.Clean(in.TargetDir)),
		TestCommand: in.Task.TestCommand,
		CodeQuality: pick(codeQuality, lang, genericCodeQuality),
		TestQuality: pick(testQuality, lang, genericTestQuality),
		Instruction: strings.TrimSpace(in.Task.Instruction),
		Sequence:    in.Sequence,
		Base:        snapshot.Short(in.Base),
	}
	for _, f := range in.Task.Files {
		kind := "library code"
		if strings.Contains(f, "test") {
			kind = "test code"
		}
		data.Files = append(data.Files, fileInfo{Path: f, Kind: kind})
	}
	for _, p := range in.PriorAttempts {
		p.OutputTail = lastBytes(strings.TrimSpace(p.OutputTail), maxPriorOutput)
		data.PriorAttempts = append(data.PriorAttempts, p)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render mutation template: %w", err)
	}
	return buf.String(), nil
}

func languageName(lang string) string {
	if name, ok := languageNames[lang]; ok {
		return name
	}
	return "Software"
}

func pick(m map[string][]string, key string, def []string) []string {
	if v, ok := m[key]; ok {
		return v
	}
	return def
}

func lastBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[len(s)-n:]
	if i := strings.IndexByte(s, '\n'); i >= 0 && i < len(s)-1 {
		s = s[i+1:]
	}
	return "..." + "\n" + s
}
