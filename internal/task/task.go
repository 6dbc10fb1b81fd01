// Package task loads the Evolve.toml task configuration that describes what
// an evolution run should achieve and how it is judged.
package task

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/go-playground/validator/v10"
)

// FileName is the task configuration file expected at the target root.
const FileName = "Evolve.toml"

// ErrNotFound is returned when the target has no Evolve.toml.
var ErrNotFound = errors.New("no " + FileName + " in target directory")

var validate *validator.Validate

func init() {
	validate = validator.New(validator.WithRequiredStructEnabled())
}

// Duration wraps time.Duration so TOML strings like "10m" decode directly.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Settings is the validated [evolution] section of Evolve.toml.
type Settings struct {
	Instruction      string   `toml:"instruction" validate:"required"`
	TestCommand      string   `toml:"test_command" validate:"required"`
	VerifyShell      bool     `toml:"verify_shell"`
	MaxGenerations   int      `toml:"max_generations" validate:"min=0"`
	Files            []string `toml:"files" validate:"required,min=1,dive,required"`
	ProjectType      string   `toml:"project_type" validate:"omitempty,oneof=rust python go javascript typescript generic"`
	BootstrapCommand string   `toml:"bootstrap_command"`
	FileExtension    string   `toml:"file_extension" validate:"omitempty,startswith=."`
	ScaffoldContent  string   `toml:"scaffold_content"`
	PrimaryFile      string   `toml:"primary_file"`
	AgentTimeout     Duration `toml:"agent_timeout"`
	VerifyTimeout    Duration `toml:"verify_timeout"`
	ErroredThreshold int      `toml:"errored_threshold" validate:"min=1"`
	StopOnPass       bool     `toml:"stop_on_pass"`
	GoalCommand      string   `toml:"goal_command"`
}

// File is the on-disk layout of Evolve.toml.
type File struct {
	Evolution Settings `toml:"evolution"`
}

// Defaults returns Settings populated with the values used when a key is
// absent from Evolve.toml.
func Defaults() Settings {
	return Settings{
		TestCommand:      "cargo nextest run",
		MaxGenerations:   5,
		Files:            []string{"src/lib.rs"},
		AgentTimeout:     Duration{10 * time.Minute},
		VerifyTimeout:    Duration{5 * time.Minute},
		ErroredThreshold: 3,
		StopOnPass:       true,
	}
}

// Validate checks the settings against their declared constraints.
func (s *Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("invalid %s: %s", FileName, strings.Join(msgs, "; "))
		}
		return err
	}
	if s.AgentTimeout.Duration <= 0 {
		return fmt.Errorf("invalid %s: agent_timeout must be positive", FileName)
	}
	if s.VerifyTimeout.Duration <= 0 {
		return fmt.Errorf("invalid %s: verify_timeout must be positive", FileName)
	}
	return nil
}

// Path returns the Evolve.toml path for a target directory.
func Path(targetDir string) string {
	return filepath.Join(targetDir, FileName)
}

// Load reads and validates Evolve.toml from targetDir. Missing keys take
// their values from Defaults.
func Load(targetDir string) (*Settings, error) {
	data, err := os.ReadFile(Path(targetDir))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, targetDir)
		}
		return nil, fmt.Errorf("cannot read %s: %w", FileName, err)
	}
	return Parse(data)
}

// Parse decodes Evolve.toml content.
func Parse(data []byte) (*Settings, error) {
	f := File{Evolution: Defaults()}
	md, err := toml.Decode(string(data), &f)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("invalid %s: unknown keys: %s", FileName, strings.Join(keys, ", "))
	}
	s := f.Evolution
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// WriteStarter writes a commented Evolve.toml template if none exists.
func WriteStarter(targetDir string) (bool, error) {
	p := Path(targetDir)
	if _, err := os.Stat(p); err == nil {
		return false, nil
	}
	if err := os.WriteFile(p, []byte(starter), 0644); err != nil {
		return false, fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return true, nil
}

const starter = `[evolution]
# What the mutation agent should achieve.
instruction = """
Describe the change you want here.
"""

# Verification command. Exit status 0 means the generation survives.
test_command = "cargo nextest run"

# Files the agent may edit.
files = ["src/lib.rs"]

max_generations = 5
agent_timeout = "10m"
verify_timeout = "5m"
errored_threshold = 3
stop_on_pass = true
`

// ResolvedProjectType returns the configured project type, or one inferred from the
// tracked file extensions.
func (s *Settings) ResolvedProjectType() string {
	if s.ProjectType != "" {
		return s.ProjectType
	}
	return InferProjectType(s.Files)
}

// InferProjectType guesses the language of a project from file names.
func InferProjectType(files []string) string {
	for _, f := range files {
		switch filepath.Ext(f) {
		case ".rs":
			return "rust"
		case ".py":
			return "python"
		case ".go":
			return "go"
		case ".js", ".mjs", ".cjs":
			return "javascript"
		case ".ts":
			return "typescript"
		}
	}
	return ""
}

// PrimaryPath is the file shown by the monitor: primary_file when set,
// otherwise the first tracked file that is not a glob.
func (s *Settings) PrimaryPath() string {
	if s.PrimaryFile != "" {
		return s.PrimaryFile
	}
	for _, f := range s.Files {
		if !IsGlob(f) {
			return f
		}
	}
	return ""
}

// IsGlob reports whether a tracked path contains glob metacharacters.
func IsGlob(p string) bool {
	return strings.ContainsAny(p, "*?[")
}
