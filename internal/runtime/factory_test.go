package runtime

import (
	"errors"
	"strings"
	"testing"
)

func TestNewRuntime(t *testing.T) {
	tests := []struct {
		name        string
		runtimeType string
		path        string
		wantName    string
		wantErr     bool
	}{
		{"default", "", "", "aider", false},
		{"aider", "aider", "/bin/aider", "aider", false},
		{"claude", "claude", "/bin/claude", "claude", false},
		{"codex", "codex", "/bin/codex", "codex", false},
		{"command", "command", "./agent.sh --fast", "command", false},
		{"bad quoting", "command", "./agent.sh 'unterminated", "", true},
		{"unknown", "wat", "", "", true},
	}

	for _, tt := range tests {
		rt, err := New(tt.runtimeType, tt.path)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error, got nil", tt.name)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.name, err)
			continue
		}
		if rt.Name() != tt.wantName {
			t.Errorf("%s: expected runtime %s, got %s", tt.name, tt.wantName, rt.Name())
		}
	}
}

func TestAiderCommandArgs(t *testing.T) {
	rt := &AiderRuntime{Path: "/opt/aider"}
	cmd, err := rt.Command(InvokeOptions{
		Prompt:         "make it fast",
		WorkingDir:     "/tmp/proj",
		Files:          []string{"src/lib.rs", "tests/it.rs"},
		ArchitectModel: "ollama/qwen3-coder:30b",
		EditorModel:    "ollama/qwen3-coder:7b",
	})
	if err != nil {
		t.Fatal(err)
	}
	got := strings.Join(cmd.Args, " ")
	want := "/opt/aider --model ollama/qwen3-coder:30b --editor-model ollama/qwen3-coder:7b --message make it fast --yes --no-auto-commits --no-gitignore src/lib.rs tests/it.rs"
	if got != want {
		t.Errorf("args =\n  %s\nwant\n  %s", got, want)
	}
	if cmd.Dir != "/tmp/proj" {
		t.Errorf("Dir = %s", cmd.Dir)
	}
}

func TestCommandRuntimeEnv(t *testing.T) {
	rt := &CommandRuntime{Argv: []string{"./agent.sh", "--fast"}}
	cmd, err := rt.Command(InvokeOptions{Prompt: "p", PromptFile: "/tmp/p.md", Files: []string{"a", "b"}})
	if err != nil {
		t.Fatal(err)
	}
	env := strings.Join(cmd.Env, "\x00")
	for _, want := range []string{"EVOLVE_PROMPT=p", "EVOLVE_PROMPT_FILE=/tmp/p.md", "EVOLVE_FILES=a\nb"} {
		if !strings.Contains(env, want) {
			t.Errorf("env missing %q", want)
		}
	}
	if strings.Join(cmd.Args, " ") != "./agent.sh --fast" {
		t.Errorf("args = %v", cmd.Args)
	}

	empty := &CommandRuntime{}
	if _, err := empty.Command(InvokeOptions{}); !errors.Is(err, ErrEmptyCommand) {
		t.Errorf("expected ErrEmptyCommand, got %v", err)
	}
}

func TestAvailableMissingBinary(t *testing.T) {
	rt := &ClaudeRuntime{Path: "/nonexistent/claude-evolve-test"}
	if err := rt.Available(); !errors.Is(err, ErrNotAvailable) {
		t.Errorf("expected ErrNotAvailable, got %v", err)
	}
}
