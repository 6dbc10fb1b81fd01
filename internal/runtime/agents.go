package runtime

import (
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// AiderRuntime drives aider with separate architect and editor models.
type AiderRuntime struct {
	Path string
}

func (a *AiderRuntime) Name() string { return "aider" }

func (a *AiderRuntime) Available() error {
	return availableAt("aider", pathOr(a.Path, "aider"))
}

func (a *AiderRuntime) Command(opts InvokeOptions) (*exec.Cmd, error) {
	path := pathOr(a.Path, "aider")
	args := []string{}
	if opts.ArchitectModel != "" {
		args = append(args, "--model", opts.ArchitectModel)
	}
	if opts.EditorModel != "" {
		args = append(args, "--editor-model", opts.EditorModel)
	}
	args = append(args, "--message", opts.Prompt, "--yes", "--no-auto-commits", "--no-gitignore")
	args = append(args, opts.ExtraArgs...)
	args = append(args, opts.Files...)
	return newCmd(path, args, opts), nil
}

// ClaudeRuntime runs Claude Code non-interactively with edits accepted.
type ClaudeRuntime struct {
	Path string
}

func (c *ClaudeRuntime) Name() string { return "claude" }

func (c *ClaudeRuntime) Available() error {
	return availableAt("claude", pathOr(c.Path, "claude"))
}

func (c *ClaudeRuntime) Command(opts InvokeOptions) (*exec.Cmd, error) {
	args := []string{"-p", opts.Prompt, "--permission-mode", "acceptEdits"}
	if opts.ArchitectModel != "" {
		args = append(args, "--model", opts.ArchitectModel)
	}
	args = append(args, opts.ExtraArgs...)
	return newCmd(pathOr(c.Path, "claude"), args, opts), nil
}

// CodexRuntime runs the Codex CLI in exec mode inside a workspace-write sandbox.
type CodexRuntime struct {
	Path string
}

func (c *CodexRuntime) Name() string { return "codex" }

func (c *CodexRuntime) Available() error {
	return availableAt("codex", pathOr(c.Path, "codex"))
}

func (c *CodexRuntime) Command(opts InvokeOptions) (*exec.Cmd, error) {
	args := []string{"exec", opts.Prompt, "--sandbox", "workspace-write"}
	if opts.ArchitectModel != "" {
		args = append(args, "--model", opts.ArchitectModel)
	}
	args = append(args, opts.ExtraArgs...)
	return newCmd(pathOr(c.Path, "codex"), args, opts), nil
}

// CommandRuntime runs an arbitrary program. The prompt is passed through
// EVOLVE_PROMPT and EVOLVE_PROMPT_FILE, and the tracked files through
// EVOLVE_FILES (newline separated).
type CommandRuntime struct {
	Argv []string
}

func (c *CommandRuntime) Name() string { return "command" }

func (c *CommandRuntime) Available() error {
	if len(c.Argv) == 0 {
		return ErrEmptyCommand
	}
	return availableAt("agent command", c.Argv[0])
}

func (c *CommandRuntime) Command(opts InvokeOptions) (*exec.Cmd, error) {
	if len(c.Argv) == 0 {
		return nil, ErrEmptyCommand
	}
	args := append(append([]string{}, c.Argv[1:]...), opts.ExtraArgs...)
	return newCmd(c.Argv[0], args, opts), nil
}

func newCmd(path string, args []string, opts InvokeOptions) *exec.Cmd {
	cmd := exec.Command(path, args...)
	cmd.Dir = opts.WorkingDir
	env := append(os.Environ(), opts.Env...)
	env = append(env, "EVOLVE_PROMPT="+opts.Prompt)
	if opts.PromptFile != "" {
		env = append(env, "EVOLVE_PROMPT_FILE="+opts.PromptFile)
	}
	if len(opts.Files) > 0 {
		env = append(env, "EVOLVE_FILES="+strings.Join(opts.Files, "\n"))
	}
	cmd.Env = env
	return cmd
}

func pathOr(path, def string) string {
	if path == "" {
		return def
	}
	return path
}

func availableAt(name, path string) error {
	if _, err := exec.LookPath(path); err != nil {
		return fmt.Errorf("%w: %s not found at %q", ErrNotAvailable, name, path)
	}
	return nil
}
