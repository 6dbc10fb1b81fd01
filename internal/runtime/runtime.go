// Package runtime launches external mutation agents and supervises the
// processes it starts.
package runtime

import (
	"errors"
	"os/exec"
)

// InvokeOptions configures a runtime invocation.
type InvokeOptions struct {
	Prompt         string
	PromptFile     string
	WorkingDir     string
	Files          []string
	ArchitectModel string
	EditorModel    string
	ExtraArgs      []string
	Env            []string
}

// Runtime represents a supported mutation agent. Command builds the process
// for one invocation without starting it.
type Runtime interface {
	Name() string
	Available() error
	Command(opts InvokeOptions) (*exec.Cmd, error)
}

var (
	// ErrNotAvailable is wrapped by Available when the agent binary cannot be found.
	ErrNotAvailable = errors.New("agent runtime not available")
	// ErrEmptyCommand is returned by the command runtime when no argv is configured.
	ErrEmptyCommand = errors.New("agent command is empty")
)
