package runtime

import (
	"fmt"

	"github.com/google/shlex"
)

// New returns the runtime named runtimeType. For the command runtime, path
// is the full command line to execute.
func New(runtimeType, path string) (Runtime, error) {
	switch runtimeType {
	case "", "aider":
		return &AiderRuntime{Path: path}, nil
	case "claude":
		return &ClaudeRuntime{Path: path}, nil
	case "codex":
		return &CodexRuntime{Path: path}, nil
	case "command":
		argv, err := shlex.Split(path)
		if err != nil {
			return nil, fmt.Errorf("invalid agent command %q: %w", path, err)
		}
		return &CommandRuntime{Argv: argv}, nil
	default:
		return nil, fmt.Errorf("unknown runtime: %s", runtimeType)
	}
}
