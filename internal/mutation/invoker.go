// Package mutation hands the live tree to an external mutation agent and
// classifies what came back.
package mutation

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/kokistudios/evolve/internal/runtime"
	"github.com/kokistudios/evolve/internal/task"
	"github.com/kokistudios/evolve/internal/ui"
)

// Kind classifies a mutation attempt.
type Kind string

const (
	Applied    Kind = "applied"
	NoChange   Kind = "no_change"
	AgentError Kind = "agent_error"
)

// Reason qualifies an AgentError.
type Reason string

const (
	ReasonTimeout   Reason = "timeout"
	ReasonExit      Reason = "exit"
	ReasonLaunch    Reason = "launch"
	ReasonCancelled Reason = "cancelled"
	ReasonKilled    Reason = "killed"
	ReasonInspect   Reason = "inspect"
)

// Result is the outcome of one Propose call.
type Result struct {
	Kind       Kind
	Reason     Reason
	Detail     string
	ExitCode   int
	Duration   time.Duration
	Transcript string
	OutputTail string
}

// ChangeDetector reports whether the tree moved away from a snapshot.
type ChangeDetector interface {
	ChangedSince(ctx context.Context, base string) (bool, error)
}

// Request carries the task scope for one attempt.
type Request struct {
	Task          *task.Settings
	Sequence      int
	LogDir        string
	PriorAttempts []PriorAttempt
}

// Invoker runs the configured agent runtime against the live tree. It never
// snapshots or restores.
type Invoker struct {
	Runtime        runtime.Runtime
	Dir            string
	Detector       ChangeDetector
	ArchitectModel string
	EditorModel    string
	ExtraArgs      []string
	GracePeriod    time.Duration
	TailBytes      int
}

// Propose asks the agent to mutate the tree built on snapshot base.
func (inv *Invoker) Propose(ctx context.Context, base string, req Request) Result {
	prompt, err := BuildPrompt(PromptInput{
		TargetDir:     inv.Dir,
		Task:          req.Task,
		Sequence:      req.Sequence,
		Base:          base,
		PriorAttempts: req.PriorAttempts,
	})
	if err != nil {
		return Result{Kind: AgentError, Reason: ReasonLaunch, Detail: err.Error(), ExitCode: -1}
	}

	var promptFile string
	transcript := io.Discard
	var transcriptPath string
	if req.LogDir != "" {
		if err := os.MkdirAll(req.LogDir, 0755); err != nil {
			return Result{Kind: AgentError, Reason: ReasonLaunch, Detail: err.Error(), ExitCode: -1}
		}
		promptFile = filepath.Join(req.LogDir, "prompt.md")
		if err := os.WriteFile(promptFile, []byte(prompt), 0644); err != nil {
			return Result{Kind: AgentError, Reason: ReasonLaunch, Detail: err.Error(), ExitCode: -1}
		}
		transcriptPath = filepath.Join(req.LogDir, "agent.log")
		f, err := os.Create(transcriptPath)
		if err != nil {
			return Result{Kind: AgentError, Reason: ReasonLaunch, Detail: err.Error(), ExitCode: -1}
		}
		defer f.Close()
		transcript = f
	}

	cmd, err := inv.Runtime.Command(runtime.InvokeOptions{
		Prompt:         prompt,
		PromptFile:     promptFile,
		WorkingDir:     inv.Dir,
		Files:          req.Task.Files,
		ArchitectModel: inv.ArchitectModel,
		EditorModel:    inv.EditorModel,
		ExtraArgs:      inv.ExtraArgs,
		Env:            []string{fmt.Sprintf("EVOLVE_GENERATION=%d", req.Sequence), "EVOLVE_BASE=" + base},
	})
	if err != nil {
		return Result{Kind: AgentError, Reason: ReasonLaunch, Detail: err.Error(), ExitCode: -1, Transcript: transcriptPath}
	}
	tail := runtime.NewTailBuffer(inv.tailBytes())
	out := io.MultiWriter(transcript, tail)
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Stdin = nil

	ui.Logger.Debug("spawning agent", "runtime", inv.Runtime.Name(), "architect", inv.ArchitectModel, "editor", inv.EditorModel, "timeout", req.Task.AgentTimeout.Duration)
	exit := runtime.Supervise(ctx, cmd, req.Task.AgentTimeout.Duration, inv.GracePeriod)

	res := Result{
		ExitCode:   exit.Code,
		Duration:   exit.Duration,
		Transcript: transcriptPath,
		OutputTail: tail.String(),
	}
	switch {
	case exit.LaunchErr != nil:
		res.Kind, res.Reason = AgentError, ReasonLaunch
		res.Detail = fmt.Sprintf("failed to start %s: %v", inv.Runtime.Name(), exit.LaunchErr)
		return res
	case exit.TimedOut:
		res.Kind, res.Reason = AgentError, ReasonTimeout
		res.Detail = fmt.Sprintf("%s exceeded %s and was terminated", inv.Runtime.Name(), req.Task.AgentTimeout.Duration)
		return res
	case exit.Cancelled:
		res.Kind, res.Reason = AgentError, ReasonCancelled
		res.Detail = fmt.Sprintf("%s terminated by cancellation", inv.Runtime.Name())
		return res
	case exit.Signaled:
		res.Kind, res.Reason = AgentError, ReasonKilled
		res.Detail = fmt.Sprintf("%s was killed by a signal", inv.Runtime.Name())
		return res
	case exit.Code != 0:
		res.Kind, res.Reason = AgentError, ReasonExit
		res.Detail = fmt.Sprintf("%s exited with code %d", inv.Runtime.Name(), exit.Code)
		return res
	}

	changed, err := inv.Detector.ChangedSince(ctx, base)
	if err != nil {
		res.Kind, res.Reason = AgentError, ReasonInspect
		res.Detail = fmt.Sprintf("cannot inspect working tree: %v", err)
		return res
	}
	if !changed {
		res.Kind = NoChange
		res.Detail = fmt.Sprintf("%s finished without modifying the tree", inv.Runtime.Name())
		return res
	}
	res.Kind = Applied
	res.Detail = fmt.Sprintf("%s modified the tree", inv.Runtime.Name())
	return res
}

func (inv *Invoker) tailBytes() int {
	if inv.TailBytes > 0 {
		return inv.TailBytes
	}
	return 16 * 1024
}
