// Package verify runs the verification command against the working tree and
// classifies its result.
package verify

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/kokistudios/evolve/internal/metrics"
	"github.com/kokistudios/evolve/internal/runtime"
	"github.com/kokistudios/evolve/internal/task"
	"github.com/kokistudios/evolve/internal/ui"
)

// Outcome is the verification verdict.
type Outcome string

const (
	// Passed means the command exited 0.
	Passed Outcome = "passed"
	// Failed means the command ran to completion with a non-zero status.
	Failed Outcome = "failed"
	// Errored means the command could not be launched or did not finish.
	Errored Outcome = "errored"
)

// Exit statuses POSIX shells use for commands that cannot be executed.
const (
	shellNotExecutable = 126
	shellNotFound      = 127
)

// Result describes one verification run.
type Result struct {
	Outcome   Outcome
	ExitCode  int
	TimedOut  bool
	Duration  time.Duration
	Output    string
	Truncated bool
	LogPath   string
	Detail    string
}

// Verifier runs the task's test command in Dir.
type Verifier struct {
	Dir         string
	GracePeriod time.Duration
	TailBytes   int
}

// Verify runs the verification command with the task's timeout. LogDir, when
// set, receives the full output as verify.log.
func (v *Verifier) Verify(ctx context.Context, t *task.Settings, logDir string) Result {
	return v.run(ctx, t.TestCommand, t.VerifyShell, t.VerifyTimeout.Duration, logDir, "verify.log")
}

// Check runs an arbitrary command with the same classification rules. It is
// used for goal commands.
func (v *Verifier) Check(ctx context.Context, command string, shell bool, timeout time.Duration) Result {
	return v.run(ctx, command, shell, timeout, "", "")
}

func (v *Verifier) run(ctx context.Context, command string, shell bool, timeout time.Duration, logDir, logName string) Result {
	res := v.exec(ctx, command, shell, timeout, logDir, logName)
	metrics.Get().VerifyDuration.WithLabelValues(string(res.Outcome)).Observe(res.Duration.Seconds())
	switch res.Outcome {
	case Passed:
		ui.Logger.Info("verification passed", "command", command, "duration", res.Duration.Round(time.Millisecond))
	case Failed:
		ui.Logger.Warn("verification failed", "command", command, "exit", res.ExitCode)
	case Errored:
		ui.Logger.Error("verification errored", "command", command, "detail", res.Detail)
	}
	return res
}

func (v *Verifier) exec(ctx context.Context, command string, shell bool, timeout time.Duration, logDir, logName string) Result {
	argv, err := Argv(command, shell)
	if err != nil {
		return Result{Outcome: Errored, ExitCode: -1, Detail: err.Error()}
	}

	var logWriter io.Writer = io.Discard
	var logPath string
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return Result{Outcome: Errored, ExitCode: -1, Detail: err.Error()}
		}
		logPath = filepath.Join(logDir, logName)
		f, err := os.Create(logPath)
		if err != nil {
			return Result{Outcome: Errored, ExitCode: -1, Detail: err.Error()}
		}
		defer f.Close()
		logWriter = f
	}

	tail := runtime.NewTailBuffer(v.tailBytes())
	out := io.MultiWriter(logWriter, tail)
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = v.Dir
	cmd.Stdout = out
	cmd.Stderr = out

	exit := runtime.Supervise(ctx, cmd, timeout, v.GracePeriod)
	res := Result{
		ExitCode:  exit.Code,
		TimedOut:  exit.TimedOut,
		Duration:  exit.Duration,
		Output:    tail.String(),
		Truncated: tail.Truncated(),
		LogPath:   logPath,
	}
	switch {
	case exit.LaunchErr != nil:
		res.Outcome = Errored
		res.Detail = fmt.Sprintf("cannot launch %q: %v", argv[0], exit.LaunchErr)
	case exit.TimedOut:
		res.Outcome = Errored
		res.Detail = fmt.Sprintf("exceeded verification timeout of %s", timeout)
	case exit.Cancelled:
		res.Outcome = Errored
		res.Detail = "verification cancelled"
	case exit.Signaled:
		res.Outcome = Errored
		res.Detail = "verification command killed by a signal"
	case exit.Code == 0:
		res.Outcome = Passed
	case shell && (exit.Code == shellNotExecutable || exit.Code == shellNotFound):
		// sh reports a command it could not launch with these statuses.
		res.Outcome = Errored
		res.Detail = fmt.Sprintf("shell could not launch the command (exit status %d)", exit.Code)
	default:
		res.Outcome = Failed
		res.Detail = fmt.Sprintf("exit status %d", exit.Code)
	}
	return res
}

// Argv splits a command string. With shell set, the command runs under
// sh -c so pipelines and && chains work.
func Argv(command string, shell bool) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, fmt.Errorf("verification command is empty")
	}
	if shell {
		return []string{"sh", "-c", command}, nil
	}
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("cannot parse command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("verification command is empty")
	}
	return argv, nil
}

func (v *Verifier) tailBytes() int {
	if v.TailBytes > 0 {
		return v.TailBytes
	}
	return 64 * 1024
}
