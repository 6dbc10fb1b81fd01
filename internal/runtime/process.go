package runtime

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
	"time"
)

// DefaultGracePeriod is how long a terminated process group gets between
// SIGTERM and SIGKILL.
const DefaultGracePeriod = 3 * time.Second

// Exit describes how a supervised process ended.
type Exit struct {
	Code      int
	Signaled  bool
	TimedOut  bool
	Cancelled bool
	Duration  time.Duration
	// LaunchErr is set when the process could not be started at all.
	LaunchErr error
	// WaitErr is the raw error from Wait, if any.
	WaitErr error
}

// Completed reports whether the process ran to its own exit.
func (e Exit) Completed() bool {
	return e.LaunchErr == nil && !e.TimedOut && !e.Cancelled && !e.Signaled
}

// Supervise starts cmd in its own process group and blocks until it exits.
// When timeout elapses or ctx is cancelled the whole group receives SIGTERM,
// then SIGKILL after grace. Supervise always reaps the process before
// returning, and kills any children left behind in the group.
func Supervise(ctx context.Context, cmd *exec.Cmd, timeout, grace time.Duration) Exit {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = grace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Exit{Code: -1, LaunchErr: err}
	}

	doneCh := make(chan error, 1)
	go func() {
		doneCh <- cmd.Wait()
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var res Exit
	var err error
	select {
	case err = <-doneCh:
	case <-timer:
		res.TimedOut = true
		err = terminateGroup(cmd, doneCh, grace)
	case <-ctx.Done():
		res.Cancelled = true
		err = terminateGroup(cmd, doneCh, grace)
	}
	killGroup(cmd.Process.Pid, syscall.SIGKILL)

	res.Duration = time.Since(start)
	res.WaitErr = err
	res.Code = 0
	if err != nil {
		res.Code = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.Code = exitErr.ExitCode()
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				res.Signaled = true
			}
		}
	}
	return res
}

func terminateGroup(cmd *exec.Cmd, doneCh <-chan error, grace time.Duration) error {
	killGroup(cmd.Process.Pid, syscall.SIGTERM)
	select {
	case err := <-doneCh:
		return err
	case <-time.After(grace):
		killGroup(cmd.Process.Pid, syscall.SIGKILL)
		return <-doneCh
	}
}
