package verify

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/evolve/internal/task"
)

func taskWith(cmd string, shell bool, timeout time.Duration) *task.Settings {
	s := task.Defaults()
	s.Instruction = "x"
	s.TestCommand = cmd
	s.VerifyShell = shell
	s.VerifyTimeout = task.Duration{Duration: timeout}
	return &s
}

func TestVerifyClassification(t *testing.T) {
	tests := []struct {
		name    string
		command string
		shell   bool
		timeout time.Duration
		want    Outcome
	}{
		{"pass", "true", false, 5 * time.Second, Passed},
		{"fail", "false", false, 5 * time.Second, Failed},
		{"fail with code", "sh -c 'exit 2'", false, 5 * time.Second, Failed},
		{"shell chain", "true && exit 1", true, 5 * time.Second, Failed},
		{"missing binary", "/nonexistent/cargo nextest run", false, 5 * time.Second, Errored},
		{"shell missing binary", "/nonexistent/cargo nextest run", true, 5 * time.Second, Errored},
		{"shell missing binary in chain", "true && nonexistent-evolve-tool", true, 5 * time.Second, Errored},
		{"timeout", "sleep 30", false, 200 * time.Millisecond, Errored},
		{"empty", "   ", false, 5 * time.Second, Errored},
		{"bad quoting", "echo 'oops", false, 5 * time.Second, Errored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := &Verifier{Dir: t.TempDir(), GracePeriod: 100 * time.Millisecond}
			res := v.Verify(context.Background(), taskWith(tt.command, tt.shell, tt.timeout), "")
			assert.Equal(t, tt.want, res.Outcome, res.Detail)
		})
	}
}

func TestVerifyShellNotExecutable(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "check.sh"), []byte("#!/bin/sh\nexit 0\n"), 0644))

	v := &Verifier{Dir: dir}
	res := v.Verify(context.Background(), taskWith("./check.sh", true, 5*time.Second), "")
	assert.Equal(t, Errored, res.Outcome)
	assert.Equal(t, 126, res.ExitCode)
	assert.Contains(t, res.Detail, "could not launch")
}

func TestVerifyTimeoutFlagged(t *testing.T) {
	v := &Verifier{Dir: t.TempDir(), GracePeriod: 100 * time.Millisecond}
	res := v.Verify(context.Background(), taskWith("sleep 30", false, 150*time.Millisecond), "")
	assert.Equal(t, Errored, res.Outcome)
	assert.True(t, res.TimedOut)
	assert.Contains(t, res.Detail, "timeout")
}

func TestVerifyCapturesOutput(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(t.TempDir(), "gen-0002")
	v := &Verifier{Dir: dir}
	res := v.Verify(context.Background(), taskWith("echo 'test fib_zero ... FAILED' >&2; exit 101", true, 5*time.Second), logDir)

	require.Equal(t, Failed, res.Outcome)
	assert.Equal(t, 101, res.ExitCode)
	assert.Contains(t, res.Output, "fib_zero ... FAILED")
	assert.Equal(t, filepath.Join(logDir, "verify.log"), res.LogPath)

	data, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "FAILED")
}

func TestVerifyOutputTailBounded(t *testing.T) {
	v := &Verifier{Dir: t.TempDir(), TailBytes: 1024}
	res := v.Verify(context.Background(), taskWith("yes evolve | head -n 5000; exit 1", true, 5*time.Second), "")
	require.Equal(t, Failed, res.Outcome)
	assert.LessOrEqual(t, len(res.Output), 1024)
	assert.True(t, res.Truncated)
}

func TestVerifyRunsInTargetDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "marker"), []byte("ok"), 0644))
	v := &Verifier{Dir: dir}
	res := v.Verify(context.Background(), taskWith("test -f marker", false, 5*time.Second), "")
	assert.Equal(t, Passed, res.Outcome)
}

func TestArgv(t *testing.T) {
	argv, err := Argv(`cargo test -- --test-threads 1 "name with space"`, false)
	require.NoError(t, err)
	assert.Equal(t, []string{"cargo", "test", "--", "--test-threads", "1", "name with space"}, argv)

	argv, err = Argv("make test | tee out", true)
	require.NoError(t, err)
	assert.Equal(t, "sh", argv[0])
	assert.True(t, strings.HasSuffix(argv[2], "tee out"))
}
