package mutation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/evolve/internal/runtime"
	"github.com/kokistudios/evolve/internal/task"
)

type fakeDetector struct {
	changed bool
	err     error
}

func (f fakeDetector) ChangedSince(context.Context, string) (bool, error) {
	return f.changed, f.err
}

func testTask(timeout time.Duration) *task.Settings {
	s := task.Defaults()
	s.Instruction = "make fib iterative"
	s.AgentTimeout = task.Duration{Duration: timeout}
	return &s
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "agent.sh")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0755))
	return p
}

func TestProposeClassification(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		detector fakeDetector
		timeout  time.Duration
		kind     Kind
		reason   Reason
	}{
		{"applied", "echo editing", fakeDetector{changed: true}, 5 * time.Second, Applied, ""},
		{"no change", "echo nothing to do", fakeDetector{changed: false}, 5 * time.Second, NoChange, ""},
		{"nonzero exit", "echo boom >&2; exit 3", fakeDetector{changed: true}, 5 * time.Second, AgentError, ReasonExit},
		{"timeout", "sleep 30", fakeDetector{changed: true}, 200 * time.Millisecond, AgentError, ReasonTimeout},
		{"inspect failure", "true", fakeDetector{err: errors.New("git gone")}, 5 * time.Second, AgentError, ReasonInspect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv := &Invoker{
				Runtime:     &runtime.CommandRuntime{Argv: []string{writeScript(t, tt.script)}},
				Dir:         t.TempDir(),
				Detector:    tt.detector,
				GracePeriod: 100 * time.Millisecond,
			}
			res := inv.Propose(context.Background(), "abc1234", Request{Task: testTask(tt.timeout), Sequence: 1})
			assert.Equal(t, tt.kind, res.Kind, res.Detail)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestProposeLaunchFailure(t *testing.T) {
	inv := &Invoker{
		Runtime:  &runtime.CommandRuntime{Argv: []string{"/nonexistent/evolve-agent"}},
		Dir:      t.TempDir(),
		Detector: fakeDetector{changed: true},
	}
	res := inv.Propose(context.Background(), "abc1234", Request{Task: testTask(time.Second)})
	assert.Equal(t, AgentError, res.Kind)
	assert.Equal(t, ReasonLaunch, res.Reason)
}

func TestProposeCancelled(t *testing.T) {
	inv := &Invoker{
		Runtime:     &runtime.CommandRuntime{Argv: []string{writeScript(t, "sleep 30")}},
		Dir:         t.TempDir(),
		Detector:    fakeDetector{changed: true},
		GracePeriod: 100 * time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	res := inv.Propose(ctx, "abc1234", Request{Task: testTask(time.Minute)})
	assert.Equal(t, AgentError, res.Kind)
	assert.Equal(t, ReasonCancelled, res.Reason)
}

func TestProposeWritesTranscriptAndPrompt(t *testing.T) {
	logDir := filepath.Join(t.TempDir(), "gen-0001")
	script := writeScript(t, `echo "gen=$EVOLVE_GENERATION"; head -c 9 "$EVOLVE_PROMPT_FILE"; echo`)
	inv := &Invoker{
		Runtime:  &runtime.CommandRuntime{Argv: []string{script}},
		Dir:      t.TempDir(),
		Detector: fakeDetector{changed: true},
	}
	res := inv.Propose(context.Background(), "abc1234", Request{Task: testTask(5 * time.Second), Sequence: 1, LogDir: logDir})
	require.Equal(t, Applied, res.Kind, res.Detail)
	assert.Equal(t, filepath.Join(logDir, "agent.log"), res.Transcript)

	data, err := os.ReadFile(res.Transcript)
	require.NoError(t, err)
	assert.Contains(t, string(data), "gen=1")
	assert.Contains(t, string(data), "ROLE & CO")
	assert.Contains(t, res.OutputTail, "gen=1")

	_, err = os.Stat(filepath.Join(logDir, "prompt.md"))
	assert.NoError(t, err)
}
