//go:build !windows

package controller

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/evolve/internal/ledger"
	"github.com/kokistudios/evolve/internal/mutation"
	"github.com/kokistudios/evolve/internal/runtime"
	"github.com/kokistudios/evolve/internal/snapshot"
	"github.com/kokistudios/evolve/internal/task"
	"github.com/kokistudios/evolve/internal/verify"
)

const agentScript = `#!/bin/sh
case "$EVOLVE_GENERATION" in
0) printf 'pub fn fib(n: u32) -> u32 { n }\n' > src/lib.rs ;;
1) printf 'broken\n' > src/lib.rs ;;
2|3) printf 'pub fn fib(n: u32) -> u32 { n + 1 }\n' > src/lib.rs ;;
*) printf 'partial' > src/lib.rs; printf 'x' > src/scratch.rs; exec sleep 30 ;;
esac
`

const verifyScript = `#!/bin/sh
grep -q broken src/lib.rs && { echo "test failed"; exit 1; }
echo ok
`

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0755))
	return p
}

func gitHead(t *testing.T, dir string) string {
	t.Helper()
	out, err := exec.Command("git", "-C", dir, "rev-parse", "HEAD").Output()
	require.NoError(t, err)
	return strings.TrimSpace(string(out))
}

func gitClean(t *testing.T, dir string) bool {
	t.Helper()
	out, err := exec.Command("git", "-C", dir, "status", "--porcelain", "--untracked-files=all").Output()
	require.NoError(t, err)
	return strings.TrimSpace(string(out)) == ""
}

func TestLifecycleAgainstGit(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_CONFIG_GLOBAL", os.DevNull)
	ctx := context.Background()

	target := t.TempDir()
	tools := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(target, "src"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(target, "src", "lib.rs"), []byte("// start\n"), 0644))

	home := filepath.Join(target, ".evolve")
	led, err := ledger.OpenWriter(home)
	require.NoError(t, err)
	defer led.Close()

	snaps := snapshot.New(target, snapshot.WithExclude(".evolve"))
	agent := writeScript(t, tools, "agent.sh", agentScript)
	verifier := writeScript(t, tools, "verify.sh", verifyScript)

	inv := &mutation.Invoker{
		Runtime:     &runtime.CommandRuntime{Argv: []string{agent}},
		Dir:         target,
		Detector:    snaps,
		GracePeriod: 200 * time.Millisecond,
	}
	ver := &verify.Verifier{Dir: target, GracePeriod: 200 * time.Millisecond}

	settings := task.Defaults()
	settings.Instruction = "implement fib"
	settings.TestCommand = "sh " + verifier
	opts := Options{RunID: "it", RunDir: filepath.Join(home, "runs", "it"), RuntimeName: "command"}

	// A: bootstrap on a target with no history.
	c := New(snaps, inv, ver, led, &settings, opts)
	g0, err := c.Step(ctx)
	require.NoError(t, err)
	s0, ok := led.Baseline()
	require.True(t, ok)
	assert.Equal(t, 0, g0.Sequence)
	assert.Equal(t, s0, g0.BaseSnapshot)

	// B: applied and passed.
	assert.Equal(t, ledger.StatusCommitted, g0.Status)
	s1 := g0.ResultSnapshot
	assert.Equal(t, s1, gitHead(t, target))
	assert.True(t, gitClean(t, target))
	assert.FileExists(t, filepath.Join(opts.RunDir, "gen-0000", "agent.log"))

	// C: applied and failed, restored to S1 rather than S0.
	g1, err := c.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, ledger.StatusReverted, g1.Status)
	assert.Equal(t, ledger.OutcomeFailed, g1.Outcome)
	assert.Equal(t, s1, g1.BaseSnapshot)
	assert.Equal(t, s1, gitHead(t, target))
	assert.True(t, gitClean(t, target))
	lib, err := os.ReadFile(filepath.Join(target, "src", "lib.rs"))
	require.NoError(t, err)
	assert.Equal(t, "pub fn fib(n: u32) -> u32 { n }\n", string(lib))

	// D: verification cannot launch; errored attempts trip the breaker.
	broken := settings
	broken.TestCommand = "evolve-test-binary-that-does-not-exist"
	cd := New(snaps, inv, ver, led, &broken, Options{RunID: "it", ErroredThreshold: 2, MaxAttempts: 5})
	res, err := cd.Run(ctx)
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, 2, res.Attempts)
	for _, seq := range []int{2, 3} {
		g, ok := led.Get(seq)
		require.True(t, ok)
		assert.Equal(t, ledger.StatusReverted, g.Status)
		assert.Equal(t, ledger.OutcomeErrored, g.Outcome)
	}
	assert.Equal(t, s1, gitHead(t, target))
	assert.True(t, gitClean(t, target))

	// E: agent overruns its timeout after a partial write.
	slow := settings
	slow.AgentTimeout = task.Duration{Duration: 300 * time.Millisecond}
	ce := New(snaps, inv, ver, led, &slow, Options{RunID: "it"})
	g4, err := ce.Step(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, g4.Sequence)
	assert.Equal(t, ledger.StatusAborted, g4.Status)
	require.NotNil(t, g4.Mutation)
	assert.Equal(t, string(mutation.ReasonTimeout), g4.Mutation.Reason)
	assert.Equal(t, s1, gitHead(t, target))
	assert.True(t, gitClean(t, target))
	assert.NoFileExists(t, filepath.Join(target, "src", "scratch.rs"))

	assert.Equal(t, s1, led.Head())
	assert.Empty(t, led.Verify())
	assert.Equal(t, 5, led.Len())
}
