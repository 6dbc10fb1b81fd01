package main

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/evolve/internal/controller"
	"github.com/kokistudios/evolve/internal/ledger"
	"github.com/kokistudios/evolve/internal/run"
	"github.com/kokistudios/evolve/internal/snapshot"
)

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitOK},
		{"usage", errors.New("unknown flag"), exitUsage},
		{"bootstrap", &snapshot.BootstrapError{Reason: "scaffold failed"}, exitBootstrap},
		{"wrapped bootstrap", fmt.Errorf("run: %w", &snapshot.BootstrapError{Reason: "drift"}), exitBootstrap},
		{"snapshot", &snapshot.SnapshotError{Op: "restore", Err: errors.New("index.lock")}, exitFatal},
		{"circuit open", controller.ErrCircuitOpen, exitFatal},
		{"halted", controller.ErrHalted, exitFatal},
		{"locked", fmt.Errorf("%w: another evolve run owns .evolve", ledger.ErrLocked), exitFatal},
		{"corrupt", ledger.ErrCorrupt, exitFatal},
		{"cancelled", controller.ErrCancelled, exitCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestFinishStatus(t *testing.T) {
	assert.Equal(t, run.StatusCompleted, finishStatus(nil))
	assert.Equal(t, run.StatusCancelled, finishStatus(controller.ErrCancelled))
	assert.Equal(t, run.StatusFailed, finishStatus(&snapshot.BootstrapError{Reason: "no git"}))
	assert.Equal(t, run.StatusHalted, finishStatus(controller.ErrCircuitOpen))
	assert.Equal(t, run.StatusFailed, finishStatus(errors.New("boom")))
}

func TestResolveRef(t *testing.T) {
	led, err := ledger.OpenWriter(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })

	_, err = resolveRef(led, "head")
	assert.ErrorIs(t, err, ledger.ErrNoBaseline)

	require.NoError(t, led.RecordBaseline("base"))
	g0, err := led.Begin("base", "run-1")
	require.NoError(t, err)
	_, err = led.Finalize(g0.Sequence, ledger.Finalization{Status: ledger.StatusCommitted, Outcome: ledger.OutcomePassed, ResultSnapshot: "c1"})
	require.NoError(t, err)
	g1, err := led.Begin("c1", "run-1")
	require.NoError(t, err)
	_, err = led.Finalize(g1.Sequence, ledger.Finalization{Status: ledger.StatusReverted, Outcome: ledger.OutcomeFailed})
	require.NoError(t, err)

	tests := []struct {
		ref  string
		want string
	}{
		{"head", "c1"},
		{"baseline", "base"},
		{"#0", "c1"},
		{"#1", "c1"},
		{"abc1234", "abc1234"},
	}
	for _, tt := range tests {
		got, err := resolveRef(led, tt.ref)
		require.NoError(t, err, tt.ref)
		assert.Equal(t, tt.want, got, tt.ref)
	}

	_, err = resolveRef(led, "#7")
	assert.ErrorIs(t, err, ledger.ErrUnknownGeneration)
	_, err = resolveRef(led, "#x")
	assert.Error(t, err)
}
