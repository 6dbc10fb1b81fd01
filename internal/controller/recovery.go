package controller

import (
	"context"
	"fmt"

	"github.com/kokistudios/evolve/internal/ledger"
	"github.com/kokistudios/evolve/internal/snapshot"
	"github.com/kokistudios/evolve/internal/ui"
)

// prepare brings the controller to a clean idle point: it captures the
// baseline on first run, recovers a generation left pending by a dead
// process, and checks that the tree still matches the ledger head.
func (c *Controller) prepare(ctx context.Context) error {
	if _, ok := c.ledger.Baseline(); !ok {
		return c.bootstrap(ctx)
	}
	if err := c.recoverPending(ctx); err != nil {
		return err
	}
	return c.checkTree(ctx)
}

func (c *Controller) bootstrap(ctx context.Context) error {
	c.transition(StateBootstrapping)
	id, err := c.snaps.CaptureBaseline(ctx)
	if err != nil {
		return c.halt(err)
	}
	if err := c.ledger.RecordBaseline(id); err != nil {
		return c.halt(fmt.Errorf("recording baseline: %w", err))
	}
	ui.Logger.Info("baseline captured", "snapshot", snapshot.Short(id))
	c.transition(StateIdle)
	return nil
}

// recoverPending restores the base of a generation whose process died
// mid-attempt and finalizes it as interrupted.
func (c *Controller) recoverPending(ctx context.Context) error {
	pending, ok := c.ledger.Pending()
	if !ok {
		return nil
	}
	ui.Logger.Warn("recovering interrupted generation", "seq", pending.Sequence, "base", snapshot.Short(pending.BaseSnapshot))

	c.transition(StateReverting)
	if err := c.restore(ctx, pending.BaseSnapshot); err != nil {
		return c.halt(fmt.Errorf("restore failed during recovery of generation %d: %w", pending.Sequence, err))
	}
	gen, err := c.ledger.Finalize(pending.Sequence, ledger.Finalization{
		Status: ledger.StatusAborted,
		Reason: "interrupted",
	})
	if err != nil {
		return c.halt(fmt.Errorf("finalizing interrupted generation: %w", err))
	}
	if c.opts.Observer != nil {
		c.opts.Observer.OnFinalize(gen)
	}
	c.transition(StateIdle)
	return nil
}

// checkTree refuses to start when the tree has drifted from the ledger head,
// since an attempt would otherwise absorb edits that are not the agent's.
func (c *Controller) checkTree(ctx context.Context) error {
	want := c.ledger.Head()
	head, err := c.snaps.Head(ctx)
	if err != nil {
		return c.halt(fmt.Errorf("reading tree head: %w", err))
	}
	if head != want {
		return c.halt(&snapshot.BootstrapError{
			Reason: fmt.Sprintf("tree is at %s but the ledger head is %s", snapshot.Short(head), snapshot.Short(want)),
		})
	}
	dirty, err := c.snaps.Changed(ctx)
	if err != nil {
		return c.halt(fmt.Errorf("inspecting tree: %w", err))
	}
	if dirty {
		return c.halt(&snapshot.BootstrapError{Reason: "unresolved local modifications since the last generation"})
	}
	return nil
}
