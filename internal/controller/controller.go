// Package controller drives the evolution loop: propose a mutation, verify
// it, then commit or restore, recording each attempt in the ledger.
package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kokistudios/evolve/internal/ledger"
	"github.com/kokistudios/evolve/internal/metrics"
	"github.com/kokistudios/evolve/internal/mutation"
	"github.com/kokistudios/evolve/internal/snapshot"
	"github.com/kokistudios/evolve/internal/task"
	"github.com/kokistudios/evolve/internal/telemetry"
	"github.com/kokistudios/evolve/internal/ui"
	"github.com/kokistudios/evolve/internal/verify"
)

// Snapshots is the version-control surface the controller needs.
type Snapshots interface {
	CaptureBaseline(ctx context.Context) (string, error)
	Commit(ctx context.Context, label string) (string, error)
	Restore(ctx context.Context, id string) error
	Head(ctx context.Context) (string, error)
	Changed(ctx context.Context) (bool, error)
	DiffStat(ctx context.Context, base string) (snapshot.DiffStat, error)
}

// Mutator proposes a change on top of a base snapshot.
type Mutator interface {
	Propose(ctx context.Context, base string, req mutation.Request) mutation.Result
}

// Verifier judges the working tree.
type Verifier interface {
	Verify(ctx context.Context, t *task.Settings, logDir string) verify.Result
}

// Observer receives progress callbacks. Calls happen on the controller
// goroutine.
type Observer interface {
	OnState(from, to State)
	OnFinalize(g ledger.Generation)
}

// Options tune a controller. Zero values are usable.
type Options struct {
	RunID string
	// RunDir receives gen-NNNN/ log directories. Empty disables logs.
	RunDir string
	// RuntimeName labels agent metrics.
	RuntimeName string
	// MaxAttempts caps attempts per Run. Zero means unlimited.
	MaxAttempts int
	// StopOnPass ends the run after the first committed generation.
	StopOnPass bool
	// GoalReached is consulted at idle before each attempt once the tree
	// has changed.
	GoalReached func(ctx context.Context) (bool, error)
	// ErroredThreshold is the consecutive Errored count that trips the
	// breaker. Defaults to 3.
	ErroredThreshold int
	// PriorAttempts bounds how many rejected attempts are fed back to the
	// agent. Defaults to 3.
	PriorAttempts int
	Observer      Observer
}

// RunResult summarizes one Run.
type RunResult struct {
	Attempts   int
	Committed  int
	Head       string
	StopReason StopReason
	Last       *ledger.Generation
}

// Controller is the single writer of a target's evolution. It is not
// re-entrant: overlapping Run or Step calls fail with ErrBusy.
type Controller struct {
	snaps  Snapshots
	mut    Mutator
	ver    Verifier
	ledger *ledger.Ledger
	task   *task.Settings
	opts   Options

	running sync.Mutex

	stateMu sync.RWMutex
	state   State
	haltErr error

	stopOnce sync.Once
	stopCh   chan struct{}

	breaker *erroredBreaker
	tracer  trace.Tracer
}

// New builds a controller. The ledger must be opened for writing.
func New(snaps Snapshots, mut Mutator, ver Verifier, led *ledger.Ledger, t *task.Settings, opts Options) *Controller {
	if opts.ErroredThreshold <= 0 {
		opts.ErroredThreshold = 3
	}
	if opts.PriorAttempts <= 0 {
		opts.PriorAttempts = 3
	}
	return &Controller{
		snaps:   snaps,
		mut:     mut,
		ver:     ver,
		ledger:  led,
		task:    t,
		opts:    opts,
		state:   StateIdle,
		stopCh:  make(chan struct{}),
		breaker: newErroredBreaker(opts.ErroredThreshold),
		tracer:  telemetry.Tracer("github.com/kokistudios/evolve/internal/controller"),
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.state
}

// RequestStop asks the loop to stop at the next idle point. The in-flight
// attempt, if any, runs to completion.
func (c *Controller) RequestStop() {
	c.stopOnce.Do(func() {
		ui.Logger.Info("graceful stop requested")
		close(c.stopCh)
	})
}

func (c *Controller) stopRequested() bool {
	select {
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

func (c *Controller) transition(to State) {
	c.stateMu.Lock()
	from := c.state
	err := checkTransition(from, to)
	c.state = to
	c.stateMu.Unlock()

	if err != nil {
		ui.Logger.Error("controller state", "err", err)
	}
	ui.Logger.Debug("controller state", "from", from, "to", to)
	metrics.Get().StateTransitions.WithLabelValues(string(from), string(to)).Inc()
	if c.opts.Observer != nil {
		c.opts.Observer.OnState(from, to)
	}
}

func (c *Controller) halt(err error) error {
	c.transition(StateHalted)
	c.stateMu.Lock()
	c.haltErr = err
	c.stateMu.Unlock()
	ui.Logger.Error("controller halted", "err", err)
	return err
}

func (c *Controller) halted() error {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	if c.state == StateHalted {
		return fmt.Errorf("%w: %w", ErrHalted, c.haltErr)
	}
	return nil
}

// Run bootstraps if needed, then attempts generations until a stop
// condition holds. Cancelling ctx is a forced cancel: the in-flight agent or
// verifier is killed and the tree restored before Run returns ErrCancelled.
func (c *Controller) Run(ctx context.Context) (RunResult, error) {
	if !c.running.TryLock() {
		return RunResult{}, ErrBusy
	}
	defer c.running.Unlock()

	res := RunResult{}
	if err := c.halted(); err != nil {
		res.StopReason = StopFatal
		return res, err
	}
	if err := c.prepare(ctx); err != nil {
		res.StopReason = StopFatal
		if errors.Is(err, ErrCancelled) {
			res.StopReason = StopCancelled
		}
		return res, err
	}

	checkGoal := true
	for {
		res.Head = c.ledger.Head()

		if c.stopRequested() || ctx.Err() != nil {
			res.StopReason = StopCancelled
			ui.Logger.Info("stopping at idle", "reason", res.StopReason, "attempts", res.Attempts)
			return res, ErrCancelled
		}
		if c.opts.StopOnPass && res.Committed > 0 {
			res.StopReason = StopGoalReached
			return res, nil
		}
		if checkGoal && c.opts.GoalReached != nil {
			reached, err := c.opts.GoalReached(ctx)
			if err != nil {
				ui.Logger.Warn("goal check failed", "err", err)
			} else if reached {
				ui.Logger.Info("goal reached", "head", snapshot.Short(res.Head))
				res.StopReason = StopGoalReached
				return res, nil
			}
			checkGoal = false
		}
		if c.opts.MaxAttempts > 0 && res.Attempts >= c.opts.MaxAttempts {
			res.StopReason = StopMaxAttempts
			ui.Logger.Info("attempt ceiling reached", "attempts", res.Attempts)
			return res, nil
		}

		gen, err := c.step(ctx, res.Attempts)
		if gen.Status != "" {
			res.Attempts++
			g := gen
			res.Last = &g
			if gen.Status == ledger.StatusCommitted {
				res.Committed++
				checkGoal = true
			}
		}
		res.Head = c.ledger.Head()
		if err != nil {
			res.StopReason = StopFatal
			if errors.Is(err, ErrCancelled) {
				res.StopReason = StopCancelled
			}
			return res, err
		}

		if c.breaker.open() {
			res.StopReason = StopCircuitOpen
			err := fmt.Errorf("%w (%d consecutive errored)", ErrCircuitOpen, c.breaker.consecutive())
			return res, c.halt(err)
		}
	}
}

// Step runs exactly one attempt from idle. Bootstrap and recovery happen
// first when needed.
func (c *Controller) Step(ctx context.Context) (ledger.Generation, error) {
	if !c.running.TryLock() {
		return ledger.Generation{}, ErrBusy
	}
	defer c.running.Unlock()

	if err := c.halted(); err != nil {
		return ledger.Generation{}, err
	}
	if err := c.prepare(ctx); err != nil {
		return ledger.Generation{}, err
	}
	if ctx.Err() != nil {
		return ledger.Generation{}, ErrCancelled
	}
	return c.step(ctx, 0)
}

// step performs one generation. A non-zero Generation is returned whenever a
// ledger entry was finalized, even alongside an error.
func (c *Controller) step(ctx context.Context, attempt int) (ledger.Generation, error) {
	base := c.ledger.Head()
	prior := c.priorAttempts()

	c.transition(StateAwaitingMutation)
	gen, err := c.ledger.Begin(base, c.opts.RunID)
	if err != nil {
		return ledger.Generation{}, c.halt(fmt.Errorf("beginning generation: %w", err))
	}
	seq := gen.Sequence
	started := time.Now()

	ctx, span := c.tracer.Start(ctx, "evolve.generation", trace.WithAttributes(
		attribute.Int("evolve.sequence", seq),
		attribute.String("evolve.base", base),
		attribute.String("evolve.run_id", c.opts.RunID),
	))
	defer span.End()

	ui.GenerationHeader(seq, attempt+1, c.opts.MaxAttempts, snapshot.Short(base))
	metrics.Get().CurrentSequence.Set(float64(seq))

	logDir := ""
	if c.opts.RunDir != "" {
		logDir = filepath.Join(c.opts.RunDir, fmt.Sprintf("gen-%04d", seq))
	}

	mres := c.mut.Propose(ctx, base, mutation.Request{
		Task:          c.task,
		Sequence:      seq,
		LogDir:        logDir,
		PriorAttempts: prior,
	})
	metrics.Get().AgentDuration.WithLabelValues(c.opts.RuntimeName, string(mres.Kind)).Observe(mres.Duration.Seconds())
	summary := summarize(mres, c.opts.RuntimeName)
	span.SetAttributes(attribute.String("evolve.mutation", string(mres.Kind)))

	if mres.Kind != mutation.Applied {
		if ctx.Err() != nil {
			return c.cancelAttempt(ctx, span, seq, base, summary, nil, started)
		}
		ui.Logger.Warn("mutation aborted", "seq", seq, "kind", mres.Kind, "reason", mres.Reason, "detail", mres.Detail)
		return c.restoreAndFinalize(ctx, span, seq, base, ledger.Finalization{
			Status:   ledger.StatusAborted,
			Reason:   abortReason(mres),
			Mutation: summary,
		}, started)
	}

	if ds, err := c.snaps.DiffStat(ctx, base); err != nil {
		ui.Logger.Warn("diff stat unavailable", "seq", seq, "err", err)
	} else {
		summary.Files, summary.Added, summary.Deleted, summary.Paths = ds.Files, ds.Added, ds.Deleted, ds.Paths
	}
	ui.Logger.Info("mutation applied", "seq", seq, "files", summary.Files, "added", summary.Added, "deleted", summary.Deleted)

	c.transition(StateAwaitingVerification)
	vres := c.ver.Verify(ctx, c.task, logDir)
	vrec := verificationRecord(vres, c.task.TestCommand)
	if ctx.Err() != nil {
		return c.cancelAttempt(ctx, span, seq, base, summary, vrec, started)
	}
	c.breaker.record(vres.Outcome)
	span.SetAttributes(attribute.String("evolve.outcome", string(vres.Outcome)))

	if vres.Outcome != verify.Passed {
		reason := fmt.Sprintf("verification %s", vres.Outcome)
		if vres.Detail != "" {
			reason += ": " + vres.Detail
		}
		return c.restoreAndFinalize(ctx, span, seq, base, ledger.Finalization{
			Status:       ledger.StatusReverted,
			Outcome:      ledger.Outcome(vres.Outcome),
			Reason:       reason,
			Mutation:     summary,
			Verification: vrec,
		}, started)
	}

	c.transition(StateCommitting)
	result, err := c.snaps.Commit(ctx, fmt.Sprintf("evolve: generation %d", seq))
	if err != nil && ctx.Err() != nil {
		return c.cancelAttempt(ctx, span, seq, base, summary, vrec, started)
	}
	if err != nil {
		commitErr := fmt.Errorf("commit failed during %s: %w", StateCommitting, err)
		span.RecordError(commitErr)
		span.SetStatus(codes.Error, "commit failed")

		c.transition(StateReverting)
		if rerr := c.restore(ctx, base); rerr != nil {
			c.finalize(span, seq, ledger.Finalization{
				Status:       ledger.StatusAborted,
				Outcome:      ledger.OutcomePassed,
				Reason:       "restore failed",
				Mutation:     summary,
				Verification: vrec,
			}, started)
			return c.mustGet(seq), c.halt(errors.Join(commitErr, rerr))
		}
		gen, ferr := c.finalize(span, seq, ledger.Finalization{
			Status:       ledger.StatusAborted,
			Outcome:      ledger.OutcomePassed,
			Reason:       "commit failed",
			Mutation:     summary,
			Verification: vrec,
		}, started)
		if ferr != nil {
			return gen, c.halt(errors.Join(commitErr, ferr))
		}
		return gen, c.halt(commitErr)
	}

	gen, err = c.finalize(span, seq, ledger.Finalization{
		Status:         ledger.StatusCommitted,
		Outcome:        ledger.OutcomePassed,
		ResultSnapshot: result,
		Reason:         "verification passed",
		Mutation:       summary,
		Verification:   vrec,
	}, started)
	if err != nil {
		return gen, c.halt(err)
	}
	ui.Logger.Info("generation committed", "seq", seq, "snapshot", snapshot.Short(result))
	c.transition(StateIdle)
	return gen, nil
}

// restoreAndFinalize returns the tree to base and records the attempt as
// rejected. A restore failure halts the controller.
func (c *Controller) restoreAndFinalize(ctx context.Context, span trace.Span, seq int, base string, fin ledger.Finalization, started time.Time) (ledger.Generation, error) {
	c.transition(StateReverting)
	if err := c.restore(ctx, base); err != nil {
		restoreErr := fmt.Errorf("restore failed during %s: %w", StateReverting, err)
		span.RecordError(restoreErr)
		span.SetStatus(codes.Error, "restore failed")
		fin.Status = ledger.StatusAborted
		fin.Reason = "restore failed"
		gen, _ := c.finalize(span, seq, fin, started)
		return gen, c.halt(restoreErr)
	}

	gen, err := c.finalize(span, seq, fin, started)
	if err != nil {
		return gen, c.halt(err)
	}
	ui.Logger.Info("generation finalized", "seq", seq, "status", gen.Status, "outcome", gen.Outcome)
	c.transition(StateIdle)
	return gen, nil
}

// cancelAttempt handles a forced cancel mid-attempt. The agent or verifier
// has already been killed by the cancelled context.
func (c *Controller) cancelAttempt(ctx context.Context, span trace.Span, seq int, base string, summary *ledger.MutationSummary, vrec *ledger.VerificationRecord, started time.Time) (ledger.Generation, error) {
	ui.Logger.Warn("forced cancel, restoring base", "seq", seq, "base", snapshot.Short(base))
	gen, err := c.restoreAndFinalize(ctx, span, seq, base, ledger.Finalization{
		Status:       ledger.StatusAborted,
		Reason:       "cancelled",
		Mutation:     summary,
		Verification: vrec,
	}, started)
	if err != nil {
		return gen, err
	}
	return gen, ErrCancelled
}

// restore ignores ctx cancellation: a forced cancel must still leave the
// tree at base.
func (c *Controller) restore(ctx context.Context, id string) error {
	err := c.snaps.Restore(context.WithoutCancel(ctx), id)
	result := "ok"
	if err != nil {
		result = "failed"
	}
	metrics.Get().RestoresTotal.WithLabelValues(result).Inc()
	return err
}

func (c *Controller) finalize(span trace.Span, seq int, fin ledger.Finalization, started time.Time) (ledger.Generation, error) {
	gen, err := c.ledger.Finalize(seq, fin)
	if err != nil {
		span.RecordError(err)
		return c.mustGet(seq), fmt.Errorf("finalizing generation %d: %w", seq, err)
	}
	span.SetAttributes(
		attribute.String("evolve.status", string(gen.Status)),
		attribute.String("evolve.result", gen.ResultSnapshot),
	)

	m := metrics.Get()
	m.GenerationsTotal.WithLabelValues(string(gen.Status), string(gen.Outcome)).Inc()
	m.GenerationDuration.WithLabelValues(string(gen.Status)).Observe(time.Since(started).Seconds())

	if c.opts.Observer != nil {
		c.opts.Observer.OnFinalize(gen)
	}
	return gen, nil
}

func (c *Controller) mustGet(seq int) ledger.Generation {
	g, _ := c.ledger.Get(seq)
	return g
}

func (c *Controller) priorAttempts() []mutation.PriorAttempt {
	return PriorAttempts(c.ledger.List(), c.opts.PriorAttempts)
}

// PriorAttempts collects up to limit rejected attempts since the last
// commit, most recent last.
func PriorAttempts(gens []ledger.Generation, limit int) []mutation.PriorAttempt {
	var out []mutation.PriorAttempt
	for i := len(gens) - 1; i >= 0 && len(out) < limit; i-- {
		g := gens[i]
		if g.Status == ledger.StatusCommitted {
			break
		}
		if g.Status == ledger.StatusPending {
			continue
		}
		pa := mutation.PriorAttempt{
			Sequence: g.Sequence,
			Status:   string(g.Status),
			Outcome:  string(g.Outcome),
			Reason:   g.Reason,
		}
		if g.Verification != nil {
			pa.OutputTail = g.Verification.OutputTail
		}
		out = append([]mutation.PriorAttempt{pa}, out...)
	}
	return out
}

func summarize(r mutation.Result, runtimeName string) *ledger.MutationSummary {
	return &ledger.MutationSummary{
		Kind:       string(r.Kind),
		Reason:     string(r.Reason),
		Detail:     r.Detail,
		Runtime:    runtimeName,
		ExitCode:   r.ExitCode,
		DurationMS: r.Duration.Milliseconds(),
		Transcript: r.Transcript,
	}
}

func verificationRecord(r verify.Result, command string) *ledger.VerificationRecord {
	return &ledger.VerificationRecord{
		Command:    command,
		ExitCode:   r.ExitCode,
		TimedOut:   r.TimedOut,
		DurationMS: r.Duration.Milliseconds(),
		Detail:     r.Detail,
		OutputTail: r.Output,
		LogPath:    r.LogPath,
	}
}

func abortReason(r mutation.Result) string {
	if r.Kind == mutation.NoChange {
		return "agent produced no change"
	}
	return fmt.Sprintf("agent error (%s): %s", r.Reason, r.Detail)
}
