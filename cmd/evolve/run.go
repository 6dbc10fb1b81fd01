package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	ossignal "os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kokistudios/evolve/internal/controller"
	"github.com/kokistudios/evolve/internal/ledger"
	"github.com/kokistudios/evolve/internal/metrics"
	"github.com/kokistudios/evolve/internal/mutation"
	"github.com/kokistudios/evolve/internal/report"
	"github.com/kokistudios/evolve/internal/run"
	"github.com/kokistudios/evolve/internal/runtime"
	"github.com/kokistudios/evolve/internal/scaffold"
	"github.com/kokistudios/evolve/internal/signal"
	"github.com/kokistudios/evolve/internal/snapshot"
	"github.com/kokistudios/evolve/internal/store"
	"github.com/kokistudios/evolve/internal/task"
	"github.com/kokistudios/evolve/internal/telemetry"
	"github.com/kokistudios/evolve/internal/ui"
	"github.com/kokistudios/evolve/internal/verify"
)

const stopPollInterval = 500 * time.Millisecond

func runCmd() *cobra.Command {
	var (
		agentName   string
		architect   string
		editor      string
		metricsAddr string
		maxGens     int
		adoptDirty  bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evolve the target until a stop condition holds",
		Long: `Bootstrap the target if needed, then run generations: the agent edits
the tree, the verification command judges it, and the tree is either
committed as the new head or restored to the previous one.

Press Ctrl-C once to stop after the current attempt. Press it again to kill
the in-flight attempt; the tree is restored before evolve exits.`,
		Example: `  evolve run
  evolve run --agent claude --max-generations 10
  evolve run -C ../slow-fib --metrics-addr :9464`,
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			t, err := loadTask(target)
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("max-generations") {
				if maxGens < 0 {
					return fmt.Errorf("--max-generations must be >= 0")
				}
				t.MaxGenerations = maxGens
			}

			s, err := store.Open(target)
			if err != nil {
				return err
			}
			if agentName != "" {
				s.Config.Agent.Runtime = agentName
			}
			if architect != "" {
				s.Config.Agent.ArchitectModel = architect
			}
			if editor != "" {
				s.Config.Agent.EditorModel = editor
			}
			if metricsAddr == "" {
				metricsAddr = s.Config.Metrics.Addr
			}

			rt, err := runtime.New(s.Config.Agent.Runtime, s.Config.Agent.Path)
			if err != nil {
				return err
			}
			if err := rt.Available(); err != nil {
				return err
			}

			return evolve(cmd.Context(), s, t, rt, metricsAddr, adoptDirty)
		},
	}
	cmd.Flags().StringVar(&agentName, "agent", "", "Agent runtime: aider, claude, codex or command (overrides agent.runtime)")
	cmd.Flags().StringVar(&architect, "architect", "", "Architect model passed to the agent")
	cmd.Flags().StringVar(&editor, "editor", "", "Editor model passed to the agent")
	cmd.Flags().IntVar(&maxGens, "max-generations", 0, "Attempt ceiling for this run (0 = unlimited)")
	cmd.Flags().BoolVar(&adoptDirty, "adopt-dirty", false, "Commit pre-existing local modifications as the baseline")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9464)")
	return cmd
}

func evolve(parent context.Context, s *store.Store, t *task.Settings, rt runtime.Runtime, metricsAddr string, adoptDirty bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	if err := telemetry.Init(ctx, "evolve", buildVersion()); err != nil {
		ui.Warning(fmt.Sprintf("Tracing disabled: %v", err))
	}
	defer func() {
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		telemetry.Shutdown(shutdownCtx)
	}()

	led, err := ledger.OpenWriter(s.Home)
	if err != nil {
		if errors.Is(err, ledger.ErrLocked) {
			return fmt.Errorf("%w: another evolve run owns %s", err, s.Home)
		}
		return err
	}
	defer led.Close()

	r, err := run.Create(s, s.Target, t.Instruction, rt.Name())
	if err != nil {
		return err
	}
	runDir := run.Dir(s, r.ID)

	ui.CommandBanner("run", fmt.Sprintf("%s · %s · run %s", s.Target, rt.Name(), r.ID))

	snaps := snapshotStore(s.Target,
		snapshot.WithAdoptDirty(adoptDirty),
		snapshot.WithOwned(task.FileName),
		snapshot.WithScaffold(func(ctx context.Context) error {
			return scaffold.Prepare(ctx, s.Target, t)
		}),
	)
	inv := &mutation.Invoker{
		Runtime:        rt,
		Dir:            s.Target,
		Detector:       snaps,
		ArchitectModel: s.Config.Agent.ArchitectModel,
		EditorModel:    s.Config.Agent.EditorModel,
		ExtraArgs:      s.Config.Agent.Args,
		GracePeriod:    s.Config.Agent.GracePeriod,
		TailBytes:      s.Config.OutputTailBytes,
	}
	ver := &verify.Verifier{
		Dir:         s.Target,
		GracePeriod: s.Config.Agent.GracePeriod,
		TailBytes:   s.Config.OutputTailBytes,
	}
	obs := &runObserver{store: s, run: r, runDir: runDir}

	opts := controller.Options{
		RunID:            r.ID,
		RunDir:           runDir,
		RuntimeName:      rt.Name(),
		MaxAttempts:      t.MaxGenerations,
		StopOnPass:       t.StopOnPass,
		ErroredThreshold: t.ErroredThreshold,
		Observer:         obs,
	}
	if t.GoalCommand != "" {
		opts.GoalReached = goalCheck(ver, t)
	}
	ctrl := controller.New(snaps, inv, ver, led, t, opts)

	auxCtx, stopAux := context.WithCancel(ctx)
	defer stopAux()

	var g errgroup.Group
	if metricsAddr != "" {
		g.Go(func() error {
			ui.Logger.Info("serving metrics", "addr", metricsAddr)
			if err := metrics.Serve(auxCtx, metricsAddr); err != nil {
				ui.Logger.Warn("metrics endpoint stopped", "addr", metricsAddr, "err", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		sig, err := signal.WaitStop(auxCtx, s.Home, r.ID, stopPollInterval)
		if err != nil {
			return fmt.Errorf("watching stop signal: %w", err)
		}
		if sig == nil {
			return nil
		}
		if sig.Force {
			ui.Warning("Forced stop requested: aborting the current attempt")
			cancel()
		} else {
			ui.Info("Stop requested: finishing the current attempt")
			ctrl.RequestStop()
		}
		return nil
	})
	g.Go(func() error {
		watchInterrupts(auxCtx, ctrl, cancel)
		return nil
	})

	var result controller.RunResult
	var runErr error
	g.Go(func() error {
		defer stopAux()
		result, runErr = ctrl.Run(ctx)
		return nil
	})
	if err := g.Wait(); err != nil {
		ui.Warning(err.Error())
	}
	obs.stopSpinner()

	status := finishStatus(runErr)
	r.Attempts = result.Attempts
	r.Committed = result.Committed
	r.Head = result.Head
	if err := run.Finish(s, r, status, string(result.StopReason), runErr); err != nil {
		ui.Warning(fmt.Sprintf("Failed to record run: %v", err))
	}

	printRunSummary(r, result, runErr)
	if s.Config.Notify {
		ui.Notify("evolve", fmt.Sprintf("Run %s %s after %d attempts (%d committed)", r.ID, status, result.Attempts, result.Committed))
	}
	return runErr
}

// goalCheck turns the goal command into a stop predicate. An errored goal
// command is reported but does not stop the run.
func goalCheck(ver *verify.Verifier, t *task.Settings) func(context.Context) (bool, error) {
	return func(ctx context.Context) (bool, error) {
		res := ver.Check(ctx, t.GoalCommand, t.VerifyShell, t.VerifyTimeout.Duration)
		switch res.Outcome {
		case verify.Passed:
			return true, nil
		case verify.Failed:
			return false, nil
		default:
			return false, fmt.Errorf("goal command errored: %s", res.Detail)
		}
	}
}

// watchInterrupts turns the first interrupt into a graceful stop and the
// second into a forced cancel.
func watchInterrupts(ctx context.Context, ctrl *controller.Controller, cancel context.CancelFunc) {
	ch := make(chan os.Signal, 2)
	ossignal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	defer ossignal.Stop(ch)

	count := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-ch:
			count++
			if count == 1 {
				ui.Warning("Interrupt received: stopping after the current attempt (interrupt again to abort it)")
				ctrl.RequestStop()
				continue
			}
			ui.Warning("Aborting the current attempt and restoring the base snapshot")
			cancel()
			return
		}
	}
}

func finishStatus(err error) run.Status {
	var bootErr *snapshot.BootstrapError
	switch {
	case err == nil:
		return run.StatusCompleted
	case errors.Is(err, controller.ErrCancelled):
		return run.StatusCancelled
	case errors.As(err, &bootErr):
		return run.StatusFailed
	case exitCode(err) == exitFatal:
		return run.StatusHalted
	default:
		return run.StatusFailed
	}
}

func printRunSummary(r *run.Run, res controller.RunResult, err error) {
	ui.SectionHeader("SUMMARY")
	ui.KeyValue("Run:", r.ID)
	ui.KeyValue("Status:", ui.StatusColor(string(r.Status)))
	if res.StopReason != "" {
		ui.KeyValue("Stop reason:", string(res.StopReason))
	}
	ui.KeyValue("Attempts:", fmt.Sprintf("%d (%d committed)", res.Attempts, res.Committed))
	if res.Head != "" {
		ui.KeyValue("Head:", ui.Bold(snapshot.Short(res.Head)))
	}
	if err == nil {
		ui.Success("Evolution finished")
	}
}

// runObserver prints progress, writes per-generation reports and keeps the
// run record current.
type runObserver struct {
	store   *store.Store
	run     *run.Run
	runDir  string
	spinner *ui.Spinner
}

func (o *runObserver) OnState(from, to controller.State) {
	ui.Logger.Debug("state transition", "from", from, "to", to)
	o.stopSpinner()
	switch to {
	case controller.StateAwaitingMutation:
		o.spinner = ui.NewSpinner("Agent is mutating the tree...")
	case controller.StateAwaitingVerification:
		o.spinner = ui.NewSpinner("Verifying...")
	}
}

func (o *runObserver) OnFinalize(g ledger.Generation) {
	o.stopSpinner()

	switch g.Status {
	case ledger.StatusCommitted:
		ui.Success(fmt.Sprintf("Generation %d committed as %s", g.Sequence, snapshot.Short(g.ResultSnapshot)))
	case ledger.StatusReverted:
		ui.Warning(fmt.Sprintf("Generation %d reverted: verification %s", g.Sequence, g.Outcome))
	case ledger.StatusAborted:
		ui.Error(fmt.Sprintf("Generation %d aborted: %s", g.Sequence, g.Reason))
	}

	if path, err := report.Write(report.GenDir(o.runDir, g.Sequence), g); err != nil {
		ui.Logger.Warn("failed to write generation report", "seq", g.Sequence, "err", err)
	} else {
		ui.Detail("Report:", path)
	}

	o.run.Attempts++
	if g.Status == ledger.StatusCommitted {
		o.run.Committed++
		o.run.Head = g.ResultSnapshot
	}
	if err := run.Update(o.store, o.run); err != nil {
		ui.Logger.Warn("failed to update run record", "err", err)
	}
}

func (o *runObserver) stopSpinner() {
	if o.spinner != nil {
		o.spinner.Stop()
		o.spinner = nil
	}
}

func stopCmd() *cobra.Command {
	var force bool
	var reason string
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Ask the running evolution to stop",
		Long:  "Write a stop signal for the active run. By default the run finishes its current attempt first. With --force the in-flight attempt is killed and the tree restored to its base snapshot.",
		Example: `  evolve stop
  evolve stop --force`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			r, err := run.Latest(s)
			if err != nil {
				return err
			}
			if r.Terminal() {
				ui.EmptyState(fmt.Sprintf("Run %s already %s.", r.ID, r.Status))
				return nil
			}
			if r.Stale() {
				return fmt.Errorf("run %s is recorded as running but process %d is gone", r.ID, r.PID)
			}
			if err := signal.WriteStop(s.Home, &signal.StopSignal{RunID: r.ID, Force: force, Reason: reason}); err != nil {
				return err
			}
			mode := "graceful"
			if force {
				mode = "forced"
			}
			ui.Success(fmt.Sprintf("Sent %s stop to run %s (pid %d)", mode, r.ID, r.PID))
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Kill the in-flight attempt instead of waiting for it")
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded with the signal")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the latest run and the ledger head",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}

			ui.SectionHeader("RUN")
			r, err := run.Latest(s)
			switch {
			case errors.Is(err, run.ErrNoRuns):
				ui.EmptyState("No runs yet. Start one with 'evolve run'.")
			case err != nil:
				return err
			default:
				status := ui.StatusColor(string(r.Status))
				if r.Status == run.StatusRunning && r.Stale() {
					status += ui.Dim(" (process gone)")
				}
				ui.KeyValue("ID:", r.ID)
				ui.KeyValue("Status:", status)
				ui.KeyValue("Agent:", r.Runtime)
				ui.KeyValue("Started:", r.StartedAt.Local().Format("2006-01-02 15:04:05"))
				if r.StopReason != "" {
					ui.KeyValue("Stop reason:", r.StopReason)
				}
				if r.Error != "" {
					ui.KeyValue("Error:", ui.Red(r.Error))
				}
				ui.KeyValue("Attempts:", fmt.Sprintf("%d (%d committed)", r.Attempts, r.Committed))
			}

			ui.SectionHeader("LEDGER")
			led, err := ledger.Read(s.Home)
			if err != nil {
				return err
			}
			baseline, ok := led.Baseline()
			if !ok {
				ui.EmptyState("No baseline captured yet.")
				return nil
			}
			ui.KeyValue("Baseline:", snapshot.Short(baseline))
			ui.KeyValue("Head:", ui.Bold(snapshot.Short(led.Head())))
			counts := led.Counts()
			ui.KeyValue("Generations:", fmt.Sprintf("%d (%d committed, %d reverted, %d aborted)",
				led.Len(), counts[ledger.StatusCommitted], counts[ledger.StatusReverted], counts[ledger.StatusAborted]))
			if p, ok := led.Pending(); ok {
				ui.KeyValue("In flight:", ui.Yellow(fmt.Sprintf("generation %d on %s", p.Sequence, snapshot.Short(p.BaseSnapshot))))
			}
			return nil
		},
	}
}
