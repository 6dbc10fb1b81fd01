package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/evolve/internal/controller"
	"github.com/kokistudios/evolve/internal/ledger"
	evolvemcp "github.com/kokistudios/evolve/internal/mcp"
	"github.com/kokistudios/evolve/internal/mutation"
	"github.com/kokistudios/evolve/internal/run"
	"github.com/kokistudios/evolve/internal/runtime"
	"github.com/kokistudios/evolve/internal/snapshot"
	"github.com/kokistudios/evolve/internal/store"
	"github.com/kokistudios/evolve/internal/task"
	"github.com/kokistudios/evolve/internal/ui"
)

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Create the state directory and a starter Evolve.toml",
		Long:    "Create .evolve/ in the target with runs/, signals/ and config.yaml, and write a commented Evolve.toml if the target has none. The ledger is created on the first run.",
		Example: "  evolve init\n  evolve init -C ../slow-fib --force",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			home := store.Home(target)

			if force {
				if led, err := ledger.Read(home); err == nil && led.Len() > 0 {
					ok, err := ui.Confirm(fmt.Sprintf("Reset config.yaml in %s? The ledger (%d generations) is kept.", home, led.Len()))
					if err != nil {
						return err
					}
					if !ok {
						ui.EmptyState("Nothing changed.")
						return nil
					}
				}
			}
			if err := store.Init(home, force); err != nil {
				return err
			}
			ui.Success("evolve initialized")
			ui.Detail("State:", home)

			wrote, err := task.WriteStarter(target)
			if err != nil {
				return err
			}
			if wrote {
				ui.Detail("Task:", task.Path(target)+" (edit the instruction before running)")
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Rewrite config.yaml even if the state directory exists")
	return cmd
}

func promptCmd() *cobra.Command {
	var raw bool
	cmd := &cobra.Command{
		Use:   "prompt",
		Short: "Render the prompt the agent would receive next",
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := resolveTarget()
			if err != nil {
				return err
			}
			t, err := loadTask(target)
			if err != nil {
				return err
			}

			in := mutation.PromptInput{TargetDir: target, Task: t}
			if led, err := ledger.Read(store.Home(target)); err == nil {
				in.Sequence = led.Len()
				if _, ok := led.Baseline(); ok {
					in.Base = led.Head()
				}
				in.PriorAttempts = controller.PriorAttempts(led.List(), 3)
			}

			prompt, err := mutation.BuildPrompt(in)
			if err != nil {
				return err
			}
			if raw {
				fmt.Print(prompt)
				return nil
			}
			ui.RenderMarkdown(prompt)
			return nil
		},
	}
	cmd.Flags().BoolVar(&raw, "raw", false, "Print the prompt without terminal styling")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and edit operator configuration",
	}
	cmd.AddCommand(configShowCmd())
	cmd.AddCommand(configSetCmd())
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Display current effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(s.Config)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Print(string(data))
			return nil
		},
	}
}

func configSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set <key> <value>",
		Short: "Set a configuration value",
		Long:  "Set an operator configuration value. Valid keys: agent.runtime, agent.path, agent.architect_model, agent.editor_model, agent.args, agent.grace_period, metrics.addr, notify, output_tail_bytes.",
		Example: `  evolve config set agent.runtime claude
  evolve config set agent.editor_model ollama/qwen3-coder:30b
  evolve config set metrics.addr :9464`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if err := s.SetConfigValue(args[0], args[1]); err != nil {
				return err
			}
			ui.Success(fmt.Sprintf("Set %s = %s", args[0], args[1]))
			return nil
		},
	}
}

func doctorCmd() *cobra.Command {
	var fix bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check the state directory, tooling and ledger invariants",
		Long:  "Exit status is 0 when healthy, 1 when only warnings were found and 2 when any error was found.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}

			if fix {
				ui.CommandBanner("DOCTOR", "repair mode")
				fixed := store.FixIssues(s.Home)
				fixed = append(fixed, finishStaleRuns(s)...)
				for _, f := range fixed {
					ui.Success(fmt.Sprintf("[FIXED] %s", f))
				}
				if len(fixed) == 0 {
					ui.EmptyState("Nothing to fix.")
				}
			} else {
				ui.CommandBanner("DOCTOR", "health check")
			}

			issues := store.CheckHealth(s.Home)
			issues = append(issues, checkTooling(s)...)
			issues = append(issues, checkLedger(cmd.Context(), s)...)
			issues = append(issues, checkRuns(s)...)

			if len(issues) == 0 {
				ui.Success("Everything looks good")
				os.Exit(0)
			}

			hasError := false
			for _, issue := range issues {
				if issue.Severity == "error" {
					ui.Error(fmt.Sprintf("[ERR]  %s", issue.Message))
					hasError = true
				} else {
					ui.Warning(fmt.Sprintf("[WARN] %s", issue.Message))
				}
			}

			if hasError {
				os.Exit(2)
			}
			os.Exit(1)
			return nil
		},
	}
	cmd.Flags().BoolVar(&fix, "fix", false, "Repair the state directory and close run records left by dead processes")
	return cmd
}

func checkTooling(s *store.Store) []store.Issue {
	var issues []store.Issue
	if _, err := exec.LookPath("git"); err != nil {
		issues = append(issues, store.Issue{Severity: "error", Message: "git not found on PATH"})
	}
	rt, err := runtime.New(s.Config.Agent.Runtime, s.Config.Agent.Path)
	if err != nil {
		issues = append(issues, store.Issue{Severity: "error", Message: fmt.Sprintf("agent: %v", err)})
	} else if err := rt.Available(); err != nil {
		issues = append(issues, store.Issue{Severity: "warning", Message: fmt.Sprintf("agent: %v", err)})
	}
	if _, err := task.Load(s.Target); err != nil {
		issues = append(issues, store.Issue{Severity: "error", Message: err.Error()})
	}
	return issues
}

func checkLedger(ctx context.Context, s *store.Store) []store.Issue {
	var issues []store.Issue
	led, err := ledger.Read(s.Home)
	if err != nil {
		return append(issues, store.Issue{Severity: "error", Message: fmt.Sprintf("ledger: %v", err)})
	}
	for _, i := range led.Verify() {
		issues = append(issues, store.Issue{Severity: "error", Message: "ledger: " + i.String()})
	}

	if _, ok := led.Baseline(); !ok {
		return issues
	}
	if p, ok := led.Pending(); ok {
		issues = append(issues, store.Issue{
			Severity: "warning",
			Message:  fmt.Sprintf("generation %d is pending; the next run restores %s and records it aborted", p.Sequence, snapshot.Short(p.BaseSnapshot)),
		})
		return issues
	}

	snaps := snapshotStore(s.Target)
	head, err := snaps.Head(ctx)
	if err != nil {
		return append(issues, store.Issue{Severity: "error", Message: fmt.Sprintf("git: %v", err)})
	}
	if head != led.Head() {
		issues = append(issues, store.Issue{
			Severity: "error",
			Message:  fmt.Sprintf("git HEAD %s does not match ledger head %s", snapshot.Short(head), snapshot.Short(led.Head())),
		})
	}
	if dirty, err := snaps.Changed(ctx); err == nil && dirty {
		issues = append(issues, store.Issue{Severity: "warning", Message: "working tree has changes outside evolve; the next run refuses to start"})
	}
	return issues
}

func checkRuns(s *store.Store) []store.Issue {
	var issues []store.Issue
	runs, err := run.List(s)
	if err != nil {
		return append(issues, store.Issue{Severity: "error", Message: err.Error()})
	}
	for _, r := range runs {
		if r.Stale() {
			issues = append(issues, store.Issue{
				Severity: "warning",
				Message:  fmt.Sprintf("run %s is recorded as running but process %d is gone (run 'evolve doctor --fix')", r.ID, r.PID),
			})
		}
	}
	return issues
}

// finishStaleRuns closes records of runs whose process died.
func finishStaleRuns(s *store.Store) []string {
	var fixed []string
	runs, err := run.List(s)
	if err != nil {
		return nil
	}
	for i := range runs {
		r := &runs[i]
		if !r.Stale() {
			continue
		}
		if err := run.Finish(s, r, run.StatusFailed, string(controller.StopFatal), fmt.Errorf("process %d exited without finishing the run", r.PID)); err == nil {
			fixed = append(fixed, fmt.Sprintf("marked run %s failed", r.ID))
		}
	}
	return fixed
}

func mcpServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp-serve",
		Short: "Serve ledger queries over MCP (stdio)",
		Long:  "Start a Model Context Protocol server over stdio exposing evolve_generations, evolve_generation, evolve_head and evolve_tree_at. Every tool is read-only.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			ui.SetOutput(os.Stderr)
			server := evolvemcp.NewServer(s, version)
			return server.Run(cmd.Context())
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("evolve " + buildVersion())
		},
	}
}

func completionCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "completion [bash|zsh|fish]",
		Short:     "Generate shell completion scripts",
		Example:   "  evolve completion bash > ~/.bashrc.d/evolve\n  evolve completion zsh > ~/.zfunc/_evolve",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"bash", "zsh", "fish"},
		RunE: func(cmd *cobra.Command, args []string) error {
			switch args[0] {
			case "bash":
				return cmd.Root().GenBashCompletion(os.Stdout)
			case "zsh":
				return cmd.Root().GenZshCompletion(os.Stdout)
			case "fish":
				return cmd.Root().GenFishCompletion(os.Stdout, true)
			default:
				return fmt.Errorf("unsupported shell: %s (use bash, zsh, or fish)", args[0])
			}
		},
	}
}
