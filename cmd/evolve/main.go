package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kokistudios/evolve/internal/controller"
	"github.com/kokistudios/evolve/internal/ledger"
	"github.com/kokistudios/evolve/internal/snapshot"
	"github.com/kokistudios/evolve/internal/store"
	"github.com/kokistudios/evolve/internal/task"
	"github.com/kokistudios/evolve/internal/ui"
)

// Set via ldflags at build time
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Process exit codes.
const (
	exitOK        = 0
	exitUsage     = 1
	exitBootstrap = 2
	exitFatal     = 3
	exitCancelled = 4
)

var targetFlag string

func buildVersion() string {
	if commit == "none" {
		return version
	}
	return fmt.Sprintf("%s (%s, %s)", version, commit, date)
}

func main() {
	var noColor, verbose bool

	rootCmd := &cobra.Command{
		Use:   "evolve",
		Short: "evolve: gated, test-verified code evolution",
		Long:  "Drives an external coding agent through generations of edits on a git-tracked project. Each generation is kept only if the verification command passes; anything else is rolled back to the last surviving snapshot.",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			ui.Init(noColor, verbose)
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}

	rootCmd.Version = buildVersion()
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "Disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Debug logging with timestamps")
	rootCmd.PersistentFlags().StringVarP(&targetFlag, "target", "C", ".", "Target project directory")

	rootCmd.AddGroup(
		&cobra.Group{ID: "core", Title: "Core Commands:"},
		&cobra.Group{ID: "history", Title: "History Commands:"},
		&cobra.Group{ID: "config", Title: "Configuration:"},
	)

	for _, c := range []*cobra.Command{initCmd(), runCmd(), stopCmd(), statusCmd(), promptCmd()} {
		c.GroupID = "core"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{generationsCmd(), showCmd(), treeCmd(), watchCmd(), exportCmd()} {
		c.GroupID = "history"
		rootCmd.AddCommand(c)
	}
	for _, c := range []*cobra.Command{configCmd(), doctorCmd()} {
		c.GroupID = "config"
		rootCmd.AddCommand(c)
	}
	rootCmd.AddCommand(mcpServeCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(completionCmd())

	if err := rootCmd.Execute(); err != nil {
		ui.Error(err.Error())
		os.Exit(exitCode(err))
	}
}

// exitCode maps an error to the documented process exit status.
func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	var bootErr *snapshot.BootstrapError
	if errors.As(err, &bootErr) {
		return exitBootstrap
	}
	if errors.Is(err, controller.ErrCancelled) {
		return exitCancelled
	}
	var snapErr *snapshot.SnapshotError
	switch {
	case errors.As(err, &snapErr),
		errors.Is(err, controller.ErrCircuitOpen),
		errors.Is(err, controller.ErrHalted),
		errors.Is(err, ledger.ErrLocked),
		errors.Is(err, ledger.ErrCorrupt):
		return exitFatal
	}
	return exitUsage
}

func resolveTarget() (string, error) {
	abs, err := filepath.Abs(targetFlag)
	if err != nil {
		return "", fmt.Errorf("invalid target %q: %w", targetFlag, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("target %s: %w", abs, err)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("target %s is not a directory", abs)
	}
	return abs, nil
}

// loadStore opens an existing state directory without creating one.
func loadStore() (*store.Store, error) {
	target, err := resolveTarget()
	if err != nil {
		return nil, err
	}
	s, err := store.Load(store.Home(target))
	if err != nil {
		return nil, fmt.Errorf("evolve not initialized in %s (run 'evolve init' first): %w", target, err)
	}
	s.Target = target
	return s, nil
}

func loadTask(target string) (*task.Settings, error) {
	t, err := task.Load(target)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			return nil, fmt.Errorf("%w (run 'evolve init' to write a starter)", err)
		}
		return nil, err
	}
	return t, nil
}

func snapshotStore(target string, opts ...snapshot.Option) *snapshot.Store {
	return snapshot.New(target, append([]snapshot.Option{snapshot.WithExclude(store.DirName)}, opts...)...)
}
