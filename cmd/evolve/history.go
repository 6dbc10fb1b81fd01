package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kokistudios/evolve/internal/bundle"
	"github.com/kokistudios/evolve/internal/ledger"
	"github.com/kokistudios/evolve/internal/monitor"
	"github.com/kokistudios/evolve/internal/report"
	"github.com/kokistudios/evolve/internal/run"
	"github.com/kokistudios/evolve/internal/snapshot"
	"github.com/kokistudios/evolve/internal/store"
	"github.com/kokistudios/evolve/internal/ui"
)

func readLedger(s *store.Store) (*ledger.Ledger, error) {
	led, err := ledger.Read(s.Home)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return led, nil
}

func generationsCmd() *cobra.Command {
	var asJSON bool
	var status string
	cmd := &cobra.Command{
		Use:     "generations",
		Aliases: []string{"log", "ls"},
		Short:   "List recorded generations, oldest first",
		Example: `  evolve generations
  evolve generations --status committed
  evolve generations --json | jq '.[].result'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			switch ledger.Status(status) {
			case "", ledger.StatusPending, ledger.StatusCommitted, ledger.StatusReverted, ledger.StatusAborted:
			default:
				return fmt.Errorf("unknown status %q (want pending, committed, reverted or aborted)", status)
			}
			s, err := loadStore()
			if err != nil {
				return err
			}
			led, err := readLedger(s)
			if err != nil {
				return err
			}

			gens := []ledger.Generation{}
			for _, g := range led.List() {
				if status == "" || string(g.Status) == status {
					gens = append(gens, g)
				}
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(gens)
			}

			if len(gens) == 0 {
				ui.EmptyState("No generations recorded.")
				return nil
			}
			var rows [][]string
			for _, g := range gens {
				dur := "-"
				if d := g.Duration(); d > 0 {
					dur = d.Round(time.Second).String()
				}
				detail := g.Reason
				if g.Mutation != nil && g.Mutation.Files > 0 && detail == "" {
					detail = fmt.Sprintf("%d files, +%d −%d", g.Mutation.Files, g.Mutation.Added, g.Mutation.Deleted)
				}
				rows = append(rows, []string{
					strconv.Itoa(g.Sequence),
					ui.StatusColor(string(g.Status)),
					orDash(string(g.Outcome)),
					snapshot.Short(g.BaseSnapshot),
					orDash(snapshot.Short(g.ResultSnapshot)),
					dur,
					detail,
				})
			}
			ui.Table([]string{"SEQ", "STATUS", "OUTCOME", "BASE", "RESULT", "DURATION", "DETAIL"}, rows)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print generations as JSON")
	cmd.Flags().StringVar(&status, "status", "", "Only show generations with this status")
	return cmd
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func showCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <seq>",
		Short: "Show one generation and its report",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			seq, err := strconv.Atoi(strings.TrimPrefix(args[0], "#"))
			if err != nil {
				return fmt.Errorf("invalid generation number %q", args[0])
			}
			s, err := loadStore()
			if err != nil {
				return err
			}
			led, err := readLedger(s)
			if err != nil {
				return err
			}
			g, ok := led.Get(seq)
			if !ok {
				return fmt.Errorf("%w: %d", ledger.ErrUnknownGeneration, seq)
			}

			if asJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(g)
			}

			body := report.Body(g)
			if g.RunID != "" {
				path := filepath.Join(report.GenDir(run.Dir(s, g.RunID), g.Sequence), report.FileName)
				if r, err := report.Load(path); err == nil {
					body = r.Body
				}
			}
			ui.RenderMarkdown(body)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the ledger record as JSON")
	return cmd
}

// resolveRef maps the names accepted on the command line to a snapshot id:
// "head", "baseline", "#N" (what generation N left behind) or a git id.
func resolveRef(led *ledger.Ledger, ref string) (string, error) {
	switch {
	case ref == "head":
		if _, ok := led.Baseline(); !ok {
			return "", ledger.ErrNoBaseline
		}
		return led.Head(), nil
	case ref == "baseline":
		b, ok := led.Baseline()
		if !ok {
			return "", ledger.ErrNoBaseline
		}
		return b, nil
	case strings.HasPrefix(ref, "#"):
		seq, err := strconv.Atoi(ref[1:])
		if err != nil {
			return "", fmt.Errorf("invalid generation reference %q", ref)
		}
		g, ok := led.Get(seq)
		if !ok {
			return "", fmt.Errorf("%w: %d", ledger.ErrUnknownGeneration, seq)
		}
		if g.ResultSnapshot != "" {
			return g.ResultSnapshot, nil
		}
		return g.BaseSnapshot, nil
	}
	return ref, nil
}

func treeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tree <snapshot> [path]",
		Short: "Print a file as it was at a snapshot, or list its files",
		Long:  "Snapshot may be a git id, 'head', 'baseline', or '#N' for the tree generation N left behind (its result if committed, otherwise its base).",
		Example: `  evolve tree head src/lib.rs
  evolve tree '#3' src/lib.rs
  evolve tree baseline`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			led, err := readLedger(s)
			if err != nil {
				return err
			}
			id, err := resolveRef(led, args[0])
			if err != nil {
				return err
			}

			snaps := snapshotStore(s.Target)
			ctx := cmd.Context()
			if len(args) == 1 {
				files, err := snaps.Files(ctx, id)
				if err != nil {
					return err
				}
				for _, f := range files {
					fmt.Println(f)
				}
				return nil
			}
			data, err := snaps.TreeAt(ctx, id, args[1])
			if err != nil {
				return err
			}
			_, err = os.Stdout.Write(data)
			return err
		},
	}
}

func watchCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Live dashboard of the generation ledger",
		Long:  "Follow the ledger as generations finalize. The right pane shows the primary file at the selected generation, at the ancestor (a) or at the current survivor (s). Safe to run alongside 'evolve run'.",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			if path == "" {
				t, err := loadTask(s.Target)
				if err != nil {
					return err
				}
				path = t.PrimaryPath()
			}
			return monitor.Run(cmd.Context(), monitor.Config{
				Title:  filepath.Base(s.Target),
				Home:   s.Home,
				Path:   path,
				Trees:  snapshotStore(s.Target),
				Notify: s.Config.Notify,
			})
		},
	}
	cmd.Flags().StringVar(&path, "path", "", "File to display (default: primary_file from Evolve.toml)")
	return cmd
}

func exportCmd() *cobra.Command {
	var outputPath string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export the ledger, task config and run logs to a bundle",
		Long: `Write a portable .evolve.tar.gz bundle holding the generation ledger,
Evolve.toml, every run directory (agent and verify logs, reports) and a
manifest summarizing the history.`,
		Example: `  evolve export
  evolve export -o ~/Desktop/`,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStore()
			if err != nil {
				return err
			}
			ui.Status("Exporting evolution history...")
			out, err := bundle.Export(s, outputPath)
			if err != nil {
				return fmt.Errorf("export failed: %w", err)
			}

			info, _ := os.Stat(out)
			sizeStr := ""
			if info != nil {
				sizeStr = fmt.Sprintf(" (%d bytes)", info.Size())
			}
			ui.Success(fmt.Sprintf("Exported to %s%s", out, sizeStr))

			if m, err := bundle.ReadManifest(out); err == nil {
				ui.Detail("Generations:", strconv.Itoa(m.Generations))
				if m.Head != "" {
					ui.Detail("Head:", snapshot.Short(m.Head))
				}
			} else {
				ui.Warning(fmt.Sprintf("Bundle written but manifest unreadable: %v", err))
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Output file or directory (default: <project>-<timestamp>.evolve.tar.gz)")
	return cmd
}
