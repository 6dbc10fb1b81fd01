// Package scaffold prepares a target directory before its baseline is
// captured: it runs the project's bootstrap command or a language default,
// then creates any tracked file that does not exist yet.
package scaffold

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/kokistudios/evolve/internal/runtime"
	"github.com/kokistudios/evolve/internal/snapshot"
	"github.com/kokistudios/evolve/internal/task"
	"github.com/kokistudios/evolve/internal/ui"
)

// CommandTimeout bounds bootstrap commands.
const CommandTimeout = 5 * time.Minute

var manifests = []string{"Cargo.toml", "pyproject.toml", "go.mod", "package.json"}

// Prepare bootstraps dir according to t and scaffolds missing tracked files.
func Prepare(ctx context.Context, dir string, t *task.Settings) error {
	if err := bootstrap(ctx, dir, t); err != nil {
		return err
	}
	return scaffoldFiles(dir, t)
}

func bootstrap(ctx context.Context, dir string, t *task.Settings) error {
	if t.BootstrapCommand != "" {
		ui.Logger.Info("running bootstrap command", "command", t.BootstrapCommand)
		argv, err := shlex.Split(t.BootstrapCommand)
		if err != nil || len(argv) == 0 {
			ui.Logger.Warn("bootstrap command unparseable, continuing", "command", t.BootstrapCommand, "err", err)
			return nil
		}
		if out, err := run(ctx, dir, argv); err != nil {
			ui.Logger.Warn("bootstrap command failed, continuing", "err", err, "output", strings.TrimSpace(out))
		}
		return nil
	}

	for _, m := range manifests {
		if _, err := os.Stat(filepath.Join(dir, m)); err == nil {
			return nil
		}
	}

	switch t.ResolvedProjectType() {
	case "rust":
		kind := "--bin"
		for _, f := range t.Files {
			if strings.Contains(f, "lib.rs") {
				kind = "--lib"
				break
			}
		}
		ui.Logger.Info("seeding new cargo project", "type", kind)
		if out, err := run(ctx, dir, []string{"cargo", "init", kind}); err != nil {
			return &snapshot.BootstrapError{Reason: "cargo init failed: " + strings.TrimSpace(out), Err: err}
		}
	case "go":
		module := ModuleName(filepath.Base(dir))
		ui.Logger.Info("seeding new go module", "module", module)
		if out, err := run(ctx, dir, []string{"go", "mod", "init", module}); err != nil {
			return &snapshot.BootstrapError{Reason: "go mod init failed: " + strings.TrimSpace(out), Err: err}
		}
	case "python":
		ui.Logger.Info("python project detected, skipping auto-bootstrap")
		ui.Info("Tip: add 'bootstrap_command' to Evolve.toml if needed (e.g. 'poetry init -n')")
	default:
		ui.Logger.Info("unknown project type, skipping bootstrap")
		ui.Info("Tip: add 'bootstrap_command' to Evolve.toml for custom initialization")
	}
	return nil
}

func run(ctx context.Context, dir string, argv []string) (string, error) {
	var out bytes.Buffer
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	cmd.Stdout = &out
	cmd.Stderr = &out

	exit := runtime.Supervise(ctx, cmd, CommandTimeout, runtime.DefaultGracePeriod)
	switch {
	case exit.LaunchErr != nil:
		return out.String(), exit.LaunchErr
	case exit.TimedOut:
		return out.String(), fmt.Errorf("%s timed out after %s", argv[0], CommandTimeout)
	case exit.Cancelled:
		return out.String(), ctx.Err()
	case exit.Code != 0 || exit.Signaled:
		return out.String(), fmt.Errorf("%s exited with code %d", argv[0], exit.Code)
	}
	return out.String(), nil
}

func scaffoldFiles(dir string, t *task.Settings) error {
	for _, f := range t.Files {
		if task.IsGlob(f) {
			continue
		}
		p := filepath.Join(dir, f)
		if _, err := os.Stat(p); err == nil {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return fmt.Errorf("creating %s: %w", filepath.Dir(f), err)
		}
		content := t.ScaffoldContent
		if content == "" {
			content = StubContent(f, t.FileExtension)
		}
		ui.Logger.Info("creating scaffold file", "file", f)
		if err := os.WriteFile(p, []byte(content), 0644); err != nil {
			return fmt.Errorf("writing %s: %w", f, err)
		}
	}
	return nil
}

// StubContent returns placeholder content for a new file, chosen by the
// explicit extension when given, else by the file name.
func StubContent(filename, explicitExt string) string {
	ext := explicitExt
	if ext == "" {
		ext = filepath.Ext(filename)
	}
	switch ext {
	case ".py":
		return "# TODO: Implement\n"
	case ".go":
		return fmt.Sprintf("package %s\n", goPackage(filename))
	default:
		return "// TODO: Implement\n"
	}
}

func goPackage(filename string) string {
	if filepath.Base(filename) == "main.go" {
		return "main"
	}
	dir := filepath.Base(filepath.Dir(filename))
	if dir == "." || dir == string(filepath.Separator) {
		return "main"
	}
	name := identRe.ReplaceAllString(strings.ToLower(dir), "")
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		return "main"
	}
	return name
}

var (
	identRe  = regexp.MustCompile(`[^a-z0-9_]`)
	moduleRe = regexp.MustCompile(`[^a-zA-Z0-9._/-]+`)
)

// ModuleName turns a directory name into a usable Go module path.
func ModuleName(dir string) string {
	name := strings.Trim(moduleRe.ReplaceAllString(dir, "-"), "-.")
	if name == "" {
		return "project"
	}
	return name
}
