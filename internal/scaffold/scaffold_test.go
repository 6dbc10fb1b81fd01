package scaffold

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/evolve/internal/snapshot"
	"github.com/kokistudios/evolve/internal/store"
	"github.com/kokistudios/evolve/internal/task"
)

func settings(files ...string) *task.Settings {
	s := task.Defaults()
	s.Instruction = "x"
	s.Files = files
	return &s
}

func TestStubContent(t *testing.T) {
	tests := []struct {
		file, ext, want string
	}{
		{"src/lib.rs", "", "// TODO: Implement\n"},
		{"app.py", "", "# TODO: Implement\n"},
		{"notes", ".py", "# TODO: Implement\n"},
		{"main.go", "", "package main\n"},
		{"fib/fib.go", "", "package fib\n"},
		{"Fancy-Pkg/x.go", "", "package fancypkg\n"},
		{"web/index.ts", "", "// TODO: Implement\n"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StubContent(tt.file, tt.ext), tt.file)
	}
}

func TestModuleName(t *testing.T) {
	assert.Equal(t, "slow-fibo", ModuleName("slow-fibo"))
	assert.Equal(t, "my-project", ModuleName("my project"))
	assert.Equal(t, "project", ModuleName("..."))
}

func TestPrepareBootstrapCommandAndScaffold(t *testing.T) {
	dir := t.TempDir()
	s := settings("pkg/a.py", "src/*.py")
	s.BootstrapCommand = `sh -c "echo seeded > seeded.txt"`

	require.NoError(t, Prepare(context.Background(), dir, s))
	assert.FileExists(t, filepath.Join(dir, "seeded.txt"))
	data, err := os.ReadFile(filepath.Join(dir, "pkg", "a.py"))
	require.NoError(t, err)
	assert.Equal(t, "# TODO: Implement\n", string(data))
	assert.NoDirExists(t, filepath.Join(dir, "src"), "globs are never scaffolded")
}

func TestPrepareBootstrapFailureContinues(t *testing.T) {
	dir := t.TempDir()
	s := settings("a.py")
	s.BootstrapCommand = "sh -c 'exit 3'"
	require.NoError(t, Prepare(context.Background(), dir, s))
	assert.FileExists(t, filepath.Join(dir, "a.py"))
}

func TestPrepareKeepsExistingFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "pyproject.toml"), []byte("[project]\n"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.py"), []byte("print(1)\n"), 0644))

	s := settings("a.py", "b.py")
	s.ScaffoldContent = "# custom\n"
	require.NoError(t, Prepare(context.Background(), dir, s))

	a, _ := os.ReadFile(filepath.Join(dir, "a.py"))
	b, _ := os.ReadFile(filepath.Join(dir, "b.py"))
	assert.Equal(t, "print(1)\n", string(a))
	assert.Equal(t, "# custom\n", string(b))
}

func TestPrepareRustWithoutCargo(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	dir := t.TempDir()
	err := Prepare(context.Background(), dir, settings("src/lib.rs"))
	var bootErr *snapshot.BootstrapError
	require.True(t, errors.As(err, &bootErr), "got %v", err)
	assert.Contains(t, bootErr.Reason, "cargo init failed")
}

// existingRepo creates a git repository with one commit, as a project that
// predates evolve would have.
func existingRepo(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_CONFIG_GLOBAL", os.DevNull)
	dir := t.TempDir()
	for _, args := range [][]string{
		{"init"},
		{"config", "user.email", "test@test.com"},
		{"config", "user.name", "Test"},
	} {
		out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# notes\n"), 0644))
	for _, args := range [][]string{{"add", "-A"}, {"commit", "-m", "init"}} {
		out, err := exec.Command("git", append([]string{"-C", dir}, args...)...).CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	return dir
}

// baselineStore wires Prepare into baseline capture the way 'evolve run' does.
func baselineStore(dir string, s *task.Settings) *snapshot.Store {
	return snapshot.New(dir,
		snapshot.WithExclude(store.DirName),
		snapshot.WithOwned(task.FileName),
		snapshot.WithScaffold(func(ctx context.Context) error { return Prepare(ctx, dir, s) }),
	)
}

func TestBaselineOnExistingRepoIncludesScaffold(t *testing.T) {
	ctx := context.Background()
	dir := existingRepo(t)
	require.NoError(t, store.Init(filepath.Join(dir, store.DirName), false))
	wrote, err := task.WriteStarter(dir)
	require.NoError(t, err)
	require.True(t, wrote)

	snaps := baselineStore(dir, settings("notes.txt"))
	base, err := snaps.CaptureBaseline(ctx)
	require.NoError(t, err)

	files, err := snaps.Files(ctx, base)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Evolve.toml", "README.md", "notes.txt"}, files)

	dirty, err := snaps.Changed(ctx)
	require.NoError(t, err)
	assert.False(t, dirty, "scaffold output and task file are part of the baseline")

	log, err := snaps.Log(ctx, 1)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, snapshot.GenesisLabel, log[0].Subject)
}

func TestBaselineOnExistingRepoRefusesForeignEdits(t *testing.T) {
	dir := existingRepo(t)
	_, err := task.WriteStarter(dir)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("# edited\n"), 0644))

	_, err = baselineStore(dir, settings("notes.txt")).CaptureBaseline(context.Background())
	var bootErr *snapshot.BootstrapError
	require.True(t, errors.As(err, &bootErr), "got %v", err)
	assert.Contains(t, bootErr.Reason, "README.md")
	assert.NotContains(t, bootErr.Reason, "Evolve.toml")
	assert.NoFileExists(t, filepath.Join(dir, "notes.txt"), "scaffold must not run on a refused tree")
}
