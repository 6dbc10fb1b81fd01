package snapshot

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// isolateGit keeps the user's global and system git config out of the test.
func isolateGit(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("GIT_CONFIG_NOSYSTEM", "1")
	t.Setenv("GIT_CONFIG_GLOBAL", os.DevNull)
}

func writeFile(t *testing.T, dir, rel, content string) {
	t.Helper()
	p := filepath.Join(dir, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0644))
}

func readFile(t *testing.T, dir, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, rel))
	require.NoError(t, err)
	return string(data)
}

// createTestRepo creates a repo with one committed file.
func createTestRepo(t *testing.T) string {
	t.Helper()
	isolateGit(t)
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	run("init")
	run("config", "user.email", "test@test.com")
	run("config", "user.name", "Test")
	writeFile(t, dir, "src/lib.rs", "fn fib() {}\n")
	run("add", "-A")
	run("commit", "-m", "init")
	return dir
}

func TestCaptureBaselineEmptyTarget(t *testing.T) {
	isolateGit(t)
	ctx := context.Background()
	dir := t.TempDir()
	writeFile(t, dir, "src/lib.rs", "// TODO: Implement\n")
	writeFile(t, dir, ".evolve/ledger.jsonl", "")

	s := New(dir, WithExclude(".evolve"))
	base, err := s.CaptureBaseline(ctx)
	require.NoError(t, err)
	assert.Len(t, base, 40)

	files, err := s.Files(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, []string{"src/lib.rs"}, files, "state dir must not be captured")

	log, err := s.Log(ctx, 0)
	require.NoError(t, err)
	require.Len(t, log, 1)
	assert.Equal(t, GenesisLabel, log[0].Subject)

	again, err := s.CaptureBaseline(ctx)
	require.NoError(t, err)
	assert.Equal(t, base, again, "second capture reuses the baseline")
}

func TestCaptureBaselineNoTrackedFiles(t *testing.T) {
	isolateGit(t)
	s := New(t.TempDir())
	_, err := s.CaptureBaseline(context.Background())

	var berr *BootstrapError
	require.ErrorAs(t, err, &berr)
	assert.Contains(t, berr.Reason, "no tracked files")
}

func TestCaptureBaselineDirty(t *testing.T) {
	ctx := context.Background()
	dir := createTestRepo(t)
	writeFile(t, dir, "src/lib.rs", "fn fib() { todo!() }\n")

	_, err := New(dir).CaptureBaseline(ctx)
	var berr *BootstrapError
	require.ErrorAs(t, err, &berr)
	assert.Contains(t, berr.Reason, "unresolved local modifications")

	base, err := New(dir, WithAdoptDirty(true)).CaptureBaseline(ctx)
	require.NoError(t, err)
	content, err := New(dir).TreeAt(ctx, base, "src/lib.rs")
	require.NoError(t, err)
	assert.Equal(t, "fn fib() { todo!() }\n", string(content))
}

func TestCaptureBaselineOwnedAndScaffold(t *testing.T) {
	ctx := context.Background()
	dir := createTestRepo(t)
	writeFile(t, dir, "Evolve.toml", "[evolution]\n")

	scaffolded := false
	s := New(dir, WithOwned("Evolve.toml"), WithScaffold(func(ctx context.Context) error {
		scaffolded = true
		writeFile(t, dir, "src/extra.rs", "// TODO: Implement\n")
		return nil
	}))
	base, err := s.CaptureBaseline(ctx)
	require.NoError(t, err)
	assert.True(t, scaffolded)

	files, err := s.Files(ctx, base)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Evolve.toml", "src/extra.rs", "src/lib.rs"}, files)

	changed, err := s.Changed(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestCaptureBaselineScaffoldError(t *testing.T) {
	dir := createTestRepo(t)
	s := New(dir, WithScaffold(func(ctx context.Context) error {
		return errors.New("disk full")
	}))
	_, err := s.CaptureBaseline(context.Background())

	var berr *BootstrapError
	require.ErrorAs(t, err, &berr)
	assert.Equal(t, "scaffold failed", berr.Reason)
}

func TestCommitAndRestore(t *testing.T) {
	ctx := context.Background()
	dir := createTestRepo(t)
	s := New(dir)

	s0, err := s.CaptureBaseline(ctx)
	require.NoError(t, err)

	writeFile(t, dir, "src/lib.rs", "fn fib() { loop {} }\n")
	writeFile(t, dir, "src/extra.rs", "pub fn extra() {}\n")
	changed, err := s.Changed(ctx)
	require.NoError(t, err)
	assert.True(t, changed)

	s1, err := s.Commit(ctx, "evolve: generation 0")
	require.NoError(t, err)
	assert.NotEqual(t, s0, s1)

	writeFile(t, dir, "src/lib.rs", "broken")
	writeFile(t, dir, "scratch/notes.txt", "partial write")

	require.NoError(t, s.Restore(ctx, s1))
	assert.Equal(t, "fn fib() { loop {} }\n", readFile(t, dir, "src/lib.rs"))
	_, err = os.Stat(filepath.Join(dir, "scratch", "notes.txt"))
	assert.True(t, errors.Is(err, os.ErrNotExist), "untracked files must be cleaned")

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, s1, head)

	require.NoError(t, s.Restore(ctx, s0))
	assert.Equal(t, "fn fib() {}\n", readFile(t, dir, "src/lib.rs"))
	_, err = os.Stat(filepath.Join(dir, "src", "extra.rs"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestRestoreIdempotent(t *testing.T) {
	ctx := context.Background()
	dir := createTestRepo(t)
	s := New(dir)
	s0, err := s.CaptureBaseline(ctx)
	require.NoError(t, err)

	writeFile(t, dir, "src/lib.rs", "mutated\n")
	require.NoError(t, s.Restore(ctx, s0))
	first := readFile(t, dir, "src/lib.rs")

	require.NoError(t, s.Restore(ctx, s0))
	assert.Equal(t, first, readFile(t, dir, "src/lib.rs"))

	changed, err := s.Changed(ctx)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestRestoreRemovesNestedRepository(t *testing.T) {
	ctx := context.Background()
	dir := createTestRepo(t)
	s := New(dir)
	s0, err := s.CaptureBaseline(ctx)
	require.NoError(t, err)

	nested := filepath.Join(dir, "vendor", "dep")
	require.NoError(t, os.MkdirAll(nested, 0755))
	out, err := exec.Command("git", "-C", nested, "init").CombinedOutput()
	require.NoError(t, err, "%s", out)
	writeFile(t, dir, "vendor/dep/main.rs", "fn main() {}\n")

	require.NoError(t, s.Restore(ctx, s0))
	assert.NoDirExists(t, filepath.Join(dir, "vendor"))
}

func TestRestoreUnknownLeavesTree(t *testing.T) {
	ctx := context.Background()
	dir := createTestRepo(t)
	s := New(dir)
	_, err := s.CaptureBaseline(ctx)
	require.NoError(t, err)

	writeFile(t, dir, "src/lib.rs", "in progress\n")
	err = s.Restore(ctx, "0123456789abcdef0123456789abcdef01234567")

	var serr *SnapshotError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "restore", serr.Op)
	assert.ErrorIs(t, err, ErrUnknownSnapshot)
	assert.Equal(t, "in progress\n", readFile(t, dir, "src/lib.rs"), "failed restore must not touch the tree")
}

func TestTreeAtMissingPath(t *testing.T) {
	ctx := context.Background()
	dir := createTestRepo(t)
	s := New(dir)
	s0, err := s.CaptureBaseline(ctx)
	require.NoError(t, err)

	_, err = s.TreeAt(ctx, s0, "src/nope.rs")
	assert.ErrorIs(t, err, ErrPathNotFound)
}

func TestDiffStat(t *testing.T) {
	ctx := context.Background()
	dir := createTestRepo(t)
	s := New(dir)
	s0, err := s.CaptureBaseline(ctx)
	require.NoError(t, err)

	writeFile(t, dir, "src/lib.rs", "fn fib() {\n    0\n}\n")
	writeFile(t, dir, "src/new.rs", "a\nb\n")

	st, err := s.DiffStat(ctx, s0)
	require.NoError(t, err)
	assert.Equal(t, 2, st.Files)
	assert.Equal(t, 5, st.Added)
	assert.Equal(t, 1, st.Deleted)
	assert.ElementsMatch(t, []string{"src/lib.rs", "src/new.rs"}, st.Paths)

	changed, err := s.Changed(ctx)
	require.NoError(t, err)
	assert.True(t, changed, "DiffStat must not stage anything")
}

func TestRoot(t *testing.T) {
	ctx := context.Background()
	dir := createTestRepo(t)
	s := New(dir)
	s0, err := s.CaptureBaseline(ctx)
	require.NoError(t, err)

	writeFile(t, dir, "src/lib.rs", "v2\n")
	_, err = s.Commit(ctx, "next")
	require.NoError(t, err)

	root, err := s.Root(ctx)
	require.NoError(t, err)
	assert.Equal(t, s0, root)
}
