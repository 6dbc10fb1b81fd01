// Package snapshot stores immutable checkpoints of a target project tree in
// git and restores the tree to any of them.
package snapshot

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/kokistudios/evolve/internal/ui"
)

// GenesisLabel is the commit message of a baseline created by evolve.
const GenesisLabel = "Genesis"

// Store wraps the git repository of a target project. It is the only
// component that creates or restores snapshots.
type Store struct {
	dir        string
	exclude    string
	adoptDirty bool
	owned      []string
	scaffold   func(context.Context) error
	lockWait   time.Duration
	identity   []string
}

// Option configures a Store.
type Option func(*Store)

// WithExclude keeps a path (relative to the target root) out of snapshots
// and out of restore's clean step. Used for the state directory.
func WithExclude(rel string) Option {
	return func(s *Store) { s.exclude = rel }
}

// WithAdoptDirty lets CaptureBaseline commit pre-existing local
// modifications as the baseline instead of refusing them.
func WithAdoptDirty(adopt bool) Option {
	return func(s *Store) { s.adoptDirty = adopt }
}

// WithOwned names files evolve itself writes before the baseline exists,
// such as the task configuration. Local changes to them do not count as
// pre-existing modifications and are folded into the Genesis snapshot.
func WithOwned(rel ...string) Option {
	return func(s *Store) { s.owned = append(s.owned, rel...) }
}

// WithScaffold runs fn inside CaptureBaseline, after the working tree has
// been checked for foreign modifications and before Genesis is committed.
func WithScaffold(fn func(context.Context) error) Option {
	return func(s *Store) { s.scaffold = fn }
}

// WithLockWait bounds how long mutating commands retry on index.lock
// contention.
func WithLockWait(d time.Duration) Option {
	return func(s *Store) { s.lockWait = d }
}

// New returns a Store for the project at dir.
func New(dir string, opts ...Option) *Store {
	s := &Store{dir: dir, lockWait: 5 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the target directory.
func (s *Store) Dir() string { return s.dir }

// CaptureBaseline prepares the repository and returns the snapshot every
// evolution run starts from. Modifications that predate evolve are refused
// unless adopted; files written by evolve (owned paths and scaffold output)
// are committed as Genesis.
func (s *Store) CaptureBaseline(ctx context.Context) (string, error) {
	if _, err := os.Stat(filepath.Join(s.dir, ".git")); errors.Is(err, os.ErrNotExist) {
		ui.Logger.Warn("no local .git found, initializing repository", "dir", s.dir)
		if _, err := s.git(ctx, "init"); err != nil {
			return "", &BootstrapError{Reason: "git init failed", Err: err}
		}
	} else if err != nil {
		return "", &BootstrapError{Reason: "cannot inspect target", Err: err}
	}

	if err := s.ensureExcluded(); err != nil {
		return "", &BootstrapError{Reason: "cannot write git exclude", Err: err}
	}
	s.resolveIdentity(ctx)

	hasHistory := s.hasCommits(ctx)
	if hasHistory {
		foreign, err := s.foreignChanges(ctx)
		if err != nil {
			return "", &BootstrapError{Reason: "cannot read working tree status", Err: err}
		}
		if len(foreign) > 0 {
			if !s.adoptDirty {
				return "", &BootstrapError{Reason: fmt.Sprintf("unresolved local modifications predating evolution in %s (commit or stash them, or pass --adopt-dirty)", preview(foreign))}
			}
			ui.Logger.Warn("adopting local modifications into the baseline", "files", len(foreign))
		}
	}

	if s.scaffold != nil {
		if err := s.scaffold(ctx); err != nil {
			var berr *BootstrapError
			if errors.As(err, &berr) {
				return "", err
			}
			return "", &BootstrapError{Reason: "scaffold failed", Err: err}
		}
	}

	if hasHistory {
		dirty, err := s.Changed(ctx)
		if err != nil {
			return "", &BootstrapError{Reason: "cannot read working tree status", Err: err}
		}
		if dirty {
			if err := s.commitAll(ctx, GenesisLabel); err != nil {
				return "", &BootstrapError{Reason: "cannot commit baseline", Err: err}
			}
		}
	} else {
		if _, err := s.gitRetry(ctx, "add", "-A"); err != nil {
			return "", &BootstrapError{Reason: "cannot stage baseline", Err: err}
		}
		staged, err := s.git(ctx, "ls-files")
		if err != nil {
			return "", &BootstrapError{Reason: "cannot list tracked files", Err: err}
		}
		if staged == "" {
			return "", &BootstrapError{Reason: "no tracked files"}
		}
		if _, err := s.gitRetry(ctx, "commit", "--no-verify", "-m", GenesisLabel); err != nil {
			return "", &BootstrapError{Reason: "cannot commit baseline", Err: err}
		}
	}

	tracked, err := s.git(ctx, "ls-tree", "-r", "--name-only", "HEAD")
	if err != nil {
		return "", &BootstrapError{Reason: "cannot list tracked files", Err: err}
	}
	if tracked == "" {
		return "", &BootstrapError{Reason: "no tracked files"}
	}

	head, err := s.Head(ctx)
	if err != nil {
		return "", &BootstrapError{Reason: "cannot resolve HEAD", Err: err}
	}
	return head, nil
}

// foreignChanges lists modified or untracked paths, relative to the
// repository root, that are not owned by evolve.
func (s *Store) foreignChanges(ctx context.Context) ([]string, error) {
	prefix, err := s.git(ctx, "rev-parse", "--show-prefix")
	if err != nil {
		return nil, err
	}
	owned := make(map[string]bool, len(s.owned))
	for _, rel := range s.owned {
		owned[path.Join(prefix, filepath.ToSlash(rel))] = true
	}

	out, err := s.gitRaw(ctx, "status", "--porcelain", "-z", "--untracked-files=all")
	if err != nil {
		return nil, err
	}
	var foreign []string
	entries := strings.Split(string(out), "\x00")
	for i := 0; i < len(entries); i++ {
		e := entries[i]
		if len(e) < 4 {
			continue
		}
		// Renames and copies carry their source path as the next entry.
		if e[0] == 'R' || e[0] == 'C' {
			i++
		}
		if p := e[3:]; !owned[p] {
			foreign = append(foreign, p)
		}
	}
	return foreign, nil
}

func preview(paths []string) string {
	const shown = 3
	if len(paths) <= shown {
		return strings.Join(paths, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(paths[:shown], ", "), len(paths)-shown)
}

// Commit records the current tree as a new snapshot labelled label.
func (s *Store) Commit(ctx context.Context, label string) (string, error) {
	s.resolveIdentity(ctx)
	if err := s.commitAll(ctx, label); err != nil {
		return "", &SnapshotError{Op: "commit", Err: err}
	}
	head, err := s.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", &SnapshotError{Op: "commit", Err: err}
	}
	return head, nil
}

func (s *Store) commitAll(ctx context.Context, label string) error {
	if _, err := s.gitRetry(ctx, "add", "-A"); err != nil {
		return err
	}
	_, err := s.gitRetry(ctx, "commit", "--allow-empty", "--no-verify", "-m", label)
	return err
}

// Restore forces the working tree to match snapshot id, discarding every
// uncommitted modification and untracked file, nested repositories included.
// An unknown id fails before the tree is touched. The reset and clean steps
// are separate git commands: when clean fails, tracked files already match
// id but untracked files may remain, and the error must be treated as fatal.
// Restoring the same id twice yields the same tree.
func (s *Store) Restore(ctx context.Context, id string) error {
	sha, err := s.Resolve(ctx, id)
	if err != nil {
		return &SnapshotError{Op: "restore", ID: id, Err: err}
	}
	if _, err := s.gitRetry(ctx, "reset", "--hard", "--quiet", sha); err != nil {
		return &SnapshotError{Op: "restore", ID: sha, Err: err}
	}
	if _, err := s.gitRetry(ctx, "clean", "-ffd", "--quiet"); err != nil {
		return &SnapshotError{Op: "restore", ID: sha, Err: err}
	}

	head, err := s.Head(ctx)
	if err != nil {
		return &SnapshotError{Op: "restore", ID: sha, Err: err}
	}
	if head != sha {
		return &SnapshotError{Op: "restore", ID: sha, Err: fmt.Errorf("HEAD is %s after reset", Short(head))}
	}
	dirty, err := s.Changed(ctx)
	if err != nil {
		return &SnapshotError{Op: "restore", ID: sha, Err: err}
	}
	if dirty {
		return &SnapshotError{Op: "restore", ID: sha, Err: errors.New("working tree still modified after reset")}
	}
	return nil
}

// Resolve expands id to a full commit SHA.
func (s *Store) Resolve(ctx context.Context, id string) (string, error) {
	if strings.TrimSpace(id) == "" || strings.HasPrefix(id, "-") {
		return "", ErrUnknownSnapshot
	}
	sha, err := s.git(ctx, "rev-parse", "--verify", "--quiet", id+"^{commit}")
	if err != nil || sha == "" {
		return "", fmt.Errorf("%w: %s", ErrUnknownSnapshot, id)
	}
	return sha, nil
}

// Head returns the snapshot the working tree is based on.
func (s *Store) Head(ctx context.Context) (string, error) {
	head, err := s.git(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", &SnapshotError{Op: "head", Err: err}
	}
	return head, nil
}

// Changed reports whether the working tree differs from HEAD, including
// untracked files.
func (s *Store) Changed(ctx context.Context) (bool, error) {
	out, err := s.git(ctx, "status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// ChangedSince reports whether the tree moved away from snapshot base,
// either through uncommitted edits or through commits made on top of it.
func (s *Store) ChangedSince(ctx context.Context, base string) (bool, error) {
	head, err := s.Head(ctx)
	if err != nil {
		return false, err
	}
	if head != base {
		return true, nil
	}
	return s.Changed(ctx)
}

// TreeAt returns the content of path at snapshot id.
func (s *Store) TreeAt(ctx context.Context, id, path string) ([]byte, error) {
	sha, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, &SnapshotError{Op: "read", ID: id, Err: err}
	}
	out, err := s.gitRaw(ctx, "show", sha+":"+filepath.ToSlash(path))
	if err != nil {
		var gerr *GitError
		if errors.As(err, &gerr) && (strings.Contains(gerr.Stderr, "does not exist") || strings.Contains(gerr.Stderr, "exists on disk, but not in")) {
			return nil, &SnapshotError{Op: "read", ID: sha, Err: fmt.Errorf("%w: %s", ErrPathNotFound, path)}
		}
		return nil, &SnapshotError{Op: "read", ID: sha, Err: err}
	}
	return out, nil
}

// Files lists the tracked paths at snapshot id.
func (s *Store) Files(ctx context.Context, id string) ([]string, error) {
	sha, err := s.Resolve(ctx, id)
	if err != nil {
		return nil, &SnapshotError{Op: "read", ID: id, Err: err}
	}
	out, err := s.git(ctx, "ls-tree", "-r", "--name-only", sha)
	if err != nil {
		return nil, &SnapshotError{Op: "read", ID: sha, Err: err}
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}

// CommitInfo describes one entry of the snapshot history.
type CommitInfo struct {
	SHA     string
	Subject string
	Time    time.Time
}

// Log returns up to limit snapshots reachable from HEAD, newest first.
func (s *Store) Log(ctx context.Context, limit int) ([]CommitInfo, error) {
	args := []string{"log", "--format=%H%x1f%s%x1f%cI"}
	if limit > 0 {
		args = append(args, fmt.Sprintf("-n%d", limit))
	}
	out, err := s.git(ctx, args...)
	if err != nil {
		return nil, err
	}
	var commits []CommitInfo
	sc := bufio.NewScanner(strings.NewReader(out))
	for sc.Scan() {
		parts := strings.SplitN(sc.Text(), "\x1f", 3)
		if len(parts) != 3 {
			continue
		}
		ts, _ := time.Parse(time.RFC3339, parts[2])
		commits = append(commits, CommitInfo{SHA: parts[0], Subject: parts[1], Time: ts})
	}
	return commits, sc.Err()
}

// Root returns the first snapshot in the history of HEAD.
func (s *Store) Root(ctx context.Context) (string, error) {
	out, err := s.git(ctx, "rev-list", "--max-parents=0", "HEAD")
	if err != nil {
		return "", err
	}
	lines := strings.Split(out, "\n")
	return lines[len(lines)-1], nil
}

func (s *Store) hasCommits(ctx context.Context) bool {
	_, err := s.git(ctx, "rev-parse", "--verify", "--quiet", "HEAD")
	return err == nil
}

// ensureExcluded adds the excluded path to .git/info/exclude so state files
// are never captured or cleaned.
func (s *Store) ensureExcluded() error {
	if s.exclude == "" {
		return nil
	}
	pattern := "/" + strings.Trim(filepath.ToSlash(s.exclude), "/") + "/"
	path := filepath.Join(s.dir, ".git", "info", "exclude")
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == pattern {
			return nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	prefix := ""
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		prefix = "\n"
	}
	_, err = f.WriteString(prefix + pattern + "\n")
	return err
}

// resolveIdentity supplies a committer identity when the repository and the
// user's global config have none.
func (s *Store) resolveIdentity(ctx context.Context) {
	if s.identity != nil {
		return
	}
	s.identity = []string{}
	email, _ := s.git(ctx, "config", "user.email")
	name, _ := s.git(ctx, "config", "user.name")
	if email == "" || name == "" {
		s.identity = []string{"-c", "user.name=evolve", "-c", "user.email=evolve@localhost"}
	}
}
