package snapshot

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// git runs a git subcommand in the store's directory and returns trimmed
// stdout.
func (s *Store) git(ctx context.Context, args ...string) (string, error) {
	out, err := s.gitRaw(ctx, args...)
	return strings.TrimSpace(string(out)), err
}

func (s *Store) gitRaw(ctx context.Context, args ...string) ([]byte, error) {
	full := append([]string{"-C", s.dir}, s.identity...)
	full = append(full, args...)
	cmd := exec.CommandContext(ctx, "git", full...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return out, &GitError{Args: args, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	return out, nil
}

// gitRetry runs a mutating git command, retrying while another git process
// holds the index lock.
func (s *Store) gitRetry(ctx context.Context, args ...string) (string, error) {
	var out string
	op := func() error {
		o, err := s.git(ctx, args...)
		if err != nil {
			if isLockContention(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = o
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxElapsedTime = s.lockWait
	err := backoff.Retry(op, backoff.WithContext(bo, ctx))
	return out, err
}

func isLockContention(err error) bool {
	var gerr *GitError
	if !errors.As(err, &gerr) {
		return false
	}
	return strings.Contains(gerr.Stderr, "index.lock") ||
		strings.Contains(gerr.Stderr, "Unable to create") && strings.Contains(gerr.Stderr, ".lock")
}
