package snapshot

import (
	"errors"
	"fmt"
)

var (
	// ErrUnknownSnapshot is returned when an identifier does not resolve to
	// a commit in the store.
	ErrUnknownSnapshot = errors.New("unknown snapshot")
	// ErrPathNotFound is returned by TreeAt when the path is absent from the
	// snapshot.
	ErrPathNotFound = errors.New("path not found in snapshot")
)

// BootstrapError means the target tree cannot serve as a baseline. Nothing
// has been recorded when it is returned.
type BootstrapError struct {
	Reason string
	Err    error
}

func (e *BootstrapError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("bootstrap failed: %s: %v", e.Reason, e.Err)
	}
	return "bootstrap failed: " + e.Reason
}

func (e *BootstrapError) Unwrap() error { return e.Err }

// SnapshotError reports a failed capture, restore or read against the
// version-control store.
type SnapshotError struct {
	Op  string // "commit", "restore", "read", "head"
	ID  string
	Err error
}

func (e *SnapshotError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("snapshot %s %s: %v", e.Op, Short(e.ID), e.Err)
	}
	return fmt.Sprintf("snapshot %s: %v", e.Op, e.Err)
}

func (e *SnapshotError) Unwrap() error { return e.Err }

// GitError carries the arguments and stderr of a failed git invocation.
type GitError struct {
	Args   []string
	Stderr string
	Err    error
}

func (e *GitError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("git %s: %v: %s", e.Args[0], e.Err, e.Stderr)
	}
	return fmt.Sprintf("git %s: %v", e.Args[0], e.Err)
}

func (e *GitError) Unwrap() error { return e.Err }

// Short abbreviates a snapshot identifier for display.
func Short(id string) string {
	if len(id) > 7 {
		return id[:7]
	}
	return id
}
