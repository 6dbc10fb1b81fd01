package snapshot

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/sourcegraph/go-diff/diff"
)

// DiffStat summarizes how the working tree differs from a snapshot.
type DiffStat struct {
	Files   int      `json:"files" yaml:"files"`
	Added   int      `json:"added" yaml:"added"`
	Deleted int      `json:"deleted" yaml:"deleted"`
	Paths   []string `json:"paths,omitempty" yaml:"paths,omitempty"`
}

// DiffStat compares the live working tree, untracked files included, with
// snapshot base. It reads the tree and never touches the index.
func (s *Store) DiffStat(ctx context.Context, base string) (DiffStat, error) {
	var st DiffStat
	out, err := s.gitRaw(ctx, "diff", "--no-color", "--no-ext-diff", base)
	if err != nil {
		return st, err
	}
	if len(bytes.TrimSpace(out)) > 0 {
		fileDiffs, err := diff.ParseMultiFileDiff(out)
		if err != nil {
			return st, err
		}
		for _, fd := range fileDiffs {
			st.Files++
			st.Paths = append(st.Paths, diffPath(fd))
			for _, hunk := range fd.Hunks {
				for _, line := range bytes.Split(hunk.Body, []byte("\n")) {
					if len(line) == 0 {
						continue
					}
					switch line[0] {
					case '+':
						st.Added++
					case '-':
						st.Deleted++
					}
				}
			}
		}
	}

	untracked, err := s.git(ctx, "ls-files", "--others", "--exclude-standard")
	if err != nil {
		return st, err
	}
	if untracked == "" {
		return st, nil
	}
	for _, rel := range strings.Split(untracked, "\n") {
		st.Files++
		st.Paths = append(st.Paths, rel)
		data, err := os.ReadFile(filepath.Join(s.dir, rel))
		if err != nil {
			continue
		}
		st.Added += bytes.Count(data, []byte("\n"))
		if len(data) > 0 && data[len(data)-1] != '\n' {
			st.Added++
		}
	}
	return st, nil
}

func diffPath(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	if strings.HasPrefix(name, "a/") || strings.HasPrefix(name, "b/") {
		name = name[2:]
	}
	return name
}
