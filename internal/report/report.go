// Package report renders a markdown report, with yaml frontmatter, for each
// finalized generation.
package report

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kokistudios/evolve/internal/ledger"
	"github.com/kokistudios/evolve/internal/snapshot"
)

// FileName is the report's name inside a gen-NNNN directory.
const FileName = "report.md"

// Meta is the report frontmatter.
type Meta struct {
	Sequence   int        `yaml:"seq"`
	RunID      string     `yaml:"run_id,omitempty"`
	Status     string     `yaml:"status"`
	Outcome    string     `yaml:"outcome,omitempty"`
	Base       string     `yaml:"base"`
	Result     string     `yaml:"result,omitempty"`
	StartedAt  time.Time  `yaml:"started_at"`
	FinishedAt *time.Time `yaml:"finished_at,omitempty"`
}

// Report is a parsed generation report.
type Report struct {
	Meta     Meta
	Body     string
	FilePath string
}

// GenDir returns the per-generation directory under a run directory.
func GenDir(runDir string, seq int) string {
	return filepath.Join(runDir, fmt.Sprintf("gen-%04d", seq))
}

// Write renders g into dir/report.md and returns the path.
func Write(dir string, g ledger.Generation) (string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create report directory: %w", err)
	}

	meta := Meta{
		Sequence:   g.Sequence,
		RunID:      g.RunID,
		Status:     string(g.Status),
		Outcome:    string(g.Outcome),
		Base:       g.BaseSnapshot,
		Result:     g.ResultSnapshot,
		StartedAt:  g.StartedAt,
		FinishedAt: g.FinishedAt,
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	fm, err := yaml.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("failed to marshal frontmatter: %w", err)
	}
	buf.Write(fm)
	buf.WriteString("---\n\n")
	buf.WriteString(Body(g))

	dest := filepath.Join(dir, FileName)
	if err := os.WriteFile(dest, buf.Bytes(), 0644); err != nil {
		return "", fmt.Errorf("failed to write report: %w", err)
	}
	return dest, nil
}

// Body renders the markdown body of a generation report.
func Body(g ledger.Generation) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Generation %d\n\n", g.Sequence)
	fmt.Fprintf(&b, "**%s**", strings.ToUpper(string(g.Status)))
	if g.Outcome != ledger.OutcomeNone {
		fmt.Fprintf(&b, " · verification %s", g.Outcome)
	}
	b.WriteString("\n\n")
	if g.Reason != "" {
		fmt.Fprintf(&b, "> %s\n\n", g.Reason)
	}

	fmt.Fprintf(&b, "- Base: `%s`\n", snapshot.Short(g.BaseSnapshot))
	if g.ResultSnapshot != "" {
		fmt.Fprintf(&b, "- Result: `%s`\n", snapshot.Short(g.ResultSnapshot))
	}
	if d := g.Duration(); d > 0 {
		fmt.Fprintf(&b, "- Duration: %s\n", d.Round(time.Millisecond))
	}
	b.WriteString("\n")

	if m := g.Mutation; m != nil {
		b.WriteString("## Mutation\n\n")
		fmt.Fprintf(&b, "- Kind: %s\n", m.Kind)
		if m.Reason != "" {
			fmt.Fprintf(&b, "- Agent error: %s\n", m.Reason)
		}
		if m.Runtime != "" {
			fmt.Fprintf(&b, "- Runtime: %s (exit %d, %s)\n", m.Runtime, m.ExitCode, time.Duration(m.DurationMS)*time.Millisecond)
		}
		if m.Files > 0 {
			fmt.Fprintf(&b, "- Diff: %d files, +%d −%d\n", m.Files, m.Added, m.Deleted)
			for _, p := range m.Paths {
				fmt.Fprintf(&b, "  - `%s`\n", p)
			}
		}
		if m.Detail != "" {
			fmt.Fprintf(&b, "\n%s\n", m.Detail)
		}
		if m.Transcript != "" {
			fmt.Fprintf(&b, "\nTranscript: `%s`\n", m.Transcript)
		}
		b.WriteString("\n")
	}

	if v := g.Verification; v != nil {
		b.WriteString("## Verification\n\n")
		fmt.Fprintf(&b, "- Command: `%s`\n", v.Command)
		fmt.Fprintf(&b, "- Exit code: %d\n", v.ExitCode)
		if v.TimedOut {
			b.WriteString("- Timed out\n")
		}
		fmt.Fprintf(&b, "- Duration: %s\n", time.Duration(v.DurationMS)*time.Millisecond)
		if v.Detail != "" {
			fmt.Fprintf(&b, "- Detail: %s\n", v.Detail)
		}
		if v.LogPath != "" {
			fmt.Fprintf(&b, "- Log: `%s`\n", v.LogPath)
		}
		if tail := strings.TrimRight(v.OutputTail, "\n"); tail != "" {
			b.WriteString("\n### Output tail\n\n```\n")
			b.WriteString(tail)
			b.WriteString("\n```\n")
		}
	}
	return b.String()
}

// Load reads and parses a report file.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read report: %w", err)
	}
	r, err := Parse(data)
	if err != nil {
		return nil, err
	}
	r.FilePath = path
	return r, nil
}

// Parse splits a report into frontmatter and body. A document without
// frontmatter is all body.
func Parse(raw []byte) (*Report, error) {
	content := string(raw)
	trimmed := strings.TrimSpace(content)
	if !strings.HasPrefix(trimmed, "---") {
		return &Report{Body: content}, nil
	}

	rest := strings.TrimLeft(trimmed[3:], " \t")
	if strings.HasPrefix(rest, "\r\n") {
		rest = rest[2:]
	} else if strings.HasPrefix(rest, "\n") {
		rest = rest[1:]
	}

	end := strings.Index(rest, "\n---")
	if end == -1 {
		return nil, fmt.Errorf("unterminated frontmatter: missing closing ---")
	}
	fmRaw := rest[:end]
	body := strings.TrimLeft(rest[end+4:], "\r\n")

	var meta Meta
	if err := yaml.Unmarshal([]byte(fmRaw), &meta); err != nil {
		return nil, fmt.Errorf("invalid frontmatter YAML: %w", err)
	}
	return &Report{Meta: meta, Body: body}, nil
}
