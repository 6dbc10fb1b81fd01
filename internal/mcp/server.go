// Package mcp exposes the generation ledger of a target to MCP clients over
// stdio. Every tool is read-only.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kokistudios/evolve/internal/ledger"
	"github.com/kokistudios/evolve/internal/snapshot"
	"github.com/kokistudios/evolve/internal/store"
)

// Server wraps the MCP server with a target's state directory.
type Server struct {
	store  *store.Store
	snaps  *snapshot.Store
	server *mcp.Server
}

// NewServer creates a new evolve MCP server.
func NewServer(st *store.Store, version string) *Server {
	s := &Server{
		store: st,
		snaps: snapshot.New(st.Target, snapshot.WithExclude(store.DirName)),
	}

	impl := &mcp.Implementation{
		Name:    "evolve",
		Version: version,
	}

	s.server = mcp.NewServer(impl, nil)
	s.registerTools()

	return s
}

// Run starts the MCP server on stdio.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "evolve_generations",
		Description: "List the generations recorded in the evolution ledger, oldest first. Each entry carries its sequence, status (pending, committed, reverted, aborted), verification outcome, base and result snapshots, and the abort reason if any. Filter with status; limit keeps the newest entries.",
	}, s.handleGenerations)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "evolve_generation",
		Description: "Get one generation by sequence number, including the mutation summary (changed paths, agent exit code) and the captured verification evidence (command, exit code, output tail).",
	}, s.handleGeneration)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "evolve_head",
		Description: "Return the current head snapshot: the result of the last committed generation, or the baseline when nothing has survived yet. Also reports per-status counts and whether an attempt is in flight.",
	}, s.handleHead)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "evolve_tree_at",
		Description: "Read a file as it was at a snapshot. Pass a snapshot id (full or abbreviated) or a generation sequence prefixed with '#', e.g. '#3' for the result of generation 3. Without path, lists the files in the snapshot.",
	}, s.handleTreeAt)
}

func (s *Server) ledger() (*ledger.Ledger, error) {
	l, err := ledger.Read(s.store.Home)
	if err != nil {
		return nil, fmt.Errorf("failed to read ledger: %w", err)
	}
	return l, nil
}

// GenerationSummary is one row of evolve_generations.
type GenerationSummary struct {
	Sequence   int    `json:"seq"`
	Status     string `json:"status"`
	Outcome    string `json:"outcome,omitempty"`
	Base       string `json:"base"`
	Result     string `json:"result,omitempty"`
	Reason     string `json:"reason,omitempty"`
	StartedAt  string `json:"started_at"`
	DurationMS int64  `json:"duration_ms,omitempty"`
}

// GenerationsArgs defines input for evolve_generations.
type GenerationsArgs struct {
	Status string `json:"status,omitempty" jsonschema:"Filter by status: pending, committed, reverted, aborted (optional)"`
	Limit  int    `json:"limit,omitempty" jsonschema:"Maximum number of generations to return, newest kept (default all)"`
}

// GenerationsResult is the output of evolve_generations.
type GenerationsResult struct {
	Generations []GenerationSummary `json:"generations"`
	Total       int                 `json:"total"`
	Message     string              `json:"message,omitempty"`
}

func (s *Server) handleGenerations(ctx context.Context, req *mcp.CallToolRequest, args GenerationsArgs) (*mcp.CallToolResult, any, error) {
	switch ledger.Status(args.Status) {
	case "", ledger.StatusPending, ledger.StatusCommitted, ledger.StatusReverted, ledger.StatusAborted:
	default:
		return nil, nil, fmt.Errorf("unknown status %q (want pending, committed, reverted or aborted)", args.Status)
	}

	l, err := s.ledger()
	if err != nil {
		return nil, nil, err
	}

	all := l.List()
	out := GenerationsResult{Total: len(all), Generations: []GenerationSummary{}}
	for _, g := range all {
		if args.Status != "" && string(g.Status) != args.Status {
			continue
		}
		out.Generations = append(out.Generations, summarize(g))
	}
	if args.Limit > 0 && len(out.Generations) > args.Limit {
		out.Generations = out.Generations[len(out.Generations)-args.Limit:]
	}
	if len(out.Generations) == 0 {
		out.Message = "No generations recorded yet. Start one with `evolve run`."
	}
	return nil, out, nil
}

func summarize(g ledger.Generation) GenerationSummary {
	return GenerationSummary{
		Sequence:   g.Sequence,
		Status:     string(g.Status),
		Outcome:    string(g.Outcome),
		Base:       g.BaseSnapshot,
		Result:     g.ResultSnapshot,
		Reason:     g.Reason,
		StartedAt:  g.StartedAt.Format(time.RFC3339),
		DurationMS: g.Duration().Milliseconds(),
	}
}

// GenerationArgs defines input for evolve_generation.
type GenerationArgs struct {
	Sequence int `json:"seq" jsonschema:"Generation sequence number (0-based)"`
}

func (s *Server) handleGeneration(ctx context.Context, req *mcp.CallToolRequest, args GenerationArgs) (*mcp.CallToolResult, any, error) {
	l, err := s.ledger()
	if err != nil {
		return nil, nil, err
	}
	g, ok := l.Get(args.Sequence)
	if !ok {
		return nil, nil, fmt.Errorf("%w: %d", ledger.ErrUnknownGeneration, args.Sequence)
	}
	return nil, g, nil
}

// HeadArgs defines input for evolve_head.
type HeadArgs struct{}

// HeadResult is the output of evolve_head.
type HeadResult struct {
	Head          string         `json:"head"`
	Baseline      string         `json:"baseline"`
	LastCommitted *int           `json:"last_committed,omitempty"`
	Pending       *int           `json:"pending,omitempty"`
	Counts        map[string]int `json:"counts"`
	Message       string         `json:"message,omitempty"`
}

func (s *Server) handleHead(ctx context.Context, req *mcp.CallToolRequest, args HeadArgs) (*mcp.CallToolResult, any, error) {
	l, err := s.ledger()
	if err != nil {
		return nil, nil, err
	}

	baseline, ok := l.Baseline()
	if !ok {
		return nil, HeadResult{Counts: map[string]int{}, Message: "No baseline captured yet. Run `evolve run` to bootstrap the target."}, nil
	}

	out := HeadResult{Head: l.Head(), Baseline: baseline, Counts: map[string]int{}}
	for st, n := range l.Counts() {
		out.Counts[string(st)] = n
	}
	if g, ok := l.LastCommitted(); ok {
		seq := g.Sequence
		out.LastCommitted = &seq
	}
	if g, ok := l.Pending(); ok {
		seq := g.Sequence
		out.Pending = &seq
	}
	return nil, out, nil
}

// TreeAtArgs defines input for evolve_tree_at.
type TreeAtArgs struct {
	Snapshot string `json:"snapshot" jsonschema:"Snapshot id, or '#N' for the snapshot of generation N (its result when committed, otherwise its base)"`
	Path     string `json:"path,omitempty" jsonschema:"File path relative to the target root. Omit to list files."`
}

// TreeAtResult is the output of evolve_tree_at.
type TreeAtResult struct {
	Snapshot string   `json:"snapshot"`
	Path     string   `json:"path,omitempty"`
	Content  string   `json:"content,omitempty"`
	Files    []string `json:"files,omitempty"`
}

func (s *Server) handleTreeAt(ctx context.Context, req *mcp.CallToolRequest, args TreeAtArgs) (*mcp.CallToolResult, any, error) {
	id := strings.TrimSpace(args.Snapshot)
	if id == "" {
		return nil, nil, fmt.Errorf("snapshot is required")
	}
	if strings.HasPrefix(id, "#") {
		resolved, err := s.snapshotOf(id)
		if err != nil {
			return nil, nil, err
		}
		id = resolved
	}

	sha, err := s.snaps.Resolve(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	if args.Path == "" {
		files, err := s.snaps.Files(ctx, sha)
		if err != nil {
			return nil, nil, err
		}
		sort.Strings(files)
		return nil, TreeAtResult{Snapshot: sha, Files: files}, nil
	}

	data, err := s.snaps.TreeAt(ctx, sha, args.Path)
	if err != nil {
		if errors.Is(err, snapshot.ErrPathNotFound) {
			return nil, nil, fmt.Errorf("%s does not exist at %s", args.Path, snapshot.Short(sha))
		}
		return nil, nil, err
	}
	return nil, TreeAtResult{Snapshot: sha, Path: args.Path, Content: string(data)}, nil
}

// snapshotOf maps "#N" to the tree generation N left behind.
func (s *Server) snapshotOf(ref string) (string, error) {
	var seq int
	if _, err := fmt.Sscanf(ref, "#%d", &seq); err != nil {
		return "", fmt.Errorf("invalid generation reference %q", ref)
	}
	l, err := s.ledger()
	if err != nil {
		return "", err
	}
	g, ok := l.Get(seq)
	if !ok {
		return "", fmt.Errorf("%w: %d", ledger.ErrUnknownGeneration, seq)
	}
	if g.ResultSnapshot != "" {
		return g.ResultSnapshot, nil
	}
	return g.BaseSnapshot, nil
}
