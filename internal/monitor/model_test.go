package monitor

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kokistudios/evolve/internal/ledger"
	"github.com/kokistudios/evolve/internal/snapshot"
	"github.com/kokistudios/evolve/internal/ui"
)

type fakeTrees struct {
	root  string
	files map[string]string
	reads []string
}

func (f *fakeTrees) TreeAt(ctx context.Context, id, path string) ([]byte, error) {
	f.reads = append(f.reads, id)
	content, ok := f.files[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", snapshot.ErrPathNotFound, path)
	}
	return []byte(content), nil
}

func (f *fakeTrees) Root(ctx context.Context) (string, error) { return f.root, nil }

func (f *fakeTrees) Log(ctx context.Context, limit int) ([]snapshot.CommitInfo, error) {
	return []snapshot.CommitInfo{{SHA: "c2", Subject: "evolve: generation 2", Time: time.Now()}}, nil
}

func plain(t *testing.T) {
	t.Helper()
	prev := ui.NoColor
	ui.NoColor = true
	t.Cleanup(func() { ui.NoColor = prev })
}

// drain runs cmd and feeds every resulting message back into m.
func drain(m *Model, cmd tea.Cmd) {
	if cmd == nil {
		return
	}
	switch msg := cmd().(type) {
	case tea.BatchMsg:
		for _, c := range msg {
			drain(m, c)
		}
	default:
		_, next := m.Update(msg)
		drain(m, next)
	}
}

func send(m *Model, msg tea.Msg) {
	_, cmd := m.Update(msg)
	drain(m, cmd)
}

func runes(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func history() ledgerMsg {
	return ledgerMsg{
		baseline: "base",
		head:     "c2",
		generations: []ledger.Generation{
			{Sequence: 0, BaseSnapshot: "base", Status: ledger.StatusReverted, Outcome: ledger.OutcomeFailed},
			{Sequence: 1, BaseSnapshot: "base", Status: ledger.StatusAborted, Reason: "agent produced no change"},
			{Sequence: 2, BaseSnapshot: "base", Status: ledger.StatusCommitted, Outcome: ledger.OutcomePassed, ResultSnapshot: "c2"},
		},
	}
}

func newTestModel(t *testing.T) (*Model, *fakeTrees) {
	t.Helper()
	plain(t)
	trees := &fakeTrees{
		root: "root",
		files: map[string]string{
			"root": "fn fib() { recursive }\n",
			"base": "fn fib() { todo }\n",
			"c2":   "fn fib() { for }\n",
		},
	}
	m := New(Config{Title: "slow-fib", Path: "src/lib.rs", Trees: trees})
	send(m, tea.WindowSizeMsg{Width: 120, Height: 30})
	return m, trees
}

func TestFollowsLatestGeneration(t *testing.T) {
	m, _ := newTestModel(t)
	send(m, history())

	assert.Equal(t, 2, m.selected)
	assert.Equal(t, "evolve: generation 2", m.latest)
	view := m.View()
	assert.Contains(t, view, "fn fib() { for }")
	assert.Contains(t, view, "Generation 2 · committed")
	assert.Contains(t, view, "3 generations · 1 committed · 1 reverted · 1 aborted")
}

func TestNavigationShowsBaseOfDiscardedGeneration(t *testing.T) {
	m, _ := newTestModel(t)
	send(m, history())

	send(m, tea.KeyMsg{Type: tea.KeyUp})
	send(m, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, 0, m.selected)
	assert.False(t, m.follow)
	assert.Contains(t, m.View(), "fn fib() { todo }")

	// A new ledger read keeps a paused selection.
	send(m, history())
	assert.Equal(t, 0, m.selected)

	send(m, runes("G"))
	assert.Equal(t, 2, m.selected)
	assert.True(t, m.follow)
}

func TestAncestorAndSurvivorViews(t *testing.T) {
	m, trees := newTestModel(t)
	send(m, history())

	send(m, runes("a"))
	assert.Equal(t, paneAncestor, m.pane)
	assert.Contains(t, m.View(), "fn fib() { recursive }")
	assert.Contains(t, trees.reads, "root")

	send(m, runes("s"))
	assert.Equal(t, paneSurvivor, m.pane)
	assert.Contains(t, m.View(), "fn fib() { for }")

	send(m, runes("v"))
	assert.Equal(t, paneGeneration, m.pane)
}

func TestStaleFileMessageIgnored(t *testing.T) {
	m, _ := newTestModel(t)
	send(m, history())

	send(m, fileMsg{key: "gen:0:base", snapshot: "base", content: "stale"})
	assert.NotContains(t, m.View(), "stale")
}

func TestMissingFileShown(t *testing.T) {
	m, trees := newTestModel(t)
	delete(trees.files, "c2")
	send(m, history())
	assert.Contains(t, m.View(), "src/lib.rs does not exist in this version")
}

func TestPendingIndicator(t *testing.T) {
	m, _ := newTestModel(t)
	msg := history()
	msg.generations = append(msg.generations, ledger.Generation{Sequence: 3, BaseSnapshot: "c2", Status: ledger.StatusPending})
	send(m, msg)

	assert.Contains(t, m.View(), "attempt in flight")
	// A pending generation shows its base.
	assert.Contains(t, m.View(), "fn fib() { for }")
}

func TestEmptyLedger(t *testing.T) {
	m, _ := newTestModel(t)
	assert.Contains(t, m.View(), "Waiting for a baseline")

	send(m, ledgerMsg{baseline: "base", head: "base"})
	view := m.View()
	assert.Contains(t, view, "No generations yet.")
	assert.Contains(t, view, "fn fib() { todo }")
}

func TestQuit(t *testing.T) {
	m, _ := newTestModel(t)
	_, cmd := m.Update(runes("q"))
	require.NotNil(t, cmd)
	_, ok := cmd().(tea.QuitMsg)
	assert.True(t, ok)
}

func TestNewlyFinalized(t *testing.T) {
	prev := []ledger.Generation{
		{Sequence: 0, Status: ledger.StatusCommitted},
		{Sequence: 1, Status: ledger.StatusPending},
	}
	next := []ledger.Generation{
		{Sequence: 0, Status: ledger.StatusCommitted},
		{Sequence: 1, Status: ledger.StatusCommitted},
		{Sequence: 2, Status: ledger.StatusPending},
	}
	got := newlyFinalized(prev, next)
	require.Len(t, got, 1)
	assert.Equal(t, 1, got[0].Sequence)
}

func TestHighlight(t *testing.T) {
	plain(t)
	out := Highlight("src/lib.rs", "fn a() {}\nfn b() {}\n")
	assert.Equal(t, "1 fn a() {}\n2 fn b() {}", out)
	assert.Empty(t, Highlight("src/lib.rs", ""))

	ui.NoColor = false
	colored := Highlight("src/lib.rs", "fn a() {}\nfn b() {}\n")
	assert.Equal(t, 1, strings.Count(colored, "\n"))
	assert.Contains(t, colored, "fn")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab…", truncate("abcdef", 3))
}
