// Package monitor is the live terminal dashboard for an evolution run. It
// follows the generation ledger and shows the primary file as it was at
// any generation, at the ancestor snapshot, or at the current survivor.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kokistudios/evolve/internal/ledger"
	"github.com/kokistudios/evolve/internal/snapshot"
	"github.com/kokistudios/evolve/internal/ui"
)

const (
	listWidth   = 38
	loadTimeout = 5 * time.Second
)

// Trees reads file contents out of the snapshot history.
type Trees interface {
	TreeAt(ctx context.Context, id, path string) ([]byte, error)
	Root(ctx context.Context) (string, error)
	Log(ctx context.Context, limit int) ([]snapshot.CommitInfo, error)
}

// Config configures the monitor.
type Config struct {
	Title string
	Home  string
	Path  string
	Trees Trees
	// Notify raises a desktop notification when a generation is committed.
	Notify bool
}

type pane int

const (
	paneGeneration pane = iota
	paneAncestor
	paneSurvivor
)

func (p pane) String() string {
	switch p {
	case paneAncestor:
		return "Ancestor"
	case paneSurvivor:
		return "Survivor"
	default:
		return "Generation"
	}
}

// ledgerMsg carries a fresh read of the ledger.
type ledgerMsg struct {
	generations []ledger.Generation
	baseline    string
	head        string
}

func newLedgerMsg(l *ledger.Ledger) ledgerMsg {
	baseline, _ := l.Baseline()
	return ledgerMsg{generations: l.List(), baseline: baseline, head: l.Head()}
}

type fileMsg struct {
	key      string
	snapshot string
	content  string
	err      error
}

type historyMsg struct {
	subject string
}

type errMsg struct{ err error }

// Model is the bubbletea model of the monitor.
type Model struct {
	cfg           Config
	width, height int

	generations []ledger.Generation
	baseline    string
	head        string
	selected    int
	follow      bool
	pane        pane
	latest      string

	keys     KeyMap
	help     help.Model
	showHelp bool
	code     viewport.Model
	want     string
	shown    string
	shownID  string
	err      error
	updated  time.Time
}

// New creates a monitor model. It follows the newest generation until the
// operator moves the selection.
func New(cfg Config) *Model {
	return &Model{
		cfg:    cfg,
		follow: true,
		keys:   DefaultKeyMap(),
		help:   help.New(),
		code:   viewport.New(0, 0),
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return tea.SetWindowTitle("evolve watch")
}

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case ledgerMsg:
		return m, m.applyLedger(msg)

	case fileMsg:
		if msg.key != m.want {
			return m, nil
		}
		m.shown = msg.key
		m.shownID = msg.snapshot
		if msg.err != nil {
			m.code.SetContent(errorStyle.Render(describeLoadError(msg.err, m.cfg.Path)))
		} else {
			m.code.SetContent(Highlight(m.cfg.Path, msg.content))
		}
		m.code.GotoTop()
		return m, nil

	case historyMsg:
		m.latest = msg.subject
		return m, nil

	case errMsg:
		m.err = msg.err
		return m, nil

	case tea.KeyMsg:
		return m, m.handleKey(msg)
	}

	var cmd tea.Cmd
	m.code, cmd = m.code.Update(msg)
	return m, cmd
}

func (m *Model) handleKey(msg tea.KeyMsg) tea.Cmd {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		m.help.ShowAll = m.showHelp
		m.resize()
		return nil
	case key.Matches(msg, m.keys.Up):
		if m.selected > 0 {
			m.selected--
		}
		m.follow = false
		m.pane = paneGeneration
	case key.Matches(msg, m.keys.Down):
		if m.selected < len(m.generations)-1 {
			m.selected++
		}
		m.follow = m.selected == len(m.generations)-1
		m.pane = paneGeneration
	case key.Matches(msg, m.keys.Top):
		m.selected = 0
		m.follow = false
		m.pane = paneGeneration
	case key.Matches(msg, m.keys.Bottom):
		m.selected = max(len(m.generations)-1, 0)
		m.follow = true
		m.pane = paneGeneration
	case key.Matches(msg, m.keys.Follow):
		m.follow = !m.follow
		if m.follow {
			m.selected = max(len(m.generations)-1, 0)
		}
	case key.Matches(msg, m.keys.Generation):
		m.pane = paneGeneration
	case key.Matches(msg, m.keys.Ancestor):
		m.pane = paneAncestor
	case key.Matches(msg, m.keys.Survivor):
		m.pane = paneSurvivor
	case key.Matches(msg, m.keys.PageUp):
		m.code.HalfViewUp()
		return nil
	case key.Matches(msg, m.keys.PageDown):
		m.code.HalfViewDown()
		return nil
	default:
		return nil
	}
	return m.load()
}

func (m *Model) applyLedger(msg ledgerMsg) tea.Cmd {
	if m.cfg.Notify && !m.updated.IsZero() {
		for _, g := range newlyFinalized(m.generations, msg.generations) {
			if g.Status == ledger.StatusCommitted {
				ui.Notify("evolve", fmt.Sprintf("Generation %d survived (%s)", g.Sequence, snapshot.Short(g.ResultSnapshot)))
			}
		}
	}

	m.generations = msg.generations
	m.baseline = msg.baseline
	m.head = msg.head
	m.updated = time.Now()
	m.err = nil
	if m.follow || m.selected >= len(m.generations) {
		m.selected = max(len(m.generations)-1, 0)
	}
	return tea.Batch(m.load(), m.loadHistory())
}

// newlyFinalized returns generations that are final in next but were
// pending or absent in prev.
func newlyFinalized(prev, next []ledger.Generation) []ledger.Generation {
	var out []ledger.Generation
	for _, g := range next {
		if !g.Status.Final() {
			continue
		}
		if g.Sequence < len(prev) && prev[g.Sequence].Status.Final() {
			continue
		}
		out = append(out, g)
	}
	return out
}

// viewKey names what the code pane should show. An empty key means there is
// nothing to show yet.
func (m *Model) viewKey() (k, id string) {
	switch m.pane {
	case paneAncestor:
		if m.baseline == "" {
			return "", ""
		}
		return "ancestor", ""
	case paneSurvivor:
		if m.head == "" {
			return "", ""
		}
		return "survivor:" + m.head, m.head
	}
	if len(m.generations) == 0 {
		if m.baseline == "" {
			return "", ""
		}
		return "baseline:" + m.baseline, m.baseline
	}
	g := m.generations[m.selected]
	id = g.BaseSnapshot
	if g.ResultSnapshot != "" {
		id = g.ResultSnapshot
	}
	return fmt.Sprintf("gen:%d:%s", g.Sequence, id), id
}

func (m *Model) load() tea.Cmd {
	k, id := m.viewKey()
	m.want = k
	if k == "" || k == m.shown || m.cfg.Trees == nil || m.cfg.Path == "" {
		return nil
	}
	trees, path, ancestor := m.cfg.Trees, m.cfg.Path, m.pane == paneAncestor
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		if ancestor {
			root, err := trees.Root(ctx)
			if err != nil {
				return fileMsg{key: k, err: err}
			}
			id = root
		}
		data, err := trees.TreeAt(ctx, id, path)
		return fileMsg{key: k, snapshot: id, content: string(data), err: err}
	}
}

func (m *Model) loadHistory() tea.Cmd {
	if m.cfg.Trees == nil {
		return nil
	}
	trees := m.cfg.Trees
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), loadTimeout)
		defer cancel()
		commits, err := trees.Log(ctx, 1)
		if err != nil || len(commits) == 0 {
			return historyMsg{}
		}
		return historyMsg{subject: commits[0].Subject}
	}
}

func describeLoadError(err error, path string) string {
	if errors.Is(err, snapshot.ErrPathNotFound) {
		return fmt.Sprintf("%s does not exist in this version", path)
	}
	return err.Error()
}

func (m *Model) resize() {
	footer := 2
	if m.showHelp {
		footer = 5
	}
	m.code.Width = max(m.width-listWidth-6, 10)
	m.code.Height = max(m.height-footer-5, 3)
}

// View implements tea.Model.
func (m *Model) View() string {
	if m.width == 0 {
		return "Loading..."
	}
	var b strings.Builder
	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, m.renderList(), m.renderCode()))
	b.WriteString("\n")
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m *Model) renderHeader() string {
	title := "evolve"
	if m.cfg.Title != "" {
		title += " · " + m.cfg.Title
	}
	counts := map[ledger.Status]int{}
	pending := false
	for _, g := range m.generations {
		counts[g.Status]++
		if g.Status == ledger.StatusPending {
			pending = true
		}
	}
	summary := fmt.Sprintf("%d generations · %d committed · %d reverted · %d aborted",
		len(m.generations), counts[ledger.StatusCommitted], counts[ledger.StatusReverted], counts[ledger.StatusAborted])
	line := titleStyle.Render(title) + "  " + countStyle.Render(summary)
	if pending {
		line += "  " + pendingStyle.Render("● attempt in flight")
	}
	return line
}

func (m *Model) renderList() string {
	height := m.code.Height + 1
	var rows []string
	if len(m.generations) == 0 {
		rows = append(rows, statusStyle.Render("No generations yet."))
		if m.baseline != "" {
			rows = append(rows, statusStyle.Render("Baseline "+snapshot.Short(m.baseline)))
		}
	}

	start := 0
	if m.selected >= height {
		start = m.selected - height + 1
	}
	for i := start; i < len(m.generations) && i < start+height; i++ {
		g := m.generations[i]
		detail := string(g.Outcome)
		if g.Status == ledger.StatusAborted {
			detail = g.Reason
		}
		if g.Status == ledger.StatusCommitted {
			detail = snapshot.Short(g.ResultSnapshot)
		}
		row := fmt.Sprintf("#%-4d %-9s %s", g.Sequence, g.Status, detail)
		row = truncate(row, listWidth-2)
		if i == m.selected && m.pane == paneGeneration {
			row = selectedStyle.Width(listWidth - 2).Render(row)
		} else {
			row = strings.Replace(row, string(g.Status), ui.StatusColor(string(g.Status)), 1)
		}
		rows = append(rows, row)
	}

	return paneStyle.
		Width(listWidth).
		Height(height).
		Render(strings.Join(rows, "\n"))
}

func (m *Model) renderCode() string {
	title := m.pane.String()
	if m.pane == paneGeneration && len(m.generations) > 0 {
		g := m.generations[m.selected]
		title = fmt.Sprintf("Generation %d · %s", g.Sequence, g.Status)
	}
	if m.shownID != "" && m.shown == m.want {
		title += " (" + snapshot.Short(m.shownID) + ")"
	}
	if m.cfg.Path != "" {
		title += " · " + m.cfg.Path
	}

	body := m.code.View()
	if m.want == "" {
		body = statusStyle.Render("Waiting for a baseline...")
	} else if m.cfg.Path == "" {
		body = statusStyle.Render("No primary file configured.")
	}
	return paneStyle.
		BorderForeground(borderFor(m.pane)).
		Width(m.code.Width + 2).
		Render(paneTitleStyle.Render(truncate(title, m.code.Width)) + "\n" + body)
}

func (m *Model) renderFooter() string {
	status := "following latest"
	if !m.follow {
		status = "paused"
	}
	if m.latest != "" {
		status += " · latest snapshot: " + m.latest
	}
	if !m.updated.IsZero() {
		status += " · updated " + m.updated.Format("15:04:05")
	}
	line := statusStyle.Render(status)
	if m.err != nil {
		line = errorStyle.Render(m.err.Error())
	}
	return line + "\n" + m.help.View(m.keys)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n == 1 {
		return "…"
	}
	return string(r[:n-1]) + "…"
}
