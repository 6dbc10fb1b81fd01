package monitor

import (
	"context"
	"errors"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kokistudios/evolve/internal/ledger"
	"github.com/kokistudios/evolve/internal/ui"
)

// Run shows the dashboard until the operator quits or ctx is done. The
// ledger is opened read-only, so a run in progress is never blocked.
func Run(ctx context.Context, cfg Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := tea.NewProgram(New(cfg), tea.WithAltScreen(), tea.WithContext(ctx))

	// Log lines would tear the alternate screen.
	ui.SetOutput(io.Discard)
	defer ui.SetOutput(os.Stderr)

	watchErr := make(chan error, 1)
	go func() {
		err := ledger.Watch(ctx, cfg.Home, func(l *ledger.Ledger) {
			p.Send(newLedgerMsg(l))
		})
		if err != nil {
			p.Send(errMsg{err: err})
		}
		watchErr <- err
	}()

	_, err := p.Run()
	cancel()
	werr := <-watchErr

	if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
		err = nil
	}
	if err != nil {
		return err
	}
	return werr
}
