package ledger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kokistudios/evolve/internal/ui"
)

// DebounceDelay coalesces bursts of ledger writes into one reload.
const DebounceDelay = 200 * time.Millisecond

// Watch calls fn with a fresh read-only ledger every time the ledger file
// changes, and once up front. It returns when ctx is done. fn runs on the
// watching goroutine, so calls never overlap.
func Watch(ctx context.Context, home string, fn func(*Ledger)) error {
	if err := os.MkdirAll(home, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	// The directory is watched because the file may not exist yet.
	if err := watcher.Add(home); err != nil {
		return fmt.Errorf("watching %s: %w", home, err)
	}

	deliver := func() {
		l, err := Read(home)
		if err != nil {
			ui.Logger.Warn("ledger reload failed", "err", err)
			return
		}
		fn(l)
	}
	deliver()

	var debounce *time.Timer
	var fire <-chan time.Time
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != FileName {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(DebounceDelay)
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}
				debounce.Reset(DebounceDelay)
			}
			fire = debounce.C
		case <-fire:
			fire = nil
			deliver()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			ui.Logger.Warn("ledger watcher error", "err", err)
		}
	}
}
