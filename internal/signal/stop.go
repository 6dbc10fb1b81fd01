// Package signal carries operator requests to a running evolve process
// through files in the state directory.
package signal

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StopSignal asks a running controller to stop. A graceful stop waits for
// the in-flight attempt; a forced stop kills it and restores the base.
type StopSignal struct {
	RunID     string    `yaml:"run_id,omitempty"`
	Force     bool      `yaml:"force"`
	Reason    string    `yaml:"reason,omitempty"`
	PID       int       `yaml:"pid"`
	Timestamp time.Time `yaml:"timestamp"`
}

// StopPath returns the path of the stop signal file.
func StopPath(home string) string {
	return filepath.Join(home, "signals", "stop.yaml")
}

// WriteStop writes the stop signal file.
func WriteStop(home string, sig *StopSignal) error {
	if sig == nil {
		return fmt.Errorf("signal cannot be nil")
	}
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	if sig.PID == 0 {
		sig.PID = os.Getpid()
	}

	if err := os.MkdirAll(filepath.Join(home, "signals"), 0755); err != nil {
		return fmt.Errorf("failed to create signals directory: %w", err)
	}
	data, err := yaml.Marshal(sig)
	if err != nil {
		return fmt.Errorf("failed to marshal stop signal: %w", err)
	}

	// Write then rename so a polling reader never sees a partial file.
	tmp := StopPath(home) + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("failed to write stop signal: %w", err)
	}
	if err := os.Rename(tmp, StopPath(home)); err != nil {
		return fmt.Errorf("failed to write stop signal: %w", err)
	}
	return nil
}

// CheckStop returns the pending stop signal, or nil when there is none.
func CheckStop(home string) (*StopSignal, error) {
	data, err := os.ReadFile(StopPath(home))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read stop signal: %w", err)
	}
	var sig StopSignal
	if err := yaml.Unmarshal(data, &sig); err != nil {
		return nil, fmt.Errorf("failed to parse stop signal: %w", err)
	}
	return &sig, nil
}

// ClearStop removes the stop signal file if it exists.
func ClearStop(home string) error {
	if err := os.Remove(StopPath(home)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear stop signal: %w", err)
	}
	return nil
}

// WaitStop polls for a stop signal addressed to runID (or to any run) and
// returns it. A stop for a different run is left in place. It returns nil
// when ctx ends first.
func WaitStop(ctx context.Context, home, runID string, interval time.Duration) (*StopSignal, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		sig, err := CheckStop(home)
		if err != nil {
			return nil, err
		}
		if sig != nil && (sig.RunID == "" || sig.RunID == runID) {
			return sig, ClearStop(home)
		}
		select {
		case <-ctx.Done():
			return nil, nil
		case <-ticker.C:
		}
	}
}
