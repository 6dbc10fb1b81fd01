// Package run keeps one record per evolve run process under .evolve/runs.
package run

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/kokistudios/evolve/internal/store"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
	StatusHalted    Status = "halted"
	StatusFailed    Status = "failed"
)

var validTransitions = map[Status][]Status{
	StatusRunning: {StatusCompleted, StatusCancelled, StatusHalted, StatusFailed},
}

var terminalStatuses = map[Status]bool{
	StatusCompleted: true,
	StatusCancelled: true,
	StatusHalted:    true,
	StatusFailed:    true,
}

// ErrNoRuns is returned by Latest when nothing has run yet.
var ErrNoRuns = errors.New("no runs recorded")

// Run is the record of one controller process.
type Run struct {
	ID          string     `yaml:"id"`
	PID         int        `yaml:"pid"`
	Status      Status     `yaml:"status"`
	Target      string     `yaml:"target"`
	Instruction string     `yaml:"instruction"`
	Runtime     string     `yaml:"runtime"`
	StartedAt   time.Time  `yaml:"started_at"`
	UpdatedAt   time.Time  `yaml:"updated_at"`
	FinishedAt  *time.Time `yaml:"finished_at,omitempty"`
	StopReason  string     `yaml:"stop_reason,omitempty"`
	Error       string     `yaml:"error,omitempty"`
	Attempts    int        `yaml:"attempts"`
	Committed   int        `yaml:"committed"`
	Head        string     `yaml:"head,omitempty"`
}

// Terminal reports whether the run has finished.
func (r *Run) Terminal() bool {
	return terminalStatuses[r.Status]
}

// GenerateID returns a sortable run id: a timestamp followed by a short
// random suffix.
func GenerateID() string {
	return fmt.Sprintf("%s-%s", time.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
}

// Dir returns the directory holding a run's record and logs.
func Dir(s *store.Store, id string) string {
	return s.Path("runs", id)
}

// Create records a new running run for the current process.
func Create(s *store.Store, target, instruction, runtimeName string) (*Run, error) {
	id := GenerateID()
	for {
		if _, err := os.Stat(Dir(s, id)); err != nil {
			break
		}
		id = GenerateID()
	}
	if err := os.MkdirAll(Dir(s, id), 0755); err != nil {
		return nil, fmt.Errorf("failed to create run directory: %w", err)
	}

	now := time.Now().UTC()
	r := &Run{
		ID:          id,
		PID:         os.Getpid(),
		Status:      StatusRunning,
		Target:      target,
		Instruction: instruction,
		Runtime:     runtimeName,
		StartedAt:   now,
		UpdatedAt:   now,
	}
	if err := save(s, r); err != nil {
		return nil, err
	}
	return r, nil
}

// Update saves progress counters without changing status.
func Update(s *store.Store, r *Run) error {
	r.UpdatedAt = time.Now().UTC()
	return save(s, r)
}

// Finish moves a run to a terminal status.
func Finish(s *store.Store, r *Run, status Status, stopReason string, runErr error) error {
	if terminalStatuses[r.Status] {
		return fmt.Errorf("run %s is already %s", r.ID, r.Status)
	}
	valid := false
	for _, a := range validTransitions[r.Status] {
		if a == status {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("invalid transition: %s → %s", r.Status, status)
	}

	now := time.Now().UTC()
	r.Status = status
	r.StopReason = stopReason
	if runErr != nil {
		r.Error = runErr.Error()
	}
	r.FinishedAt = &now
	r.UpdatedAt = now
	return save(s, r)
}

func Get(s *store.Store, id string) (*Run, error) {
	data, err := os.ReadFile(s.Path("runs", id, "run.yaml"))
	if err != nil {
		return nil, fmt.Errorf("run not found: %s", id)
	}
	var r Run
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("invalid run file: %w", err)
	}
	return &r, nil
}

// List returns every run, oldest first.
func List(s *store.Store) ([]Run, error) {
	entries, err := os.ReadDir(s.Path("runs"))
	if err != nil {
		return nil, fmt.Errorf("cannot read runs directory: %w", err)
	}
	var runs []Run
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		r, err := Get(s, e.Name())
		if err != nil {
			continue
		}
		runs = append(runs, *r)
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.Before(runs[j].StartedAt)
	})
	return runs, nil
}

// Latest returns the most recently started run.
func Latest(s *store.Store) (*Run, error) {
	runs, err := List(s)
	if err != nil {
		return nil, err
	}
	if len(runs) == 0 {
		return nil, ErrNoRuns
	}
	r := runs[len(runs)-1]
	return &r, nil
}

// Stale reports whether a running record belongs to a process that no
// longer exists.
func (r *Run) Stale() bool {
	if r.Status != StatusRunning {
		return false
	}
	if r.PID <= 0 {
		return true
	}
	proc, err := os.FindProcess(r.PID)
	if err != nil {
		return true
	}
	return proc.Signal(syscall.Signal(0)) != nil
}

func save(s *store.Store, r *Run) error {
	data, err := yaml.Marshal(r)
	if err != nil {
		return fmt.Errorf("failed to marshal run: %w", err)
	}
	if err := os.WriteFile(s.Path("runs", r.ID, "run.yaml"), data, 0644); err != nil {
		return fmt.Errorf("failed to write run file: %w", err)
	}
	return nil
}
