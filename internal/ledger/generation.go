package ledger

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a generation.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusReverted  Status = "reverted"
	StatusAborted   Status = "aborted"
)

// Outcome is the verification verdict recorded on a generation. It is empty
// when verification never ran.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomePassed  Outcome = "passed"
	OutcomeFailed  Outcome = "failed"
	OutcomeErrored Outcome = "errored"
)

var validTransitions = map[Status][]Status{
	StatusPending: {StatusCommitted, StatusReverted, StatusAborted},
}

// Final reports whether s is a terminal status.
func (s Status) Final() bool {
	return s == StatusCommitted || s == StatusReverted || s == StatusAborted
}

func checkTransition(from, to Status) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, from, to)
}

// MutationSummary describes the change an attempt tried. Transcript points
// at the agent log kept under the run directory.
type MutationSummary struct {
	Kind       string   `json:"kind"`
	Reason     string   `json:"reason,omitempty"`
	Detail     string   `json:"detail,omitempty"`
	Runtime    string   `json:"runtime,omitempty"`
	ExitCode   int      `json:"exit_code"`
	DurationMS int64    `json:"duration_ms"`
	Files      int      `json:"files,omitempty"`
	Added      int      `json:"added,omitempty"`
	Deleted    int      `json:"deleted,omitempty"`
	Paths      []string `json:"paths,omitempty"`
	Transcript string   `json:"transcript,omitempty"`
}

// VerificationRecord is the captured evidence of one verification run.
type VerificationRecord struct {
	Command    string `json:"command"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	Detail     string `json:"detail,omitempty"`
	OutputTail string `json:"output_tail,omitempty"`
	LogPath    string `json:"log_path,omitempty"`
}

// Generation is one attempted mutation cycle.
type Generation struct {
	Sequence       int                 `json:"seq"`
	RunID          string              `json:"run_id,omitempty"`
	BaseSnapshot   string              `json:"base"`
	Status         Status              `json:"status"`
	Mutation       *MutationSummary    `json:"mutation,omitempty"`
	Outcome        Outcome             `json:"outcome,omitempty"`
	Verification   *VerificationRecord `json:"verification,omitempty"`
	ResultSnapshot string              `json:"result,omitempty"`
	Reason         string              `json:"reason,omitempty"`
	StartedAt      time.Time           `json:"started_at"`
	FinishedAt     *time.Time          `json:"finished_at,omitempty"`
}

// Duration is the wall-clock time of a finalized generation.
func (g Generation) Duration() time.Duration {
	if g.FinishedAt == nil {
		return 0
	}
	return g.FinishedAt.Sub(g.StartedAt)
}

// Baseline records the snapshot sequence 0 starts from.
type Baseline struct {
	Snapshot   string    `json:"snapshot"`
	CapturedAt time.Time `json:"captured_at"`
}

// Finalization is the data supplied when a pending generation ends.
type Finalization struct {
	Status         Status
	Outcome        Outcome
	ResultSnapshot string
	Reason         string
	Mutation       *MutationSummary
	Verification   *VerificationRecord
}

func (f Finalization) validate() error {
	switch f.Status {
	case StatusCommitted:
		if f.ResultSnapshot == "" {
			return fmt.Errorf("committed generation requires a result snapshot")
		}
		if f.Outcome != OutcomePassed {
			return fmt.Errorf("committed generation requires outcome passed, got %q", f.Outcome)
		}
	case StatusReverted:
		if f.Outcome != OutcomeFailed && f.Outcome != OutcomeErrored {
			return fmt.Errorf("reverted generation requires outcome failed or errored, got %q", f.Outcome)
		}
		if f.ResultSnapshot != "" {
			return fmt.Errorf("reverted generation cannot carry a result snapshot")
		}
	case StatusAborted:
		if f.ResultSnapshot != "" {
			return fmt.Errorf("aborted generation cannot carry a result snapshot")
		}
	}
	return nil
}
