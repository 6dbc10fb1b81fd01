package ledger

import "fmt"

// Issue is one invariant violation found by Verify.
type Issue struct {
	Sequence int
	Message  string
}

func (i Issue) String() string {
	if i.Sequence < 0 {
		return i.Message
	}
	return fmt.Sprintf("generation %d: %s", i.Sequence, i.Message)
}

// Verify walks the ledger and reports every invariant it breaks.
func (l *Ledger) Verify() []Issue {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var issues []Issue
	if l.baseline == nil {
		if len(l.gens) > 0 {
			issues = append(issues, Issue{Sequence: -1, Message: "generations recorded without a baseline"})
		}
		return issues
	}

	head := l.baseline.Snapshot
	pending := 0
	for i, g := range l.gens {
		if g.Sequence != i {
			issues = append(issues, Issue{Sequence: g.Sequence, Message: fmt.Sprintf("sequence gap: expected %d", i)})
		}
		if g.BaseSnapshot != head {
			issues = append(issues, Issue{Sequence: g.Sequence, Message: fmt.Sprintf("base %s does not match head %s", g.BaseSnapshot, head)})
		}

		switch g.Status {
		case StatusPending:
			pending++
		case StatusCommitted:
			if g.ResultSnapshot == "" {
				issues = append(issues, Issue{Sequence: g.Sequence, Message: "committed without a result snapshot"})
			} else {
				head = g.ResultSnapshot
			}
			if g.Outcome != OutcomePassed {
				issues = append(issues, Issue{Sequence: g.Sequence, Message: fmt.Sprintf("committed with outcome %q", g.Outcome)})
			}
		case StatusReverted, StatusAborted:
			if g.ResultSnapshot != "" {
				issues = append(issues, Issue{Sequence: g.Sequence, Message: fmt.Sprintf("%s but carries result %s", g.Status, g.ResultSnapshot)})
			}
		default:
			issues = append(issues, Issue{Sequence: g.Sequence, Message: fmt.Sprintf("unknown status %q", g.Status)})
		}
		if g.Status.Final() && g.FinishedAt == nil {
			issues = append(issues, Issue{Sequence: g.Sequence, Message: "finalized without a finish time"})
		}
	}
	if pending > 1 {
		issues = append(issues, Issue{Sequence: -1, Message: fmt.Sprintf("%d pending generations", pending)})
	}
	return issues
}
