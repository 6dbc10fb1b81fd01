// Package ledger keeps the ordered, append-only record of generations.
//
// The ledger lives in a single JSONL file. Every generation is written twice,
// once when it begins (pending) and once when it is finalized, and readers
// fold records by sequence so the latest record wins.
package ledger

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const (
	FileName = "ledger.jsonl"
	LockName = "ledger.lock"

	kindBaseline   = "baseline"
	kindGeneration = "generation"
)

var (
	ErrLocked            = errors.New("ledger is held by another evolve process")
	ErrReadOnly          = errors.New("ledger was opened read-only")
	ErrCorrupt           = errors.New("ledger is corrupt")
	ErrNoBaseline        = errors.New("ledger has no baseline")
	ErrPendingExists     = errors.New("a pending generation already exists")
	ErrBaseMismatch      = errors.New("base snapshot does not match ledger head")
	ErrUnknownGeneration = errors.New("unknown generation")
	ErrInvalidTransition = errors.New("invalid status transition")
)

type record struct {
	Kind       string      `json:"kind"`
	Baseline   *Baseline   `json:"baseline,omitempty"`
	Generation *Generation `json:"generation,omitempty"`
}

// Ledger is an in-memory fold of the ledger file. A writer holds an
// exclusive lock on the state directory for its lifetime; readers hold a
// point-in-time copy and never lock.
type Ledger struct {
	home string

	mu       sync.RWMutex
	baseline *Baseline
	gens     []Generation

	file *os.File
	lock *flock.Flock

	subMu   sync.Mutex
	subs    map[int]chan Generation
	nextSub int

	now func() time.Time
}

// Path returns the ledger file inside a state directory.
func Path(home string) string {
	return filepath.Join(home, FileName)
}

// OpenWriter opens the ledger for appending. It fails with ErrLocked when
// another process already holds the writer lock.
func OpenWriter(home string) (*Ledger, error) {
	if err := os.MkdirAll(home, 0755); err != nil {
		return nil, fmt.Errorf("creating state dir: %w", err)
	}

	lock := flock.New(filepath.Join(home, LockName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring ledger lock: %w", err)
	}
	if !locked {
		return nil, ErrLocked
	}

	l := newLedger(home)
	l.lock = lock

	if err := trimTornTail(Path(home)); err != nil {
		lock.Unlock()
		return nil, err
	}
	if err := l.load(); err != nil {
		lock.Unlock()
		return nil, err
	}

	f, err := os.OpenFile(Path(home), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		lock.Unlock()
		return nil, fmt.Errorf("opening ledger: %w", err)
	}
	l.file = f
	return l, nil
}

// Read loads a read-only snapshot of the ledger. A missing file is an empty
// ledger.
func Read(home string) (*Ledger, error) {
	l := newLedger(home)
	if err := l.load(); err != nil {
		return nil, err
	}
	return l, nil
}

func newLedger(home string) *Ledger {
	return &Ledger{
		home: home,
		subs: make(map[int]chan Generation),
		now:  time.Now,
	}
}

// Close releases the file and writer lock. Subscriber channels are closed.
func (l *Ledger) Close() error {
	l.subMu.Lock()
	for id, ch := range l.subs {
		close(ch)
		delete(l.subs, id)
	}
	l.subMu.Unlock()

	var errs []error
	if l.file != nil {
		errs = append(errs, l.file.Close())
		l.file = nil
	}
	if l.lock != nil {
		errs = append(errs, l.lock.Unlock())
		l.lock = nil
	}
	return errors.Join(errs...)
}

// Home returns the state directory the ledger lives in.
func (l *Ledger) Home() string {
	return l.home
}

// Writable reports whether this handle holds the writer lock.
func (l *Ledger) Writable() bool {
	return l.file != nil
}

// Reload re-reads the file from disk. Only meaningful for readers.
func (l *Ledger) Reload() error {
	fresh := newLedger(l.home)
	if err := fresh.load(); err != nil {
		return err
	}
	l.mu.Lock()
	l.baseline = fresh.baseline
	l.gens = fresh.gens
	l.mu.Unlock()
	return nil
}

func (l *Ledger) load() error {
	data, err := os.ReadFile(Path(l.home))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}

	// A line without its newline is a write still in flight or torn by a
	// crash; it is not part of the ledger.
	if i := bytes.LastIndexByte(data, '\n'); i >= 0 {
		data = data[:i+1]
	} else {
		data = nil
	}

	lineNo := 0
	for len(data) > 0 {
		lineNo++
		i := bytes.IndexByte(data, '\n')
		line := bytes.TrimSpace(data[:i])
		data = data[i+1:]
		if len(line) == 0 {
			continue
		}

		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrCorrupt, lineNo, err)
		}
		if err := l.apply(rec); err != nil {
			return fmt.Errorf("%w: line %d: %v", ErrCorrupt, lineNo, err)
		}
	}
	return nil
}

func (l *Ledger) apply(rec record) error {
	switch rec.Kind {
	case kindBaseline:
		if rec.Baseline == nil || rec.Baseline.Snapshot == "" {
			return fmt.Errorf("baseline record without snapshot")
		}
		if len(l.gens) > 0 && (l.baseline == nil || l.baseline.Snapshot != rec.Baseline.Snapshot) {
			return fmt.Errorf("baseline changed after generations were recorded")
		}
		b := *rec.Baseline
		l.baseline = &b
	case kindGeneration:
		g := rec.Generation
		if g == nil {
			return fmt.Errorf("generation record without body")
		}
		switch {
		case g.Sequence == len(l.gens):
			l.gens = append(l.gens, *g)
		case g.Sequence >= 0 && g.Sequence < len(l.gens):
			prev := l.gens[g.Sequence]
			if prev.Status != g.Status {
				if err := checkTransition(prev.Status, g.Status); err != nil {
					return fmt.Errorf("generation %d: %w", g.Sequence, err)
				}
			}
			l.gens[g.Sequence] = *g
		default:
			return fmt.Errorf("generation %d out of order (expected %d)", g.Sequence, len(l.gens))
		}
	default:
		return fmt.Errorf("unknown record kind %q", rec.Kind)
	}
	return nil
}

// append writes one record as a single write followed by fsync. Callers hold
// l.mu for writing.
func (l *Ledger) append(rec record) error {
	if l.file == nil {
		return ErrReadOnly
	}
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding ledger record: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("appending ledger record: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("syncing ledger: %w", err)
	}
	return nil
}

// trimTornTail drops a trailing partial line left by a crash so the next
// append starts on a fresh line.
func trimTornTail(path string) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading ledger: %w", err)
	}
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return nil
	}
	keep := bytes.LastIndexByte(data, '\n') + 1
	if err := os.Truncate(path, int64(keep)); err != nil {
		return fmt.Errorf("trimming torn ledger tail: %w", err)
	}
	return nil
}

// Baseline returns the recorded baseline snapshot.
func (l *Ledger) Baseline() (string, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.baseline == nil {
		return "", false
	}
	return l.baseline.Snapshot, true
}

// RecordBaseline stores the snapshot generation 0 starts from. Recording the
// same baseline again is a no-op.
func (l *Ledger) RecordBaseline(id string) error {
	if id == "" {
		return fmt.Errorf("baseline snapshot id is empty")
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.baseline != nil {
		if l.baseline.Snapshot == id {
			return nil
		}
		if len(l.gens) > 0 {
			return fmt.Errorf("ledger already has baseline %s with %d generations", l.baseline.Snapshot, len(l.gens))
		}
	}

	b := Baseline{Snapshot: id, CapturedAt: l.now().UTC()}
	if err := l.append(record{Kind: kindBaseline, Baseline: &b}); err != nil {
		return err
	}
	l.baseline = &b
	return nil
}

// Begin appends a pending generation on top of base. The base must be the
// current head.
func (l *Ledger) Begin(base, runID string) (Generation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.baseline == nil {
		return Generation{}, ErrNoBaseline
	}
	if p, ok := l.pendingLocked(); ok {
		return Generation{}, fmt.Errorf("%w (generation %d)", ErrPendingExists, p.Sequence)
	}
	if head := l.headLocked(); base != head {
		return Generation{}, fmt.Errorf("%w: got %s, head is %s", ErrBaseMismatch, base, head)
	}

	g := Generation{
		Sequence:     len(l.gens),
		RunID:        runID,
		BaseSnapshot: base,
		Status:       StatusPending,
		StartedAt:    l.now().UTC(),
	}
	if err := l.append(record{Kind: kindGeneration, Generation: &g}); err != nil {
		return Generation{}, err
	}
	l.gens = append(l.gens, g)
	return g, nil
}

// Finalize moves a pending generation to its terminal status.
func (l *Ledger) Finalize(seq int, f Finalization) (Generation, error) {
	l.mu.Lock()

	if seq < 0 || seq >= len(l.gens) {
		l.mu.Unlock()
		return Generation{}, fmt.Errorf("%w: %d", ErrUnknownGeneration, seq)
	}
	g := l.gens[seq]
	if err := checkTransition(g.Status, f.Status); err != nil {
		l.mu.Unlock()
		return Generation{}, fmt.Errorf("generation %d: %w", seq, err)
	}
	if err := f.validate(); err != nil {
		l.mu.Unlock()
		return Generation{}, fmt.Errorf("generation %d: %w", seq, err)
	}

	finished := l.now().UTC()
	g.Status = f.Status
	g.Outcome = f.Outcome
	g.ResultSnapshot = f.ResultSnapshot
	g.Reason = f.Reason
	g.Mutation = f.Mutation
	g.Verification = f.Verification
	g.FinishedAt = &finished

	if err := l.append(record{Kind: kindGeneration, Generation: &g}); err != nil {
		l.mu.Unlock()
		return Generation{}, err
	}
	l.gens[seq] = g
	l.mu.Unlock()

	l.publish(g)
	return g, nil
}

// List returns every generation in sequence order. The slice is a copy.
func (l *Ledger) List() []Generation {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Generation, len(l.gens))
	copy(out, l.gens)
	return out
}

// Len returns the number of generations, pending included.
func (l *Ledger) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.gens)
}

// Get returns the generation with the given sequence.
func (l *Ledger) Get(seq int) (Generation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if seq < 0 || seq >= len(l.gens) {
		return Generation{}, false
	}
	return l.gens[seq], true
}

// Head returns the result snapshot of the latest committed generation, or
// the baseline when nothing has been committed.
func (l *Ledger) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.headLocked()
}

func (l *Ledger) headLocked() string {
	if g, ok := l.lastCommittedLocked(); ok {
		return g.ResultSnapshot
	}
	if l.baseline != nil {
		return l.baseline.Snapshot
	}
	return ""
}

// LastCommitted returns the current accepted generation.
func (l *Ledger) LastCommitted() (Generation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastCommittedLocked()
}

func (l *Ledger) lastCommittedLocked() (Generation, bool) {
	for i := len(l.gens) - 1; i >= 0; i-- {
		if l.gens[i].Status == StatusCommitted {
			return l.gens[i], true
		}
	}
	return Generation{}, false
}

// Pending returns the in-flight generation, if any.
func (l *Ledger) Pending() (Generation, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.pendingLocked()
}

func (l *Ledger) pendingLocked() (Generation, bool) {
	for i := len(l.gens) - 1; i >= 0; i-- {
		if l.gens[i].Status == StatusPending {
			return l.gens[i], true
		}
	}
	return Generation{}, false
}

// Counts tallies generations by status.
func (l *Ledger) Counts() map[Status]int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	counts := make(map[Status]int)
	for _, g := range l.gens {
		counts[g.Status]++
	}
	return counts
}

// Subscribe delivers every generation finalized through this handle. The
// returned function unsubscribes. Slow subscribers miss updates rather than
// block the writer.
func (l *Ledger) Subscribe() (<-chan Generation, func()) {
	ch := make(chan Generation, 16)
	l.subMu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.subMu.Unlock()

	return ch, func() {
		l.subMu.Lock()
		defer l.subMu.Unlock()
		if c, ok := l.subs[id]; ok {
			close(c)
			delete(l.subs, id)
		}
	}
}

func (l *Ledger) publish(g Generation) {
	l.subMu.Lock()
	defer l.subMu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- g:
		default:
		}
	}
}
