package run

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/kokistudios/evolve/internal/store"
)

func setupStore(t *testing.T) *store.Store {
	t.Helper()
	dir := filepath.Join(t.TempDir(), ".evolve")
	if err := store.Init(dir, false); err != nil {
		t.Fatalf("store.Init: %v", err)
	}
	s, err := store.Load(dir)
	if err != nil {
		t.Fatalf("store.Load: %v", err)
	}
	return s
}

func TestGenerateID_Format(t *testing.T) {
	id := GenerateID()
	parts := strings.Split(id, "-")
	if len(parts) != 3 {
		t.Fatalf("expected 3 parts in ID %q", id)
	}
	if len(parts[0]) != 8 || len(parts[1]) != 6 || len(parts[2]) != 8 {
		t.Errorf("unexpected ID shape %q", id)
	}
}

func TestCreateAndGet(t *testing.T) {
	s := setupStore(t)
	r, err := Create(s, "/tmp/target", "implement fib", "aider")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if r.Status != StatusRunning {
		t.Errorf("status = %s, want running", r.Status)
	}
	if r.PID != os.Getpid() {
		t.Errorf("pid = %d, want %d", r.PID, os.Getpid())
	}

	got, err := Get(s, r.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Instruction != "implement fib" || got.Runtime != "aider" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if got.Stale() {
		t.Error("current process should not be stale")
	}
}

func TestFinish(t *testing.T) {
	s := setupStore(t)
	r, err := Create(s, "/t", "goal", "aider")
	if err != nil {
		t.Fatal(err)
	}
	r.Attempts, r.Committed = 3, 1
	if err := Finish(s, r, StatusHalted, "circuit_open", errors.New("breaker open")); err != nil {
		t.Fatalf("Finish: %v", err)
	}

	got, _ := Get(s, r.ID)
	if got.Status != StatusHalted || got.StopReason != "circuit_open" || got.Error != "breaker open" {
		t.Errorf("unexpected record: %+v", got)
	}
	if got.FinishedAt == nil {
		t.Error("FinishedAt not set")
	}
	if got.Attempts != 3 || got.Committed != 1 {
		t.Errorf("counters not saved: %+v", got)
	}
	if !got.Terminal() {
		t.Error("expected terminal")
	}

	if err := Finish(s, r, StatusCompleted, "", nil); err == nil {
		t.Error("expected error finishing a terminal run")
	}
}

func TestFinishRejectsRunning(t *testing.T) {
	s := setupStore(t)
	r, _ := Create(s, "/t", "goal", "aider")
	if err := Finish(s, r, StatusRunning, "", nil); err == nil {
		t.Error("expected invalid transition error")
	}
}

func TestLatest(t *testing.T) {
	s := setupStore(t)
	if _, err := Latest(s); !errors.Is(err, ErrNoRuns) {
		t.Fatalf("expected ErrNoRuns, got %v", err)
	}

	first, _ := Create(s, "/t", "one", "aider")
	first.StartedAt = time.Now().Add(-time.Hour).UTC()
	if err := Update(s, first); err != nil {
		t.Fatal(err)
	}
	second, _ := Create(s, "/t", "two", "aider")

	latest, err := Latest(s)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest = %s, want %s", latest.ID, second.ID)
	}
}

func TestStaleDeadProcess(t *testing.T) {
	r := &Run{Status: StatusRunning, PID: 0}
	if !r.Stale() {
		t.Error("pid 0 should be stale")
	}
	r = &Run{Status: StatusCompleted, PID: 0}
	if r.Stale() {
		t.Error("finished runs are never stale")
	}
}
