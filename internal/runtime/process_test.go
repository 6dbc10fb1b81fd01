//go:build !windows

package runtime

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"
)

func TestSuperviseExitCodes(t *testing.T) {
	tests := []struct {
		script string
		code   int
	}{
		{"exit 0", 0},
		{"exit 1", 1},
		{"exit 42", 42},
	}
	for _, tt := range tests {
		res := Supervise(context.Background(), exec.Command("sh", "-c", tt.script), 10*time.Second, time.Second)
		if res.LaunchErr != nil {
			t.Fatalf("%s: launch error: %v", tt.script, res.LaunchErr)
		}
		if res.Code != tt.code {
			t.Errorf("%s: code = %d, want %d", tt.script, res.Code, tt.code)
		}
		if !res.Completed() {
			t.Errorf("%s: expected Completed()", tt.script)
		}
	}
}

func TestSuperviseLaunchError(t *testing.T) {
	res := Supervise(context.Background(), exec.Command("/nonexistent/evolve-test-binary"), time.Second, time.Second)
	if res.LaunchErr == nil {
		t.Fatal("expected launch error")
	}
	if res.Completed() {
		t.Error("launch failure must not count as completed")
	}
}

func TestSuperviseTimeoutKillsGroup(t *testing.T) {
	dir := t.TempDir()
	pidFile := filepath.Join(dir, "child.pid")
	// The parent ignores SIGTERM and leaves a background child behind; both
	// must be gone when Supervise returns.
	script := "trap '' TERM; sleep 30 & echo $! > " + pidFile + "; wait"
	cmd := exec.Command("sh", "-c", script)

	start := time.Now()
	res := Supervise(context.Background(), cmd, 300*time.Millisecond, 200*time.Millisecond)
	if !res.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if res.Completed() {
		t.Error("timed out process must not count as completed")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Supervise took %v, expected prompt termination", elapsed)
	}

	data, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("child pid not written: %v", err)
	}
	pid, _ := strconv.Atoi(strings.TrimSpace(string(data)))
	deadline := time.Now().Add(2 * time.Second)
	for {
		if !alive(pid) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("background child %d still alive", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSuperviseCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	res := Supervise(ctx, exec.Command("sleep", "30"), time.Minute, 200*time.Millisecond)
	if !res.Cancelled {
		t.Fatal("expected Cancelled")
	}
	if res.TimedOut {
		t.Error("cancel must not be reported as timeout")
	}
}

// alive treats zombies as dead, since an orphan may wait on a slow reaper.
func alive(pid int) bool {
	if data, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "stat")); err == nil {
		fields := strings.Fields(string(data))
		return len(fields) > 2 && fields[2] != "Z"
	}
	return syscall.Kill(pid, 0) == nil
}
