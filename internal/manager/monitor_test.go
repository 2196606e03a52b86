package manager

import (
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"exeio/internal/logio"
	"exeio/internal/process"
)

func requireUnix(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires sh/sleep on Unix-like systems")
	}
}

func newTestMonitor(t *testing.T, e process.Entry) (*Monitor, *process.Handle) {
	t.Helper()
	dir := t.TempDir()
	logw, err := logio.Open(filepath.Join(dir, logio.FileName(e.ID)))
	if err != nil {
		t.Fatalf("logio.Open: %v", err)
	}
	t.Cleanup(func() { _ = logw.Close() })
	sysLog := logio.OpenSystem(filepath.Join(dir, "_system.log"), "test")
	t.Cleanup(func() { _ = sysLog.Close() })

	handle := process.NewHandle(e)
	mon := NewMonitor(e, handle, logw, sysLog, func(perEntry []string) []string { return perEntry })
	go mon.Run()
	t.Cleanup(func() {
		_ = mon.Shutdown()
		<-mon.Done()
	})
	return mon, handle
}

func waitForStatus(t *testing.T, handle *process.Handle, want process.State, timeout time.Duration) process.Entry {
	t.Helper()
	deadline := time.After(timeout)
	for {
		snap := handle.Snapshot()
		if snap.Status == want {
			return snap
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for status %s, last seen %s", want, snap.Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestMonitorStartTransitionsToRunning(t *testing.T) {
	requireUnix(t)
	mon, handle := newTestMonitor(t, process.Entry{ID: "p1", Command: "sleep", Args: []string{"5"}})
	if err := mon.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	snap := waitForStatus(t, handle, process.Running, time.Second)
	if snap.PID <= 0 || snap.RunCount != 1 {
		t.Fatalf("unexpected snapshot after start: %+v", snap)
	}
}

func TestMonitorStopSetsManualStopThenStopped(t *testing.T) {
	requireUnix(t)
	mon, handle := newTestMonitor(t, process.Entry{ID: "p1", Command: "sleep", Args: []string{"5"}})
	if err := mon.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, handle, process.Running, time.Second)

	if err := mon.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	snap := waitForStatus(t, handle, process.Stopped, 6*time.Second)
	if snap.PID != 0 || snap.ManualStopFlag {
		t.Fatalf("unexpected snapshot after stop: %+v", snap)
	}
}

func TestMonitorManualStopSuppressesAutoRestart(t *testing.T) {
	requireUnix(t)
	mon, handle := newTestMonitor(t, process.Entry{
		ID: "p1", Command: "sleep", Args: []string{"5"}, AutoRestart: true,
	})
	if err := mon.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	waitForStatus(t, handle, process.Running, time.Second)

	if err := mon.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	waitForStatus(t, handle, process.Stopped, 6*time.Second)

	// No auto-restart should fire; status must remain Stopped.
	time.Sleep(200 * time.Millisecond)
	if got := handle.Snapshot().Status; got != process.Stopped {
		t.Fatalf("expected status to remain Stopped, got %s", got)
	}
}

func TestMonitorAutoRestartAfterCrash(t *testing.T) {
	requireUnix(t)
	mon, handle := newTestMonitor(t, process.Entry{
		ID: "p1", Command: "false", AutoRestart: true,
	})
	if err := mon.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// First run exits immediately (exit code 1); auto_restart should
	// eventually spawn a second run after the backoff delay. A run that
	// lasted under 10s incurs the rapid-failure +20s penalty on top of the
	// attempt-1 base delay, so this can take up to ~22s.
	if testing.Short() {
		t.Skip("skipping slow backoff-delay test in -short mode")
	}
	deadline := time.After(25 * time.Second)
	for {
		snap := handle.Snapshot()
		if snap.RunCount >= 2 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("auto_restart did not re-spawn, last snapshot: %+v", snap)
		case <-time.After(20 * time.Millisecond):
		}
	}
}

func TestMonitorInputBeforeRunningReturnsStateError(t *testing.T) {
	mon, _ := newTestMonitor(t, process.Entry{ID: "p1", Command: "cat"})
	if err := mon.Input("hello"); err == nil {
		t.Fatal("expected error sending input before Start")
	}
}

func TestBackoffDelayGrowsWithAttempts(t *testing.T) {
	d1 := backoffDelay(1, time.Minute)
	d2 := backoffDelay(7, time.Minute)
	d3 := backoffDelay(20, time.Minute)
	if !(d1 < d2 && d2 < d3) {
		t.Fatalf("expected monotonically increasing backoff, got %v, %v, %v", d1, d2, d3)
	}
}

func TestBackoffDelayPenalizesRapidFailure(t *testing.T) {
	slow := backoffDelay(1, time.Minute)
	fast := backoffDelay(1, time.Second)
	if fast <= slow {
		t.Fatalf("expected rapid-failure penalty: fast=%v should exceed slow=%v", fast, slow)
	}
}
