package process

import (
	"strings"
	"sync"
	"time"

	"exeio/internal/apierr"
)

// State is one of the Monitor's state-machine states.
type State string

const (
	Stopped  State = "Stopped"
	Starting State = "Starting"
	Running  State = "Running"
	Exited   State = "Exited"
	Failed   State = "Failed"
	Stopping State = "Stopping"
)

// Entry is the declarative and runtime record for one managed process.
// The fields above the blank line are user-declared and, when
// SaveForNextRun is true, persisted; the fields below are runtime-only.
type Entry struct {
	ID             string   `json:"id"`
	Command        string   `json:"command"`
	Args           []string `json:"args,omitempty"`
	WorkingDir     string   `json:"working_dir,omitempty"`
	Env            []string `json:"env,omitempty"`
	AutoRestart    bool     `json:"auto_restart"`
	SaveForNextRun bool     `json:"save_for_next_run"`
	Periodic       bool     `json:"periodic"`
	PeriodSeconds  int      `json:"period_seconds,omitempty"`

	Status         State     `json:"status"`
	PID            int       `json:"pid,omitempty"`
	RunCount       int       `json:"run_count"`
	LastRun        time.Time `json:"last_run,omitempty"`
	ManualStopFlag bool      `json:"manual_stop_flag"`
	LastExitAt     time.Time `json:"last_exit_at,omitempty"`
}

// Persisted returns the subset of fields the Config Store writes to disk.
// Runtime-only fields (status, pid, run_count, last_run, ...) are excluded,
// per the Config Store's contract.
func (e Entry) Persisted() Entry {
	return Entry{
		ID:             e.ID,
		Command:        e.Command,
		Args:           e.Args,
		WorkingDir:     e.WorkingDir,
		Env:            e.Env,
		AutoRestart:    e.AutoRestart,
		SaveForNextRun: e.SaveForNextRun,
		Periodic:       e.Periodic,
		PeriodSeconds:  e.PeriodSeconds,
	}
}

// Snapshot is an immutable, JSON-serializable view of an Entry returned by
// the Registry's get_snapshot and by /list, safe to read while the Monitor
// continues to mutate the live entry.
type Snapshot = Entry

// Validate enforces the ManagedEntry invariants that can be checked without
// consulting the Registry (uniqueness is the Registry's job).
func Validate(e Entry) error {
	if e.ID == "" {
		return apierr.Validation("validate", errEmptyID)
	}
	if !isSafeID(e.ID) {
		return apierr.Validation("validate", errBadID)
	}
	if e.Command == "" {
		return apierr.Validation("validate", errEmptyCommand)
	}
	if e.WorkingDir != "" && !isSafeAbsPath(e.WorkingDir) {
		return apierr.Validation("validate", errBadWorkDir)
	}
	if e.AutoRestart && e.Periodic {
		return apierr.Validation("validate", errAutoRestartAndPeriodic)
	}
	if e.Periodic && e.PeriodSeconds <= 0 {
		return apierr.Validation("validate", errBadPeriod)
	}
	return nil
}

// isSafeID validates the id for use as a filename stem, since the id
// doubles as the entry's log-file stem.
func isSafeID(s string) bool {
	if s == "" || strings.Contains(s, "..") || strings.ContainsAny(s, "/\\") {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '.' || r == '_' || r == '-':
		default:
			return false
		}
	}
	return true
}

// isSafeAbsPath rejects relative and traversal-bearing working directories.
func isSafeAbsPath(p string) bool {
	if p == "" {
		return true
	}
	if !strings.HasPrefix(p, "/") {
		return false
	}
	return !strings.Contains(p, "..")
}

// Handle holds the live entry state, guarded by its own mutex for snapshot
// reads. The Registry pairs each Handle with the Monitor that mutates it.
type Handle struct {
	mu    sync.RWMutex
	entry Entry
}

func NewHandle(e Entry) *Handle {
	return &Handle{entry: e}
}

func (h *Handle) Snapshot() Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.entry
}

func (h *Handle) Mutate(fn func(e *Entry)) {
	h.mu.Lock()
	fn(&h.entry)
	h.mu.Unlock()
}
