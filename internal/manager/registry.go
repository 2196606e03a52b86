package manager

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"exeio/internal/apierr"
	"exeio/internal/logio"
	"exeio/internal/metrics"
	"exeio/internal/process"
)

// fanOutTimeout bounds how long restart_all/stop_all wait for any single
// entry's Monitor to acknowledge.
const fanOutTimeout = 30 * time.Second

type record struct {
	handle  *process.Handle
	monitor *Monitor
	logw    *logio.Writer
}

// Registry is the process-wide map of id -> managed entry. It owns one
// Monitor per id. Structural mutations (add/remove) are serialized by mu;
// reads take a snapshot without holding the lock across any blocking
// Monitor call.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*record

	logDir string
	sysLog *logio.System

	// globalEnv is the supervisor-wide KEY=VALUE overlay, applied under
	// every entry's own env list, ahead of the process's own OS
	// environment in precedence.
	globalEnv map[string]string
	osEnv     map[string]string

	persist func([]process.Entry) error
}

// New constructs a Registry. logDir is where per-entry log files live.
// globalEnv overlays every entry's own env (nil is fine, treated as empty).
// persist, when non-nil, is invoked with the current set of
// save_for_next_run entries after every successful structural change; it is
// normally wired to the Config Store.
func New(logDir string, sysLog *logio.System, globalEnv map[string]string, persist func([]process.Entry) error) *Registry {
	return &Registry{
		entries:   make(map[string]*record),
		logDir:    logDir,
		sysLog:    sysLog,
		globalEnv: globalEnv,
		osEnv:     osEnviron(),
		persist:   persist,
	}
}

func osEnviron() map[string]string {
	m := make(map[string]string, len(os.Environ()))
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i >= 0 && kv[:i] != "" {
			m[kv[:i]] = kv[i+1:]
		}
	}
	return m
}

// mergeEnv composes the environment handed to a spawned child: the
// supervisor's own OS environment as the base, the globalEnv overlay on top
// of it, and the entry's own env list on top of that, then resolves any
// ${VAR} references against the fully composed map. It is passed to every
// Monitor as the one hook into this precedence chain.
func (r *Registry) mergeEnv(entryEnv []string) []string {
	m := make(map[string]string, len(r.osEnv)+len(r.globalEnv)+len(entryEnv))
	for k, v := range r.osEnv {
		m[k] = v
	}
	for k, v := range r.globalEnv {
		if k != "" {
			m[k] = v
		}
	}
	for _, kv := range entryEnv {
		if i := strings.IndexByte(kv, '='); i >= 0 && kv[:i] != "" {
			m[kv[:i]] = kv[i+1:]
		}
	}
	out := make([]string, 0, len(m))
	for k, v := range m {
		if k == "" {
			continue
		}
		out = append(out, k+"="+expandRefs(v, m))
	}
	return out
}

// expandRefs resolves ${VAR} references in s against m. Expansion is a
// single left-to-right pass over s, not recursive; unknown references are
// left as written.
func expandRefs(s string, m map[string]string) string {
	var b strings.Builder
	for {
		i := strings.Index(s, "${")
		if i < 0 {
			break
		}
		j := strings.IndexByte(s[i+2:], '}')
		if j < 0 {
			break
		}
		end := i + 3 + j
		b.WriteString(s[:i])
		if v, ok := m[s[i+2:end-1]]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(s[i:end])
		}
		s = s[end:]
	}
	b.WriteString(s)
	return b.String()
}

// Add validates, inserts, and starts a new entry. It returns Conflict if id
// already exists and Validation if the entry fails field validation. The
// returned snapshot reflects the entry immediately after its first Start
// attempt.
func (r *Registry) Add(e process.Entry) (process.Entry, error) {
	if err := process.Validate(e); err != nil {
		return process.Entry{}, err
	}
	e.Status = process.Stopped

	r.mu.Lock()
	if _, exists := r.entries[e.ID]; exists {
		r.mu.Unlock()
		return process.Entry{}, apierr.Conflict("add", fmt.Errorf("id %q already exists", e.ID))
	}
	logw, err := logio.Open(filepath.Join(r.logDir, logio.FileName(e.ID)))
	if err != nil {
		r.mu.Unlock()
		return process.Entry{}, apierr.IO("add", err)
	}
	handle := process.NewHandle(e)
	mon := NewMonitor(e, handle, logw, r.sysLog, r.mergeEnv)
	rec := &record{handle: handle, monitor: mon, logw: logw}
	r.entries[e.ID] = rec
	go mon.Run()
	r.mu.Unlock()

	metrics.SetRegistrySize(r.count())
	if err := mon.Start(); err != nil {
		_ = r.sysLog.Append("SYSTEM", fmt.Sprintf("add %s: initial start failed: %v", e.ID, err))
	}
	r.savePersisted()
	return handle.Snapshot(), nil
}

// Remove stops the entry's child (if running), waits for the Monitor to
// reach Stopped, retires the Monitor goroutine, and drops the handle. The
// log file is left on disk so operators can inspect a removed entry's last
// output.
func (r *Registry) Remove(id string) error {
	rec, ok := r.get(id)
	if !ok {
		return apierr.NotFound("remove", fmt.Errorf("unknown id %q", id))
	}
	_ = rec.monitor.Stop()
	_ = rec.monitor.Shutdown()
	<-rec.monitor.Done()
	_ = rec.logw.Close()

	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()

	metrics.SetRegistrySize(r.count())
	r.savePersisted()
	return nil
}

// Get returns the monitor and log writer for id, used by the control plane
// for /input and /logs.
func (r *Registry) Get(id string) (monitor *Monitor, logw *logio.Writer, ok bool) {
	rec, ok := r.get(id)
	if !ok {
		return nil, nil, false
	}
	return rec.monitor, rec.logw, true
}

func (r *Registry) get(id string) (*record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.entries[id]
	return rec, ok
}

func (r *Registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns a consistent list of entry snapshots for /list.
func (r *Registry) Snapshot() []process.Entry {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.entries))
	for _, rec := range r.entries {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	out := make([]process.Entry, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.handle.Snapshot())
	}
	return out
}

// Outcome is one entry's result from a fan-out operation.
type Outcome struct {
	ID  string
	Err error
}

// RestartAll fans out Restart to every Monitor, collecting per-entry
// outcomes within fanOutTimeout each.
func (r *Registry) RestartAll() []Outcome {
	return r.fanOut(func(m *Monitor) error { return m.Restart() })
}

// StopAll fans out Stop to every Monitor.
func (r *Registry) StopAll() []Outcome {
	return r.fanOut(func(m *Monitor) error { return m.Stop() })
}

func (r *Registry) fanOut(op func(*Monitor) error) []Outcome {
	r.mu.RLock()
	ids := make([]string, 0, len(r.entries))
	mons := make([]*Monitor, 0, len(r.entries))
	for id, rec := range r.entries {
		ids = append(ids, id)
		mons = append(mons, rec.monitor)
	}
	r.mu.RUnlock()

	results := make([]Outcome, len(ids))
	var wg sync.WaitGroup
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			done := make(chan error, 1)
			go func() { done <- op(mons[i]) }()
			select {
			case err := <-done:
				results[i] = Outcome{ID: ids[i], Err: err}
			case <-time.After(fanOutTimeout):
				results[i] = Outcome{ID: ids[i], Err: fmt.Errorf("timed out after %s", fanOutTimeout)}
			}
		}(i)
	}
	wg.Wait()
	return results
}

// Shutdown stops and retires every Monitor, used when the supervisor itself
// is shutting down (called by the serve loop after /shutdown or a signal).
func (r *Registry) Shutdown() {
	r.mu.RLock()
	recs := make([]*record, 0, len(r.entries))
	for _, rec := range r.entries {
		recs = append(recs, rec)
	}
	r.mu.RUnlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		wg.Add(1)
		go func(rec *record) {
			defer wg.Done()
			_ = rec.monitor.Stop()
			_ = rec.monitor.Shutdown()
			<-rec.monitor.Done()
			_ = rec.logw.Close()
		}(rec)
	}
	wg.Wait()
}

// savePersisted writes the save_for_next_run subset of entries to the
// Config Store. IO failures are logged to the system log and swallowed: the
// supervisor keeps running even if a persist attempt fails.
func (r *Registry) savePersisted() {
	if r.persist == nil {
		return
	}
	all := r.Snapshot()
	persisted := make([]process.Entry, 0, len(all))
	for _, e := range all {
		if e.SaveForNextRun {
			persisted = append(persisted, e.Persisted())
		}
	}
	if err := r.persist(persisted); err != nil {
		_ = r.sysLog.Append("SYSTEM", fmt.Sprintf("config persist failed: %v", err))
	}
}

// EnsureLogDir creates the log directory if missing.
func EnsureLogDir(dir string) error {
	return os.MkdirAll(dir, 0o750)
}
