// Package manager implements the Monitor state machine and the Registry
// that owns one Monitor per entry. Spawn, restart-policy, and
// periodic-scheduling decisions for an entry all live in the same actor
// rather than being split across a command handler and a separate
// liveness-polling supervisor.
package manager

import (
	"fmt"
	"syscall"
	"time"

	"exeio/internal/apierr"
	"exeio/internal/logio"
	"exeio/internal/metrics"
	"exeio/internal/process"
)

// CmdType enumerates the commands the Monitor's inbox accepts.
type CmdType int

const (
	CmdStart CmdType = iota
	CmdStop
	CmdRestart
	CmdInput
	CmdShutdown
)

// Cmd is one message sent to a Monitor's command channel.
type Cmd struct {
	Type  CmdType
	Input string
	Reply chan error
}

// terminationGrace is the wait between SIGTERM and SIGKILL.
const terminationGrace = 5 * time.Second

// Monitor is the per-entry actor: a single goroutine with an inbox driving
// the entry's state machine. All mutation of the entry's runtime fields
// happens inside this goroutine; reads go through handle.Snapshot.
type Monitor struct {
	id     string
	handle *process.Handle
	logw   *logio.Writer
	sysLog *logio.System
	cmdCh  chan Cmd

	mergeEnv func([]string) []string

	runner          *process.Runner
	restartAttempts int

	timer  *time.Timer
	timerC <-chan time.Time

	done chan struct{}
}

// NewMonitor constructs a Monitor for entry e. The caller (Registry) owns
// persisting e and is responsible for calling Run in its own goroutine.
func NewMonitor(e process.Entry, handle *process.Handle, logw *logio.Writer, sysLog *logio.System, mergeEnv func([]string) []string) *Monitor {
	return &Monitor{
		id:       e.ID,
		handle:   handle,
		logw:     logw,
		sysLog:   sysLog,
		cmdCh:    make(chan Cmd, 16),
		mergeEnv: mergeEnv,
		done:     make(chan struct{}),
	}
}

// Done is closed once the Monitor's Run loop has returned (after Shutdown).
func (m *Monitor) Done() <-chan struct{} { return m.done }

// send delivers cmd and blocks for its reply.
func (m *Monitor) send(t CmdType, input string) error {
	reply := make(chan error, 1)
	m.cmdCh <- Cmd{Type: t, Input: input, Reply: reply}
	return <-reply
}

func (m *Monitor) Start() error           { return m.send(CmdStart, "") }
func (m *Monitor) Stop() error            { return m.send(CmdStop, "") }
func (m *Monitor) Restart() error         { return m.send(CmdRestart, "") }
func (m *Monitor) Input(text string) error { return m.send(CmdInput, text) }
func (m *Monitor) Shutdown() error        { return m.send(CmdShutdown, "") }

// Run is the Monitor's single-threaded executor. It must run in its own
// goroutine; every state transition happens here so the entry is never
// observed mid-transition by another command.
func (m *Monitor) Run() {
	defer close(m.done)
	for {
		var exitCh <-chan process.ExitStatus
		if m.runner != nil {
			exitCh = m.runner.Exit()
		}
		select {
		case cmd := <-m.cmdCh:
			if m.runCmd(cmd) {
				return
			}
		case st := <-exitCh:
			if m.runExit(st) {
				return
			}
		case <-m.timerC:
			m.timerC = nil
			m.timer = nil
			if m.runTimer() {
				return
			}
		}
	}
}

// runCmd, runExit, and runTimer each recover a panic raised while processing
// one task at the Monitor's task boundary: the entry is logged and moved to
// Failed instead of the panic propagating out of this goroutine and taking
// the whole process (and every other entry's Monitor) down with it. A
// blocked caller of send is still unblocked with an error reply.
func (m *Monitor) runCmd(cmd Cmd) (exit bool) {
	defer func() {
		if r := recover(); r != nil {
			m.recoverPanic(r)
			cmd.Reply <- apierr.State("monitor", fmt.Errorf("recovered from panic: %v", r))
			exit = true
		}
	}()
	return m.handleCmd(cmd)
}

func (m *Monitor) runExit(st process.ExitStatus) (exit bool) {
	defer func() {
		if r := recover(); r != nil {
			m.recoverPanic(r)
			exit = true
		}
	}()
	m.handleExit(st)
	return false
}

func (m *Monitor) runTimer() (exit bool) {
	defer func() {
		if r := recover(); r != nil {
			m.recoverPanic(r)
			exit = true
		}
	}()
	m.fireScheduledStart()
	return false
}

func (m *Monitor) recoverPanic(r any) {
	m.handle.Mutate(func(e *process.Entry) { e.Status = process.Failed })
	_ = m.logw.Append("SYSTEM", fmt.Sprintf("monitor panic recovered: %v", r))
	metrics.SetCurrentState(m.id, string(process.Failed), true)
}

// handleCmd processes one inbox message and reports whether Run should exit.
func (m *Monitor) handleCmd(cmd Cmd) (exit bool) {
	switch cmd.Type {
	case CmdStart:
		m.cancelPendingDelay()
		m.restartAttempts = 0
		m.handle.Mutate(func(e *process.Entry) { e.ManualStopFlag = false })
		cmd.Reply <- m.doStart()
	case CmdStop:
		m.cancelPendingDelay()
		cmd.Reply <- m.doStop()
	case CmdRestart:
		m.cancelPendingDelay()
		m.restartAttempts = 0
		if m.runner != nil {
			_ = m.doStop()
		}
		m.handle.Mutate(func(e *process.Entry) { e.ManualStopFlag = false })
		cmd.Reply <- m.doStart()
	case CmdInput:
		if m.runner == nil || m.handle.Snapshot().Status != process.Running {
			cmd.Reply <- apierr.State("input", process.ErrNotRunning)
			return false
		}
		cmd.Reply <- m.runner.Input(cmd.Input)
	case CmdShutdown:
		m.cancelPendingDelay()
		if m.runner != nil {
			_ = m.doStop()
		}
		cmd.Reply <- nil
		return true
	}
	return false
}

// doStart spawns the child and transitions Starting -> Running or Failed.
func (m *Monitor) doStart() error {
	e := m.handle.Snapshot()
	if e.Status == process.Running || e.Status == process.Starting {
		return nil
	}
	m.handle.Mutate(func(e *process.Entry) { e.Status = process.Starting })

	var mergedEnv []string
	if m.mergeEnv != nil {
		mergedEnv = m.mergeEnv(e.Env)
	}
	runner, err := process.Spawn(e.Command, e.Args, e.WorkingDir, mergedEnv, m.logw)
	if err != nil {
		m.handle.Mutate(func(e *process.Entry) { e.Status = process.Failed })
		_ = m.logw.Append("SYSTEM", fmt.Sprintf("spawn failed: %v", err))
		metrics.RecordStateTransition(m.id, string(process.Starting), string(process.Failed))
		metrics.SetCurrentState(m.id, string(process.Failed), true)
		return apierr.Spawn("start", err)
	}
	m.runner = runner
	now := time.Now()
	m.handle.Mutate(func(e *process.Entry) {
		e.Status = process.Running
		e.PID = runner.PID()
		e.RunCount++
		e.LastRun = now
	})
	metrics.IncSpawn(m.id)
	metrics.RecordStateTransition(m.id, string(process.Starting), string(process.Running))
	metrics.SetCurrentState(m.id, string(process.Running), true)
	return nil
}

// doStop sets manual_stop_flag, drives two-phase termination, and waits for
// the exit event, returning once the entry has reached Stopped.
func (m *Monitor) doStop() error {
	e := m.handle.Snapshot()
	if m.runner == nil {
		if e.Status != process.Stopped {
			m.handle.Mutate(func(e *process.Entry) { e.Status = process.Stopped; e.PID = 0 })
		}
		return nil
	}
	m.handle.Mutate(func(e *process.Entry) {
		e.ManualStopFlag = true
		e.Status = process.Stopping
	})
	metrics.RecordStateTransition(m.id, string(e.Status), string(process.Stopping))
	metrics.SetCurrentState(m.id, string(process.Stopping), true)

	st := m.terminate()
	m.runner = nil
	now := time.Now()
	m.handle.Mutate(func(e *process.Entry) {
		e.Status = process.Stopped
		e.PID = 0
		e.LastExitAt = now
		e.ManualStopFlag = false
	})
	_ = m.logw.Append("SYSTEM", "stopped by operator: "+st.String())
	metrics.IncExit(m.id, "stopped")
	metrics.RecordStateTransition(m.id, string(process.Stopping), string(process.Stopped))
	metrics.SetCurrentState(m.id, string(process.Stopped), true)
	return nil
}

// terminate drives SIGTERM -> grace window -> SIGKILL against the current
// runner and blocks for its exit event. It is the only code path allowed to
// read the runner's exit channel outside the main Run loop, and it only
// runs synchronously within Run, so there is never more than one reader.
func (m *Monitor) terminate() process.ExitStatus {
	_ = m.runner.Signal(syscall.SIGTERM)
	t := time.NewTimer(terminationGrace)
	defer t.Stop()
	select {
	case st := <-m.runner.Exit():
		return st
	case <-t.C:
		_ = m.runner.Signal(syscall.SIGKILL)
		return <-m.runner.Exit()
	}
}

// handleExit processes a spontaneous exit event: the child terminated on its
// own, not via doStop's termination sequence.
func (m *Monitor) handleExit(st process.ExitStatus) {
	m.runner = nil
	now := time.Now()
	var ranFor time.Duration
	e := m.handle.Snapshot()
	if !e.LastRun.IsZero() {
		ranFor = now.Sub(e.LastRun)
	}
	m.handle.Mutate(func(e *process.Entry) { e.LastExitAt = now; e.PID = 0 })
	_ = m.logw.Append("SYSTEM", "child exited: "+st.String())

	e = m.handle.Snapshot()
	switch {
	case e.ManualStopFlag:
		m.handle.Mutate(func(e *process.Entry) { e.ManualStopFlag = false; e.Status = process.Stopped })
		metrics.IncExit(m.id, "stopped")
		metrics.RecordStateTransition(m.id, "Running", string(process.Stopped))
		metrics.SetCurrentState(m.id, string(process.Stopped), true)
	case e.Periodic:
		m.handle.Mutate(func(e *process.Entry) { e.Status = process.Exited })
		metrics.IncExit(m.id, "periodic")
		metrics.RecordStateTransition(m.id, "Running", string(process.Exited))
		metrics.SetCurrentState(m.id, string(process.Exited), true)
		due := e.LastRun.Add(time.Duration(e.PeriodSeconds) * time.Second)
		delay := time.Until(due)
		if delay < 0 {
			delay = 0
		}
		m.armTimer(delay)
	case e.AutoRestart:
		m.handle.Mutate(func(e *process.Entry) { e.Status = process.Exited })
		metrics.IncExit(m.id, "crashed")
		metrics.IncRestart(m.id)
		metrics.RecordStateTransition(m.id, "Running", string(process.Exited))
		metrics.SetCurrentState(m.id, string(process.Exited), true)
		m.restartAttempts++
		delay := backoffDelay(m.restartAttempts, ranFor)
		m.armTimer(delay)
	default:
		final := process.Exited
		outcome := "exited"
		if st.Signaled || st.ExitCode != 0 {
			final = process.Failed
			outcome = "failed"
		}
		m.handle.Mutate(func(e *process.Entry) { e.Status = final })
		metrics.IncExit(m.id, outcome)
		metrics.RecordStateTransition(m.id, "Running", string(final))
		metrics.SetCurrentState(m.id, string(final), true)
	}
}

// fireScheduledStart runs the internal Start triggered by an armed timer
// (auto-restart backoff or periodic re-spawn). It is a no-op if the entry
// left the Exited state in the meantime (e.g. an explicit Stop raced the
// timer and already transitioned to Stopped).
func (m *Monitor) fireScheduledStart() {
	if m.handle.Snapshot().Status != process.Exited {
		return
	}
	_ = m.doStart()
}

func (m *Monitor) armTimer(d time.Duration) {
	m.timer = time.NewTimer(d)
	m.timerC = m.timer.C
}

func (m *Monitor) cancelPendingDelay() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
		m.timerC = nil
	}
}

// backoffDelay computes the restart delay as a function of restart attempts
// since the last externally initiated Start/Restart, with a +20s penalty
// for rapid failure (ranFor < 10s).
func backoffDelay(attempt int, ranFor time.Duration) time.Duration {
	var base time.Duration
	switch {
	case attempt <= 3:
		base = 2 * time.Second
	case attempt <= 6:
		base = 5 * time.Second
	case attempt <= 10:
		base = 15 * time.Second
	case attempt <= 15:
		base = 30 * time.Second
	default:
		base = 60 * time.Second
	}
	if ranFor < 10*time.Second {
		base += 20 * time.Second
	}
	return base
}
