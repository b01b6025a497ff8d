package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// child is one run of the binary. exited closes once Wait returns, after
// which err holds its result.
type child struct {
	cmd     *exec.Cmd
	started time.Time
	exited  chan struct{}
	err     error
}

// Manager supervises a single child process: it starts it, waits for it to
// become ready, runs its health checks and restarts it with backoff.
//
// Safe for concurrent use.
type Manager struct {
	config Config
	logger Logger

	mu       sync.RWMutex
	status   Status
	current  *child
	restarts int
	lastErr  error
	stopping bool
	stopped  chan struct{} // closed by Stop
	done     chan struct{} // closed when the supervise loop returns
}

// NewManager returns a stopped supervisor. Zero durations in cfg take
// their defaults.
func NewManager(cfg Config) *Manager {
	return &Manager{
		config: cfg.withDefaults(),
		logger: discard{},
		status: StatusStopped,
	}
}

// SetLogger sets the logger. Call before Start.
func (m *Manager) SetLogger(logger Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Start launches the child and returns once ReadyFunc (if set) succeeds.
// Cancelling ctx later stops the child and the supervision.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.status == StatusRunning || m.status == StatusStarting || m.supervising() {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, m.config.Name)
	}
	m.status = StatusStarting
	m.stopping = false
	m.restarts = 0
	m.lastErr = nil
	stopped := make(chan struct{})
	m.stopped = stopped
	m.done = make(chan struct{})
	m.mu.Unlock()

	c, err := m.spawn(ctx)
	if err != nil {
		m.mu.Lock()
		m.status = StatusFailed
		m.lastErr = err
		close(m.done)
		m.mu.Unlock()
		return err
	}

	go m.supervise(ctx, c, stopped)

	if err := m.awaitReady(ctx, c); err != nil {
		m.logger.Warn("process not ready, stopping it", "name", m.config.Name, "error", err)
		if stopErr := m.Stop(); stopErr != nil {
			m.logger.Warn("stopping process failed", "name", m.config.Name, "error", stopErr)
		}
		m.mu.Lock()
		m.status = StatusFailed
		m.lastErr = err
		m.mu.Unlock()
		return err
	}
	return nil
}

// spawn starts one child in its own process group. Cancelling ctx sends
// SIGTERM to the group, and Go kills the child if it is still there after
// GracefulTimeout.
func (m *Manager) spawn(ctx context.Context) (*child, error) {
	cmd := exec.CommandContext(ctx, m.config.Binary, m.config.Args...) //nolint:gosec // binary and args come from validated config
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return signalGroup(cmd, syscall.SIGTERM)
	}
	cmd.WaitDelay = m.config.GracefulTimeout

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stdout: %w", m.config.Name, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%s stderr: %w", m.config.Name, err)
	}

	m.logger.Info("starting process", "name", m.config.Name, "binary", m.config.Binary, "args", m.config.Args)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", m.config.Name, err)
	}

	c := &child{cmd: cmd, started: time.Now(), exited: make(chan struct{})}

	var pipes sync.WaitGroup
	pipes.Add(2)
	go m.relay(&pipes, "stdout", stdout)
	go m.relay(&pipes, "stderr", stderr)
	go func() {
		// Wait closes the pipes, so drain them first.
		pipes.Wait()
		c.err = cmd.Wait()
		close(c.exited)
	}()

	m.mu.Lock()
	m.current = c
	m.status = StatusRunning
	m.mu.Unlock()

	m.logger.Info("process started", "name", m.config.Name, "pid", cmd.Process.Pid)
	if m.config.OnStart != nil {
		m.config.OnStart()
	}
	return c, nil
}

// relay logs the child's output line by line at debug level.
func (m *Manager) relay(wg *sync.WaitGroup, stream string, r io.Reader) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 4096), maxOutputLine)
	for sc.Scan() {
		m.logger.Debug("process output", "name", m.config.Name, "stream", stream, "line", sc.Text())
	}
}

func (m *Manager) awaitReady(ctx context.Context, c *child) error {
	if m.config.ReadyFunc == nil {
		return nil
	}

	deadline := time.NewTimer(m.config.ReadyTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(readyPollInterval)
	defer poll.Stop()

	for {
		err := m.config.ReadyFunc(ctx)
		if err == nil {
			m.logger.Info("process ready", "name", m.config.Name)
			return nil
		}

		select {
		case <-c.exited:
			return fmt.Errorf("%w: %s exited: %w", ErrNotReady, m.config.Name, errors.Join(c.err, err))
		case <-deadline.C:
			return fmt.Errorf("%w: %s after %v: %w", ErrNotReady, m.config.Name, m.config.ReadyTimeout, err)
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrNotReady, ctx.Err())
		case <-poll.C:
		}
	}
}

// watch blocks until the child exits or fails too many health checks, in
// which case it is killed. It returns the reason.
func (m *Manager) watch(ctx context.Context, c *child) error {
	var tick <-chan time.Time
	if m.config.HealthCheckFunc != nil {
		t := time.NewTicker(m.config.HealthCheckInterval)
		defer t.Stop()
		tick = t.C
	}

	failures := 0
	for {
		select {
		case <-c.exited:
			return c.err
		case <-tick:
		}

		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := m.config.HealthCheckFunc(probeCtx)
		cancel()

		if err == nil {
			if failures > 0 {
				m.logger.Info("health check recovered", "name", m.config.Name, "after_failures", failures)
			}
			failures = 0
			continue
		}

		failures++
		m.logger.Warn("health check failed",
			"name", m.config.Name,
			"failures", failures,
			"recoverable", IsRecoverable(err),
			"error", err,
		)
		if failures < unhealthyLimit {
			continue
		}

		m.logger.Error("process unhealthy, killing it", "name", m.config.Name, "failures", failures)
		signalGroup(c.cmd, syscall.SIGKILL) //nolint:errcheck // the exit is awaited below
		select {
		case <-c.exited:
		case <-time.After(probeTimeout):
			m.logger.Error("process survived SIGKILL", "name", m.config.Name)
		}
		return fmt.Errorf("%d failed health checks: %w", failures, err)
	}
}

// supervise runs until the child is stopped on request, ctx ends or the
// restart policy gives up.
func (m *Manager) supervise(ctx context.Context, c *child, stopped <-chan struct{}) {
	defer close(m.done)

	for {
		reason := m.watch(ctx, c)
		uptime := time.Since(c.started)

		if m.isStopping() || ctx.Err() != nil {
			m.setStatus(StatusStopped, nil)
			m.logger.Info("process stopped", "name", m.config.Name)
			if m.config.OnStop != nil {
				m.config.OnStop(nil)
			}
			return
		}

		if reason == nil {
			reason = fmt.Errorf("%s exited with status 0", m.config.Name)
		}
		m.logger.Warn("process exited", "name", m.config.Name, "uptime", uptime.String(), "error", reason)
		m.setStatus(StatusFailed, reason)
		if m.config.OnStop != nil {
			m.config.OnStop(reason)
		}

		attempt, ok := m.nextAttempt(reason, uptime)
		if !ok {
			return
		}

		delay := m.config.backoff(attempt)
		m.logger.Info("restarting process", "name", m.config.Name, "attempt", attempt, "delay", delay)
		if m.config.OnRestart != nil {
			m.config.OnRestart(attempt)
		}

		select {
		case <-ctx.Done():
			m.setStatus(StatusStopped, nil)
			return
		case <-stopped:
			m.setStatus(StatusStopped, nil)
			return
		case <-time.After(delay):
		}

		next, err := m.spawn(ctx)
		if err != nil {
			m.logger.Error("restart failed", "name", m.config.Name, "error", err)
			m.mu.Lock()
			m.current = nil
			m.mu.Unlock()
			m.setStatus(StatusFailed, err)
			return
		}
		c = next
	}
}

// nextAttempt applies the restart policy to an unexpected exit.
func (m *Manager) nextAttempt(reason error, uptime time.Duration) (int, bool) {
	if !m.config.RestartOnFailure {
		m.logger.Info("restart disabled", "name", m.config.Name)
		return 0, false
	}
	if !IsRecoverable(reason) {
		m.logger.Error("failure is not recoverable, giving up", "name", m.config.Name, "error", reason)
		return 0, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if uptime >= m.config.StableThreshold {
		m.restarts = 0
	}
	if limit := m.config.MaxRestartAttempts; limit > 0 && m.restarts >= limit {
		m.logger.Error("restart limit reached", "name", m.config.Name, "limit", limit)
		return 0, false
	}
	m.restarts++
	return m.restarts, true
}

// Stop terminates the child: SIGTERM to its process group, then SIGKILL
// after GracefulTimeout. It returns once supervision has ended.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if m.status == StatusStopped || m.done == nil {
		m.mu.Unlock()
		return nil
	}
	if !m.stopping {
		m.stopping = true
		close(m.stopped)
	}
	c := m.current
	done := m.done
	m.mu.Unlock()

	select {
	case <-done:
		return nil
	default:
	}
	if c == nil {
		<-done
		return nil
	}

	m.logger.Info("stopping process", "name", m.config.Name, "pid", c.cmd.Process.Pid)
	if err := signalGroup(c.cmd, syscall.SIGTERM); err != nil {
		m.logger.Warn("SIGTERM failed", "name", m.config.Name, "error", err)
	}

	select {
	case <-done:
		return nil
	case <-time.After(m.config.GracefulTimeout):
	}

	m.logger.Warn("process ignored SIGTERM, killing it", "name", m.config.Name, "timeout", m.config.GracefulTimeout)
	if err := signalGroup(c.cmd, syscall.SIGKILL); err != nil {
		return fmt.Errorf("killing %s: %w", m.config.Name, err)
	}
	<-done
	return nil
}

// signalGroup signals the child's whole process group. A group that is
// already gone is not an error.
func signalGroup(cmd *exec.Cmd, sig syscall.Signal) error {
	if cmd.Process == nil {
		return nil
	}
	err := syscall.Kill(-cmd.Process.Pid, sig)
	if errors.Is(err, syscall.ESRCH) {
		return nil
	}
	return err
}

// supervising reports whether a supervise loop is still live, for example
// waiting out a restart delay. Callers hold mu.
func (m *Manager) supervising() bool {
	if m.done == nil {
		return false
	}
	select {
	case <-m.done:
		return false
	default:
		return true
	}
}

func (m *Manager) isStopping() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.stopping
}

func (m *Manager) setStatus(s Status, err error) {
	m.mu.Lock()
	m.status = s
	if err != nil {
		m.lastErr = err
	}
	m.mu.Unlock()
}

// Status returns the supervisor's state.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsRunning reports whether the child is up.
func (m *Manager) IsRunning() bool {
	return m.Status() == StatusRunning
}

// LastError returns why the child last failed, or nil.
func (m *Manager) LastError() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastErr
}

// PID returns the running child's process ID, or 0.
func (m *Manager) PID() int {
	return m.Stats().PID
}

// Stats describes the supervised process.
type Stats struct {
	Name         string        `json:"name"`
	Status       Status        `json:"status"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns a snapshot of the supervisor's state.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Stats{Name: m.config.Name, Status: m.status, RestartCount: m.restarts}
	if m.status == StatusRunning && m.current != nil {
		st.PID = m.current.cmd.Process.Pid
		st.Uptime = time.Since(m.current.started)
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}
