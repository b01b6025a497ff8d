package process

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// requireBinary skips the test when name is not on PATH.
func requireBinary(t *testing.T, name string) string {
	t.Helper()
	path, err := exec.LookPath(name)
	if err != nil {
		t.Skipf("%s not available: %v", name, err)
	}
	return path
}

// waitFor polls cond until it holds or the timeout passes.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type fatalError struct{ msg string }

func (e fatalError) Error() string       { return e.msg }
func (e fatalError) IsRecoverable() bool { return false }

type lineLogger struct {
	mu    sync.Mutex
	lines []string
}

func (l *lineLogger) Debug(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := 0; i+1 < len(args); i += 2 {
		if args[i] == "line" {
			l.lines = append(l.lines, args[i+1].(string))
		}
	}
}
func (l *lineLogger) Info(string, ...any)  {}
func (l *lineLogger) Warn(string, ...any)  {}
func (l *lineLogger) Error(string, ...any) {}

func (l *lineLogger) has(line string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, got := range l.lines {
		if got == line {
			return true
		}
	}
	return false
}

func TestConfigDefaults(t *testing.T) {
	m := NewManager(Config{Name: "slcand", Binary: "/usr/bin/slcand"})

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"RestartDelay", m.config.RestartDelay, 5 * time.Second},
		{"MaxRestartDelay", m.config.MaxRestartDelay, 5 * time.Minute},
		{"StableThreshold", m.config.StableThreshold, 2 * time.Minute},
		{"GracefulTimeout", m.config.GracefulTimeout, 10 * time.Second},
		{"HealthCheckInterval", m.config.HealthCheckInterval, 30 * time.Second},
		{"ReadyTimeout", m.config.ReadyTimeout, 30 * time.Second},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}

	custom := NewManager(Config{RestartDelay: time.Second, GracefulTimeout: 2 * time.Second})
	if custom.config.RestartDelay != time.Second || custom.config.GracefulTimeout != 2*time.Second {
		t.Errorf("explicit values overwritten: %+v", custom.config)
	}
}

func TestBackoff(t *testing.T) {
	cfg := Config{RestartDelay: time.Second, MaxRestartDelay: 10 * time.Second}

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 8 * time.Second},
		{5, 10 * time.Second},
		{40, 10 * time.Second},
	}
	for _, tt := range tests {
		if got := cfg.backoff(tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestIsRecoverable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, true},
		{"plain", errors.New("boom"), true},
		{"fatal", fatalError{"adapter gone"}, false},
		{"wrapped fatal", errors.Join(errors.New("check"), fatalError{"adapter gone"}), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRecoverable(tt.err); got != tt.want {
				t.Errorf("IsRecoverable(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestInitialState(t *testing.T) {
	m := NewManager(Config{Name: "idle"})

	if m.Status() != StatusStopped || m.IsRunning() {
		t.Errorf("Status() = %s, want stopped", m.Status())
	}
	if m.PID() != 0 || m.LastError() != nil {
		t.Errorf("PID() = %d LastError() = %v", m.PID(), m.LastError())
	}
	st := m.Stats()
	if st.Name != "idle" || st.RestartCount != 0 || st.Uptime != 0 {
		t.Errorf("Stats() = %+v", st)
	}
	if err := m.Stop(); err != nil {
		t.Errorf("Stop() on idle manager = %v", err)
	}
}

func TestStartAndStop(t *testing.T) {
	sleep := requireBinary(t, "sleep")

	var stopErr error
	stopCalls := 0
	m := NewManager(Config{
		Name:            "sleeper",
		Binary:          sleep,
		Args:            []string{"30"},
		GracefulTimeout: 2 * time.Second,
		OnStop: func(err error) {
			stopCalls++
			stopErr = err
		},
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !m.IsRunning() || m.PID() <= 0 {
		t.Fatalf("after Start: status=%s pid=%d", m.Status(), m.PID())
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start() = %v, want ErrAlreadyRunning", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if m.Status() != StatusStopped || m.PID() != 0 {
		t.Errorf("after Stop: status=%s pid=%d", m.Status(), m.PID())
	}
	if stopCalls != 1 || stopErr != nil {
		t.Errorf("OnStop called %d times with %v, want once with nil", stopCalls, stopErr)
	}
}

func TestStartInvalidBinary(t *testing.T) {
	m := NewManager(Config{Name: "ghost", Binary: "/nonexistent/slcand"})

	if err := m.Start(context.Background()); err == nil {
		t.Fatal("Start() with a missing binary should fail")
	}
	if m.Status() != StatusFailed || m.LastError() == nil {
		t.Errorf("status=%s lastErr=%v, want failed with error", m.Status(), m.LastError())
	}
}

func TestReadyFuncPolled(t *testing.T) {
	sleep := requireBinary(t, "sleep")

	var calls atomic.Int32
	m := NewManager(Config{
		Name:   "sleeper",
		Binary: sleep,
		Args:   []string{"30"},
		ReadyFunc: func(context.Context) error {
			if calls.Add(1) < 3 {
				return errors.New("interface not up")
			}
			return nil
		},
		ReadyTimeout: 5 * time.Second,
	})
	defer m.Stop() //nolint:errcheck // test cleanup

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("ReadyFunc calls = %d, want 3", got)
	}
}

func TestReadyTimeout(t *testing.T) {
	sleep := requireBinary(t, "sleep")

	m := NewManager(Config{
		Name:            "sleeper",
		Binary:          sleep,
		Args:            []string{"30"},
		GracefulTimeout: time.Second,
		ReadyFunc:       func(context.Context) error { return errors.New("never") },
		ReadyTimeout:    300 * time.Millisecond,
	})

	err := m.Start(context.Background())
	if !errors.Is(err, ErrNotReady) {
		t.Fatalf("Start() error = %v, want ErrNotReady", err)
	}
	if m.IsRunning() {
		t.Error("process should be stopped after a readiness timeout")
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %s, want failed", m.Status())
	}
}

func TestReadyChildExits(t *testing.T) {
	sh := requireBinary(t, "sh")

	m := NewManager(Config{
		Name:         "quitter",
		Binary:       sh,
		Args:         []string{"-c", "exit 3"},
		ReadyFunc:    func(context.Context) error { return errors.New("no interface") },
		ReadyTimeout: 10 * time.Second,
	})

	start := time.Now()
	if err := m.Start(context.Background()); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Start() error = %v, want ErrNotReady", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Start() took %v, should fail as soon as the child exits", elapsed)
	}
}

func TestRestartsOnExit(t *testing.T) {
	sh := requireBinary(t, "sh")

	var starts, restarts atomic.Int32
	m := NewManager(Config{
		Name:               "crasher",
		Binary:             sh,
		Args:               []string{"-c", "exit 1"},
		RestartOnFailure:   true,
		RestartDelay:       10 * time.Millisecond,
		MaxRestartDelay:    40 * time.Millisecond,
		MaxRestartAttempts: 2,
		OnStart:            func() { starts.Add(1) },
		OnRestart:          func(int) { restarts.Add(1) },
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, 5*time.Second, "restart limit", func() bool {
		return m.Status() == StatusFailed && starts.Load() == 3
	})
	// Give the loop time to prove it does not restart again.
	time.Sleep(100 * time.Millisecond)

	if got := restarts.Load(); got != 2 {
		t.Errorf("OnRestart calls = %d, want 2", got)
	}
	if got := m.Stats().RestartCount; got != 2 {
		t.Errorf("RestartCount = %d, want 2", got)
	}
	if m.LastError() == nil {
		t.Error("LastError() should describe the exit")
	}
}

func TestStartDuringRestartDelay(t *testing.T) {
	sh := requireBinary(t, "sh")

	restarting := make(chan struct{}, 1)
	m := NewManager(Config{
		Name:             "crasher",
		Binary:           sh,
		Args:             []string{"-c", "exit 1"},
		RestartOnFailure: true,
		RestartDelay:     time.Minute,
		OnRestart: func(int) {
			select {
			case restarting <- struct{}{}:
			default:
			}
		},
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	select {
	case <-restarting:
	case <-time.After(5 * time.Second):
		t.Fatal("no restart scheduled")
	}

	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("Start() during backoff error = %v, want ErrAlreadyRunning", err)
	}

	if err := m.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if m.Status() != StatusStopped {
		t.Errorf("Status() = %s, want stopped", m.Status())
	}
}

func TestUnhealthyNonRecoverable(t *testing.T) {
	sleep := requireBinary(t, "sleep")

	stopErrs := make(chan error, 4)
	var restarts atomic.Int32
	m := NewManager(Config{
		Name:                "sleeper",
		Binary:              sleep,
		Args:                []string{"30"},
		RestartOnFailure:    true,
		RestartDelay:        10 * time.Millisecond,
		HealthCheckInterval: 20 * time.Millisecond,
		HealthCheckFunc: func(context.Context) error {
			return fatalError{"adapter unplugged"}
		},
		OnStop:    func(err error) { stopErrs <- err },
		OnRestart: func(int) { restarts.Add(1) },
	})

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case err := <-stopErrs:
		if err == nil || IsRecoverable(err) {
			t.Errorf("OnStop error = %v, want a non-recoverable error", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("unhealthy process was not killed")
	}

	time.Sleep(100 * time.Millisecond)
	if got := restarts.Load(); got != 0 {
		t.Errorf("OnRestart calls = %d, want 0", got)
	}
	if m.Status() != StatusFailed {
		t.Errorf("Status() = %s, want failed", m.Status())
	}
}

func TestContextCancelStops(t *testing.T) {
	sleep := requireBinary(t, "sleep")

	ctx, cancel := context.WithCancel(context.Background())
	m := NewManager(Config{
		Name:             "sleeper",
		Binary:           sleep,
		Args:             []string{"30"},
		RestartOnFailure: true,
		GracefulTimeout:  time.Second,
	})
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	cancel()
	waitFor(t, 5*time.Second, "stop on cancel", func() bool {
		return m.Status() == StatusStopped
	})
}

func TestOutputLogged(t *testing.T) {
	sh := requireBinary(t, "sh")

	logger := &lineLogger{}
	m := NewManager(Config{
		Name:   "chatty",
		Binary: sh,
		Args:   []string{"-c", "echo opened; echo oops >&2; sleep 30"},
	})
	m.SetLogger(logger)
	defer m.Stop() //nolint:errcheck // test cleanup

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	waitFor(t, 5*time.Second, "output lines", func() bool {
		return logger.has("opened") && logger.has("oops")
	})

	if strings.Contains(m.Stats().LastError, "opened") {
		t.Error("output should not leak into LastError")
	}
}
