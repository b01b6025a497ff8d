package process

import (
	"context"
	"errors"
	"time"
)

// Status is the supervisor's view of the child.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusFailed   Status = "failed"
)

const (
	defaultRestartDelay    = 5 * time.Second
	defaultMaxRestartDelay = 5 * time.Minute
	defaultStableThreshold = 2 * time.Minute
	defaultGracefulTimeout = 10 * time.Second
	defaultHealthInterval  = 30 * time.Second
	defaultReadyTimeout    = 30 * time.Second

	readyPollInterval = 100 * time.Millisecond
	probeTimeout      = 5 * time.Second

	// unhealthyLimit consecutive failed health checks get the child killed.
	unhealthyLimit = 3

	maxOutputLine = 64 * 1024
)

// ErrNotReady is returned by Start when ReadyFunc keeps failing for
// ReadyTimeout, or the child exits first.
var ErrNotReady = errors.New("process: not ready")

// ErrAlreadyRunning is returned by Start on a supervisor that is running.
var ErrAlreadyRunning = errors.New("process: already running")

// RecoverableError lets a health check say whether a restart can help.
// A vanished serial adapter, for one, is not fixed by restarting slcand.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable reports whether a restart may fix err. Errors without an
// opinion, and nil, count as recoverable.
func IsRecoverable(err error) bool {
	var re RecoverableError
	if errors.As(err, &re) {
		return re.IsRecoverable()
	}
	return true
}

// Config describes one supervised child process.
type Config struct {
	// Name labels log entries and errors.
	Name   string
	Binary string
	Args   []string

	// RestartOnFailure restarts the child after an unexpected exit, waiting
	// RestartDelay and doubling the wait per attempt up to MaxRestartDelay.
	// After StableThreshold of uptime the attempt counter starts over.
	// MaxRestartAttempts of 0 means no limit.
	RestartOnFailure   bool
	RestartDelay       time.Duration
	MaxRestartDelay    time.Duration
	StableThreshold    time.Duration
	MaxRestartAttempts int

	// GracefulTimeout separates SIGTERM from SIGKILL on Stop.
	GracefulTimeout time.Duration

	// ReadyFunc is polled after the first start until it returns nil.
	ReadyFunc    func(ctx context.Context) error
	ReadyTimeout time.Duration

	// HealthCheckFunc runs every HealthCheckInterval while the child is up.
	HealthCheckFunc     func(ctx context.Context) error
	HealthCheckInterval time.Duration

	OnStart   func()
	OnStop    func(err error) // err is nil for a requested stop
	OnRestart func(attempt int)
}

func (c Config) withDefaults() Config {
	set := func(d *time.Duration, v time.Duration) {
		if *d <= 0 {
			*d = v
		}
	}
	set(&c.RestartDelay, defaultRestartDelay)
	set(&c.MaxRestartDelay, defaultMaxRestartDelay)
	set(&c.StableThreshold, defaultStableThreshold)
	set(&c.GracefulTimeout, defaultGracefulTimeout)
	set(&c.HealthCheckInterval, defaultHealthInterval)
	set(&c.ReadyTimeout, defaultReadyTimeout)
	return c
}

// backoff returns the wait before restart attempt n (1-based).
func (c Config) backoff(n int) time.Duration {
	d := c.RestartDelay
	for ; n > 1 && d < c.MaxRestartDelay; n-- {
		d *= 2
	}
	return min(d, c.MaxRestartDelay)
}

// Logger is satisfied by *logging.Logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type discard struct{}

func (discard) Debug(string, ...any) {}
func (discard) Info(string, ...any)  {}
func (discard) Warn(string, ...any)  {}
func (discard) Error(string, ...any) {}
