package slcan

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/exec"
	"strings"
	"sync/atomic"
	"time"

	"github.com/nerrad567/canbridge/internal/process"
)

// Timeouts for slcand management.
const (
	// readyTimeout is how long to wait for slcand to create the interface.
	readyTimeout = 30 * time.Second

	// commandTimeout bounds ip(8), lsusb and usbreset invocations.
	commandTimeout = 10 * time.Second

	// maxDStateChecks is how many consecutive health checks may find
	// slcand in uninterruptible sleep before it is considered hung.
	maxDStateChecks = 3
)

// Health check layers.
const (
	LayerDevice    = 0 // serial device node present
	LayerProcess   = 1 // /proc/PID/stat state
	LayerInterface = 2 // network interface exists and is up
)

// ErrInterfaceDown is returned when the slcan interface exists but is not up.
var ErrInterfaceDown = errors.New("slcan: interface down")

// HealthError represents a health check failure with recoverability information.
// The process manager uses it to decide whether a restart can help.
type HealthError struct {
	// Layer is which health check layer failed.
	Layer int
	// Recoverable indicates if restarting slcand might fix the issue.
	Recoverable bool
	// Err is the underlying error.
	Err error
}

func (e *HealthError) Error() string {
	return fmt.Sprintf("health check layer %d failed: %v", e.Layer, e.Err)
}

func (e *HealthError) Unwrap() error {
	return e.Err
}

// IsRecoverable implements the process.RecoverableError interface.
func (e *HealthError) IsRecoverable() bool {
	return e.Recoverable
}

func newHealthError(layer int, recoverable bool, err error) *HealthError {
	return &HealthError{Layer: layer, Recoverable: recoverable, Err: err}
}

// Logger defines the logging interface for the slcand manager.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

// Manager supervises slcand, which attaches a serial CAN adapter as a
// SocketCAN interface.
type Manager struct {
	config  Config
	process *process.Manager
	logger  Logger

	// dStateCount counts consecutive checks with slcand in D state.
	dStateCount atomic.Int32

	// Replaced in tests.
	run         func(ctx context.Context, name string, args ...string) ([]byte, error)
	lookupIface func(name string) (*net.Interface, error)
	statDevice  func(path string) error
	procStat    func(pid int) ([]byte, error)
}

// NewManager creates a new slcand manager. Zero values in cfg take their
// defaults from DefaultConfig.
func NewManager(cfg Config) (*Manager, error) {
	def := DefaultConfig()
	if cfg.Binary == "" {
		cfg.Binary = def.Binary
	}
	if cfg.Interface == "" {
		cfg.Interface = def.Interface
	}
	if cfg.IPBinary == "" {
		cfg.IPBinary = def.IPBinary
	}
	if cfg.RestartDelay == 0 {
		cfg.RestartDelay = def.RestartDelay
	}
	if cfg.MaxRestartAttempts == 0 {
		cfg.MaxRestartAttempts = def.MaxRestartAttempts
	}
	if cfg.GracefulTimeout == 0 {
		cfg.GracefulTimeout = def.GracefulTimeout
	}
	if cfg.HealthCheckInterval == 0 {
		cfg.HealthCheckInterval = def.HealthCheckInterval
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid slcand config: %w", err)
	}

	return &Manager{
		config: cfg,
		logger: noopLogger{},
		run: func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).CombinedOutput() //nolint:gosec // binaries come from config
		},
		lookupIface: net.InterfaceByName,
		statDevice: func(path string) error {
			_, err := os.Stat(path)
			return err
		},
		procStat: func(pid int) ([]byte, error) {
			return os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
		},
	}, nil
}

// SetLogger sets the logger for the manager.
func (m *Manager) SetLogger(logger Logger) {
	m.logger = logger
}

// Interface returns the SocketCAN interface slcand provides.
func (m *Manager) Interface() string {
	return m.config.Interface
}

// Start launches slcand and blocks until its interface is up.
func (m *Manager) Start(ctx context.Context) error {
	args := m.config.BuildArgs()

	m.logger.Info("starting slcand",
		"binary", m.config.Binary,
		"args", args,
		"bitrate", m.config.Bitrate(),
	)

	m.process = process.NewManager(process.Config{
		Name:                "slcand",
		Binary:              m.config.Binary,
		Args:                args,
		RestartOnFailure:    m.config.RestartOnFailure,
		RestartDelay:        m.config.RestartDelay,
		MaxRestartAttempts:  m.config.MaxRestartAttempts,
		GracefulTimeout:     m.config.GracefulTimeout,
		ReadyFunc:           m.ready,
		ReadyTimeout:        readyTimeout,
		HealthCheckInterval: m.config.HealthCheckInterval,
		HealthCheckFunc:     m.HealthCheck,
		OnStart: func() {
			m.dStateCount.Store(0)
		},
		OnStop: func(err error) {
			if err != nil {
				m.logger.Warn("slcand process stopped", "error", err)
			} else {
				m.logger.Info("slcand process stopped")
			}
		},
		OnRestart: func(attempt int) {
			m.logger.Info("slcand restarting", "attempt", attempt)
			if m.config.USBResetOnRetry {
				if err := m.ResetUSBDevice(context.Background()); err != nil {
					m.logger.Warn("USB reset failed before restart", "error", err)
				}
			}
		},
	})
	m.process.SetLogger(m.logger)

	if err := m.process.Start(ctx); err != nil {
		return fmt.Errorf("starting slcand: %w", err)
	}

	m.logger.Info("slcand ready",
		"interface", m.config.Interface,
		"device", m.config.Device,
		"pid", m.process.PID(),
	)
	return nil
}

// ready succeeds once slcand has created the interface and ip(8) has
// brought it up. slcand -o opens the channel but leaves the link down.
func (m *Manager) ready(ctx context.Context) error {
	if _, err := m.lookupIface(m.config.Interface); err != nil {
		return fmt.Errorf("waiting for %s: %w", m.config.Interface, err)
	}

	runCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	output, err := m.run(runCtx, m.config.IPBinary, "link", "set", m.config.Interface, "up")
	if err != nil {
		return fmt.Errorf("ip link set %s up: %w (output: %s)", m.config.Interface, err,
			strings.TrimSpace(string(output)))
	}
	return nil
}

// Stop gracefully stops slcand.
func (m *Manager) Stop() error {
	if m.process == nil {
		return nil
	}
	m.logger.Info("stopping slcand")
	return m.process.Stop()
}

// IsRunning returns true if slcand is currently running.
func (m *Manager) IsRunning() bool {
	if m.process == nil {
		return false
	}
	return m.process.IsRunning()
}

// Stats holds statistics about the slcand daemon.
type Stats struct {
	Status       string        `json:"status"`
	Device       string        `json:"device"`
	Interface    string        `json:"interface"`
	Bitrate      int           `json:"bitrate"`
	PID          int           `json:"pid,omitempty"`
	Uptime       time.Duration `json:"uptime,omitempty"`
	RestartCount int           `json:"restart_count"`
	LastError    string        `json:"last_error,omitempty"`
}

// Stats returns current statistics for slcand.
func (m *Manager) Stats() Stats {
	stats := Stats{
		Status:    string(process.StatusStopped),
		Device:    m.config.Device,
		Interface: m.config.Interface,
		Bitrate:   m.config.Bitrate(),
	}
	if m.process != nil {
		ps := m.process.Stats()
		stats.Status = string(ps.Status)
		stats.PID = ps.PID
		stats.Uptime = ps.Uptime
		stats.RestartCount = ps.RestartCount
		stats.LastError = ps.LastError
	}
	return stats
}

// HealthCheck verifies slcand and its adapter are healthy.
//
// Layers:
//   - LayerDevice: the serial device node exists. Not recoverable, since
//     restarting slcand cannot bring back an unplugged adapter.
//   - LayerProcess: slcand is not stopped, zombie or stuck in D state.
//   - LayerInterface: the network interface exists and is up.
func (m *Manager) HealthCheck(ctx context.Context) error {
	if err := m.statDevice(m.config.Device); err != nil {
		return newHealthError(LayerDevice, false, fmt.Errorf("adapter %s not present: %w", m.config.Device, err))
	}

	if m.process != nil {
		if pid := m.process.PID(); pid > 0 {
			if err := m.checkProcessState(pid); err != nil {
				return newHealthError(LayerProcess, true, err)
			}
		}
	}

	iface, err := m.lookupIface(m.config.Interface)
	if err != nil {
		return newHealthError(LayerInterface, true, fmt.Errorf("interface %s: %w", m.config.Interface, err))
	}
	if iface.Flags&net.FlagUp == 0 {
		return newHealthError(LayerInterface, true, fmt.Errorf("%w: %s", ErrInterfaceDown, m.config.Interface))
	}

	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// checkProcessState reads /proc/PID/stat and rejects stopped, zombie and
// dead states. D state is tolerated for maxDStateChecks-1 checks.
func (m *Manager) checkProcessState(pid int) error {
	data, err := m.procStat(pid)
	if err != nil {
		return fmt.Errorf("cannot read process state: %w", err)
	}

	// Format: pid (comm) state ...
	statStr := string(data)
	closeParenIdx := strings.LastIndex(statStr, ")")
	if closeParenIdx == -1 || closeParenIdx+2 >= len(statStr) {
		return fmt.Errorf("invalid /proc/stat format")
	}
	fields := strings.Fields(statStr[closeParenIdx+2:])
	if len(fields) < 1 {
		return fmt.Errorf("invalid /proc/stat format: no state field")
	}

	state := fields[0]
	switch state {
	case "T", "t":
		return fmt.Errorf("slcand process is stopped (state=%s)", state)
	case "Z":
		return fmt.Errorf("slcand process is zombie (state=%s)", state)
	case "X", "x":
		return fmt.Errorf("slcand process is dead (state=%s)", state)
	case "D":
		count := m.dStateCount.Add(1)
		if count >= maxDStateChecks {
			return fmt.Errorf("slcand process stuck in uninterruptible sleep (state=D, count=%d)", count)
		}
		m.logger.Debug("slcand process in uninterruptible sleep (state=D)", "count", count)
		return nil
	default:
		m.dStateCount.Store(0)
		return nil
	}
}

// ResetUSBDevice resets the adapter with usbreset(1). It needs write
// access to the USB device node, usually granted by a udev rule:
//
//	SUBSYSTEM=="usb", ATTR{idVendor}=="ad50", ATTR{idProduct}=="60c4", MODE="0666"
func (m *Manager) ResetUSBDevice(ctx context.Context) error {
	if m.config.USBVendorID == "" || m.config.USBProductID == "" {
		m.logger.Debug("USB reset skipped: vendor/product ID not configured")
		return nil
	}

	deviceID := m.config.USBVendorID + ":" + m.config.USBProductID
	m.logger.Info("resetting USB device", "device", deviceID)

	resetCtx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	output, err := m.run(resetCtx, "usbreset", deviceID)
	if err != nil {
		if resetCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("usbreset timed out after %v", commandTimeout)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("usbreset cancelled: %w", ctx.Err())
		}
		return fmt.Errorf("usbreset failed: %w (output: %s)", err, strings.TrimSpace(string(output)))
	}

	m.logger.Info("USB device reset successful", "device", deviceID)

	// Give the tty time to re-enumerate.
	time.Sleep(500 * time.Millisecond)
	return nil
}
