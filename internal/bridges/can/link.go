package can

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// linkCommandTimeout bounds each ip(8) invocation.
const linkCommandTimeout = 10 * time.Second

// LinkConfig describes how to bring up a CAN network interface.
type LinkConfig struct {
	// Interface is the network interface name.
	Interface string

	// Bitrate is the nominal bus bitrate in bit/s. Ignored for vcan
	// interfaces.
	Bitrate int

	// IPBinary is the path to ip(8).
	// Default: "ip"
	IPBinary string
}

// runCommand executes a command and returns its combined output.
// Replaced in tests.
var runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput() //nolint:gosec // binary comes from config
}

// SetupLink configures the bitrate of cfg.Interface and brings it up:
//
//	ip link set <if> down
//	ip link set <if> type can bitrate <N>
//	ip link set <if> up
//
// Virtual interfaces (vcan*) only get the final "up".
//
// Parameters:
//   - ctx: Context for cancellation
//   - cfg: Interface and bitrate
//   - logger: Optional logger (may be nil)
//
// Returns:
//   - error: ErrLinkSetup wrapping the failing command and its output
func SetupLink(ctx context.Context, cfg LinkConfig, logger Logger) error {
	if cfg.Interface == "" {
		return fmt.Errorf("%w: interface is required", ErrLinkSetup)
	}
	ip := cfg.IPBinary
	if ip == "" {
		ip = "ip"
	}

	var steps [][]string
	if !isVirtual(cfg.Interface) {
		if cfg.Bitrate <= 0 {
			return fmt.Errorf("%w: bitrate must be positive for %s", ErrLinkSetup, cfg.Interface)
		}
		steps = append(steps,
			[]string{"link", "set", cfg.Interface, "down"},
			[]string{"link", "set", cfg.Interface, "type", "can", "bitrate", strconv.Itoa(cfg.Bitrate)},
		)
	}
	steps = append(steps, []string{"link", "set", cfg.Interface, "up"})

	for _, args := range steps {
		if err := runLinkStep(ctx, ip, args); err != nil {
			return err
		}
	}

	if logger != nil {
		logger.Info("CAN link configured", "interface", cfg.Interface, "bitrate", cfg.Bitrate)
	}
	return nil
}

func runLinkStep(ctx context.Context, ip string, args []string) error {
	stepCtx, cancel := context.WithTimeout(ctx, linkCommandTimeout)
	defer cancel()

	output, err := runCommand(stepCtx, ip, args...)
	if err != nil {
		if stepCtx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %s %s timed out after %v", ErrLinkSetup, ip, strings.Join(args, " "), linkCommandTimeout)
		}
		if ctx.Err() != nil {
			return fmt.Errorf("%w: cancelled: %w", ErrLinkSetup, ctx.Err())
		}
		return fmt.Errorf("%w: %s %s: %w (output: %s)", ErrLinkSetup, ip, strings.Join(args, " "), err,
			strings.TrimSpace(string(output)))
	}
	return nil
}

// isVirtual reports whether iface is a vcan interface, which has no bitrate.
func isVirtual(iface string) bool {
	return strings.HasPrefix(iface, "vcan")
}
