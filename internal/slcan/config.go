package slcan

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Config holds the configuration for the slcand daemon.
type Config struct {
	// Binary is the path to the slcand executable.
	// Default: "/usr/bin/slcand"
	Binary string

	// Device is the serial device of the adapter (e.g. "/dev/ttyACM0").
	Device string

	// Interface is the SocketCAN interface slcand creates (e.g. "slcan0").
	Interface string

	// Speed is the CAN bitrate code (-s0 .. -s8).
	// Default: 6 (500 kbit/s)
	Speed int

	// SerialBaud sets the UART speed (-S). 0 leaves the tty as is.
	SerialBaud int

	// IPBinary is the path to ip(8), used to raise the interface.
	// Default: "ip"
	IPBinary string

	// RestartOnFailure enables automatic restart if slcand exits.
	RestartOnFailure bool

	// RestartDelay is the delay before the first restart.
	// Default: 5s
	RestartDelay time.Duration

	// MaxRestartAttempts limits consecutive restarts. 0 means unlimited.
	// Default: 10
	MaxRestartAttempts int

	// GracefulTimeout is how long to wait for slcand to exit on SIGTERM.
	// Default: 10s
	GracefulTimeout time.Duration

	// HealthCheckInterval is how often the watchdog checks the adapter.
	// Default: 30s
	HealthCheckInterval time.Duration

	// USBVendorID and USBProductID identify the adapter for usbreset.
	// Format: 4 hex characters without 0x.
	USBVendorID  string
	USBProductID string

	// USBResetOnRetry resets the adapter before each restart. Helps when
	// the tty is left busy by a crashed slcand.
	USBResetOnRetry bool
}

// bitrates maps slcan speed codes to nominal bitrates.
var bitrates = [...]int{10000, 20000, 50000, 100000, 125000, 250000, 500000, 800000, 1000000}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Binary:              "/usr/bin/slcand",
		Interface:           "slcan0",
		Speed:               6,
		IPBinary:            "ip",
		RestartOnFailure:    true,
		RestartDelay:        5 * time.Second,
		MaxRestartAttempts:  10,
		GracefulTimeout:     10 * time.Second,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Binary == "" {
		return fmt.Errorf("slcand binary path is required")
	}
	if c.Device == "" {
		return fmt.Errorf("device is required")
	}
	if err := validateSafePathComponent(c.Device, "device"); err != nil {
		return err
	}
	if c.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	if err := validateInterfaceName(c.Interface); err != nil {
		return err
	}
	if c.Speed < 0 || c.Speed >= len(bitrates) {
		return fmt.Errorf("speed must be between 0 and %d", len(bitrates)-1)
	}
	if c.SerialBaud < 0 {
		return fmt.Errorf("serial_baud must not be negative")
	}
	if c.USBVendorID != "" {
		if err := validateUSBID(c.USBVendorID, "usb_vendor_id"); err != nil {
			return err
		}
	}
	if c.USBProductID != "" {
		if err := validateUSBID(c.USBProductID, "usb_product_id"); err != nil {
			return err
		}
	}
	if c.USBResetOnRetry && (c.USBVendorID == "" || c.USBProductID == "") {
		return fmt.Errorf("usb_reset_on_retry requires both usb_vendor_id and usb_product_id")
	}
	return nil
}

// Bitrate returns the nominal bus bitrate selected by Speed.
func (c *Config) Bitrate() int {
	if c.Speed < 0 || c.Speed >= len(bitrates) {
		return 0
	}
	return bitrates[c.Speed]
}

// BuildArgs constructs the command-line arguments for slcand:
//
//	-o -c -F -s<speed> [-S <baud>] <device> <interface>
//
// -o opens the channel at start, -c closes it on exit and -F keeps slcand
// in the foreground so the process manager can supervise it.
func (c *Config) BuildArgs() []string {
	args := []string{"-o", "-c", "-F", "-s" + strconv.Itoa(c.Speed)}
	if c.SerialBaud > 0 {
		args = append(args, "-S", strconv.Itoa(c.SerialBaud))
	}
	return append(args, c.Device, c.Interface)
}

// usbIDPattern matches a 4-digit hex USB vendor or product ID.
var usbIDPattern = regexp.MustCompile(`^[0-9a-fA-F]{4}$`)

func validateUSBID(id, fieldName string) error {
	if !usbIDPattern.MatchString(id) {
		return fmt.Errorf("%s must be a 4-character hex string (e.g., ad50)", fieldName)
	}
	return nil
}

// safePathPattern allows alphanumeric, hyphen, underscore, dot, forward
// slash and colon.
var safePathPattern = regexp.MustCompile(`^[a-zA-Z0-9_\-./:]+$`)

// validateSafePathComponent rejects values with shell metacharacters
// before they reach subprocess arguments.
func validateSafePathComponent(value, fieldName string) error {
	if !safePathPattern.MatchString(value) {
		return fmt.Errorf("%s contains invalid characters (allowed: alphanumeric, hyphen, underscore, dot, slash, colon)", fieldName)
	}
	if strings.Contains(value, "..") {
		return fmt.Errorf("%s must not contain %q", fieldName, "..")
	}
	return nil
}

// interfacePattern matches Linux network interface names (IFNAMSIZ 16).
var interfacePattern = regexp.MustCompile(`^[a-zA-Z0-9_\-.]{1,15}$`)

func validateInterfaceName(name string) error {
	if !interfacePattern.MatchString(name) {
		return fmt.Errorf("interface %q is not a valid network interface name", name)
	}
	return nil
}
