package can

import "errors"

// Domain errors for the CAN bridge package.
var (
	// ErrNotConnected is returned when an operation requires an open
	// socket but the interface is down or the connector is closed.
	ErrNotConnected = errors.New("can: not connected to interface")

	// ErrConnectionFailed is returned when the raw socket cannot be opened
	// or bound to the interface.
	ErrConnectionFailed = errors.New("can: connection to interface failed")

	// ErrSendFailed is returned when writing a frame to the bus fails.
	ErrSendFailed = errors.New("can: frame send failed")

	// ErrInvalidFrame is returned when a frame is malformed or exceeds the
	// classic CAN limits.
	ErrInvalidFrame = errors.New("can: invalid frame")

	// ErrUnsupported is returned on platforms without SocketCAN.
	ErrUnsupported = errors.New("can: socketcan not supported on this platform")

	// ErrLinkSetup is returned when configuring the network interface fails.
	ErrLinkSetup = errors.New("can: link setup failed")
)
