//go:build linux

package can

import (
	"errors"
	"fmt"
	"net"
	"time"

	"golang.org/x/sys/unix"
)

// openSocket opens a raw CAN socket bound to iface. Reads and writes return
// EAGAIN after the given timeouts so the caller can poll for shutdown.
func openSocket(iface string, readTimeout, writeTimeout time.Duration) (int, error) {
	ifi, err := net.InterfaceByName(iface)
	if err != nil {
		return -1, fmt.Errorf("interface %s: %w", iface, err)
	}

	fd, err := unix.Socket(unix.AF_CAN, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.CAN_RAW)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	rtv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &rtv); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set read timeout: %w", err)
	}
	wtv := unix.NsecToTimeval(writeTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &wtv); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("set write timeout: %w", err)
	}

	if err := unix.Bind(fd, &unix.SockaddrCAN{Ifindex: ifi.Index}); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s: %w", iface, err)
	}
	return fd, nil
}

// readSocket reports the periodic receive timeout as errReadTimeout.
func readSocket(fd int, buf []byte) (int, error) {
	n, err := unix.Read(fd, buf)
	if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EINTR) {
		return 0, errReadTimeout
	}
	return n, err
}

func writeSocket(fd int, buf []byte) (int, error) {
	return unix.Write(fd, buf)
}

func closeSocket(fd int) error {
	return unix.Close(fd)
}
