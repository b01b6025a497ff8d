//go:build !linux

package can

import "time"

func openSocket(string, time.Duration, time.Duration) (int, error) {
	return -1, ErrUnsupported
}

func readSocket(int, []byte) (int, error) {
	return 0, ErrUnsupported
}

func writeSocket(int, []byte) (int, error) {
	return 0, ErrUnsupported
}

func closeSocket(int) error {
	return nil
}
