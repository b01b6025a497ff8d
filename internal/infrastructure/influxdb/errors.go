package influxdb

import "errors"

var (
	ErrDisabled         = errors.New("influxdb: disabled in configuration")
	ErrNotConnected     = errors.New("influxdb: not connected")
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrWriteFailed wraps batch errors delivered to the SetOnError callback.
	// Writes themselves never return errors.
	ErrWriteFailed = errors.New("influxdb: write failed")
)
