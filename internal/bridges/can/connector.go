package can

import (
	"context"
	"sync"
	"time"
)

// closeOnce wraps a channel with sync.Once to prevent double-close panics.
type closeOnce struct {
	ch   chan struct{}
	once sync.Once
}

func newCloseOnce() *closeOnce {
	return &closeOnce{ch: make(chan struct{})}
}

func (c *closeOnce) Close() {
	c.once.Do(func() { close(c.ch) })
}

func (c *closeOnce) Done() <-chan struct{} {
	return c.ch
}

// Default timeouts and sizes for the SocketCAN connector.
const (
	// defaultReadTimeout bounds each blocking read so the receive loop
	// notices shutdown.
	defaultReadTimeout = time.Second

	// defaultWriteTimeout bounds a write when the transmit queue is full.
	defaultWriteTimeout = 2 * time.Second

	// defaultReconnectInterval is the initial delay between reconnection attempts.
	defaultReconnectInterval = 5 * time.Second

	// maxReconnectInterval is the maximum delay between reconnection attempts.
	maxReconnectInterval = 2 * time.Minute

	// defaultCallbackQueueSize is the buffer size for the frame callback queue.
	defaultCallbackQueueSize = 256

	// callbackWorkerCount is one so frames reach the callback in bus order.
	callbackWorkerCount = 1
)

// Config holds SocketCAN connection configuration.
type Config struct {
	// Interface is the network interface name (e.g. "can0", "vcan0").
	Interface string

	// ReadTimeout bounds each socket read.
	// Default: 1 second.
	ReadTimeout time.Duration

	// ReconnectInterval is the initial delay between reconnection attempts.
	// Default: 5 seconds.
	ReconnectInterval time.Duration

	// QueueSize bounds the receive callback queue.
	// Default: 256.
	QueueSize int
}

// Stats holds operational statistics.
type Stats struct {
	Interface       string
	FramesTx        uint64
	FramesRx        uint64
	FramesDropped   uint64 // Frames dropped due to full callback queue
	ErrorsTotal     uint64
	ReconnectsTotal uint64 // Successful reconnections
	LastActivity    time.Time
	Connected       bool
	Reconnecting    bool // True if currently attempting to reconnect
}

// Logger interface for optional logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Connector is the CAN transport seen by the bridge.
// This allows mocking the bus in tests.
type Connector interface {
	Send(ctx context.Context, f Frame) error
	SetOnFrame(callback func(Frame))
	IsConnected() bool
	Stats() Stats
	HealthCheck(ctx context.Context) error
	Close() error
}
