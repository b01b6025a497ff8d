package can

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// errReadTimeout is returned by socketOps.read when no frame arrived
// within the read timeout.
var errReadTimeout = errors.New("can: read timeout")

// socketOps is the raw socket surface used by SocketCAN.
type socketOps interface {
	open(iface string, readTimeout, writeTimeout time.Duration) (int, error)
	read(fd int, buf []byte) (int, error)
	write(fd int, buf []byte) (int, error)
	close(fd int) error
}

// sysSocket talks to the kernel.
type sysSocket struct{}

func (sysSocket) open(iface string, rt, wt time.Duration) (int, error) {
	return openSocket(iface, rt, wt)
}
func (sysSocket) read(fd int, buf []byte) (int, error)  { return readSocket(fd, buf) }
func (sysSocket) write(fd int, buf []byte) (int, error) { return writeSocket(fd, buf) }
func (sysSocket) close(fd int) error                    { return closeSocket(fd) }

// Ensure SocketCAN implements Connector.
var _ Connector = (*SocketCAN)(nil)

// SocketCAN is a raw CAN_RAW socket bound to one interface.
//
// Thread Safety:
//   - All methods are safe for concurrent use.
//   - Frame callbacks run on a dedicated worker in receive order.
//
// Auto-Reconnection:
//   - When the interface goes away (ENETDOWN, ENODEV, slcand restart) the
//     socket is reopened with exponential backoff starting at
//     ReconnectInterval up to maxReconnectInterval (2min).
//   - Reconnection stops only when Close() is called.
type SocketCAN struct {
	cfg  Config
	sock socketOps

	// Connection state
	connMu    sync.RWMutex
	fd        int
	connected bool

	// Reconnection state
	reconnecting   atomic.Bool
	reconnectCount atomic.Int32

	// Frame handler callback
	onFrame    func(Frame)
	callbackMu sync.RWMutex

	callbackQueue chan Frame

	// Shutdown coordination
	done *closeOnce
	wg   sync.WaitGroup

	// Logger (optional)
	logger   Logger
	loggerMu sync.RWMutex

	// Statistics
	framesTx        atomic.Uint64
	framesRx        atomic.Uint64
	framesDropped   atomic.Uint64
	errorsTotal     atomic.Uint64
	reconnectsTotal atomic.Uint64
	lastActivity    atomic.Int64 // Unix timestamp
}

// Dial opens a raw CAN socket on cfg.Interface and starts receiving.
//
// Parameters:
//   - ctx: Context for cancellation of the initial open
//   - cfg: Connection configuration
//
// Returns:
//   - *SocketCAN: Connected socket ready for use
//   - error: ErrConnectionFailed (or ErrUnsupported off Linux)
func Dial(ctx context.Context, cfg Config) (*SocketCAN, error) {
	return dial(ctx, cfg, sysSocket{})
}

func dial(ctx context.Context, cfg Config, sock socketOps) (*SocketCAN, error) {
	if cfg.Interface == "" {
		return nil, fmt.Errorf("%w: interface is required", ErrConnectionFailed)
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = defaultReadTimeout
	}
	if cfg.ReconnectInterval == 0 {
		cfg.ReconnectInterval = defaultReconnectInterval
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultCallbackQueueSize
	}

	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	fd, err := sock.open(cfg.Interface, cfg.ReadTimeout, defaultWriteTimeout)
	if err != nil {
		if errors.Is(err, ErrUnsupported) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	c := &SocketCAN{
		cfg:           cfg,
		sock:          sock,
		fd:            fd,
		connected:     true,
		done:          newCloseOnce(),
		callbackQueue: make(chan Frame, cfg.QueueSize),
	}
	c.lastActivity.Store(time.Now().Unix())

	for range callbackWorkerCount {
		c.wg.Add(1)
		go c.callbackWorker()
	}

	c.wg.Add(1)
	go c.receiveLoop()

	return c, nil
}

// receiveLoop reads frames until Close. On socket loss it reconnects.
func (c *SocketCAN) receiveLoop() {
	defer c.wg.Done()

	buf := make([]byte, WireSize)

	for {
		if c.isClosed() {
			return
		}

		c.connMu.RLock()
		fd, connected := c.fd, c.connected
		c.connMu.RUnlock()

		if !connected {
			if !c.reconnect() {
				return
			}
			continue
		}

		n, err := c.sock.read(fd, buf)
		if err != nil {
			if errors.Is(err, errReadTimeout) {
				continue
			}
			if c.isClosed() {
				return
			}
			c.logError("read failed", err)
			c.errorsTotal.Add(1)
			c.handleDisconnect()
			continue
		}

		var f Frame
		if err := f.UnmarshalBinary(buf[:n]); err != nil {
			c.errorsTotal.Add(1)
			c.logDebug("discarding frame", "error", err, "bytes", n)
			continue
		}
		c.handleFrame(f)
	}
}

// handleFrame counts and queues a received frame.
func (c *SocketCAN) handleFrame(f Frame) {
	c.framesRx.Add(1)
	c.lastActivity.Store(time.Now().Unix())

	c.callbackMu.RLock()
	hasCallback := c.onFrame != nil
	c.callbackMu.RUnlock()

	if !hasCallback {
		return
	}

	select {
	case c.callbackQueue <- f:
	default:
		c.logError("callback queue full, dropping frame", fmt.Errorf("frame %s", f))
		c.framesDropped.Add(1)
		c.errorsTotal.Add(1)
	}
}

// callbackWorker delivers queued frames to the callback.
func (c *SocketCAN) callbackWorker() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done.Done():
			c.drainCallbackQueue()
			return
		case f := <-c.callbackQueue:
			c.callbackMu.RLock()
			callback := c.onFrame
			c.callbackMu.RUnlock()

			if callback != nil {
				func() {
					defer func() {
						if r := recover(); r != nil {
							c.logError("frame callback panic", fmt.Errorf("%v", r))
						}
					}()
					callback(f)
				}()
			}
		}
	}
}

// handleDisconnect closes the socket and marks the connector down.
func (c *SocketCAN) handleDisconnect() {
	c.connMu.Lock()
	wasConnected := c.connected
	c.connected = false
	if c.fd >= 0 {
		c.sock.close(c.fd) //nolint:errcheck // socket is being discarded
		c.fd = -1
	}
	c.connMu.Unlock()

	if wasConnected {
		c.logInfo("connection lost, will attempt reconnection", "interface", c.cfg.Interface)
	}
}

// reconnect reopens the socket with exponential backoff.
// Returns true on success, false if shutdown was signalled.
func (c *SocketCAN) reconnect() bool {
	if !c.reconnecting.CompareAndSwap(false, true) {
		return !c.isClosed()
	}
	defer c.reconnecting.Store(false)

	backoff := c.cfg.ReconnectInterval

	for {
		if c.isClosed() {
			return false
		}

		attempt := c.reconnectCount.Add(1)
		c.logInfo("attempting reconnection", "interface", c.cfg.Interface,
			"attempt", attempt, "backoff", backoff.String())

		fd, err := c.sock.open(c.cfg.Interface, c.cfg.ReadTimeout, defaultWriteTimeout)
		if err != nil {
			backoff = c.handleReconnectFailure(err, backoff)
			if backoff == 0 {
				return false
			}
			continue
		}

		c.connMu.Lock()
		c.fd = fd
		c.connected = true
		c.connMu.Unlock()

		c.reconnectCount.Store(0)
		c.reconnectsTotal.Add(1)
		c.lastActivity.Store(time.Now().Unix())
		c.logInfo("reconnection successful", "total_reconnects", c.reconnectsTotal.Load())
		return true
	}
}

// handleReconnectFailure waits out the backoff.
// Returns the next backoff, or 0 if shutdown was signalled.
func (c *SocketCAN) handleReconnectFailure(err error, backoff time.Duration) time.Duration {
	c.logError("reconnect: open failed", err)
	c.errorsTotal.Add(1)

	select {
	case <-c.done.Done():
		return 0
	case <-time.After(backoff):
	}

	next := time.Duration(float64(backoff) * 1.5)
	if next > maxReconnectInterval {
		next = maxReconnectInterval
	}
	return next
}

// drainCallbackQueue discards queued frames during shutdown.
func (c *SocketCAN) drainCallbackQueue() {
	for {
		select {
		case <-c.callbackQueue:
		default:
			return
		}
	}
}

func (c *SocketCAN) isClosed() bool {
	select {
	case <-c.done.Done():
		return true
	default:
		return false
	}
}

// Close stops the receive loop and closes the socket.
// Safe to call multiple times.
func (c *SocketCAN) Close() error {
	c.done.Close()

	// The receive loop exits within one read timeout.
	c.wg.Wait()

	c.connMu.Lock()
	c.connected = false
	if c.fd >= 0 {
		c.sock.close(c.fd) //nolint:errcheck // best-effort during shutdown
		c.fd = -1
	}
	c.connMu.Unlock()

	c.logInfo("connection closed", "interface", c.cfg.Interface)
	return nil
}

// Send writes one frame to the bus.
//
// Parameters:
//   - ctx: Context for cancellation
//   - f: Frame to transmit
//
// Returns:
//   - error: ErrInvalidFrame, ErrNotConnected or ErrSendFailed
func (c *SocketCAN) Send(ctx context.Context, f Frame) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrSendFailed, ctx.Err())
	default:
	}

	buf, err := f.MarshalBinary()
	if err != nil {
		return err
	}

	c.connMu.RLock()
	fd, connected := c.fd, c.connected
	c.connMu.RUnlock()

	if !connected || c.isClosed() {
		return ErrNotConnected
	}

	n, err := c.sock.write(fd, buf)
	if err != nil {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: write %s: %w", ErrSendFailed, f, err)
	}
	if n != WireSize {
		c.errorsTotal.Add(1)
		return fmt.Errorf("%w: short write %d of %d", ErrSendFailed, n, WireSize)
	}

	c.framesTx.Add(1)
	c.lastActivity.Store(time.Now().Unix())
	return nil
}

// SetOnFrame sets the callback for received frames. Panics in the
// callback are recovered and logged.
func (c *SocketCAN) SetOnFrame(callback func(Frame)) {
	c.callbackMu.Lock()
	c.onFrame = callback
	c.callbackMu.Unlock()
}

// SetLogger sets the logger for this connector.
func (c *SocketCAN) SetLogger(logger Logger) {
	c.loggerMu.Lock()
	c.logger = logger
	c.loggerMu.Unlock()
}

// IsConnected returns true while the socket is open.
func (c *SocketCAN) IsConnected() bool {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	return c.connected
}

// Stats returns current operational statistics.
func (c *SocketCAN) Stats() Stats {
	return Stats{
		Interface:       c.cfg.Interface,
		FramesTx:        c.framesTx.Load(),
		FramesRx:        c.framesRx.Load(),
		FramesDropped:   c.framesDropped.Load(),
		ErrorsTotal:     c.errorsTotal.Load(),
		ReconnectsTotal: c.reconnectsTotal.Load(),
		LastActivity:    time.Unix(c.lastActivity.Load(), 0),
		Connected:       c.IsConnected(),
		Reconnecting:    c.reconnecting.Load(),
	}
}

// HealthCheck reports ErrNotConnected while the socket is down.
func (c *SocketCAN) HealthCheck(_ context.Context) error {
	if !c.IsConnected() {
		return ErrNotConnected
	}
	return nil
}

func (c *SocketCAN) getLogger() Logger {
	c.loggerMu.RLock()
	defer c.loggerMu.RUnlock()
	return c.logger
}

func (c *SocketCAN) logInfo(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Info(msg, keysAndValues...)
	}
}

func (c *SocketCAN) logDebug(msg string, keysAndValues ...any) {
	if logger := c.getLogger(); logger != nil {
		logger.Debug(msg, keysAndValues...)
	}
}

func (c *SocketCAN) logError(msg string, err error) {
	if logger := c.getLogger(); logger != nil {
		logger.Error(msg, "error", err)
	}
}
